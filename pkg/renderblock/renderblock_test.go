package renderblock_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	jinja "github.com/docsite/jinja-render"
	"github.com/docsite/jinja-render/pkg/renderblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T, config *jinja.Config, opts ...renderblock.Option) *jinja.Environment {
	t.Helper()
	env := jinja.NewEnvironment(nil, config)
	require.NoError(t, renderblock.Register(env, opts...))
	return env
}

func TestRenderBlock(t *testing.T) {
	tests := []struct {
		name     string
		template string
		context  map[string]interface{}
		want     string
	}{
		{
			name:     "body without expressions is unchanged",
			template: `{% render %}{"name": "static", "tags": [1, 2]}{% endrender %}`,
			want:     `{"name": "static", "tags": [1, 2]}`,
		},
		{
			name:     "expression rendered once",
			template: `{% render %}{{ "a" }}{% endrender %}`,
			want:     "a",
		},
		{
			name:     "emitted expression rendered by second pass",
			template: `{% render %}{{ "{{x}}" }}{% endrender %}`,
			context:  map[string]interface{}{"x": "5"},
			want:     "5",
		},
		{
			name:     "variable holding template source",
			template: `{"listen": {% render %}{{ src }}{% endrender %}}`,
			context:  map[string]interface{}{"src": `"{{ host }}:{{ port }}"`, "host": "localhost", "port": 8080},
			want:     `{"listen": "localhost:8080"}`,
		},
		{
			name:     "set in first pass visible in second",
			template: `{% render %}{% set y = 3 %}{{ "{{ y * 2 }}" }}{% endrender %}`,
			want:     "6",
		},
		{
			name:     "set in second pass visible after the block",
			template: `{% render %}{{ "{% set z = 'late' %}" }}{% endrender %}{{ z }}`,
			want:     "late",
		},
		{
			name:     "inside a for loop",
			template: `{% for i in [1, 2] %}{% render %}{{ "{{ i * 10 }}" }}{% endrender %},{% endfor %}`,
			want:     "10,20,",
		},
		{
			name:     "nested render blocks",
			template: `{% render %}{% render %}{{ "{{ '{{ v }}' }}" }}{% endrender %}{% endrender %}`,
			context:  map[string]interface{}{"v": "ok"},
			want:     "ok",
		},
		{
			name:     "arguments are ignored",
			template: `{% render json pretty %}{{ "{{ 1 + 1 }}" }}{% endrender %}`,
			want:     "2",
		},
		{
			name:     "empty body",
			template: `a{% render %}{% endrender %}b`,
			want:     "ab",
		},
		{
			name:     "whitespace control around the tag",
			template: "[\n  {%- render -%}\n  {{ \"{{ 'x' }}\" }}\n  {%- endrender -%}\n]",
			want:     "[x]",
		},
	}

	env := newEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.RenderString(tt.template, tt.context)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderBlock_SecondPassSyntaxError(t *testing.T) {
	tests := []struct {
		name     string
		template string
		msg      string
	}{
		{"unbalanced expression delimiter", `{% render %}{{ "{{ x" }}{% endrender %}`, "unclosed expression tag"},
		{"unclosed block", `{% render %}{{ "{% if x %}" }}{% endrender %}`, "unclosed '{% if %}' tag"},
		{"stray closing tag", `{% render %}{{ "{% endfor %}" }}{% endrender %}`, "unexpected '{% endfor %}'"},
		{"unknown filter", `{% render %}{{ "{{ x | nope }}" }}{% endrender %}`, "no filter named 'nope'"},
	}

	env := newEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := env.ParseNamed("data.json", tt.template)
			require.NoError(t, err, "the outer template is valid")

			_, err = tmpl.Render(nil)
			require.Error(t, err)

			syntaxErr, ok := err.(*jinja.TemplateSyntaxError)
			require.True(t, ok, "expected *jinja.TemplateSyntaxError, got %T: %v", err, err)
			assert.Equal(t, "data.json", syntaxErr.Name)
			assert.Equal(t, 1, syntaxErr.Line)
			assert.Contains(t, syntaxErr.Msg, tt.msg)
		})
	}
}

func TestRenderBlock_ErrorsPassThrough(t *testing.T) {
	env := newEnv(t, &jinja.Config{StrictUndefined: true, MaxRenderDepth: 64})

	// First pass.
	_, err := env.RenderString("\n{% render %}{{ 1 / 0 }}{% endrender %}", nil)
	require.Error(t, err)
	var runtimeErr *jinja.TemplateRuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, 2, runtimeErr.Line)
	assert.Contains(t, err.Error(), "division by zero")

	// Second pass: the line is the line within the generated source.
	_, err = env.RenderString("\n\n{% render %}{{ '\\n{{ missing }}' }}{% endrender %}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, jinja.ErrUndefined)
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, 2, runtimeErr.Line)
}

func TestRenderBlock_RecursionLimit(t *testing.T) {
	env := newEnv(t, &jinja.Config{MaxRenderDepth: 5})
	context := map[string]interface{}{"x": "{% render %}{{ x }}{% endrender %}"}

	_, err := env.RenderString("{% render %}{{ x }}{% endrender %}", context)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jinja.ErrRecursionLimit), "got %v", err)
	assert.Contains(t, err.Error(), "more than 5 nested renders")
}

func TestRenderBlock_Trace(t *testing.T) {
	var traces []renderblock.Trace
	env := newEnv(t, nil, renderblock.WithTrace(func(tr renderblock.Trace) {
		traces = append(traces, tr)
	}))

	tmpl, err := env.ParseNamed("page.html", "x\n{% render fast %}{{ \"{{ n }}\" }}{% endrender %}")
	require.NoError(t, err)
	out, err := tmpl.Render(map[string]interface{}{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, "x\n7", out)

	require.Len(t, traces, 1)
	assert.Equal(t, renderblock.Trace{
		Template:     "page.html",
		Line:         2,
		Args:         "fast",
		Intermediate: "{{ n }}",
		Output:       "7",
		Depth:        0,
	}, traces[0])

	// Failed blocks are not traced.
	_, err = env.RenderString("{% render %}{{ '{{' }}{% endrender %}", nil)
	require.Error(t, err)
	assert.Len(t, traces, 1)
}

func TestRenderBlock_NestedTraceDepth(t *testing.T) {
	var depths []int
	env := newEnv(t, nil, renderblock.WithTrace(func(tr renderblock.Trace) {
		depths = append(depths, tr.Depth)
	}))

	context := map[string]interface{}{"inner": "{% render %}{{ 'y' }}{% endrender %}"}
	got, err := env.RenderString("{% render %}{{ inner }}{% endrender %}", context)
	require.NoError(t, err)
	assert.Equal(t, "y", got)
	// The inner block completes first, one pass deeper.
	assert.Equal(t, []int{1, 0}, depths)
}

func TestRenderBlock_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	env := newEnv(t, nil, renderblock.WithLogger(logger))

	got, err := env.RenderString("{% render unused %}ok{% endrender %}", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Contains(t, buf.String(), "Ignoring render tag arguments")
	assert.Contains(t, buf.String(), "args=unused")

	buf.Reset()
	_, err = env.RenderString("{% render %}ok{% endrender %}", nil)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestRegister(t *testing.T) {
	env := jinja.NewEnvironment(nil, nil)

	_, err := env.Parse("{% render %}{% endrender %}")
	require.Error(t, err, "the tag is not available before registration")

	require.NoError(t, renderblock.Register(env))
	assert.Equal(t, []string{renderblock.TagName}, env.BlockTags())

	err = renderblock.Register(env)
	assert.ErrorIs(t, err, jinja.ErrTagExists)

	// Registration is per environment.
	_, err = jinja.NewEnvironment(nil, nil).Parse("{% render %}{% endrender %}")
	assert.Error(t, err)
}
