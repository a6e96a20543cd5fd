package renderblock_test

import (
	"sync"
	"testing"

	"github.com/docsite/jinja-render/pkg/renderblock"
	"github.com/flosch/pongo2/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pongo2TracesMu sync.Mutex
	pongo2Traces   []renderblock.Trace
)

func registerPongo2(t *testing.T) {
	t.Helper()
	require.NoError(t, renderblock.RegisterPongo2(renderblock.WithTrace(func(tr renderblock.Trace) {
		pongo2TracesMu.Lock()
		defer pongo2TracesMu.Unlock()
		pongo2Traces = append(pongo2Traces, tr)
	})))
}

func TestRegisterPongo2(t *testing.T) {
	registerPongo2(t)
	// Later calls reuse the first registration.
	assert.NoError(t, renderblock.RegisterPongo2())
	assert.True(t, pongo2.TagExists(renderblock.TagName))
}

func TestPongo2RenderBlock(t *testing.T) {
	registerPongo2(t)

	tests := []struct {
		name     string
		template string
		context  pongo2.Context
		want     string
	}{
		{
			name:     "body without expressions is unchanged",
			template: `{% render %}plain text{% endrender %}`,
			want:     "plain text",
		},
		{
			name:     "expression rendered once",
			template: `{% render %}{{ "a" }}{% endrender %}`,
			want:     "a",
		},
		{
			name:     "emitted expression rendered by second pass",
			template: `{% render %}{% templatetag openvariable %} x {% templatetag closevariable %}{% endrender %}`,
			context:  pongo2.Context{"x": "5"},
			want:     "5",
		},
		{
			name:     "loop variables reach the second pass",
			template: `{% for i in items %}{% render %}{% templatetag openvariable %} i {% templatetag closevariable %};{% endrender %}{% endfor %}`,
			context:  pongo2.Context{"items": []int{1, 2}},
			want:     "1;2;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := pongo2.FromString(tt.template)
			require.NoError(t, err)
			got, err := tpl.Execute(tt.context)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPongo2RenderBlock_SecondPassSyntaxError(t *testing.T) {
	registerPongo2(t)

	tpl, err := pongo2.FromString(`{% render %}{% templatetag openvariable %} x{% endrender %}`)
	require.NoError(t, err)

	_, err = tpl.Execute(pongo2.Context{"x": 1})
	require.Error(t, err)
	var perr *pongo2.Error
	assert.ErrorAs(t, err, &perr)
}

func TestPongo2RenderBlock_Trace(t *testing.T) {
	registerPongo2(t)

	tpl, err := pongo2.FromString("\n{% render traced %}{% templatetag openvariable %} n {% templatetag closevariable %}{% endrender %}")
	require.NoError(t, err)
	out, err := tpl.Execute(pongo2.Context{"n": "traced-value"})
	require.NoError(t, err)
	assert.Equal(t, "\ntraced-value", out)

	pongo2TracesMu.Lock()
	defer pongo2TracesMu.Unlock()
	var found *renderblock.Trace
	for i := range pongo2Traces {
		if pongo2Traces[i].Output == "traced-value" {
			found = &pongo2Traces[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "{{ n }}", found.Intermediate)
	assert.Equal(t, "traced", found.Args)
	assert.Equal(t, 2, found.Line)
}
