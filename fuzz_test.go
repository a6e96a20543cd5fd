package jinja

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var templateFragments = []string{
	"text", " ", "\n", "{", "}", "%", "#", "-",
	"{{ x }}", "{{ items | join(',') }}", "{{ 'a' ~ x }}", "{{ x.y[0] }}", "{{",
	"}}", "{%", "%}", "{#", "#}", "{% if x %}", "{% elif y %}", "{% else %}",
	"{% endif %}", "{% for i in items %}", "{% for k, v in m %}", "{% endfor %}",
	"{% set x = 1 %}", "{% raw %}", "{% endraw %}", "{% shout %}", "{% endshout %}",
	"{{- x -}}", "{%- if x -%}", "{# c #}", "'", "\"", "{{ (1 / 0) }}", "{{ nope | nope }}",
}

func getRandSource(t *testing.T) rand.Source {
	var seed int64
	if os.Getenv("JINJA_SEED") == "" {
		seed = time.Now().UnixNano()
	} else {
		envSeed, err := strconv.Atoi(os.Getenv("JINJA_SEED"))
		require.NoError(t, err)
		seed = int64(envSeed)
	}
	t.Logf("Seed used was: [%v]. To reproduce, re-run the test with `export JINJA_SEED=%v`", seed, seed)
	return rand.NewSource(seed)
}

func TestParse_with_fuzzed_templates(t *testing.T) {
	env := NewEnvironment(nil, &Config{MaxRenderDepth: 8})
	require.NoError(t, env.RegisterBlockTag("shout", upperTag))

	fuzzTemplate := fuzz.New().RandSource(getRandSource(t)).NilChance(0).Funcs(func(s *string, c fuzz.Continue) {
		var b strings.Builder
		for n := c.Intn(12); n >= 0; n-- {
			if c.Intn(8) == 0 {
				b.WriteString(c.RandString())
				continue
			}
			b.WriteString(templateFragments[c.Intn(len(templateFragments))])
		}
		*s = b.String()
	})

	context := map[string]interface{}{
		"x":     "v",
		"y":     true,
		"items": []interface{}{1, "two"},
		"m":     map[string]interface{}{"a": 1},
	}

	for i := 0; i < 500; i++ {
		var source string
		fuzzTemplate.Fuzz(&source)

		t.Run(fmt.Sprintf("template %d: %q", i, source), func(t *testing.T) {
			var tmpl *Template
			var err error
			require.NotPanics(t, func() { tmpl, err = env.Parse(source) })
			if err != nil {
				var syntaxErr *TemplateSyntaxError
				assert.ErrorAs(t, err, &syntaxErr)
				return
			}
			require.NotPanics(t, func() { _, err = tmpl.Render(context) })
			if err != nil {
				var runtimeErr *TemplateRuntimeError
				assert.ErrorAs(t, err, &runtimeErr)
			}
		})
	}
}

func TestRender_with_fuzzed_literals(t *testing.T) {
	fuzzStrings := fuzz.New().RandSource(getRandSource(t)).Funcs(func(s *string, c fuzz.Continue) {
		*s += c.RandString()
		*s = strings.ReplaceAll(*s, "'", `"`)
		// Backslash escapes are covered elsewhere.
		*s = strings.ReplaceAll(*s, "\\", `/`)
	})

	for i := 0; i < 100; i++ {
		var literal string
		fuzzStrings.Fuzz(&literal)

		t.Run(fmt.Sprintf("literal %q", literal), func(t *testing.T) {
			got, err := TemplateString("{{ '"+literal+"' }}", nil)
			require.NoError(t, err)
			assert.Equal(t, literal, got)
		})
	}
}
