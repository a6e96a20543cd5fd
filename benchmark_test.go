package jinja

import (
	"strings"
	"testing"
)

// Benchmark templates of varying complexity
func BenchmarkTemplateString(b *testing.B) {
	tests := []struct {
		name     string
		template string
		context  map[string]interface{}
	}{
		{
			name:     "simple_variable",
			template: "Hello, {{ name }}!",
			context:  map[string]interface{}{"name": "World"},
		},
		{
			name:     "conditional",
			template: "{% if is_admin %}Admin user: {{ user_name }}{% else %}Regular user: {{ user_name }}{% endif %}",
			context:  map[string]interface{}{"user_name": "John", "is_admin": true},
		},
		{
			name:     "loop_with_filters",
			template: "{% for u in users %}{{ loop.index }}. {{ u.name | title }} <{{ u.email | lower }}>\n{% endfor %}",
			context: map[string]interface{}{"users": []interface{}{
				map[string]interface{}{"name": "ada lovelace", "email": "ADA@example.com"},
				map[string]interface{}{"name": "alan turing", "email": "ALAN@example.com"},
			}},
		},
	}

	for _, tt := range tests {
		b.Run(tt.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, err := TemplateString(tt.template, tt.context)
				if err != nil {
					b.Fatalf("Error rendering template: %v", err)
				}
			}
		})
	}
}

// Generated sources bypass the cache, so every nested render parses again.
func BenchmarkNestedRender(b *testing.B) {
	env := NewEnvironment(nil, nil)
	if err := env.RegisterBlockTag("again", BlockTagFunc(func(s *State, call *TagCall) (string, error) {
		out, err := s.Render(call.Body)
		if err != nil {
			return "", err
		}
		return s.RenderString(out)
	})); err != nil {
		b.Fatal(err)
	}

	source := "{% again %}{{ body }}{% endagain %}"
	context := map[string]interface{}{"body": strings.Repeat("{{ x }},", 50)}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := env.RenderString(source, context); err != nil {
			b.Fatalf("Error rendering template: %v", err)
		}
	}
}

func BenchmarkParse(b *testing.B) {
	source := strings.Repeat("{% for i in items %}{% if i is even %}{{ i | string }}{% endif %}{% endfor %}\n", 20)
	env := NewEnvironment(nil, &Config{CacheTemplates: false})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := env.Parse(source); err != nil {
			b.Fatalf("Error parsing template: %v", err)
		}
	}
}
