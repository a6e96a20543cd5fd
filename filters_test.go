package jinja

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilters(t *testing.T) {
	context := map[string]interface{}{
		"name":   "hello world",
		"items":  []interface{}{"b", "a", "c"},
		"nums":   []interface{}{10, 2, 33},
		"config": map[string]interface{}{"port": 8080, "hosts": []interface{}{"a", "b"}},
		"empty":  "",
		"html":   `<p class="x">Hello <b>there</b></p>`,
		"size":   1500000,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"default on undefined", "{{ missing | default('x') }}", "x"},
		{"default alias", "{{ missing | d('y') }}", "y"},
		{"default keeps defined falsy", "{{ empty | default('x') }}", ""},
		{"default boolean mode", "{{ empty | default('x', true) }}", "x"},
		{"join", "{{ items | join(', ') }}", "b, a, c"},
		{"join without separator", "{{ items | join }}", "bac"},
		{"upper", "{{ name | upper }}", "HELLO WORLD"},
		{"lower", "{{ 'ABC' | lower }}", "abc"},
		{"capitalize", "{{ 'hELLO wORLD' | capitalize }}", "Hello world"},
		{"capitalize multibyte first letter", "{{ 'élan VITAL' | capitalize }}", "Élan vital"},
		{"title", "{{ name | title }}", "Hello World"},
		{"replace", "{{ name | replace('o', '0') }}", "hell0 w0rld"},
		{"replace with count", "{{ name | replace('o', '0', 1) }}", "hell0 world"},
		{"trim", "{{ '  x  ' | trim }}", "x"},
		{"trim chars", "{{ 'xxHixx' | trim('x') }}", "Hi"},
		{"list of string", "{{ 'abc' | list }}", "['a', 'b', 'c']"},
		{"escape", "{{ '<a href=\"x\">&</a>' | escape }}", "&lt;a href=&#34;x&#34;&gt;&amp;&lt;/a&gt;"},
		{"striptags", "{{ html | striptags }}", "Hello there"},
		{"length", "{{ items | length }}", "3"},
		{"count of string", "{{ 'héllo' | count }}", "5"},
		{"first", "{{ items | first }}", "b"},
		{"last", "{{ items | last }}", "c"},
		{"first of empty", "{{ [] | first }}", ""},
		{"reverse list", "{{ items | reverse | join }}", "cab"},
		{"reverse string", "{{ 'abc' | reverse }}", "cba"},
		{"sort strings", "{{ items | sort | join }}", "abc"},
		{"sort numbers", "{{ nums | sort | join(',') }}", "2,10,33"},
		{"sort reverse", "{{ nums | sort(true) | join(',') }}", "33,10,2"},
		{"int", "{{ '42' | int + 1 }}", "43"},
		{"int fallback", "{{ 'abc' | int(7) }}", "7"},
		{"float", "{{ '2.5' | float * 2 }}", "5"},
		{"string", "{{ 5 | string ~ '!' }}", "5!"},
		{"tojson", "{{ config | tojson }}", `{"hosts":["a","b"],"port":8080}`},
		{"tojson does not escape html", "{{ '<&>' | tojson }}", `"<&>"`},
		{"jsonify indent", "{{ {'a': 1} | jsonify(2) }}", "{\n  \"a\": 1\n}"},
		{"to_yaml", "{{ config | to_yaml }}", "hosts:\n    - a\n    - b\nport: 8080"},
		{"to_toml", "{{ config | to_toml }}", "hosts = [\"a\", \"b\"]\nport = 8080"},
		{"filesizeformat", "{{ size | filesizeformat }}", "1.5 MB"},
		{"filesizeformat binary", "{{ 1048576 | filesizeformat(true) }}", "1.0 MiB"},
		{"version_compare greater", "{{ '1.10.0' | version_compare('1.9', '>') }}", "true"},
		{"version_compare default equality", "{{ '2.0' | version_compare('2.0.0') }}", "true"},
		{"version_compare less", "{{ '1.2.3' | version_compare('1.2.10', 'lt') }}", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TemplateString(tt.template, context)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilters_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
		msg      string
	}{
		{"default without argument", "{{ x | default }}", "requires at least one argument"},
		{"join of number", "{{ 5 | join }}", "join filter requires a sequence"},
		{"replace without arguments", "{{ 'a' | replace('a') }}", "replace filter requires two arguments"},
		{"length of number", "{{ 5 | length }}", "has no length"},
		{"to_toml of list", "{{ [1] | to_toml }}", "to_toml requires a mapping"},
		{"invalid version", "{{ 'not a version' | version_compare('1.0') }}", "invalid version"},
		{"unknown version operator", "{{ '1.0' | version_compare('1.0', '~>') }}", "unknown version_compare operator"},
		{"negative file size", "{{ (-1) | filesizeformat }}", "non-negative"},
		{"file size beyond 64 bits", "{{ 100000000000000000000.0 | filesizeformat }}", "below 2^64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TemplateString(tt.template, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)

			var runtimeErr *TemplateRuntimeError
			assert.ErrorAs(t, err, &runtimeErr)
		})
	}
}

func TestAddFilter(t *testing.T) {
	env := NewEnvironment(nil, nil)

	_, err := env.Parse("{{ 'x' | shout }}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownFilter)

	env.AddFilter("shout", func(input interface{}, args ...interface{}) (interface{}, error) {
		return ToString(input) + "!", nil
	})
	got, err := env.RenderString("{{ 'x' | shout }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "x!", got)
}
