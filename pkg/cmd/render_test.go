package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jinja "github.com/docsite/jinja-render"
	"github.com/docsite/jinja-render/pkg/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	command := cmd.NewDefaultJinjaRenderCmd()
	command.SetArgs(args)
	command.SetIn(strings.NewReader(stdin))
	command.SetOut(&stdout)
	command.SetErr(&stderr)
	err := command.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	tpl := writeFile(t, dir, "site.json.j2", `{"name": "{{ name }}", "listen": {% render %}{{ listen }}{% endrender %}}`)
	data := writeFile(t, dir, "values.yaml", "name: docs\nport: 8080\nlisten: '\"0.0.0.0:{{ port }}\"'\n")

	stdout, stderr, err := runCmd(t, "", "-t", tpl, "-d", data)
	require.NoError(t, err)
	assert.Equal(t, `{"name": "docs", "listen": "0.0.0.0:8080"}`, stdout)
	assert.Empty(t, stderr)

	// The explicit subcommand behaves the same.
	stdout, _, err = runCmd(t, "", "render", "--template", tpl, "--data", data)
	require.NoError(t, err)
	assert.Equal(t, `{"name": "docs", "listen": "0.0.0.0:8080"}`, stdout)
}

func TestRender_ContextPrecedence(t *testing.T) {
	dir := t.TempDir()
	tpl := writeFile(t, dir, "t.j2", "{{ a }} {{ b.c }} {{ b.d }} {{ e }}")
	first := writeFile(t, dir, "first.json", `{"a": 1, "b": {"c": 1, "d": 1}, "e": 1}`)
	second := writeFile(t, dir, "second.toml", "a = 2\n[b]\nc = 2\n")
	t.Setenv("JRTEST_e", "3")
	t.Setenv("JRTEST_b__d", "3")

	stdout, _, err := runCmd(t, "", "-t", tpl, "-d", first, "-d", second, "--values-env", "JRTEST", "-v", "e=4")
	require.NoError(t, err)
	assert.Equal(t, "2 2 3 4", stdout)
}

func TestRender_Stdin(t *testing.T) {
	stdout, _, err := runCmd(t, "{% render %}{{ '{{ x * 2 }}' }}{% endrender %}", "-t", "-", "-v", "x=21")
	require.NoError(t, err)
	assert.Equal(t, "42", stdout)
}

func TestRender_OutputFile(t *testing.T) {
	dir := t.TempDir()
	tpl := writeFile(t, dir, "t.j2", "hello {{ who }}")
	out := filepath.Join(dir, "out.txt")

	stdout, _, err := runCmd(t, "", "-t", tpl, "-v", "who=world", "-o", out)
	require.NoError(t, err)
	assert.Empty(t, stdout)

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(written))
}

func TestRender_Trace(t *testing.T) {
	dir := t.TempDir()
	tpl := writeFile(t, dir, "t.j2", "\n{% render %}{{ '{{ v }}' }}{% endrender %}")

	stdout, stderr, err := runCmd(t, "", "-t", tpl, "-v", "v=done", "--trace")
	require.NoError(t, err)
	assert.Equal(t, "\ndone", stdout)
	assert.Contains(t, stderr, "--- render block "+tpl+":2 (depth 0)")
}

func TestRender_Config(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "data.json", `{"known": "yes"}`)
	config := writeFile(t, dir, "config.json", `{"strict_undefined": true, "max_render_depth": 2, "data_files": ["`+data+`"]}`)

	stdout, _, err := runCmd(t, "", "-t", "-", "--config", config)
	require.NoError(t, err, "empty template")
	assert.Empty(t, stdout)

	tpl := writeFile(t, dir, "known.j2", "{{ known }}")
	stdout, _, err = runCmd(t, "", "-t", tpl, "--config", config)
	require.NoError(t, err)
	assert.Equal(t, "yes", stdout)

	tpl = writeFile(t, dir, "unknown.j2", "{{ unknown }}")
	_, _, err = runCmd(t, "", "-t", tpl, "--config", config)
	require.Error(t, err)
	assert.ErrorIs(t, err, jinja.ErrUndefined)

	// Flags override the file.
	stdout, _, err = runCmd(t, "", "-t", tpl, "--config", config, "--strict=false")
	require.NoError(t, err)
	assert.Empty(t, stdout)

	loop := writeFile(t, dir, "loop.j2", "{% render %}{{ src }}{% endrender %}")
	src := writeFile(t, dir, "src.json", `{"src": "{% render %}{{ src }}{% endrender %}"}`)
	_, _, err = runCmd(t, "", "-t", loop, "--config", config, "-d", src)
	require.Error(t, err)
	assert.ErrorIs(t, err, jinja.ErrRecursionLimit)
	assert.Contains(t, err.Error(), "more than 2 nested renders")

	_, _, err = runCmd(t, "", "-t", loop, "--config", config, "--max-depth", "3", "-d", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 3 nested renders")
}

func TestRender_MaxDepth(t *testing.T) {
	dir := t.TempDir()
	config := writeFile(t, dir, "config.json", `{"max_render_depth": 2}`)
	tpl := writeFile(t, dir, "chain.j2", "{% render %}{{ a }}{% endrender %}")
	chain := writeFile(t, dir, "chain.json", `{
		"a": "{% render %}{{ b }}{% endrender %}",
		"b": "{% render %}{{ c }}{% endrender %}",
		"c": "{% render %}{{ d }}{% endrender %}",
		"d": "done"
	}`)

	_, _, err := runCmd(t, "", "-t", tpl, "--config", config, "-d", chain)
	require.Error(t, err)
	assert.ErrorIs(t, err, jinja.ErrRecursionLimit)

	// Zero lifts the configured limit.
	stdout, _, err := runCmd(t, "", "-t", tpl, "--config", config, "-d", chain, "--max-depth", "0")
	require.NoError(t, err)
	assert.Equal(t, "done", stdout)

	_, _, err = runCmd(t, "", "-t", tpl, "-d", chain, "--max-depth", "-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected --max-depth to be non-negative")
}

func TestRender_LogLevel(t *testing.T) {
	dir := t.TempDir()
	tpl := writeFile(t, dir, "t.j2", "x")

	_, stderr, err := runCmd(t, "", "-t", tpl, "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Rendering template")
	assert.Contains(t, stderr, "Registered block tag")

	_, _, err = runCmd(t, "", "-t", tpl, "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level 'loud'")
}

func TestRender_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.j2", "line 1\n{% if x %}")
	malformed := writeFile(t, dir, "malformed.j2", "{% render %}{{ '{{ x' }}{% endrender %}")

	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"no template", []string{}, "Expected a template"},
		{"missing template file", []string{"-t", filepath.Join(dir, "nope.j2")}, "Reading template"},
		{"syntax error", []string{"-t", bad}, "template syntax error in " + bad + ", line 2"},
		{"second pass syntax error", []string{"-t", malformed}, "unclosed expression tag"},
		{"missing data file", []string{"-t", bad, "-d", filepath.Join(dir, "nope.yaml")}, "Reading data file"},
		{"bad override", []string{"-t", bad, "-v", "novalue"}, "Expected format key=value"},
		{"missing config", []string{"-t", bad, "--config", filepath.Join(dir, "nope.json")}, "failed to read config file"},
		{"extra arguments", []string{"-t", bad, "extra"}, "extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCmd(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
