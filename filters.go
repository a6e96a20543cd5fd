package jinja

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-version"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// FilterFunc defines the signature for a filter function.
// input is the value to be filtered.
// args are the arguments passed to the filter.
type FilterFunc func(input interface{}, args ...interface{}) (interface{}, error)

func builtinFilters() map[string]FilterFunc {
	return map[string]FilterFunc{
		"default":         defaultFilter,
		"d":               defaultFilter,
		"join":            joinFilter,
		"upper":           stringFilter(strings.ToUpper),
		"lower":           stringFilter(strings.ToLower),
		"capitalize":      stringFilter(capitalize),
		"title":           stringFilter(titleCase),
		"replace":         replaceFilter,
		"trim":            trimFilter,
		"list":            listFilter,
		"escape":          stringFilter(html.EscapeString),
		"e":               stringFilter(html.EscapeString),
		"striptags":       stringFilter(stripTags),
		"length":          lengthFilter,
		"count":           lengthFilter,
		"first":           firstFilter,
		"last":            lastFilter,
		"reverse":         reverseFilter,
		"sort":            sortFilter,
		"int":             intFilter,
		"float":           floatFilter,
		"string":          stringFilter(func(s string) string { return s }),
		"tojson":          toJSONFilter,
		"jsonify":         toJSONFilter,
		"to_yaml":         toYAMLFilter,
		"to_toml":         toTOMLFilter,
		"filesizeformat":  fileSizeFormatFilter,
		"version_compare": versionCompareFilter,
	}
}

// stringFilter lifts a string transformation into a filter; the input is
// rendered to text first.
func stringFilter(fn func(string) string) FilterFunc {
	return func(input interface{}, _ ...interface{}) (interface{}, error) {
		return fn(ToString(input)), nil
	}
}

// titleCase builds a new Caser per call; a Caser must not be shared between goroutines.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// capitalize upper-cases the first character and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	_, size := utf8.DecodeRuneInString(s)
	return cases.Upper(language.Und).String(s[:size]) + cases.Lower(language.Und).String(s[size:])
}

// defaultFilter implements the 'default' Jinja filter.
// Undefined input is replaced by the first argument. With a second argument
// of true, falsy values (none, false, empty) are replaced as well.
// Usage: {{ missing | default('fallback') }}
func defaultFilter(input interface{}, args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("default filter requires at least one argument (the default value)")
	}
	if _, undefined := input.(Undefined); undefined {
		return args[0], nil
	}
	if len(args) > 1 && IsTruthy(args[1]) && !IsTruthy(input) {
		return args[0], nil
	}
	return input, nil
}

// joinFilter implements the 'join' Jinja filter.
// Usage: {{ ['a', 'b', 'c'] | join(',') }} -> "a,b,c"
func joinFilter(input interface{}, args ...interface{}) (interface{}, error) {
	delimiter := ""
	if len(args) > 0 {
		delimiter = ToString(args[0])
	}
	if s, ok := input.(string); ok {
		return s, nil
	}
	items, err := toSlice(input)
	if err != nil {
		return nil, fmt.Errorf("join filter requires a sequence: %w", err)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = ToString(item)
	}
	return strings.Join(parts, delimiter), nil
}

// replaceFilter implements the 'replace' Jinja filter.
// Usage: {{ 'Hello World' | replace('Hello', 'Hi') }} -> "Hi World"
func replaceFilter(input interface{}, args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("replace filter requires two arguments: old substring and new substring")
	}
	count := -1
	if len(args) > 2 {
		n, err := toInt(args[2])
		if err != nil {
			return nil, fmt.Errorf("replace filter count must be an integer")
		}
		count = n
	}
	return strings.Replace(ToString(input), ToString(args[0]), ToString(args[1]), count), nil
}

// trimFilter implements the 'trim' Jinja filter.
// Usage: {{ '  Hello  ' | trim }} -> "Hello"
// Usage: {{ 'xxHixx' | trim('x') }} -> "Hi"
func trimFilter(input interface{}, args ...interface{}) (interface{}, error) {
	str := ToString(input)
	if len(args) == 0 {
		return strings.TrimSpace(str), nil
	}
	return strings.Trim(str, ToString(args[0])), nil
}

// listFilter implements the 'list' Jinja filter.
// Strings become a list of characters, maps a sorted list of keys.
// Usage: {{ 'abc' | list }} -> ['a', 'b', 'c']
func listFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	if input == nil {
		return []interface{}{}, nil
	}
	if s, ok := input.(string); ok {
		result := make([]interface{}, 0, len(s))
		for _, ch := range s {
			result = append(result, string(ch))
		}
		return result, nil
	}
	if items, err := toSlice(input); err == nil {
		return items, nil
	}
	return []interface{}{input}, nil
}

// lengthFilter implements the 'length' Jinja filter.
func lengthFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	if input == nil {
		return 0, nil
	}
	if s, ok := input.(string); ok {
		return len([]rune(s)), nil
	}
	rv := reflect.ValueOf(input)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("object of type %s has no length", typeName(input))
}

func firstFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	items, err := listFilter(input)
	if err != nil {
		return nil, err
	}
	list := items.([]interface{})
	if len(list) == 0 {
		return Undefined{Name: "first"}, nil
	}
	return list[0], nil
}

func lastFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	items, err := listFilter(input)
	if err != nil {
		return nil, err
	}
	list := items.([]interface{})
	if len(list) == 0 {
		return Undefined{Name: "last"}, nil
	}
	return list[len(list)-1], nil
}

func reverseFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	if s, ok := input.(string); ok {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	}
	items, err := toSlice(input)
	if err != nil {
		return nil, fmt.Errorf("reverse filter requires a sequence: %w", err)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out, nil
}

// sortFilter implements the 'sort' Jinja filter: sort(reverse=false).
// Numbers sort numerically, everything else by rendered text.
func sortFilter(input interface{}, args ...interface{}) (interface{}, error) {
	items, err := toSlice(input)
	if err != nil {
		return nil, fmt.Errorf("sort filter requires a sequence: %w", err)
	}
	out := append([]interface{}(nil), items...)
	reverse := len(args) > 0 && IsTruthy(args[0])
	sort.SliceStable(out, func(i, j int) bool {
		if reverse {
			return lessValue(out[j], out[i])
		}
		return lessValue(out[i], out[j])
	})
	return out, nil
}

func lessValue(a, b interface{}) bool {
	if less, err := compare(a, b, func(c int) bool { return c < 0 }); err == nil {
		return less.(bool)
	}
	return ToString(a) < ToString(b)
}

func intFilter(input interface{}, args ...interface{}) (interface{}, error) {
	if isInteger(input) {
		return input, nil
	}
	n, err := toInt(input)
	if err != nil {
		if len(args) > 0 {
			return args[0], nil
		}
		return 0, nil
	}
	return n, nil
}

func floatFilter(input interface{}, args ...interface{}) (interface{}, error) {
	f, err := toFloat(input)
	if err != nil {
		if len(args) > 0 {
			return args[0], nil
		}
		return 0.0, nil
	}
	return f, nil
}

// toJSONFilter implements 'tojson' (alias 'jsonify'): the value serialised as
// JSON, optionally indented. Map keys are sorted.
// Usage: {{ {'a': [1, 2]} | tojson }} -> {"a":[1,2]}
func toJSONFilter(input interface{}, args ...interface{}) (interface{}, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if len(args) > 0 {
		indent, err := toInt(args[0])
		if err != nil {
			return nil, fmt.Errorf("tojson indent must be an integer")
		}
		enc.SetIndent("", strings.Repeat(" ", indent))
	}
	if err := enc.Encode(input); err != nil {
		return nil, err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// toYAMLFilter implements the Ansible 'to_yaml' filter.
func toYAMLFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	out, err := yaml.Marshal(input)
	if err != nil {
		return nil, err
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

// toTOMLFilter serialises a mapping as a TOML document.
func toTOMLFilter(input interface{}, _ ...interface{}) (interface{}, error) {
	if input == nil || reflect.ValueOf(input).Kind() != reflect.Map {
		return nil, fmt.Errorf("to_toml requires a mapping, got %s", typeName(input))
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(input); err != nil {
		return nil, err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// stripTags removes markup and collapses runs of whitespace.
func stripTags(s string) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed markup; either way the text so far is the result.
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			sb.WriteByte(' ')
		}
	}
}

// fileSizeFormatFilter implements 'filesizeformat(binary=false)'.
// Usage: {{ 1500000 | filesizeformat }} -> "1.5 MB"
func fileSizeFormatFilter(input interface{}, args ...interface{}) (interface{}, error) {
	size, err := toByteCount(input)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && IsTruthy(args[0]) {
		return humanize.IBytes(size), nil
	}
	return humanize.Bytes(size), nil
}

func toByteCount(input interface{}) (uint64, error) {
	if n, ok := toBigInt(input); ok {
		if !n.IsUint64() {
			return 0, fmt.Errorf("filesizeformat requires a non-negative size below 2^64, got %s", n)
		}
		return n.Uint64(), nil
	}
	f, err := toFloat(input)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f < 0 || f >= math.MaxUint64 {
		return 0, fmt.Errorf("filesizeformat requires a non-negative size below 2^64, got %v", f)
	}
	return uint64(f), nil
}

// versionCompareFilter implements the Ansible 'version_compare' filter.
// Usage: {{ '1.10.0' | version_compare('1.9', '>') }} -> true
func versionCompareFilter(input interface{}, args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("version_compare requires a version to compare against")
	}
	left, err := version.NewVersion(ToString(input))
	if err != nil {
		return nil, fmt.Errorf("invalid version '%s': %w", ToString(input), err)
	}
	right, err := version.NewVersion(ToString(args[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid version '%s': %w", ToString(args[0]), err)
	}

	op := "=="
	if len(args) > 1 {
		op = ToString(args[1])
	}
	c := left.Compare(right)
	switch op {
	case "==", "=", "eq":
		return c == 0, nil
	case "!=", "<>", "ne":
		return c != 0, nil
	case "<", "lt":
		return c < 0, nil
	case "<=", "le":
		return c <= 0, nil
	case ">", "gt":
		return c > 0, nil
	case ">=", "ge":
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unknown version_compare operator '%s'", op)
}

// toSlice converts sequences to []interface{}; maps yield their sorted keys.
func toSlice(val interface{}) ([]interface{}, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		pairs := sortedPairs(val)
		out := make([]interface{}, len(pairs))
		for i, p := range pairs {
			out[i] = p[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s is not iterable", typeName(val))
}
