// Package datafile builds template contexts from data files and key=value overrides.
package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load decodes a JSON, YAML or TOML file, chosen by extension, into a map.
// An empty file yields an empty map.
func Load(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Reading data file '%s': %w", path, err)
	}

	format := strings.ToLower(filepath.Ext(path))
	values, err := Decode(format, data)
	if err != nil {
		return nil, fmt.Errorf("Decoding data file '%s': %w", path, err)
	}
	return values, nil
}

// Decode parses data in the given format (".json", ".yaml", ".yml" or ".toml").
func Decode(format string, data []byte) (map[string]interface{}, error) {
	values := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}

	switch format {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, err
		}
		return normalize(values).(map[string]interface{}), nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
		return normalize(values).(map[string]interface{}), nil
	case ".toml":
		if _, err := toml.Decode(string(data), &values); err != nil {
			return nil, err
		}
		return normalize(values).(map[string]interface{}), nil
	}
	return nil, fmt.Errorf("Unsupported data file format '%s'", format)
}

// normalize converts decoder specific types into the plain values templates
// work with: json.Number and int64 become int or float64, YAML maps with
// non-string keys become map[string]interface{} and TOML table arrays become
// []interface{}.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		f, _ := v.Float64()
		return f
	case int64:
		return int(v)
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case map[string]interface{}:
		for k, item := range v {
			v[k] = normalize(item)
		}
		return v
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []interface{}:
		for i, item := range v {
			v[i] = normalize(item)
		}
		return v
	}
	return value
}

// Merge deep-merges src into dst and returns dst. Nested maps are merged key
// by key; any other value in src replaces the one in dst.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = map[string]interface{}{}
	}
	for k, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = Merge(dstMap, srcMap)
			continue
		}
		dst[k] = srcVal
	}
	return dst
}

// ParseOverride turns "a.b.c=value" into {"a": {"b": {"c": value}}}. The value
// is parsed as YAML, so "port=8080" yields an int and "debug=true" a bool.
func ParseOverride(kv string) (map[string]interface{}, error) {
	key, raw, found := strings.Cut(kv, "=")
	if !found || strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("Expected format key=value, got '%s'", kv)
	}

	val, err := parseYAMLValue(raw)
	if err != nil {
		return nil, fmt.Errorf("Deserializing value for key '%s': %w", key, err)
	}
	return nested(strings.Split(strings.TrimSpace(key), "."), val)
}

// FromEnv collects variables named PREFIX_key or PREFIX_outer__inner from
// environ (as returned by os.Environ) into a nested map. Values are parsed as YAML.
func FromEnv(prefix string, environ []string) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, entry := range environ {
		name, raw, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		key := strings.TrimPrefix(name, prefix+"_")
		if key == "" {
			continue
		}
		val, err := parseYAMLValue(raw)
		if err != nil {
			return nil, fmt.Errorf("Deserializing env var '%s': %w", name, err)
		}
		vals, err := nested(strings.Split(key, "__"), val)
		if err != nil {
			return nil, err
		}
		Merge(result, vals)
	}
	return result, nil
}

func parseYAMLValue(raw string) (interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return raw, nil
	}
	var val interface{}
	if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
		return nil, err
	}
	return normalize(val), nil
}

func nested(keyPieces []string, val interface{}) (map[string]interface{}, error) {
	for _, piece := range keyPieces {
		if piece == "" {
			return nil, fmt.Errorf("Expected key '%s' to not contain empty pieces", strings.Join(keyPieces, "."))
		}
	}
	result := map[string]interface{}{keyPieces[len(keyPieces)-1]: val}
	for i := len(keyPieces) - 2; i >= 0; i-- {
		result = map[string]interface{}{keyPieces[i]: result}
	}
	return result, nil
}
