package jinja

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
)

// FunctionFunc defines the signature for a function callable from templates
type FunctionFunc func(args ...interface{}) (interface{}, error)

// MethodFunc is a method callable on a value, e.g. {{ d.get('k') }}.
type MethodFunc func(receiver interface{}, args ...interface{}) (interface{}, error)

func builtinFunctions() map[string]FunctionFunc {
	return map[string]FunctionFunc{
		"lookup": lookupFunction,
		"range":  rangeFunction,
	}
}

var mapMethods = map[string]MethodFunc{
	"get":    mapGetMethod,
	"keys":   mapKeysMethod,
	"values": mapValuesMethod,
	"items":  mapItemsMethod,
}

var stringMethods = map[string]MethodFunc{
	"upper":      func(s interface{}, _ ...interface{}) (interface{}, error) { return strings.ToUpper(s.(string)), nil },
	"lower":      func(s interface{}, _ ...interface{}) (interface{}, error) { return strings.ToLower(s.(string)), nil },
	"strip":      func(s interface{}, _ ...interface{}) (interface{}, error) { return strings.TrimSpace(s.(string)), nil },
	"split":      stringSplitMethod,
	"startswith": stringAffixMethod(strings.HasPrefix),
	"endswith":   stringAffixMethod(strings.HasSuffix),
	"replace":    stringReplaceMethod,
}

// lookupMethod finds a builtin method for the receiver's kind.
func lookupMethod(receiver interface{}, name string) (MethodFunc, bool) {
	if _, ok := receiver.(string); ok {
		m, found := stringMethods[name]
		return m, found
	}
	if receiver != nil && reflect.ValueOf(receiver).Kind() == reflect.Map {
		m, found := mapMethods[name]
		return m, found
	}
	return nil, false
}

// asFunction accepts registered functions and plain Go funcs of the same shape
// passed in through the context.
func asFunction(value interface{}) (FunctionFunc, bool) {
	switch fn := value.(type) {
	case FunctionFunc:
		return fn, true
	case func(args ...interface{}) (interface{}, error):
		return fn, true
	}
	return nil, false
}

// lookupFunction implements the Ansible 'lookup' function
// Usage: {{ lookup("file", "/path/to/file") }}
// Usage: {{ lookup("env", "HOME") }}
func lookupFunction(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("lookup function requires a lookup type and a target")
	}
	lookupType, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("lookup function requires a string as lookup type, got %T", args[0])
	}
	target, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("%s lookup requires a string target, got %T", lookupType, args[1])
	}

	switch lookupType {
	case "file":
		content, err := os.ReadFile(target)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", target, err)
		}
		return strings.TrimRight(string(content), "\n"), nil
	case "env":
		return os.Getenv(target), nil
	default:
		return nil, fmt.Errorf("unsupported lookup type: %s", lookupType)
	}
}

// maxRangeLen caps the number of items range() may produce.
const maxRangeLen = 1 << 20

// rangeFunction mirrors Python's range: range(stop), range(start, stop[, step]).
func rangeFunction(args ...interface{}) (interface{}, error) {
	bounds := make([]int, len(args))
	for i, arg := range args {
		n, err := toInt(arg)
		if err != nil {
			return nil, fmt.Errorf("range arguments must be integers: %v", err)
		}
		bounds[i] = n
	}

	start, stop, step := 0, 0, 1
	switch len(bounds) {
	case 1:
		stop = bounds[0]
	case 2:
		start, stop = bounds[0], bounds[1]
	case 3:
		start, stop, step = bounds[0], bounds[1], bounds[2]
	default:
		return nil, fmt.Errorf("range expects 1 to 3 arguments, got %d", len(args))
	}
	if step == 0 {
		return nil, fmt.Errorf("range step must not be zero")
	}

	// Differences are taken in uint64 so extreme bounds cannot overflow.
	var count uint64
	switch {
	case step > 0 && start < stop:
		count = (uint64(stop)-uint64(start)-1)/uint64(step) + 1
	case step < 0 && start > stop:
		count = (uint64(start)-uint64(stop)-1)/(-uint64(step)) + 1
	}
	if count > maxRangeLen {
		return nil, fmt.Errorf("range of %d items exceeds the limit of %d", count, maxRangeLen)
	}

	var out []interface{}
	for k := 0; k < int(count); k++ {
		out = append(out, start+k*step)
	}
	return out, nil
}

// mapGetMethod implements the dictionary get method:
// Usage: {{ my_dict.get('key') }} -> returns the value for key
// Usage: {{ my_dict.get('key', 'default') }} -> returns value for key or default if key doesn't exist
func mapGetMethod(receiver interface{}, args ...interface{}) (interface{}, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("get method requires a key and an optional default")
	}
	value := getAttributeValue(receiver, ToString(args[0]))
	if _, missing := value.(Undefined); missing {
		if len(args) == 2 {
			return args[1], nil
		}
		return nil, nil
	}
	return value, nil
}

func mapKeysMethod(receiver interface{}, _ ...interface{}) (interface{}, error) {
	pairs := sortedPairs(receiver)
	keys := make([]interface{}, len(pairs))
	for i, p := range pairs {
		keys[i] = p[0]
	}
	return keys, nil
}

func mapValuesMethod(receiver interface{}, _ ...interface{}) (interface{}, error) {
	pairs := sortedPairs(receiver)
	values := make([]interface{}, len(pairs))
	for i, p := range pairs {
		values[i] = p[1]
	}
	return values, nil
}

func mapItemsMethod(receiver interface{}, _ ...interface{}) (interface{}, error) {
	pairs := sortedPairs(receiver)
	items := make([]interface{}, len(pairs))
	for i, p := range pairs {
		items[i] = []interface{}{p[0], p[1]}
	}
	return items, nil
}

// sortedPairs returns the key/value pairs of any map ordered by key text,
// so iteration order is stable across renders.
func sortedPairs(m interface{}) [][2]interface{} {
	rv := reflect.ValueOf(m)
	keys := rv.MapKeys()
	pairs := make([][2]interface{}, len(keys))
	for i, k := range keys {
		pairs[i] = [2]interface{}{k.Interface(), rv.MapIndex(k).Interface()}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return ToString(pairs[i][0]) < ToString(pairs[j][0])
	})
	return pairs
}

func stringSplitMethod(receiver interface{}, args ...interface{}) (interface{}, error) {
	s := receiver.(string)
	var parts []string
	if len(args) == 0 {
		parts = strings.Fields(s)
	} else {
		sep := ToString(args[0])
		if sep == "" {
			return nil, fmt.Errorf("split: empty separator")
		}
		parts = strings.Split(s, sep)
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func stringAffixMethod(match func(s, affix string) bool) MethodFunc {
	return func(receiver interface{}, args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("method requires exactly one argument")
		}
		return match(receiver.(string), ToString(args[0])), nil
	}
}

func stringReplaceMethod(receiver interface{}, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("replace method requires two arguments")
	}
	return strings.ReplaceAll(receiver.(string), ToString(args[0]), ToString(args[1])), nil
}
