package jinja

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Undefined is the value of a name or attribute that does not exist.
// It renders as empty text unless the environment is strict.
type Undefined struct {
	Name string
}

func (u Undefined) String() string {
	return ""
}

// Evaluator evaluates an AST with a given context
type Evaluator struct {
	env     *Environment
	context map[string]interface{}
}

// NewEvaluator creates a new evaluator bound to an environment and context.
func NewEvaluator(env *Environment, context map[string]interface{}) *Evaluator {
	return &Evaluator{env: env, context: context}
}

// resolve turns an Undefined into nil, or into an error in strict mode.
func (e *Evaluator) resolve(value interface{}) (interface{}, error) {
	if u, ok := value.(Undefined); ok {
		if e.env.config.StrictUndefined {
			return nil, fmt.Errorf("%w: '%s'", ErrUndefined, u.Name)
		}
		return nil, nil
	}
	return value, nil
}

// evaluateResolved evaluates node and resolves an undefined result.
func (e *Evaluator) evaluateResolved(node *ExprNode) (interface{}, error) {
	value, err := e.Evaluate(node)
	if err != nil {
		return nil, err
	}
	return e.resolve(value)
}

// Evaluate evaluates an AST node with context
func (e *Evaluator) Evaluate(node *ExprNode) (interface{}, error) {
	if node == nil {
		return nil, fmt.Errorf("cannot evaluate nil node")
	}

	switch node.Type {
	case NodeLiteral:
		return node.Value, nil

	case NodeIdentifier:
		if value, exists := e.context[node.Identifier]; exists {
			return value, nil
		}
		if fn, exists := e.env.function(node.Identifier); exists {
			return fn, nil
		}
		return Undefined{Name: node.Identifier}, nil

	case NodeUnaryOp:
		operand, err := e.evaluateResolved(node.Children[0])
		if err != nil {
			return nil, err
		}
		switch node.Operator {
		case "not":
			return !IsTruthy(operand), nil
		case "+":
			return operand, nil
		case "-":
			return negateValue(operand)
		}
		return nil, fmt.Errorf("unknown unary operator: %s", node.Operator)

	case NodeBinaryOp:
		return e.evaluateBinary(node)

	case NodeAttribute:
		obj, err := e.Evaluate(node.Children[0])
		if err != nil {
			return nil, err
		}
		if u, ok := obj.(Undefined); ok {
			if e.env.config.StrictUndefined {
				return nil, fmt.Errorf("%w: '%s'", ErrUndefined, u.Name)
			}
			return Undefined{Name: u.Name + "." + node.Identifier}, nil
		}
		return getAttributeValue(obj, node.Identifier), nil

	case NodeSubscript:
		obj, err := e.evaluateResolved(node.Children[0])
		if err != nil {
			return nil, err
		}
		key, err := e.evaluateResolved(node.Children[1])
		if err != nil {
			return nil, err
		}
		return getSubscriptValue(obj, key), nil

	case NodeFunctionCall:
		return e.evaluateFunctionCall(node)

	case NodeList:
		items := make([]interface{}, 0, len(node.Children))
		for _, child := range node.Children {
			item, err := e.evaluateResolved(child)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	case NodeDict:
		dict := make(map[string]interface{}, len(node.Children))
		for _, pair := range node.Children {
			key, err := e.evaluateResolved(pair.Children[0])
			if err != nil {
				return nil, err
			}
			value, err := e.evaluateResolved(pair.Children[1])
			if err != nil {
				return nil, err
			}
			dict[ToString(key)] = value
		}
		return dict, nil

	case NodeFilter:
		return e.evaluateFilter(node)

	case NodeTest:
		return e.evaluateTest(node)

	case NodeConditional:
		cond, err := e.evaluateResolved(node.Children[1])
		if err != nil {
			return nil, err
		}
		if IsTruthy(cond) {
			return e.Evaluate(node.Children[0])
		}
		if len(node.Children) > 2 {
			return e.Evaluate(node.Children[2])
		}
		return Undefined{Name: "conditional expression"}, nil
	}
	return nil, fmt.Errorf("unknown node type: %v", node.Type)
}

func (e *Evaluator) evaluateBinary(node *ExprNode) (interface{}, error) {
	left, err := e.evaluateResolved(node.Children[0])
	if err != nil {
		return nil, err
	}

	// Short-circuit evaluation for 'and' and 'or'
	switch node.Operator {
	case "and":
		if !IsTruthy(left) {
			return left, nil
		}
		return e.evaluateResolved(node.Children[1])
	case "or":
		if IsTruthy(left) {
			return left, nil
		}
		return e.evaluateResolved(node.Children[1])
	}

	right, err := e.evaluateResolved(node.Children[1])
	if err != nil {
		return nil, err
	}

	switch node.Operator {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<":
		return compare(left, right, func(c int) bool { return c < 0 })
	case "<=":
		return compare(left, right, func(c int) bool { return c <= 0 })
	case ">":
		return compare(left, right, func(c int) bool { return c > 0 })
	case ">=":
		return compare(left, right, func(c int) bool { return c >= 0 })
	case "in":
		return checkMembership(right, left)
	case "not in":
		found, err := checkMembership(right, left)
		if err != nil {
			return nil, err
		}
		return !found, nil
	case "~":
		return ToString(left) + ToString(right), nil
	case "+":
		return add(left, right)
	case "-", "*", "/", "//", "%", "**":
		return arithmetic(node.Operator, left, right)
	}
	return nil, fmt.Errorf("unknown binary operator: %s", node.Operator)
}

func (e *Evaluator) evaluateArgs(nodes []*ExprNode) ([]interface{}, error) {
	args := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		arg, err := e.evaluateResolved(n)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// evaluateFunctionCall handles plain calls, func(a, b), and method calls, obj.method(a, b).
func (e *Evaluator) evaluateFunctionCall(node *ExprNode) (interface{}, error) {
	callee := node.Children[0]
	args, err := e.evaluateArgs(node.Children[1:])
	if err != nil {
		return nil, err
	}

	if callee.Type == NodeAttribute {
		obj, err := e.evaluateResolved(callee.Children[0])
		if err != nil {
			return nil, err
		}
		if method, ok := lookupMethod(obj, callee.Identifier); ok {
			return method(obj, args...)
		}
		if fn, ok := asFunction(getAttributeValue(obj, callee.Identifier)); ok {
			return fn(args...)
		}
		return nil, fmt.Errorf("'%s' has no method '%s'", typeName(obj), callee.Identifier)
	}

	target, err := e.Evaluate(callee)
	if err != nil {
		return nil, err
	}
	if u, ok := target.(Undefined); ok {
		return nil, fmt.Errorf("function '%s' is not defined", u.Name)
	}
	fn, ok := asFunction(target)
	if !ok {
		return nil, fmt.Errorf("'%s' is not a callable function", typeName(target))
	}
	return fn(args...)
}

func (e *Evaluator) evaluateFilter(node *ExprNode) (interface{}, error) {
	filter, ok := e.env.filter(node.Identifier)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownFilter, node.Identifier)
	}

	input, err := e.Evaluate(node.Children[0])
	if err != nil {
		return nil, err
	}
	// default needs to see undefined input; everything else gets it resolved.
	if node.Identifier != "default" && node.Identifier != "d" {
		if input, err = e.resolve(input); err != nil {
			return nil, err
		}
	}

	args, err := e.evaluateArgs(node.Children[1:])
	if err != nil {
		return nil, err
	}
	value, err := filter(input, args...)
	if err != nil {
		return nil, fmt.Errorf("error applying filter '%s': %w", node.Identifier, err)
	}
	return value, nil
}

func (e *Evaluator) evaluateTest(node *ExprNode) (interface{}, error) {
	subject, err := e.Evaluate(node.Children[0])
	if err != nil {
		return nil, err
	}
	args, err := e.evaluateArgs(node.Children[1:])
	if err != nil {
		return nil, err
	}

	_, undefined := subject.(Undefined)
	var result bool
	switch node.Identifier {
	case "defined":
		result = !undefined
	case "undefined":
		result = undefined
	case "none":
		result = subject == nil
	case "string":
		_, result = subject.(string)
	case "number":
		_, result = toNumber(subject)
		if _, isBool := subject.(bool); isBool {
			result = false
		}
	case "mapping":
		result = subject != nil && !undefined && reflect.ValueOf(subject).Kind() == reflect.Map
	case "iterable", "sequence":
		if subject != nil && !undefined {
			switch reflect.ValueOf(subject).Kind() {
			case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
				result = true
			}
		}
	case "even", "odd", "divisibleby":
		n, err := toInt(subject)
		if err != nil {
			return nil, fmt.Errorf("test '%s' requires a number: %v", node.Identifier, err)
		}
		switch node.Identifier {
		case "even":
			result = n%2 == 0
		case "odd":
			result = n%2 != 0
		default:
			if len(args) != 1 {
				return nil, fmt.Errorf("test 'divisibleby' requires one argument")
			}
			d, err := toInt(args[0])
			if err != nil || d == 0 {
				return nil, fmt.Errorf("test 'divisibleby' requires a non-zero number")
			}
			result = n%d == 0
		}
	case "eq", "equalto", "sameas":
		if len(args) != 1 {
			return nil, fmt.Errorf("test '%s' requires one argument", node.Identifier)
		}
		result = equals(subject, args[0])
	default:
		return nil, fmt.Errorf("unknown test '%s'", node.Identifier)
	}

	if node.Negated {
		return !result, nil
	}
	return result, nil
}

// IsTruthy reports whether a value counts as true in a condition.
func IsTruthy(value interface{}) bool {
	switch v := value.(type) {
	case nil, Undefined:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if n, ok := toNumber(value); ok {
		return n != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// ToString renders a value the way it appears in template output.
func ToString(value interface{}) string {
	switch v := value.(type) {
	case nil, Undefined:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = reprValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		keys := sortedKeys(v)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = reprValue(k) + ": " + reprValue(v[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", value)
}

// reprValue quotes strings nested inside containers.
func reprValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
	}
	if value == nil {
		return "none"
	}
	return ToString(value)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeName(value interface{}) string {
	if value == nil {
		return "none"
	}
	return reflect.TypeOf(value).String()
}

// toNumber converts any Go numeric kind to float64.
func toNumber(value interface{}) (float64, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// isInteger reports whether value is one of Go's integer kinds.
func isInteger(value interface{}) bool {
	switch reflect.ValueOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// toBigInt returns integer kinds as a big.Int, so int64 and uint64 operands
// mix without rounding.
func toBigInt(value interface{}) (*big.Int, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), true
	}
	return nil, false
}

// fromBigInt narrows an integer result to int, or to uint64 above MaxInt64.
func fromBigInt(n *big.Int) (interface{}, error) {
	if n.IsInt64() {
		i := n.Int64()
		if int64(int(i)) == i {
			return int(i), nil
		}
		return i, nil
	}
	if n.IsUint64() {
		return n.Uint64(), nil
	}
	return nil, fmt.Errorf("integer overflow: result does not fit in 64 bits")
}

func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert '%s' to int", v)
		}
		return floatToInt(f)
	}
	if n, ok := toBigInt(value); ok {
		if !n.IsInt64() || int64(int(n.Int64())) != n.Int64() {
			return 0, fmt.Errorf("integer %s is out of range", n)
		}
		return int(n.Int64()), nil
	}
	if f, ok := toNumber(value); ok {
		return floatToInt(f)
	}
	return 0, fmt.Errorf("cannot convert %s to int", typeName(value))
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || f >= math.MaxInt || f < math.MinInt {
		return 0, fmt.Errorf("cannot convert %v to int", f)
	}
	return int(f), nil
}

func toFloat(value interface{}) (float64, error) {
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert '%s' to float", s)
		}
		return f, nil
	}
	if n, ok := toNumber(value); ok {
		return n, nil
	}
	return 0, fmt.Errorf("cannot convert %s to float", typeName(value))
}

func negateValue(value interface{}) (interface{}, error) {
	if n, ok := toBigInt(value); ok {
		return fromBigInt(n.Neg(n))
	}
	if n, ok := toNumber(value); ok {
		return -n, nil
	}
	return nil, fmt.Errorf("cannot negate %s", typeName(value))
}

func equals(left, right interface{}) bool {
	if l, ok := toBigInt(left); ok {
		if r, ok := toBigInt(right); ok {
			return l.Cmp(r) == 0
		}
	}
	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			return l == r
		}
	}
	return reflect.DeepEqual(left, right)
}

func compare(left, right interface{}, accept func(int) bool) (interface{}, error) {
	if l, ok := toBigInt(left); ok {
		if r, ok := toBigInt(right); ok {
			return accept(l.Cmp(r)), nil
		}
	}
	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			switch {
			case l < r:
				return accept(-1), nil
			case l > r:
				return accept(1), nil
			}
			return accept(0), nil
		}
	}
	if l, ok := left.(string); ok {
		if r, ok := right.(string); ok {
			return accept(strings.Compare(l, r)), nil
		}
	}
	return nil, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
}

func checkMembership(collection, item interface{}) (bool, error) {
	switch c := collection.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string as left operand, not %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	}

	rv := reflect.ValueOf(collection)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equals(rv.Index(i).Interface(), item) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if equals(key.Interface(), item) || ToString(key.Interface()) == ToString(item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("argument of type %s is not iterable", typeName(collection))
}

func add(left, right interface{}) (interface{}, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls + rs, nil
		}
	}
	if ll, ok := left.([]interface{}); ok {
		if rl, ok := right.([]interface{}); ok {
			out := make([]interface{}, 0, len(ll)+len(rl))
			return append(append(out, ll...), rl...), nil
		}
	}
	return arithmetic("+", left, right)
}

// maxRepeatLen caps the size of a string built with the * operator.
const maxRepeatLen = 16 << 20

func arithmetic(op string, left, right interface{}) (interface{}, error) {
	if op == "*" {
		if s, ok := left.(string); ok && isInteger(right) {
			return repeatString(s, right)
		}
	}

	if l, ok := toBigInt(left); ok {
		if r, ok := toBigInt(right); ok && op != "/" {
			return integerArithmetic(op, l, r)
		}
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(left), typeName(right))
	}

	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case "//":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Floor(l / r), nil
	case "%":
		if r == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m, nil
	case "**":
		return math.Pow(l, r), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator: %s", op)
}

// integerArithmetic applies op to two integers exactly. Results that do not
// fit in 64 bits are an error.
func integerArithmetic(op string, l, r *big.Int) (interface{}, error) {
	z := new(big.Int)
	switch op {
	case "+":
		z.Add(l, r)
	case "-":
		z.Sub(l, r)
	case "*":
		z.Mul(l, r)
	case "//", "%":
		if r.Sign() == 0 {
			if op == "%" {
				return nil, fmt.Errorf("modulo by zero")
			}
			return nil, fmt.Errorf("division by zero")
		}
		// Floor division: the remainder takes the sign of the divisor.
		q, m := new(big.Int).QuoRem(l, r, new(big.Int))
		if m.Sign() != 0 && (m.Sign() < 0) != (r.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
			m.Add(m, r)
		}
		if op == "%" {
			return fromBigInt(m)
		}
		return fromBigInt(q)
	case "**":
		if r.Sign() < 0 {
			lf, _ := new(big.Float).SetInt(l).Float64()
			rf, _ := new(big.Float).SetInt(r).Float64()
			return math.Pow(lf, rf), nil
		}
		if l.CmpAbs(big.NewInt(1)) > 0 && r.Cmp(big.NewInt(64)) > 0 {
			return nil, fmt.Errorf("integer overflow: result does not fit in 64 bits")
		}
		z.Exp(l, r, nil)
	default:
		return nil, fmt.Errorf("unknown arithmetic operator: %s", op)
	}
	return fromBigInt(z)
}

func repeatString(s string, count interface{}) (interface{}, error) {
	n, ok := toBigInt(count)
	if !ok || n.Sign() <= 0 || s == "" {
		return "", nil
	}
	if !n.IsInt64() || n.Int64() > int64(maxRepeatLen/len(s)) {
		return nil, fmt.Errorf("string repetition result exceeds %d bytes", maxRepeatLen)
	}
	return strings.Repeat(s, int(n.Int64())), nil
}

// getAttributeValue resolves obj.attr on maps and structs. Missing
// attributes come back as Undefined.
func getAttributeValue(obj interface{}, attr string) interface{} {
	switch o := obj.(type) {
	case map[string]interface{}:
		if v, ok := o[attr]; ok {
			return v
		}
		return Undefined{Name: attr}
	case nil:
		return Undefined{Name: attr}
	}

	rv := reflect.Indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			if v := rv.MapIndex(reflect.ValueOf(attr).Convert(rv.Type().Key())); v.IsValid() {
				return v.Interface()
			}
		}
		for _, key := range rv.MapKeys() {
			if ToString(key.Interface()) == attr {
				return rv.MapIndex(key).Interface()
			}
		}
	case reflect.Struct:
		if f := rv.FieldByName(attr); f.IsValid() && f.CanInterface() {
			return f.Interface()
		}
	}
	return Undefined{Name: attr}
}

// getSubscriptValue resolves obj[key] on maps, sequences and strings.
func getSubscriptValue(obj, key interface{}) interface{} {
	if s, ok := key.(string); ok {
		if _, isStr := obj.(string); !isStr {
			return getAttributeValue(obj, s)
		}
	}

	if s, ok := obj.(string); ok {
		return getStringIndex(s, key)
	}

	rv := reflect.Indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := toInt(key)
		if err != nil {
			return Undefined{Name: ToString(key)}
		}
		if i < 0 {
			i += rv.Len()
		}
		if i < 0 || i >= rv.Len() {
			return Undefined{Name: ToString(key)}
		}
		return rv.Index(i).Interface()
	case reflect.Map:
		return getAttributeValue(obj, ToString(key))
	}
	return Undefined{Name: ToString(key)}
}

// getStringIndex returns the character at key, counting in runes.
func getStringIndex(s string, key interface{}) interface{} {
	i, err := toInt(key)
	if err != nil {
		return Undefined{Name: ToString(key)}
	}
	runes := []rune(s)
	if i < 0 {
		i += len(runes)
	}
	if i < 0 || i >= len(runes) {
		return Undefined{Name: ToString(key)}
	}
	return string(runes[i])
}
