// Package expr is the safe expression language used by switch/condition
// edges, script nodes, and assign-node values (spec.md §4.3): arithmetic,
// comparison, logical and conditional operators over a restricted scope,
// with no dynamic code execution.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scope is the variable namespace an expression evaluates against.
// Outputs/Variables/NodeStates/Inputs mirror spec.md §4.3's scope; Locals
// carries foreach's per-iteration {index, item, total} bindings.
type Scope struct {
	Outputs    map[string]interface{}
	Variables  map[string]interface{}
	LoopCount  map[string]int
	NodeStates map[string]interface{}
	Inputs     map[string]interface{}
	Locals     map[string]interface{}
}

// Eval parses and evaluates src against scope in one call.
func Eval(src string, scope Scope) (interface{}, error) {
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(scope)
}

// EvalBool evaluates src and coerces the result to a boolean via Truthy.
func EvalBool(src string, scope Scope) (bool, error) {
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Eval evaluates a parsed expression against scope.
func (e *Expr) Eval(scope Scope) (interface{}, error) {
	return evalNode(e.root, scope)
}

func evalNode(n node, scope Scope) (interface{}, error) {
	switch t := n.(type) {
	case numberLit:
		return t.v, nil
	case stringLit:
		return t.v, nil
	case boolLit:
		return t.v, nil
	case identPath:
		return resolvePath(t.parts, scope), nil
	case unary:
		return evalUnary(t, scope)
	case binary:
		return evalBinary(t, scope)
	case ternary:
		cond, err := evalNode(t.cond, scope)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return evalNode(t.then, scope)
		}
		return evalNode(t.els, scope)
	case call:
		return evalCall(t, scope)
	default:
		return nil, fmt.Errorf("expr: unknown node type %T", n)
	}
}

func evalUnary(u unary, scope Scope) (interface{}, error) {
	v, err := evalNode(u.expr, scope)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "not":
		return !Truthy(v), nil
	case "-":
		return -toNumber(v), nil
	default:
		return nil, fmt.Errorf("expr: unknown unary operator %q", u.op)
	}
}

func evalBinary(b binary, scope Scope) (interface{}, error) {
	if b.op == "and" {
		left, err := evalNode(b.left, scope)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := evalNode(b.right, scope)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}
	if b.op == "or" {
		left, err := evalNode(b.left, scope)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := evalNode(b.right, scope)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := evalNode(b.left, scope)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.right, scope)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOp(b.op, left, right), nil
	case "+":
		if ls, ok := left.(string); ok {
			return ls + toStringValue(right), nil
		}
		if rs, ok := right.(string); ok {
			return toStringValue(left) + rs, nil
		}
		return toNumber(left) + toNumber(right), nil
	case "-":
		return toNumber(left) - toNumber(right), nil
	case "*":
		return toNumber(left) * toNumber(right), nil
	case "/":
		r := toNumber(right)
		if r == 0 {
			return 0.0, nil
		}
		return toNumber(left) / r, nil
	case "%":
		r := toNumber(right)
		if r == 0 {
			return 0.0, nil
		}
		return math.Mod(toNumber(left), r), nil
	default:
		return nil, fmt.Errorf("expr: unknown binary operator %q", b.op)
	}
}

func compareOp(op string, left, right interface{}) bool {
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		case ">":
			return ln > rn
		case ">=":
			return ln >= rn
		}
	}
	ls, rs := toStringValue(left), toStringValue(right)
	switch op {
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func looseEqual(a, b interface{}) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	return toStringValue(a) == toStringValue(b)
}

// resolvePath walks the scope by name then drills into maps/structs via
// dotted access. Missing references degrade to "" rather than error
// (spec.md §4.3).
func resolvePath(parts []string, scope Scope) interface{} {
	if len(parts) == 0 {
		return ""
	}
	var cur interface{}
	found := true
	switch parts[0] {
	case "outputs":
		cur = scope.Outputs
	case "variables":
		cur = scope.Variables
	case "loopCount":
		cur = scope.LoopCount
	case "nodeStates":
		cur = scope.NodeStates
	case "inputs":
		cur = scope.Inputs
	case "index", "item", "total":
		if scope.Locals != nil {
			v, ok := scope.Locals[parts[0]]
			if ok {
				cur = v
				found = true
			} else {
				found = false
			}
		} else {
			found = false
		}
	default:
		found = false
	}
	if !found {
		return ""
	}
	for _, p := range parts[1:] {
		next, ok := drill(cur, p)
		if !ok {
			return ""
		}
		cur = next
	}
	if cur == nil {
		return ""
	}
	return cur
}

func drill(v interface{}, key string) (interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		got, ok := m[key]
		return got, ok
	case map[string]int:
		got, ok := m[key]
		return got, ok
	case map[string]string:
		got, ok := m[key]
		return got, ok
	default:
		return nil, false
	}
}

func evalCall(c call, scope Scope) (interface{}, error) {
	args := make([]interface{}, len(c.args))
	for i, a := range c.args {
		v, err := evalNode(a, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	fn, ok := builtins[c.name]
	if !ok {
		return nil, fmt.Errorf("expr: unknown function %q", c.name)
	}
	return fn(args)
}

var builtins = map[string]func([]interface{}) (interface{}, error){
	"len": func(a []interface{}) (interface{}, error) {
		if len(a) != 1 {
			return nil, fmt.Errorf("len() takes 1 argument")
		}
		return float64(lengthOf(a[0])), nil
	},
	"has": func(a []interface{}) (interface{}, error) {
		if len(a) != 2 {
			return nil, fmt.Errorf("has() takes 2 arguments")
		}
		_, ok := drill(a[0], toStringValue(a[1]))
		return ok, nil
	},
	"get": func(a []interface{}) (interface{}, error) {
		if len(a) != 2 {
			return nil, fmt.Errorf("get() takes 2 arguments")
		}
		v, ok := drill(a[0], toStringValue(a[1]))
		if !ok {
			return "", nil
		}
		return v, nil
	},
	"str":  func(a []interface{}) (interface{}, error) { return toStringValue(arg0(a)), nil },
	"num":  func(a []interface{}) (interface{}, error) { return toNumber(arg0(a)), nil },
	"bool": func(a []interface{}) (interface{}, error) { return Truthy(arg0(a)), nil },
	"now":  func(a []interface{}) (interface{}, error) { return float64(time.Now().UnixMilli()), nil },
	"floor": func(a []interface{}) (interface{}, error) {
		return math.Floor(toNumber(arg0(a))), nil
	},
	"ceil": func(a []interface{}) (interface{}, error) { return math.Ceil(toNumber(arg0(a))), nil },
	"round": func(a []interface{}) (interface{}, error) {
		return math.Round(toNumber(arg0(a))), nil
	},
	"min": func(a []interface{}) (interface{}, error) {
		if len(a) == 0 {
			return 0.0, nil
		}
		m := toNumber(a[0])
		for _, v := range a[1:] {
			if n := toNumber(v); n < m {
				m = n
			}
		}
		return m, nil
	},
	"max": func(a []interface{}) (interface{}, error) {
		if len(a) == 0 {
			return 0.0, nil
		}
		m := toNumber(a[0])
		for _, v := range a[1:] {
			if n := toNumber(v); n > m {
				m = n
			}
		}
		return m, nil
	},
	"abs": func(a []interface{}) (interface{}, error) { return math.Abs(toNumber(arg0(a))), nil },
	"includes": func(a []interface{}) (interface{}, error) {
		if len(a) != 2 {
			return nil, fmt.Errorf("includes() takes 2 arguments")
		}
		switch coll := a[0].(type) {
		case []interface{}:
			needle := toStringValue(a[1])
			for _, v := range coll {
				if toStringValue(v) == needle {
					return true, nil
				}
			}
			return false, nil
		default:
			return strings.Contains(toStringValue(a[0]), toStringValue(a[1])), nil
		}
	},
	"startsWith": func(a []interface{}) (interface{}, error) {
		if len(a) != 2 {
			return nil, fmt.Errorf("startsWith() takes 2 arguments")
		}
		return strings.HasPrefix(toStringValue(a[0]), toStringValue(a[1])), nil
	},
	"lower": func(a []interface{}) (interface{}, error) { return strings.ToLower(toStringValue(arg0(a))), nil },
	"upper": func(a []interface{}) (interface{}, error) { return strings.ToUpper(toStringValue(arg0(a))), nil },
}

func arg0(a []interface{}) interface{} {
	if len(a) == 0 {
		return nil
	}
	return a[0]
}

func lengthOf(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []interface{}:
		return len(t)
	case map[string]interface{}:
		return len(t)
	default:
		return 0
	}
}

// Truthy mirrors common truthiness: empty string/0/false/nil/empty
// collections are falsy, everything else is truthy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) != 0
	case map[string]interface{}:
		return len(t) != 0
	default:
		return true
	}
}

func toNumber(v interface{}) float64 {
	n, _ := asNumber(v)
	return n
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
