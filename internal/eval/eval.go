package eval

import (
	"math"
	"math/rand/v2"
	"reflect"

	"github.com/spf13/cast"

	"github.com/mcclowes/reqon/pkg/mission"
)

// Evaluate resolves an expression against a scope. The second return is
// false when the expression is undefined: an unresolved reference, an
// operation on incompatible values, or a match with no applicable arm.
// Callers decide whether undefined is an error; the evaluator never is.
func Evaluate(e mission.Expr, s *Scope) (any, bool) {
	switch n := e.(type) {
	case *mission.Lit:
		return n.Value, true

	case *mission.Ref:
		v, ok := s.Lookup(n.Path[0])
		if !ok {
			return nil, false
		}
		return descend(v, n.Path[1:])

	case *mission.Unary:
		switch n.Op {
		case "!":
			v, _ := Evaluate(n.X, s)
			return !Truthy(v), true
		case "-":
			v, ok := Evaluate(n.X, s)
			if !ok {
				return nil, false
			}
			f, err := cast.ToFloat64E(v)
			if err != nil {
				return nil, false
			}
			return -f, true
		}
		return nil, false

	case *mission.Binary:
		return evalBinary(n, s)

	case *mission.Cond:
		cond, _ := Evaluate(n.If, s)
		if Truthy(cond) {
			return Evaluate(n.Then, s)
		}
		return Evaluate(n.Else, s)

	case *mission.Call:
		return evalCall(n, s)

	case *mission.MatchExpr:
		subject, _ := Evaluate(n.Subject, s)
		for _, arm := range n.Arms {
			if arm.Pattern == nil {
				return Evaluate(arm.Result, s)
			}
			pat, ok := Evaluate(arm.Pattern, s)
			if ok && looseEqual(subject, pat) {
				return Evaluate(arm.Result, s)
			}
		}
		return nil, false

	case *mission.AnyOf:
		return evalAnyOf(n, s)
	}
	return nil, false
}

// Truthy follows the mission language's notion of truth: nil and undefined
// are false, booleans are themselves, numbers are true unless zero, strings
// unless empty, collections unless empty. Everything else is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return f != 0
	}
	if items, ok := AsSlice(v); ok {
		return len(items) > 0
	}
	if m, ok := v.(map[string]any); ok {
		return len(m) > 0
	}
	return true
}

func descend(v any, path []string) (any, bool) {
	for _, seg := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func evalBinary(n *mission.Binary, s *Scope) (any, bool) {
	switch n.Op {
	case "&&":
		left, _ := Evaluate(n.Left, s)
		if !Truthy(left) {
			return false, true
		}
		right, _ := Evaluate(n.Right, s)
		return Truthy(right), true
	case "||":
		left, _ := Evaluate(n.Left, s)
		if Truthy(left) {
			return true, true
		}
		right, _ := Evaluate(n.Right, s)
		return Truthy(right), true
	}

	left, lok := Evaluate(n.Left, s)
	right, rok := Evaluate(n.Right, s)

	switch n.Op {
	case "==":
		return looseEqual(left, right), true
	case "!=":
		return !looseEqual(left, right), true
	}

	if !lok || !rok {
		return nil, false
	}

	switch n.Op {
	case "<", "<=", ">", ">=":
		return compare(n.Op, left, right)
	case "+":
		lf, lerr := cast.ToFloat64E(left)
		rf, rerr := cast.ToFloat64E(right)
		if lerr == nil && rerr == nil {
			return lf + rf, true
		}
		ls, isLStr := left.(string)
		rs, isRStr := right.(string)
		if isLStr || isRStr {
			if !isLStr {
				ls = cast.ToString(left)
			}
			if !isRStr {
				rs = cast.ToString(right)
			}
			return ls + rs, true
		}
		return nil, false
	case "-", "*", "/", "%":
		lf, lerr := cast.ToFloat64E(left)
		rf, rerr := cast.ToFloat64E(right)
		if lerr != nil || rerr != nil {
			return nil, false
		}
		switch n.Op {
		case "-":
			return lf - rf, true
		case "*":
			return lf * rf, true
		case "/":
			if rf == 0 {
				return nil, false
			}
			return lf / rf, true
		case "%":
			if rf == 0 {
				return nil, false
			}
			return math.Mod(lf, rf), true
		}
	}
	return nil, false
}

func compare(op string, left, right any) (any, bool) {
	ls, lIsStr := left.(string)
	rs, rIsStr := right.(string)
	if lIsStr && rIsStr {
		switch op {
		case "<":
			return ls < rs, true
		case "<=":
			return ls <= rs, true
		case ">":
			return ls > rs, true
		case ">=":
			return ls >= rs, true
		}
	}
	lf, lerr := cast.ToFloat64E(left)
	rf, rerr := cast.ToFloat64E(right)
	if lerr != nil || rerr != nil {
		return nil, false
	}
	switch op {
	case "<":
		return lf < rf, true
	case "<=":
		return lf <= rf, true
	case ">":
		return lf > rf, true
	case ">=":
		return lf >= rf, true
	}
	return nil, false
}

// looseEqual compares across numeric representations: 5, int64(5) and 5.0
// are equal, as JSON decoding and the parser produce different Go types for
// the same mission-level value.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

// AsSlice coerces a runtime value to []any. Typed slices convert
// element-wise; everything else reports false.
func AsSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func evalAnyOf(n *mission.AnyOf, s *Scope) (any, bool) {
	src, ok := Evaluate(n.Source, s)
	if !ok {
		return nil, false
	}
	items, ok := AsSlice(src)
	if !ok {
		return nil, false
	}
	if n.Where != nil {
		var filtered []any
		for _, item := range items {
			child := s.Child()
			child.SetCurrent(item)
			if cond, _ := Evaluate(n.Where, child); Truthy(cond) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if len(items) == 0 {
		return nil, false
	}
	return items[rand.IntN(len(items))], true
}
