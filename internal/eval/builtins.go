package eval

import (
	"math"
	"os"
	"time"

	"github.com/spf13/cast"

	"github.com/mcclowes/reqon/pkg/mission"
)

// evalCall dispatches the built-in functions of the mission language.
// Unknown functions and bad arguments evaluate to undefined rather than
// failing the step.
func evalCall(n *mission.Call, s *Scope) (any, bool) {
	args := make([]any, len(n.Args))
	defined := make([]bool, len(n.Args))
	for i, a := range n.Args {
		args[i], defined[i] = Evaluate(a, s)
	}

	switch n.Fn {
	case "length":
		if len(args) != 1 || !defined[0] {
			return nil, false
		}
		switch x := args[0].(type) {
		case string:
			return len(x), true
		case map[string]any:
			return len(x), true
		}
		if items, ok := AsSlice(args[0]); ok {
			return len(items), true
		}
		return nil, false

	case "count":
		if len(args) != 1 || !defined[0] {
			return nil, false
		}
		items, ok := AsSlice(args[0])
		if !ok {
			return nil, false
		}
		return len(items), true

	case "sum":
		if len(args) < 1 || !defined[0] {
			return nil, false
		}
		items, ok := AsSlice(args[0])
		if !ok {
			return nil, false
		}
		field := ""
		if len(args) == 2 {
			field, _ = args[1].(string)
		}
		total := 0.0
		for _, item := range items {
			v := item
			if field != "" {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				v = m[field]
			}
			if f, err := cast.ToFloat64E(v); err == nil {
				total += f
			}
		}
		return total, true

	case "first":
		if len(args) != 1 {
			return nil, false
		}
		items, ok := AsSlice(args[0])
		if !ok || len(items) == 0 {
			return nil, false
		}
		return items[0], true

	case "last":
		if len(args) != 1 {
			return nil, false
		}
		items, ok := AsSlice(args[0])
		if !ok || len(items) == 0 {
			return nil, false
		}
		return items[len(items)-1], true

	case "round", "floor", "ceil":
		if len(args) != 1 || !defined[0] {
			return nil, false
		}
		f, err := cast.ToFloat64E(args[0])
		if err != nil {
			return nil, false
		}
		switch n.Fn {
		case "round":
			return math.Round(f), true
		case "floor":
			return math.Floor(f), true
		default:
			return math.Ceil(f), true
		}

	case "now":
		return time.Now().UTC(), true

	case "env":
		if len(args) != 1 {
			return nil, false
		}
		name, ok := args[0].(string)
		if !ok {
			return nil, false
		}
		return os.Getenv(name), true
	}
	return nil, false
}
