package eval

import (
	"time"

	"github.com/mcclowes/reqon/pkg/mission"
)

// MatchesSchema reports whether a runtime value satisfies a schema.
// Matching is open-world: every non-optional field must be present with a
// type-compatible value, and unknown extra fields are always permitted.
func MatchesSchema(s mission.Schema, value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for name, field := range s.Fields {
		v, present := m[name]
		if !present {
			if field.Optional {
				continue
			}
			return false
		}
		if !typeCompatible(field.Type, v) {
			return false
		}
	}
	return true
}

// FindMatchingSchema tries candidates in the caller-supplied order and
// returns the first schema the value matches. The literal name "_" is a
// wildcard that matches anything. The second return is false when nothing
// matched.
func FindMatchingSchema(schemas map[string]mission.Schema, order []string, value any) (string, bool) {
	wildcard := false
	for _, name := range order {
		if name == "_" {
			wildcard = true
			continue
		}
		s, ok := schemas[name]
		if !ok {
			continue
		}
		if MatchesSchema(s, value) {
			return name, true
		}
	}
	if wildcard {
		return "_", true
	}
	return "", false
}

func typeCompatible(t mission.FieldType, v any) bool {
	if v == nil {
		return false
	}
	switch t {
	case mission.FieldString:
		_, ok := v.(string)
		return ok
	case mission.FieldInt:
		switch x := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return x == float64(int64(x))
		case float32:
			return x == float32(int32(x))
		}
		return false
	case mission.FieldDecimal:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case mission.FieldBool:
		_, ok := v.(bool)
		return ok
	case mission.FieldDate:
		switch x := v.(type) {
		case time.Time:
			return true
		case string:
			return isISODate(x)
		}
		return false
	case mission.FieldArray:
		_, ok := AsSlice(v)
		return ok
	case mission.FieldAny, "":
		return true
	}
	return false
}

func isISODate(s string) bool {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
