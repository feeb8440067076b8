// Package eval evaluates mission expressions against a scoped variable
// environment and matches runtime values against declared schemas. The
// engine consumes it as a service; it holds no state beyond the scopes the
// caller builds.
package eval

// Scope is one frame of the variable environment. Lookup resolves a name
// against the current value's fields first, then the local bindings walking
// up the parent chain, then the last HTTP response, in that priority order.
// Child scopes shadow parents.
type Scope struct {
	parent *Scope
	vars   map[string]any

	current any
	hasCur  bool

	response any
	hasResp  bool
}

// NewScope returns an empty root scope.
func NewScope() *Scope {
	return &Scope{vars: map[string]any{}}
}

// Child returns a new scope whose lookups fall through to s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: map[string]any{}}
}

// Set binds a variable in this scope, shadowing any parent binding.
func (s *Scope) Set(name string, value any) {
	s.vars[name] = value
}

// SetCurrent replaces the scope's current value.
func (s *Scope) SetCurrent(v any) {
	s.current = v
	s.hasCur = true
}

// Current returns the innermost current value.
func (s *Scope) Current() (any, bool) {
	for f := s; f != nil; f = f.parent {
		if f.hasCur {
			return f.current, true
		}
	}
	return nil, false
}

// SetResponse records the last HTTP response for fallthrough lookups.
func (s *Scope) SetResponse(v any) {
	s.response = v
	s.hasResp = true
}

// Response returns the innermost recorded response.
func (s *Scope) Response() (any, bool) {
	for f := s; f != nil; f = f.parent {
		if f.hasResp {
			return f.response, true
		}
	}
	return nil, false
}

// Lookup resolves name. The second return is false when the name is
// undefined everywhere. The names "it" and "response" are reserved for the
// current value and the last response.
func (s *Scope) Lookup(name string) (any, bool) {
	switch name {
	case "it":
		if v, ok := s.Current(); ok {
			return v, true
		}
	case "response":
		if v, ok := s.Response(); ok {
			return v, true
		}
	}
	if cur, ok := s.Current(); ok {
		if m, ok := cur.(map[string]any); ok {
			if v, ok := m[name]; ok {
				return v, true
			}
		}
	}
	for f := s; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
	}
	if resp, ok := s.Response(); ok {
		if m, ok := resp.(map[string]any); ok {
			if v, ok := m[name]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Vars flattens the scope chain's bindings, innermost winning. Used to
// snapshot loop state into checkpoints.
func (s *Scope) Vars() map[string]any {
	out := map[string]any{}
	var walk func(*Scope)
	walk = func(f *Scope) {
		if f == nil {
			return
		}
		walk(f.parent)
		for k, v := range f.vars {
			out[k] = v
		}
	}
	walk(s)
	return out
}

// SetAll binds every entry of vars in this scope.
func (s *Scope) SetAll(vars map[string]any) {
	for k, v := range vars {
		s.vars[k] = v
	}
}
