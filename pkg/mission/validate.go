package mission

import "fmt"

// Validate checks cross-references and structural rules of a resolved
// Mission and returns every problem found. A nil result means the mission
// is runnable.
func Validate(m *Mission) []error {
	v := &validator{m: m}
	v.run()
	return v.errs
}

type validator struct {
	m    *Mission
	errs []error
}

func (v *validator) errorf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) run() {
	m := v.m
	if m.Name == "" {
		v.errorf("mission name is required")
	}
	if len(m.Pipeline) == 0 {
		v.errorf("pipeline has no stages")
	}
	for i, st := range m.Pipeline {
		if st.Action == "" && len(st.Parallel) == 0 {
			v.errorf("pipeline[%d]: stage names no action", i)
			continue
		}
		if st.Action != "" && len(st.Parallel) > 0 {
			v.errorf("pipeline[%d]: stage is both single and parallel", i)
		}
		for _, name := range st.Actions() {
			if _, ok := m.Actions[name]; !ok {
				v.errorf("pipeline[%d]: unknown action %q", i, name)
			}
		}
	}
	for name, a := range m.Actions {
		v.steps("action "+name, a.Steps)
	}
}

func (v *validator) steps(where string, steps []Step) {
	if len(steps) == 0 {
		v.errorf("%s: has no steps", where)
		return
	}
	for i, s := range steps {
		at := fmt.Sprintf("%s.steps[%d]", where, i)
		switch st := s.(type) {
		case FetchStep:
			if _, ok := v.m.Sources[st.Source]; !ok {
				v.errorf("%s: unknown source %q", at, st.Source)
			}
			if st.Operation == "" && st.Path == "" {
				v.errorf("%s: fetch needs an operation or a path", at)
			}
		case ForStep:
			if st.Var == "" {
				v.errorf("%s: for needs a loop variable", at)
			}
			if st.In == nil && st.Store == "" {
				v.errorf("%s: for needs a collection (in or fromStore)", at)
			}
			if st.In != nil && st.Store != "" {
				v.errorf("%s: for has both in and fromStore", at)
			}
			if st.Store != "" {
				if _, ok := v.m.Stores[st.Store]; !ok {
					v.errorf("%s: unknown store %q", at, st.Store)
				}
			}
			v.steps(at, st.Steps)
		case MapStep:
			if len(st.Fields) == 0 {
				v.errorf("%s: map has no fields", at)
			}
		case ValidateStep:
			if len(st.Rules) == 0 {
				v.errorf("%s: validate has no rules", at)
			}
			for _, r := range st.Rules {
				if r.When == nil {
					v.errorf("%s: rule %q has no condition", at, r.Name)
				}
				switch r.Severity {
				case SeverityError, SeverityWarning:
				default:
					v.errorf("%s: rule %q has unknown severity %q", at, r.Name, r.Severity)
				}
			}
		case StoreStep:
			if _, ok := v.m.Stores[st.Store]; !ok {
				v.errorf("%s: unknown store %q", at, st.Store)
			}
			switch st.Mode {
			case StoreUpsert, StoreInsert:
			default:
				v.errorf("%s: unknown store mode %q", at, st.Mode)
			}
		case MatchStep:
			if len(st.Cases) == 0 {
				v.errorf("%s: match has no cases", at)
			}
			for _, cs := range st.Cases {
				if cs.Schema != "_" {
					if _, ok := v.m.Schemas[cs.Schema]; !ok {
						v.errorf("%s: unknown schema %q", at, cs.Schema)
					}
				}
				v.directive(at, cs.Directive)
			}
		case LetStep:
			if st.Var == "" {
				v.errorf("%s: let needs a variable name", at)
			}
			if st.Value == nil {
				v.errorf("%s: let needs a value", at)
			}
		case ApplyStep:
			if _, ok := v.m.Transforms[st.Transform]; !ok {
				v.errorf("%s: unknown transform %q", at, st.Transform)
			}
		case WaitStep:
			if st.Path == "" {
				v.errorf("%s: wait needs a webhook path", at)
			}
			if st.ExpectedEvents < 0 {
				v.errorf("%s: wait expectedEvents must not be negative", at)
			}
		}
	}
}

func (v *validator) directive(at string, d FlowDirective) {
	switch d.Kind {
	case FlowContinue, FlowSkip, FlowRetry, FlowQueue, FlowAbort:
	case FlowJump:
		if _, ok := v.m.Actions[d.Action]; !ok {
			v.errorf("%s: jump to unknown action %q", at, d.Action)
		}
		switch d.Then {
		case FlowContinue, FlowRetry, "":
		default:
			v.errorf("%s: jump then %q: must be continue or retry", at, d.Then)
		}
	default:
		v.errorf("%s: unknown flow directive %q", at, d.Kind)
	}
}
