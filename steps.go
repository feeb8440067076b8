package reqon

import (
	"time"

	"github.com/mcclowes/reqon/pkg/mission"
)

// Fetch returns a step that issues a GET against path on the named source.
// Set Query, Pagination or Into on the returned struct for the richer
// variants.
func Fetch(source, path string) FetchStep {
	return FetchStep{Source: source, Method: "GET", Path: path}
}

// FetchOperation returns a fetch step that resolves its method and path
// from the source's OpenAPI spec by operation id.
func FetchOperation(source, operationID string) FetchStep {
	return FetchStep{Source: source, Operation: operationID}
}

// For returns a step that binds each element of the in expression to
// varName and runs the body steps per element.
func For(varName, in string, steps ...Step) ForStep {
	return ForStep{Var: varName, In: MustExpr(in), Steps: steps}
}

// ForStore is For over the records of a destination store.
func ForStore(varName, store string, steps ...Step) ForStep {
	return ForStep{Var: varName, Store: store, Steps: steps}
}

// MapFields returns a step that builds a new current value from
// field:expression pairs.
func MapFields(fields ...FieldMapping) MapStep {
	return MapStep{Fields: fields}
}

// Mapping pairs a target field with its value expression.
func Mapping(field, expr string) FieldMapping {
	return FieldMapping{Field: field, Expr: MustExpr(expr)}
}

// Validate returns a step that applies rules to the current value.
func Validate(rules ...Rule) ValidateStep {
	return ValidateStep{Rules: rules}
}

// Check returns an error-severity rule. The when expression must evaluate
// truthy or the action fails with message.
func Check(name, when, message string) Rule {
	return Rule{Name: name, When: MustExpr(when), Severity: mission.SeverityError, Message: message}
}

// Warn returns a warning-severity rule. A falsy when expression is recorded
// and execution continues.
func Warn(name, when, message string) Rule {
	return Rule{Name: name, When: MustExpr(when), Severity: mission.SeverityWarning, Message: message}
}

// Upsert returns a step that creates or replaces the current value in the
// named store.
func Upsert(store string) StoreStep {
	return StoreStep{Store: store, Mode: mission.StoreUpsert}
}

// Insert returns a store step that fails when the key already exists.
func Insert(store string) StoreStep {
	return StoreStep{Store: store, Mode: mission.StoreInsert}
}

// Match returns a step that branches on which schema the current value
// satisfies. Cases are tried in order; the schema name "_" matches any
// value.
func Match(cases ...MatchCase) MatchStep {
	return MatchStep{Cases: cases}
}

// Case pairs a schema name with the flow directive to emit on match.
func Case(schema string, directive FlowDirective) MatchCase {
	return MatchCase{Schema: schema, Directive: directive}
}

// Let returns a step that binds the value expression to a named variable.
func Let(name, value string) LetStep {
	return LetStep{Var: name, Value: MustExpr(value)}
}

// Apply returns a step that runs a registered transform over the current
// value.
func Apply(transform string) ApplyStep {
	return ApplyStep{Transform: transform}
}

// ApplyTo is Apply against an explicit target expression.
func ApplyTo(transform, target string) ApplyStep {
	return ApplyStep{Transform: transform, Target: MustExpr(target)}
}

// WaitForWebhook returns a step that blocks until expectedEvents webhook
// deliveries arrive on path, or fails once timeout elapses. Zero
// expectedEvents means one event; zero timeout means 60s.
func WaitForWebhook(path string, expectedEvents int, timeout time.Duration) WaitStep {
	return WaitStep{Path: path, ExpectedEvents: expectedEvents, Timeout: timeout}
}

// Flow directives for match cases.

// Continue proceeds to the next step.
func Continue() FlowDirective { return mission.Continue() }

// Skip abandons the rest of the current action without failing it.
func Skip() FlowDirective { return mission.Skip() }

// Retry re-runs the current action after backoff.
func Retry(backoff time.Duration) FlowDirective { return mission.Retry(backoff) }

// Jump transfers control to another action.
func Jump(action string) FlowDirective { return mission.Jump(action) }

// JumpThenRetry runs another action, then re-runs the current one.
func JumpThenRetry(action string) FlowDirective { return mission.JumpThenRetry(action) }

// Queue routes the matched value to the dead-letter queue and ends the
// current action without failing it.
func Queue(target string) FlowDirective { return mission.Queue(target) }

// Abort fails the whole execution with a message.
func Abort(message string) FlowDirective { return mission.Abort(message) }
