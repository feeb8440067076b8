package mission

import "time"

// Step is one instruction inside an action. The set of step types is closed;
// the executor dispatches with an exhaustive type switch, so adding a step
// kind is a compile-time-checked change.
type Step interface {
	// Kind returns the step's type name as used in mission documents and
	// error log entries.
	Kind() string
	isStep()
}

// FetchStep issues one HTTP fetch against a named source, following the
// source's pagination, rate-limit and circuit-breaker settings. The fetched
// items (or the decoded body for unpaginated fetches) become the current
// value and the last response.
type FetchStep struct {
	Source string

	// Operation names an OpenAPI operation id to resolve method and path
	// from the source's spec document. Alternatively Method and Path are
	// given explicitly; Path is joined to the source base URL.
	Operation string
	Method    string
	Path      string

	// Query holds extra query parameters, expression-valued.
	Query map[string]Expr

	// Body, when set, is evaluated and sent as the JSON request body.
	Body Expr

	// Pagination overrides the source's default for this step.
	Pagination *Pagination

	// CheckpointKey opts this fetch into incremental syncing: the last
	// synced timestamp stored under the key is sent as a "since" query
	// parameter and advanced after a successful fetch. Empty disables
	// incremental syncing unless SinceParam is set, in which case the key
	// is derived from source and operation/path.
	CheckpointKey string
	// SinceParam overrides the query parameter name used for the
	// incremental timestamp.
	SinceParam string

	// Into, when set, binds the fetch result to a variable instead of only
	// replacing the current value.
	Into string
}

// ForStep iterates a collection, binding Var to each element in a nested
// child scope. The collection comes from a destination store listing
// (Store), or from evaluating In against the current scope. An optional
// Where condition filters elements before the body runs.
type ForStep struct {
	Var   string
	In    Expr
	Store string
	Where Expr
	Steps []Step
}

// MapStep builds a new object from field:expression pairs. The result
// becomes the new current value.
type MapStep struct {
	Fields []FieldMapping
}

// Severity ranks a validation rule.
type Severity string

const (
	// SeverityError fails the step, and with it the containing action.
	SeverityError Severity = "error"
	// SeverityWarning is logged and execution continues.
	SeverityWarning Severity = "warning"
)

// Rule is one validation constraint. When must evaluate truthy against the
// validated value for the rule to pass.
type Rule struct {
	Name     string
	When     Expr
	Severity Severity
	Message  string
}

// ValidateStep applies rules to a value in declaration order. The first
// failing error-severity rule aborts the action with that rule's message;
// warning-severity failures are recorded and execution continues.
type ValidateStep struct {
	// Target is the validated value. Nil means the current value.
	Target Expr
	Rules  []Rule
}

// StoreMode selects write semantics for a StoreStep.
type StoreMode string

const (
	// StoreUpsert creates or replaces the record under its key.
	StoreUpsert StoreMode = "upsert"
	// StoreInsert creates the record, failing if the key already exists.
	StoreInsert StoreMode = "insert"
)

// StoreStep writes one or many records to a named destination store. When
// the value is a collection every element is written. The record key comes
// from the Key expression evaluated against the record, falling back to the
// record's "id" field, falling back to a random key.
type StoreStep struct {
	Store string
	Mode  StoreMode
	Key   Expr
	// Value is the record (or collection) to write. Nil means the current
	// value.
	Value Expr
}

// MatchStep branches on which named schema the input satisfies and emits
// the matching case's flow directive. Cases are tried in declaration order;
// the schema name "_" is a wildcard that matches any value. When no case
// matches, execution continues.
type MatchStep struct {
	// Input is the matched value. Nil means the current value.
	Input Expr
	Cases []MatchCase
}

// MatchCase pairs a schema name with the directive to emit when it matches.
type MatchCase struct {
	Schema    string
	Directive FlowDirective
}

// LetStep binds a variable in the current scope.
type LetStep struct {
	Var   string
	Value Expr
}

// ApplyStep runs a registered transform against a value; the transformed
// record becomes the new current value.
type ApplyStep struct {
	Transform string
	// Target is the transform input. Nil means the current value.
	Target Expr
}

// WaitStep registers a webhook expectation and blocks until the expected
// number of events arrives, or fails deterministically once Timeout
// elapses. The received event bodies become the current value.
type WaitStep struct {
	// Path is the webhook path suffix events are delivered to.
	Path string
	// Timeout bounds the wait. Zero means 60s.
	Timeout time.Duration
	// ExpectedEvents is the number of events to wait for. Zero means 1.
	ExpectedEvents int
}

func (FetchStep) Kind() string    { return "fetch" }
func (ForStep) Kind() string      { return "for" }
func (MapStep) Kind() string      { return "map" }
func (ValidateStep) Kind() string { return "validate" }
func (StoreStep) Kind() string    { return "store" }
func (MatchStep) Kind() string    { return "match" }
func (LetStep) Kind() string      { return "let" }
func (ApplyStep) Kind() string    { return "apply" }
func (WaitStep) Kind() string     { return "wait" }

func (FetchStep) isStep()    {}
func (ForStep) isStep()      {}
func (MapStep) isStep()      {}
func (ValidateStep) isStep() {}
func (StoreStep) isStep()    {}
func (MatchStep) isStep()    {}
func (LetStep) isStep()      {}
func (ApplyStep) isStep()    {}
func (WaitStep) isStep()     {}
