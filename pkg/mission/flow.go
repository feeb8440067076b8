package mission

import "time"

// FlowKind names a control-flow directive emitted by a match step. Flow
// directives are intentional control flow: they are propagated as explicit
// results distinct from step errors, and never appear in the error log.
type FlowKind string

const (
	// FlowContinue falls through to the next step.
	FlowContinue FlowKind = "continue"
	// FlowSkip abandons the remaining steps of the current action without
	// failing it.
	FlowSkip FlowKind = "skip"
	// FlowRetry abandons the current action and requests it be retried,
	// optionally after a backoff.
	FlowRetry FlowKind = "retry"
	// FlowJump abandons the current action and transfers control to another
	// named action, then continues or retries per Then.
	FlowJump FlowKind = "jump"
	// FlowQueue abandons the current action and routes the current value to
	// a dead-letter target instead of the active stores.
	FlowQueue FlowKind = "queue"
	// FlowAbort escalates to an action failure with the directive's message.
	FlowAbort FlowKind = "abort"
)

// FlowDirective is one control-flow instruction. Which extra fields apply
// depends on Kind.
type FlowDirective struct {
	Kind FlowKind

	// Backoff delays the retry requested by FlowRetry. Zero retries
	// immediately.
	Backoff time.Duration

	// Action is the FlowJump target. Then selects what happens after the
	// jumped action completes: FlowContinue (default) or FlowRetry.
	Action string
	Then   FlowKind

	// Target names the dead-letter destination for FlowQueue. Empty routes
	// to the default queue.
	Target string

	// Message is the failure message for FlowAbort.
	Message string
}

// Continue returns the fall-through directive.
func Continue() FlowDirective { return FlowDirective{Kind: FlowContinue} }

// Skip returns a directive that ends the current action early without
// failing it.
func Skip() FlowDirective { return FlowDirective{Kind: FlowSkip} }

// Retry returns a directive that re-runs the current action after backoff.
func Retry(backoff time.Duration) FlowDirective {
	return FlowDirective{Kind: FlowRetry, Backoff: backoff}
}

// Jump returns a directive that runs another action, then continues.
func Jump(action string) FlowDirective {
	return FlowDirective{Kind: FlowJump, Action: action, Then: FlowContinue}
}

// JumpThenRetry returns a directive that runs another action, then retries
// the current one.
func JumpThenRetry(action string) FlowDirective {
	return FlowDirective{Kind: FlowJump, Action: action, Then: FlowRetry}
}

// Queue returns a directive that routes the current value to a dead-letter
// target.
func Queue(target string) FlowDirective {
	return FlowDirective{Kind: FlowQueue, Target: target}
}

// Abort returns a directive that fails the action with the given message.
func Abort(message string) FlowDirective {
	return FlowDirective{Kind: FlowAbort, Message: message}
}
