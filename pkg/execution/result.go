package execution

import "time"

// Result is what Execute returns. Execute never raises for mission
// failures: Success is false and Errors carries the log instead.
type Result struct {
	ExecutionID string
	Mission     string
	Success     bool
	Duration    time.Duration
	Errors      []ErrorEntry

	// Stores maps destination store names to their record counts after the
	// run.
	Stores map[string]int
}

// Options tunes one Execute call.
type Options struct {
	// ResumeFrom names an existing execution id to continue instead of
	// starting fresh. Stages already completed or skipped are not re-run.
	ResumeFrom string

	// Variables seeds the root scope.
	Variables map[string]any

	// MaxActionRetries bounds how often a retry flow directive may re-run
	// one action within a stage attempt. Zero means 3.
	MaxActionRetries int
}
