package reqon

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// Engine.WithRetry and Options.
type RetryBuilder struct {
	policy RetryPolicy
}

// FetchRetry creates a RetryBuilder with the given maxAttempts for HTTP
// fetches.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func FetchRetry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, the engine default cap of 30s applies.
//
// Example:
//
//	FetchRetry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
//
// The cap is pinned to the delay itself so policy normalization cannot
// change it.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = delay
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to
// Engine.WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
