package execution

import "time"

// RetryPolicy controls how a failed fetch request is retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff. It is not applied before the first attempt.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is the fetch retry used when none is configured:
// three attempts with 500ms initial backoff doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Normalized returns the policy with zero fields replaced by defaults.
// A zero policy normalizes to DefaultRetryPolicy.
func (p RetryPolicy) Normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	return p
}

// BackoffFor returns the delay to apply before retry attempt n, where the
// first retry is n=1. Attempts below one get no delay.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(delay) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && next > p.MaxBackoff {
			return p.MaxBackoff
		}
		delay = next
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
