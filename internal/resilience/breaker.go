package resilience

import (
	"sync"
	"time"

	"github.com/mcclowes/reqon/pkg/mission"
)

// BreakerState is the current position of a circuit breaker's state
// machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerCallbacks receive state transition notifications. All fields are
// optional; nil callbacks are skipped.
type BreakerCallbacks struct {
	// OnOpen fires when the circuit opens, with the failure count inside
	// the window and the last failure's reason.
	OnOpen func(source string, failures int, reason string)
	// OnHalfOpen fires when an open circuit starts admitting trial calls.
	OnHalfOpen func(source string)
	// OnClose fires when trial calls succeed and the circuit closes.
	OnClose func(source string)
	// OnReject fires when a call is rejected without being attempted,
	// with the time remaining until the next trial window.
	OnReject func(source string, retryIn time.Duration)
}

// Breaker is a per-source circuit breaker. Failures within a rolling
// window open the circuit; an open circuit rejects calls until the reset
// timeout elapses, then admits trial calls in half-open state. Enough
// consecutive trial successes close it again; any trial failure reopens
// it.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	source string
	cfg    mission.CircuitBreaker
	cb     BreakerCallbacks

	mu         sync.Mutex
	state      BreakerState
	failures   []time.Time
	lastReason string
	openedAt   time.Time
	trialHits  int

	now func() time.Time
}

// NewBreaker builds a breaker for one named source. Zero config fields
// take the documented defaults.
func NewBreaker(source string, cfg mission.CircuitBreaker, cb BreakerCallbacks) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		source: source,
		cfg:    cfg,
		cb:     cb,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. A rejected call returns a
// *CircuitOpenError and must not reach the network. Allow also performs
// the open to half-open transition once the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			retryIn := b.cfg.ResetTimeout - elapsed
			if b.cb.OnReject != nil {
				b.cb.OnReject(b.source, retryIn)
			}
			return &CircuitOpenError{Source: b.source, RetryIn: retryIn}
		}
		b.state = BreakerHalfOpen
		b.trialHits = 0
		if b.cb.OnHalfOpen != nil {
			b.cb.OnHalfOpen(b.source)
		}
		return nil
	}
	return nil
}

// RecordSuccess notes a successful call. In half-open state enough
// consecutive successes close the circuit; in closed state the failure
// window is cleared.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = b.failures[:0]
	case BreakerHalfOpen:
		b.trialHits++
		if b.trialHits >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = b.failures[:0]
			b.trialHits = 0
			if b.cb.OnClose != nil {
				b.cb.OnClose(b.source)
			}
		}
	}
}

// RecordFailure notes a failed call. A half-open trial failure reopens
// the circuit immediately; in closed state failures accumulate within
// the rolling window until the threshold opens the circuit.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastReason = reason
	switch b.state {
	case BreakerHalfOpen:
		b.open(1)
	case BreakerClosed:
		now := b.now()
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(len(b.failures))
		}
	}
}

// open transitions to the open state. Caller holds the lock.
func (b *Breaker) open(failures int) {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.trialHits = 0
	if b.cb.OnOpen != nil {
		b.cb.OnOpen(b.source, failures, b.lastReason)
	}
}

// prune drops failures older than the rolling window. Caller holds the
// lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// State returns the breaker's current state without triggering any
// transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of failures currently inside the rolling
// window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

// Reset returns the breaker to a pristine closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = nil
	b.trialHits = 0
	b.lastReason = ""
}
