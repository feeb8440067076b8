package resilience

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcclowes/reqon/pkg/mission"
)

// defaultRetryAfter is the wait applied after a 429 when the server sent
// no Retry-After header and no request budget is configured.
const defaultRetryAfter = 10 * time.Second

// WaitInfo describes a rate-limited wait in progress, passed to limiter
// callbacks so callers can render progress without polling.
type WaitInfo struct {
	Source    string
	Endpoint  string
	Elapsed   time.Duration
	Remaining time.Duration
}

// LimiterCallbacks receive wait lifecycle notifications. All fields are
// optional; nil callbacks are skipped.
type LimiterCallbacks struct {
	// OnWait fires once when a request starts waiting.
	OnWait func(info WaitInfo)
	// OnProgress fires on each progress interval while still waiting.
	OnProgress func(info WaitInfo)
	// OnResume fires when the wait ends and the request proceeds.
	OnResume func(info WaitInfo)
}

// Limiter is a per-source adaptive rate limiter. It learns the source's
// backpressure from 429 responses and Retry-After headers, and applies
// the configured strategy when a request would land inside a limited
// window:
//
//   - pause blocks the request until the window clears.
//   - throttle additionally spaces all requests to the configured
//     requests-per-minute budget.
//   - fail returns a *RateLimitError instead of waiting.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	source string
	cfg    mission.RateLimit
	cb     LimiterCallbacks

	mu           sync.Mutex
	blockedUntil time.Time
	nextSlot     time.Time
	strikes      int

	now func() time.Time
}

// NewLimiter builds a limiter for one named source. An empty strategy
// behaves as pause.
func NewLimiter(source string, cfg mission.RateLimit, cb LimiterCallbacks) *Limiter {
	if cfg.Strategy == "" {
		cfg.Strategy = mission.RateLimitPause
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	return &Limiter{
		source: source,
		cfg:    cfg,
		cb:     cb,
		now:    time.Now,
	}
}

// Acquire blocks (or fails, per strategy) until a request to the source
// may proceed. A nil return means the caller may issue the request now.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	l.mu.Lock()
	now := l.now()
	var wait time.Duration
	if l.blockedUntil.After(now) {
		wait = l.blockedUntil.Sub(now)
	}
	if l.cfg.Strategy == mission.RateLimitThrottle && l.cfg.RequestsPerMinute > 0 {
		interval := time.Minute / time.Duration(l.cfg.RequestsPerMinute)
		earliest := now.Add(wait)
		if l.nextSlot.Before(earliest) {
			l.nextSlot = earliest
		}
		wait = l.nextSlot.Sub(now)
		l.nextSlot = l.nextSlot.Add(interval)
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	if l.cfg.Strategy == mission.RateLimitFail {
		return &RateLimitError{Source: l.source, Wait: wait}
	}
	if l.cfg.MaxWait > 0 && wait > l.cfg.MaxWait {
		return &RateLimitError{Source: l.source, Wait: wait}
	}
	return l.waitOut(ctx, endpoint, wait)
}

// Observe feeds one response's backpressure signals into the limiter.
// A 429 (or a 503 carrying Retry-After) establishes a blocked window;
// repeated strikes without server guidance back off harder; any success
// clears the strike count.
func (l *Limiter) Observe(statusCode int, header http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limited := statusCode == http.StatusTooManyRequests ||
		(statusCode == http.StatusServiceUnavailable && header.Get("Retry-After") != "")
	if !limited {
		if statusCode < 400 {
			l.strikes = 0
		}
		return
	}

	now := l.now()
	wait := parseRetryAfter(header.Get("Retry-After"), now)
	if wait <= 0 {
		wait = l.fallbackWait()
		for i := 0; i < l.strikes && i < 3; i++ {
			wait *= 2
		}
	}
	l.strikes++
	if until := now.Add(wait); until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Blocked returns the remaining blocked window, if any.
func (l *Limiter) Blocked() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.blockedUntil.After(now) {
		return l.blockedUntil.Sub(now), true
	}
	return 0, false
}

// Reset clears all learned state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockedUntil = time.Time{}
	l.nextSlot = time.Time{}
	l.strikes = 0
}

func (l *Limiter) fallbackWait() time.Duration {
	if l.cfg.RequestsPerMinute > 0 {
		return time.Minute / time.Duration(l.cfg.RequestsPerMinute)
	}
	return defaultRetryAfter
}

func (l *Limiter) waitOut(ctx context.Context, endpoint string, wait time.Duration) error {
	start := l.now()
	if l.cb.OnWait != nil {
		l.cb.OnWait(WaitInfo{Source: l.source, Endpoint: endpoint, Remaining: wait})
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(l.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.cb.OnProgress != nil {
				elapsed := l.now().Sub(start)
				l.cb.OnProgress(WaitInfo{
					Source:    l.source,
					Endpoint:  endpoint,
					Elapsed:   elapsed,
					Remaining: max(wait-elapsed, 0),
				})
			}
		case <-timer.C:
			if l.cb.OnResume != nil {
				l.cb.OnResume(WaitInfo{Source: l.source, Endpoint: endpoint, Elapsed: l.now().Sub(start)})
			}
			return nil
		}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}
