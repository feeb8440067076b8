package resilience

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon/pkg/mission"
)

func TestLimiterAcquireWithoutWindow(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitPause}, LimiterCallbacks{})
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "/contacts"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterPauseWaitsOutWindow(t *testing.T) {
	var waits, progresses, resumes []WaitInfo
	l := NewLimiter("crm", mission.RateLimit{
		Strategy:         mission.RateLimitPause,
		ProgressInterval: 20 * time.Millisecond,
	}, LimiterCallbacks{
		OnWait:     func(info WaitInfo) { waits = append(waits, info) },
		OnProgress: func(info WaitInfo) { progresses = append(progresses, info) },
		OnResume:   func(info WaitInfo) { resumes = append(resumes, info) },
	})
	l.blockedUntil = time.Now().Add(60 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "/contacts"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.Len(t, waits, 1)
	assert.Equal(t, "crm", waits[0].Source)
	assert.Equal(t, "/contacts", waits[0].Endpoint)
	assert.Greater(t, waits[0].Remaining, time.Duration(0))
	assert.NotEmpty(t, progresses)
	require.Len(t, resumes, 1)
	assert.Greater(t, resumes[0].Elapsed, time.Duration(0))
}

func TestLimiterFailStrategy(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitFail}, LimiterCallbacks{})
	l.blockedUntil = time.Now().Add(time.Hour)

	err := l.Acquire(context.Background(), "/contacts")
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "crm", rateErr.Source)
	assert.Greater(t, rateErr.Wait, time.Duration(0))
	assert.True(t, IsRetryable(err))
}

func TestLimiterMaxWaitExceeded(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{
		Strategy: mission.RateLimitPause,
		MaxWait:  10 * time.Millisecond,
	}, LimiterCallbacks{})
	l.blockedUntil = time.Now().Add(time.Hour)

	err := l.Acquire(context.Background(), "/contacts")
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
}

func TestLimiterThrottleSpacesRequests(t *testing.T) {
	// 3000 requests per minute spaces slots 20ms apart.
	l := NewLimiter("crm", mission.RateLimit{
		Strategy:          mission.RateLimitThrottle,
		RequestsPerMinute: 3000,
	}, LimiterCallbacks{})

	start := time.Now()
	for range 3 {
		require.NoError(t, l.Acquire(context.Background(), "/contacts"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestLimiterObserveRetryAfterSeconds(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitPause}, LimiterCallbacks{})

	header := http.Header{}
	header.Set("Retry-After", "2")
	l.Observe(http.StatusTooManyRequests, header)

	wait, blocked := l.Blocked()
	require.True(t, blocked)
	assert.InDelta(t, 2*time.Second, wait, float64(100*time.Millisecond))
}

func TestLimiterObserveEscalatesWithoutGuidance(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{
		Strategy:          mission.RateLimitPause,
		RequestsPerMinute: 60,
	}, LimiterCallbacks{})

	l.Observe(http.StatusTooManyRequests, http.Header{})
	first, blocked := l.Blocked()
	require.True(t, blocked)
	assert.InDelta(t, time.Second, first, float64(100*time.Millisecond))

	l.Observe(http.StatusTooManyRequests, http.Header{})
	second, blocked := l.Blocked()
	require.True(t, blocked)
	assert.Greater(t, second, first)

	// A success clears the strike count without shrinking the window.
	l.Observe(http.StatusOK, http.Header{})
	assert.Equal(t, 0, l.strikes)
}

func TestLimiterObserveServiceUnavailable(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitPause}, LimiterCallbacks{})

	// A plain 503 is not a rate-limit signal.
	l.Observe(http.StatusServiceUnavailable, http.Header{})
	_, blocked := l.Blocked()
	assert.False(t, blocked)

	header := http.Header{}
	header.Set("Retry-After", "1")
	l.Observe(http.StatusServiceUnavailable, header)
	_, blocked = l.Blocked()
	assert.True(t, blocked)
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitPause}, LimiterCallbacks{})
	l.blockedUntil = time.Now().Add(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "/contacts")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter("crm", mission.RateLimit{Strategy: mission.RateLimitPause}, LimiterCallbacks{})
	header := http.Header{}
	header.Set("Retry-After", "60")
	l.Observe(http.StatusTooManyRequests, header)
	_, blocked := l.Blocked()
	require.True(t, blocked)

	l.Reset()
	_, blocked = l.Blocked()
	assert.False(t, blocked)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, parseRetryAfter(date, now))
}
