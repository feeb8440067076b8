package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// CircuitOpenError is returned when a request is rejected because the
// source's circuit breaker is open. The request was never attempted.
type CircuitOpenError struct {
	Source  string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for source %q, retry in %s", e.Source, e.RetryIn.Round(time.Millisecond))
}

// RateLimitError is returned when a source is rate limited and the
// configured strategy does not allow waiting, or the wait would exceed
// the configured maximum.
type RateLimitError struct {
	Source string
	Wait   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on source %q, next window in %s", e.Source, e.Wait.Round(time.Millisecond))
}

// StatusError reports a non-success HTTP status from a source.
type StatusError struct {
	Source     string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"network",
	"temporarily unavailable",
	"429",
	"too many requests",
	"rate limit",
	"502",
	"bad gateway",
	"503",
	"service unavailable",
}

// IsRetryable reports whether an error is worth retrying. Circuit-open
// rejections, rate-limit waits, transient HTTP statuses and common
// network failure messages all qualify; anything else is treated as
// permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return true
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 408, 429, 502, 503, 504:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
