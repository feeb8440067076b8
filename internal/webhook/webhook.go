// Package webhook pairs blocking wait steps with externally delivered HTTP
// callbacks. An execution registers interest in a path, the intake handler
// (or a test) delivers JSON events to that path, and the wait resolves once
// the expected number of events has arrived or the timeout elapses.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a wait whose registration does not set one.
const DefaultTimeout = time.Minute

// ErrWaitTimeout is returned by Pending.Wait when the expected events did
// not arrive in time.
var ErrWaitTimeout = errors.New("webhook wait timed out")

// Event is one delivered webhook payload.
type Event struct {
	ID         string
	Path       string
	Payload    map[string]any
	ReceivedAt time.Time
}

// Registration declares what a wait step expects.
type Registration struct {
	ExecutionID string
	// Path events are delivered on. Empty derives "/<executionID>".
	Path string
	// Timeout bounds Wait. Zero means DefaultTimeout.
	Timeout time.Duration
	// ExpectedEvents is how many deliveries resolve the wait. Zero means 1.
	ExpectedEvents int
}

// Pending is one registered wait. Deliveries accumulate on it until the
// expected count is reached.
type Pending struct {
	path     string
	expected int
	timeout  time.Duration
	remove   func()

	mu     sync.Mutex
	events []Event
	closed bool
	done   chan struct{}
}

// Path reports the normalized path this wait listens on.
func (p *Pending) Path() string { return p.path }

// Wait blocks until the expected number of events has been delivered and
// returns them in arrival order. It fails once the timeout elapses so a
// callback that never comes cannot hang an execution. Waiting also
// consumes the registration: after Wait returns, deliveries on the path
// no longer reach this Pending.
func (p *Pending) Wait(ctx context.Context) ([]Event, error) {
	defer p.remove()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.snapshot(), nil
	case <-timer.C:
		p.stop()
		return nil, fmt.Errorf("%w: path %s received %d of %d events within %s",
			ErrWaitTimeout, p.path, len(p.snapshot()), p.expected, p.timeout)
	case <-ctx.Done():
		p.stop()
		return nil, ctx.Err()
	}
}

func (p *Pending) deliver(e Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.events = append(p.events, e)
	if len(p.events) >= p.expected {
		p.closed = true
		close(p.done)
	}
	return true
}

func (p *Pending) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Pending) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Registry tracks pending waits by path and fans deliveries out to them.
// It is safe for concurrent use.
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	paths map[string][]*Pending
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		paths:  make(map[string][]*Pending),
	}
}

// Register records a wait for events on the registration's path. The
// returned Pending must be consumed with Wait, which also removes the
// registration again.
func (r *Registry) Register(reg Registration) *Pending {
	path := reg.Path
	if path == "" {
		path = reg.ExecutionID
	}
	path = normalizePath(path)

	expected := reg.ExpectedEvents
	if expected <= 0 {
		expected = 1
	}
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Pending{
		path:     path,
		expected: expected,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	p.remove = func() { r.unregister(path, p) }

	r.mu.Lock()
	r.paths[path] = append(r.paths[path], p)
	r.mu.Unlock()

	r.logger.Debug("webhook wait registered",
		zap.String("path", path),
		zap.String("execution", reg.ExecutionID),
		zap.Int("expectedEvents", expected),
		zap.Duration("timeout", timeout))
	return p
}

// Deliver routes one event to every wait registered on the path and
// reports how many accepted it.
func (r *Registry) Deliver(path string, payload map[string]any) int {
	e := Event{
		ID:         uuid.NewString(),
		Path:       normalizePath(path),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	waiting := append([]*Pending(nil), r.paths[e.Path]...)
	r.mu.Unlock()

	delivered := 0
	for _, p := range waiting {
		if p.deliver(e) {
			delivered++
		}
	}
	if delivered == 0 {
		r.logger.Debug("webhook event had no listeners", zap.String("path", e.Path))
	} else {
		r.logger.Debug("webhook event delivered",
			zap.String("path", e.Path),
			zap.Int("waiters", delivered))
	}
	return delivered
}

func (r *Registry) unregister(path string, p *Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.paths[path][:0]
	for _, q := range r.paths[path] {
		if q != p {
			kept = append(kept, q)
		}
	}
	if len(kept) == 0 {
		delete(r.paths, path)
		return
	}
	r.paths[path] = kept
}

func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}
