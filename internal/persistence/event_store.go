package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/mcclowes/reqon/pkg/execution"
)

// EventStore is an append-only journal of execution lifecycle events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev execution.Event) error
	ListEvents(ctx context.Context, executionID string) ([]execution.Event, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev execution.Event) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, executionID string) ([]execution.Event, error) {
	return nil, nil
}

// InMemoryEventStore keeps the journal in memory, in append order.
type InMemoryEventStore struct {
	mu     sync.Mutex
	events []execution.Event
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{}
}

var _ EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) AppendEvent(_ context.Context, ev execution.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(_ context.Context, executionID string) ([]execution.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []execution.Event
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			result = append(result, ev)
		}
	}
	return result, nil
}
