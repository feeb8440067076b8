// Package deadletter collects the values a queue flow directive routes
// out of the pipeline. Entries are kept for later inspection or
// reprocessing; draining removes them.
package deadletter

import (
	"context"
	"time"
)

// Entry is one routed value.
type Entry struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	Mission     string    `json:"mission"`
	Action      string    `json:"action"`
	Target      string    `json:"target,omitempty"`
	Value       any       `json:"value"`
	Reason      string    `json:"reason,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Queue stores routed entries in arrival order.
type Queue interface {
	// Enqueue appends an entry. A missing ID and EnqueuedAt are filled in.
	Enqueue(ctx context.Context, e Entry) error

	// Drain removes and returns up to max entries, oldest first.
	// max <= 0 drains everything.
	Drain(ctx context.Context, max int) ([]Entry, error)

	// Len reports the number of queued entries.
	Len(ctx context.Context) (int, error)
}
