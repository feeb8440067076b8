package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue keeps entries in a mutex-guarded slice. Safe for
// concurrent use.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
}

// Ensure MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory dead-letter queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e Entry) error {
	stamp(&e)
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Drain(ctx context.Context, max int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	q.entries = append(q.entries[:0:0], q.entries[n:]...)
	return out, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func stamp(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
}
