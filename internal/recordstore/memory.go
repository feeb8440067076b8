package recordstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a mutex-guarded map. Useful for tests and
// for missions whose output is consumed in-process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]any
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]any)}
}

func (s *MemoryStore) List(ctx context.Context) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		record, err := cloneRecord(s.records[k])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (any, error) {
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record)
}

func (s *MemoryStore) Set(ctx context.Context, key string, record any) error {
	clone, err := cloneRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = clone
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, record any) error {
	clone, err := cloneRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return ErrRecordNotFound
	}
	s.records[key] = clone
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
