package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/mcclowes/reqon/pkg/execution"
)

// InMemoryStore is a goroutine-safe ExecutionStore and SyncCheckpointStore
// backed by maps. Every save and load passes through the codec, so callers
// never share memory with the store's copy.
type InMemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*execution.State
	checkpoints map[string]execution.SyncCheckpoint
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions:  make(map[string]*execution.State),
		checkpoints: make(map[string]execution.SyncCheckpoint),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ ExecutionStore = (*InMemoryStore)(nil)

var _ SyncCheckpointStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Save(_ context.Context, state *execution.State) error {
	clone, err := CloneState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[state.ID] = clone
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, id string) (*execution.State, error) {
	s.mu.RLock()
	state, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return CloneState(state)
}

func (s *InMemoryStore) ListByMission(_ context.Context, mission string) ([]*execution.State, error) {
	return s.list(func(state *execution.State) bool {
		return state.Mission == mission
	}, 0)
}

func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]*execution.State, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.list(func(*execution.State) bool { return true }, limit)
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return ErrExecutionNotFound
	}
	delete(s.executions, id)
	return nil
}

func (s *InMemoryStore) FindLatest(ctx context.Context, mission string) (*execution.State, error) {
	states, err := s.ListByMission(ctx, mission)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrExecutionNotFound
	}
	return states[0], nil
}

func (s *InMemoryStore) FindResumable(_ context.Context, mission string) ([]*execution.State, error) {
	return s.list(func(state *execution.State) bool {
		return state.Mission == mission && state.CanResume()
	}, 0)
}

// list filters, sorts newest-first and clones. limit 0 means no limit.
func (s *InMemoryStore) list(keep func(*execution.State) bool, limit int) ([]*execution.State, error) {
	s.mu.RLock()
	var matched []*execution.State
	for _, state := range s.executions {
		if keep(state) {
			matched = append(matched, state)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*execution.State, len(matched))
	for i, state := range matched {
		clone, err := CloneState(state)
		if err != nil {
			return nil, err
		}
		result[i] = clone
	}
	return result, nil
}

func sortNewestFirst(states []*execution.State) {
	sort.Slice(states, func(i, j int) bool {
		if !states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].StartedAt.After(states[j].StartedAt)
		}
		return states[i].ID > states[j].ID
	})
}

func sortCheckpoints(cps []execution.SyncCheckpoint) {
	sort.Slice(cps, func(i, j int) bool { return cps[i].Key < cps[j].Key })
}

func (s *InMemoryStore) GetCheckpoint(_ context.Context, key string) (execution.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[key]
	if !ok {
		return execution.SyncCheckpoint{}, ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *InMemoryStore) PutCheckpoint(_ context.Context, cp execution.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[cp.Key] = cp
	return nil
}

func (s *InMemoryStore) DeleteCheckpoint(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, key)
	return nil
}

func (s *InMemoryStore) ListCheckpoints(_ context.Context) ([]execution.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]execution.SyncCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		result = append(result, cp)
	}
	sortCheckpoints(result)
	return result, nil
}
