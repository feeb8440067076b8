package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mcclowes/reqon/pkg/execution"
)

// checkpointsFile holds all sync checkpoints as one document, separate
// from the per-id execution documents.
const checkpointsFile = "checkpoints.json"

// FileStore persists one JSON document per execution id under a base
// directory, plus a single checkpoint document. Writes go through a
// temp-file rename so a crash mid-write cannot corrupt a document.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Ensure FileStore implements the interfaces.
var _ ExecutionStore = (*FileStore)(nil)

var _ SyncCheckpointStore = (*FileStore)(nil)

func (s *FileStore) Save(_ context.Context, state *execution.State) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.executionPath(state.ID), data)
}

func (s *FileStore) Load(_ context.Context, id string) (*execution.State, error) {
	data, err := os.ReadFile(s.executionPath(id))
	if os.IsNotExist(err) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read execution %s: %w", id, err)
	}
	return DecodeState(data)
}

func (s *FileStore) ListByMission(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.list(ctx, func(state *execution.State) bool {
		return state.Mission == mission
	}, 0)
}

func (s *FileStore) ListRecent(ctx context.Context, limit int) ([]*execution.State, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.list(ctx, func(*execution.State) bool { return true }, limit)
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	err := os.Remove(s.executionPath(id))
	if os.IsNotExist(err) {
		return ErrExecutionNotFound
	}
	return err
}

func (s *FileStore) FindLatest(ctx context.Context, mission string) (*execution.State, error) {
	states, err := s.ListByMission(ctx, mission)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrExecutionNotFound
	}
	return states[0], nil
}

func (s *FileStore) FindResumable(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.list(ctx, func(state *execution.State) bool {
		return state.Mission == mission && state.CanResume()
	}, 0)
}

func (s *FileStore) list(_ context.Context, keep func(*execution.State) bool, limit int) ([]*execution.State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var states []*execution.State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == checkpointsFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read execution document %s: %w", name, err)
		}
		state, err := DecodeState(data)
		if err != nil {
			// A foreign or truncated file should not break listing.
			continue
		}
		if keep(state) {
			states = append(states, state)
		}
	}

	sortNewestFirst(states)
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

func (s *FileStore) executionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) GetCheckpoint(_ context.Context, key string) (execution.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readCheckpoints()
	if err != nil {
		return execution.SyncCheckpoint{}, err
	}
	cp, ok := all[key]
	if !ok {
		return execution.SyncCheckpoint{}, ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *FileStore) PutCheckpoint(_ context.Context, cp execution.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readCheckpoints()
	if err != nil {
		return err
	}
	all[cp.Key] = cp
	return s.writeCheckpoints(all)
}

func (s *FileStore) DeleteCheckpoint(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readCheckpoints()
	if err != nil {
		return err
	}
	delete(all, key)
	return s.writeCheckpoints(all)
}

func (s *FileStore) ListCheckpoints(_ context.Context) ([]execution.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readCheckpoints()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := make([]execution.SyncCheckpoint, 0, len(all))
	for _, key := range keys {
		result = append(result, all[key])
	}
	return result, nil
}

func (s *FileStore) readCheckpoints() (map[string]execution.SyncCheckpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, checkpointsFile))
	if os.IsNotExist(err) {
		return make(map[string]execution.SyncCheckpoint), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	var all map[string]execution.SyncCheckpoint
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode checkpoints: %w", err)
	}
	if all == nil {
		all = make(map[string]execution.SyncCheckpoint)
	}
	return all, nil
}

func (s *FileStore) writeCheckpoints(all map[string]execution.SyncCheckpoint) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, checkpointsFile), data)
}

// writeAtomic writes via a temp file and rename so readers never observe
// a partial document.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
