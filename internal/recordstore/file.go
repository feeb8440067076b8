package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps a store's records in one JSON document on disk,
// rewritten atomically on every change.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore binds a store to <dir>/<name>.json, creating dir as
// needed.
func NewFileStore(dir, name string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, name+".json")}, nil
}

func (s *FileStore) List(ctx context.Context) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, records[k])
	}
	return out, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	record, ok := records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

func (s *FileStore) Set(ctx context.Context, key string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records[key] = record
	return s.write(records)
}

func (s *FileStore) Update(ctx context.Context, key string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return ErrRecordNotFound
	}
	records[key] = record
	return s.write(records)
}

func (s *FileStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *FileStore) read() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}
	var records map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	if records == nil {
		records = map[string]any{}
	}
	return records, nil
}

func (s *FileStore) write(records map[string]any) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace store %s: %w", s.path, err)
	}
	return nil
}
