// Package recordstore provides the destination stores missions write
// records to. A Store is a named collection of keyed records behind one
// of four adapters: in-memory, a JSON document on disk, a SQLite table,
// or an S3-compatible object store.
//
// Records are loosely typed (JSON-shaped values); adapters must return
// copies the caller may mutate freely.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by Get and Update for unknown keys.
var ErrRecordNotFound = errors.New("record not found")

// ErrStoreNotFound is returned by the registry for unknown store names.
var ErrStoreNotFound = errors.New("store not found")

// Store is one named destination collection.
type Store interface {
	// List returns every record, ordered by key.
	List(ctx context.Context) ([]any, error)

	// Get returns the record under key, or ErrRecordNotFound.
	Get(ctx context.Context, key string) (any, error)

	// Set writes the record under key, inserting or replacing.
	Set(ctx context.Context, key string, record any) error

	// Update replaces an existing record, or returns ErrRecordNotFound.
	Update(ctx context.Context, key string, record any) error

	// Len reports the number of records.
	Len(ctx context.Context) (int, error)
}

// cloneRecord deep-copies a record through JSON so stored values never
// alias caller-held ones.
func cloneRecord(record any) (any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}
