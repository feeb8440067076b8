// Package persistence stores execution state and sync checkpoints.
//
// Durable state is what makes resume safe: the engine saves after every
// stage transition, so a crash never loses more than the most recent one.
// Four backends share one contract: in-memory (tests, throwaway runs),
// file (one JSON document per execution), SQLite and Postgres
// (database/sql; the caller imports the driver).
package persistence

import (
	"context"
	"errors"

	"github.com/mcclowes/reqon/pkg/execution"
)

var (
	// ErrExecutionNotFound is returned when an execution id is not in the store.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrCheckpointNotFound is returned when a sync checkpoint key is not in
	// the store.
	ErrCheckpointNotFound = errors.New("sync checkpoint not found")
)

// DefaultListLimit is the ListRecent limit applied when the caller passes
// zero or a negative limit.
const DefaultListLimit = 50

// ExecutionStore is the durable home of execution state documents.
//
// Save is an upsert keyed by the execution id. Implementations must return
// state values the caller can mutate freely: a later Load must not observe
// mutations made to a previously returned value.
type ExecutionStore interface {
	Save(ctx context.Context, state *execution.State) error
	// Load returns ErrExecutionNotFound when the id is unknown.
	Load(ctx context.Context, id string) (*execution.State, error)
	ListByMission(ctx context.Context, mission string) ([]*execution.State, error)
	// ListRecent returns up to limit states sorted newest-first by start
	// time. A non-positive limit means DefaultListLimit.
	ListRecent(ctx context.Context, limit int) ([]*execution.State, error)
	Delete(ctx context.Context, id string) error
	// FindLatest returns the mission's most recently started execution,
	// or ErrExecutionNotFound if it has none.
	FindLatest(ctx context.Context, mission string) (*execution.State, error)
	// FindResumable returns the mission's failed and paused executions,
	// newest first.
	FindResumable(ctx context.Context, mission string) ([]*execution.State, error)
}

// SyncCheckpointStore persists incremental-fetch watermarks, keyed by
// source+operation+path or an explicit user key. Checkpoints are
// independent of execution resumability. Method names are prefixed so one
// backend can implement both store contracts.
type SyncCheckpointStore interface {
	// GetCheckpoint returns ErrCheckpointNotFound when the key is unknown.
	GetCheckpoint(ctx context.Context, key string) (execution.SyncCheckpoint, error)
	PutCheckpoint(ctx context.Context, cp execution.SyncCheckpoint) error
	DeleteCheckpoint(ctx context.Context, key string) error
	ListCheckpoints(ctx context.Context) ([]execution.SyncCheckpoint, error)
}
