package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcclowes/reqon/pkg/execution"
)

// SQLiteStore is an ExecutionStore and SyncCheckpointStore backed by
// SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Execution documents are stored whole in a doc column; mission, status
// and start time are mirrored into columns for filtering and ordering.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ ExecutionStore = (*SQLiteStore)(nil)

var _ SyncCheckpointStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			mission TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			doc BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_mission ON executions(mission);
		CREATE TABLE IF NOT EXISTS sync_checkpoints (
			key TEXT PRIMARY KEY,
			doc BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, state *execution.State) error {
	doc, err := EncodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, mission, status, started_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mission = excluded.mission,
			status = excluded.status,
			started_at = excluded.started_at,
			doc = excluded.doc`,
		state.ID,
		state.Mission,
		string(state.Status),
		state.StartedAt.UTC().UnixNano(),
		doc,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*execution.State, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return DecodeState(doc)
}

func (s *SQLiteStore) ListByMission(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.query(ctx, `
		SELECT doc FROM executions
		WHERE mission = ?
		ORDER BY started_at DESC, id DESC`, mission)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*execution.State, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.query(ctx, `
		SELECT doc FROM executions
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *SQLiteStore) FindLatest(ctx context.Context, mission string) (*execution.State, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM executions
		WHERE mission = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, mission).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest execution for %s: %w", mission, err)
	}
	return DecodeState(doc)
}

func (s *SQLiteStore) FindResumable(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.query(ctx, `
		SELECT doc FROM executions
		WHERE mission = ? AND status IN (?, ?)
		ORDER BY started_at DESC, id DESC`,
		mission, string(execution.StatusFailed), string(execution.StatusPaused))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*execution.State, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*execution.State
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		state, err := DecodeState(doc)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, key string) (execution.SyncCheckpoint, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sync_checkpoints WHERE key = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.SyncCheckpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return execution.SyncCheckpoint{}, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	var cp execution.SyncCheckpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return execution.SyncCheckpoint{}, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp execution.SyncCheckpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (key, doc) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`,
		cp.Key, doc)
	return err
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]execution.SyncCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM sync_checkpoints ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []execution.SyncCheckpoint
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cp execution.SyncCheckpoint
		if err := json.Unmarshal(doc, &cp); err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}
