package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcclowes/reqon/pkg/execution"
)

// PostgresStore is an ExecutionStore and SyncCheckpointStore backed by
// PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the interfaces.
var _ ExecutionStore = (*PostgresStore)(nil)

var _ SyncCheckpointStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			mission TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_mission ON executions(mission);
		CREATE TABLE IF NOT EXISTS sync_checkpoints (
			key TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, state *execution.State) error {
	doc, err := EncodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, mission, status, started_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			mission = EXCLUDED.mission,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			doc = EXCLUDED.doc`,
		state.ID,
		state.Mission,
		string(state.Status),
		state.StartedAt.UTC().UnixNano(),
		doc,
	)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*execution.State, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM executions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return DecodeState(doc)
}

func (s *PostgresStore) ListByMission(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.query(ctx, `
		SELECT doc FROM executions
		WHERE mission = $1
		ORDER BY started_at DESC, id DESC`, mission)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*execution.State, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.query(ctx, `
		SELECT doc FROM executions
		ORDER BY started_at DESC, id DESC
		LIMIT $1`, limit)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = $1`, id)
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

func (s *PostgresStore) FindLatest(ctx context.Context, mission string) (*execution.State, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM executions
		WHERE mission = $1
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

func (s *PostgresStore) FindResumable(ctx context.Context, mission string) ([]*execution.State, error) {
	return s.query(ctx, `
		SELECT doc FROM executions
		WHERE mission = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC, id DESC`,
		mission, string(execution.StatusFailed), string(execution.StatusPaused))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*execution.State, error) {
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

func (s *PostgresStore) GetCheckpoint(ctx context.Context, key string) (execution.SyncCheckpoint, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sync_checkpoints WHERE key = $1`, key).Scan(&doc)
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

func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp execution.SyncCheckpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (key, doc) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc`,
		cp.Key, doc)
	return err
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context) ([]execution.SyncCheckpoint, error) {
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
