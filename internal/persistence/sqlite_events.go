package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/mcclowes/reqon/pkg/execution"
)

// SQLiteEventStore journals execution events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements EventStore.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			mission TEXT NOT NULL DEFAULT '',
			stage INTEGER NOT NULL DEFAULT -1,
			action TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_execution_events_execution_id ON execution_events(execution_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev execution.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_events (execution_id, at, type, mission, stage, action, step, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID,
		at.UnixNano(),
		string(ev.Type),
		ev.Mission,
		ev.Stage,
		ev.Action,
		ev.Step,
		ev.Detail,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, executionID string) ([]execution.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, at, type, mission, stage, action, step, detail
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY id`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []execution.Event
	for rows.Next() {
		var (
			ev     execution.Event
			at     int64
			evType string
		)
		if err := rows.Scan(&ev.ExecutionID, &at, &evType, &ev.Mission, &ev.Stage, &ev.Action, &ev.Step, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at).UTC()
		ev.Type = execution.EventType(evType)
		events = append(events, ev)
	}
	return events, rows.Err()
}
