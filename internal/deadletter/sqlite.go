package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent dead-letter queue with FIFO semantics
// based on an auto-incrementing row id.
//
// It expects an *sql.DB using a SQLite driver; the caller is
// responsible for importing one, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteQueue struct {
	db *sql.DB
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue initializes the dead_letters table in the given DB and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			mission TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			value BLOB,
			reason TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL
		)`,
	); err != nil {
		return nil, fmt.Errorf("init dead_letters table: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, e Entry) error {
	stamp(&e)
	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("encode dead-letter value: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (entry_id, execution_id, mission, action, target, value, reason, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ExecutionID,
		e.Mission,
		e.Action,
		e.Target,
		value,
		e.Reason,
		e.EnqueuedAt.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Drain(ctx context.Context, max int) ([]Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT id, entry_id, execution_id, mission, action, target, value, reason, enqueued_at
		FROM dead_letters
		ORDER BY id`
	args := []any{}
	if max > 0 {
		query += ` LIMIT ?`
		args = append(args, max)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	var ids []any
	for rows.Next() {
		var (
			id         int64
			e          Entry
			value      []byte
			enqueuedAt int64
		)
		if err := rows.Scan(&id, &e.ID, &e.ExecutionID, &e.Mission, &e.Action, &e.Target, &value, &e.Reason, &enqueuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &e.Value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode dead-letter value: %w", err)
			}
		}
		e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		entries = append(entries, e)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}
