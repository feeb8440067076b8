package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStore keeps one store's records as JSON rows in a shared
// "records" table, scoped by store name.
//
// It expects an *sql.DB using a SQLite driver; the caller is
// responsible for importing one, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the records table and binds a store name to
// the database.
func NewSQLiteStore(db *sql.DB, name string) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, name: name}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			doc BLOB NOT NULL,
			PRIMARY KEY (store, key)
		)`,
	); err != nil {
		return nil, fmt.Errorf("init records table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM records WHERE store = ? ORDER BY key`, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record any
		if err := json.Unmarshal(doc, &record); err != nil {
			return nil, fmt.Errorf("decode record in %s: %w", s.name, err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (any, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE store = ? AND key = ?`, s.name, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var record any
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", s.name, key, err)
	}
	return record, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", s.name, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (store, key, doc) VALUES (?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET doc = excluded.doc`,
		s.name, key, doc)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", s.name, key, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET doc = ? WHERE store = ? AND key = ?`, doc, s.name, key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE store = ?`, s.name).Scan(&n)
	return n, err
}
