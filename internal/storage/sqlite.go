package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	createStateTableSQLite = `CREATE TABLE IF NOT EXISTS monitor_state (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    payload    TEXT    NOT NULL,
    updated_at INTEGER NOT NULL
);`

	selectStateSQLite = `SELECT payload FROM monitor_state WHERE id = 1;`

	upsertStateSQLite = `INSERT INTO monitor_state (id, payload, updated_at)
    VALUES (1, ?, ?)
    ON CONFLICT (id) DO UPDATE
    SET payload = excluded.payload,
        updated_at = excluded.updated_at;`
)

// SQLiteStore keeps the state record in a single-row sqlite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps :memory: databases and WAL writers consistent
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, createStateTableSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("create monitor_state: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the state row.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrNotConfigured
	}
	var payload string
	err := s.db.QueryRowContext(ctx, selectStateSQLite).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrStateNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("select state: %w", err)
	}
	return decodeState([]byte(payload))
}

// Save upserts the state row.
func (s *SQLiteStore) Save(ctx context.Context, state State) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	payload, err := encodeState(state)
	if err != nil {
		return err
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, upsertStateSQLite, string(payload), updated.UnixMilli()); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
