// Package store implements the SQLite-backed persisted state layout:
// sessions, tasks, delegations, messages and their parts, plus the
// internal-only llm_configs/revert_states/events/decisions tables. It
// generalizes the teacher's internal/storage flat-file JSON store, which
// lacks the public_id/internal-id separation and cross-table foreign keys
// the schema requires.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go driver registered as "sqlite"
)

// Store wraps the SQLite connection and exposes every persisted
// aggregate's CRUD surface, plus implements eventbus.Journal directly
// (see journal.go).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// modernc.org/sqlite does not support concurrent writers on one
	// connection; a single shared *sql.DB with SetMaxOpenConns(1) avoids
	// SQLITE_BUSY under the runtime's concurrent session actors, matching
	// the teacher's per-file mutex discipline in internal/storage.
	db.SetMaxOpenConns(1)

	if path == ":memory:" {
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
