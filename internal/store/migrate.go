package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// migration is one version-tracked schema step. golang-migrate would
// normally drive this from .sql files on disk, but its only SQLite driver
// depends on cgo (mattn/go-sqlite3); this runner is a small, embedded
// substitute modeled on haasonsaas-nexus's internal/infra/migrations.go
// version-tracking approach, applying SQL directly against the same
// *sql.DB instead of replaying JSON file state.
type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{version: 1, name: "initial_schema", up: schemaV1},
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	current := 0
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if m.version > current {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version, name, applied_at) VALUES (?, ?, strftime('%s','now'))`,
			m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// schemaV1 creates the full persisted-state layout: public-id tables
// (sessions, tasks, delegations, messages) plus internal-only tables
// (llm_configs, revert_states, message_parts, events, and the
// supplemented decisions/alternatives/progress_entries/artifacts/
// intent_snapshots tables from SPEC_FULL §9).
const schemaV1 = `
CREATE TABLE llm_configs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE intent_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	root_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL UNIQUE,
	name TEXT,
	directory TEXT NOT NULL,
	parent_id INTEGER REFERENCES sessions(id) ON DELETE SET NULL,
	fork_origin TEXT,
	fork_point_message_id INTEGER,
	llm_config_id INTEGER REFERENCES llm_configs(id),
	active_task_id INTEGER,
	intent_snapshot_id INTEGER REFERENCES intent_snapshots(id),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	compacting_at INTEGER
);
CREATE INDEX idx_sessions_parent ON sessions(parent_id);
CREATE INDEX idx_sessions_created ON sessions(created_at);

CREATE TABLE tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	deliverable TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	schedule TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX idx_tasks_session ON tasks(session_id);

CREATE TABLE delegations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL,
	target_agent_id TEXT NOT NULL,
	objective TEXT NOT NULL,
	objective_hash INTEGER NOT NULL,
	context TEXT,
	constraints TEXT,
	expected_output TEXT,
	verification_json TEXT,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	child_session_id INTEGER REFERENCES sessions(id) ON DELETE SET NULL,
	result TEXT,
	failure_reason TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX idx_delegations_session ON delegations(session_id);
CREATE INDEX idx_delegations_objective_hash ON delegations(session_id, objective_hash);

CREATE TABLE messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	parent_message_id INTEGER REFERENCES messages(id) ON DELETE SET NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_messages_session ON messages(session_id, created_at);

CREATE TABLE message_parts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	part_type TEXT NOT NULL,
	content_json TEXT NOT NULL,
	sort_order INTEGER NOT NULL
);
CREATE INDEX idx_message_parts_message ON message_parts(message_id, sort_order);

CREATE TABLE revert_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id TEXT NOT NULL UNIQUE,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_id INTEGER NOT NULL REFERENCES messages(id),
	snapshot_id TEXT NOT NULL,
	backend_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	stack_order INTEGER NOT NULL
);
CREATE INDEX idx_revert_states_session ON revert_states(session_id, stack_order);

CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seq INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	origin TEXT NOT NULL,
	source_node TEXT,
	payload_json TEXT NOT NULL
);
CREATE INDEX idx_events_session ON events(session_id);
CREATE UNIQUE INDEX idx_events_session_seq ON events(session_id, seq);
CREATE INDEX idx_events_timestamp ON events(timestamp);

CREATE TABLE decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	summary TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE alternatives (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id INTEGER NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	description TEXT NOT NULL,
	chosen INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE progress_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	note TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`
