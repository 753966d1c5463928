// Package store provides SQLite-backed persistence for cache entries and
// build records.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS cache_entries (
	name       TEXT NOT NULL,
	args_json  TEXT NOT NULL,
	value_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, args_json)
);

CREATE TABLE IF NOT EXISTS builds (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id            TEXT NOT NULL UNIQUE,
	has_dynamic_content INTEGER NOT NULL DEFAULT 0,
	has_deferred_state  INTEGER NOT NULL DEFAULT 0,
	metadata_json       TEXT NOT NULL DEFAULT '{}',
	shell_markup        TEXT NOT NULL DEFAULT '',
	deferred_state_json TEXT NOT NULL DEFAULT '',
	checksum            TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_created ON builds(created_at);

CREATE TABLE IF NOT EXISTS build_accesses (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id    TEXT NOT NULL REFERENCES builds(build_id) ON DELETE CASCADE,
	seq_no      INTEGER NOT NULL,
	expression  TEXT NOT NULL,
	captured_at TEXT NOT NULL DEFAULT '',
	UNIQUE(build_id, seq_no)
);

CREATE TABLE IF NOT EXISTS build_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id     TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(build_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_build_events_seq ON build_events(build_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
