package queue

import (
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

// ErrSchemaMismatch indicates the on-disk database was created by an
// incompatible build. The store refuses to run migrations implicitly; the
// operator decides whether to recreate the database.
var ErrSchemaMismatch = errors.New("queue database schema mismatch")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS content_units (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL UNIQUE,
    source_url TEXT,
    author_id TEXT,
    title TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts_json TEXT NOT NULL DEFAULT '{}',
    artifacts_json TEXT NOT NULL DEFAULT '{}',
    assigned_identity INTEGER NOT NULL DEFAULT 0,
    publish_token TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_content_units_status ON content_units(status);
CREATE INDEX IF NOT EXISTS idx_content_units_created_at ON content_units(created_at);

CREATE TABLE IF NOT EXISTS identities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    platform_ref TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'idle',
    last_used_at TIMESTAMP,
    cooldown_until TIMESTAMP,
    failure_streak INTEGER NOT NULL DEFAULT 0,
    reserved_at TIMESTAMP,
    reserved_by INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_identities_state ON identities(state);
`

func initSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == nil:
		if current != schemaVersion {
			return fmt.Errorf("%w: database at version %d, expected %d", ErrSchemaMismatch, current, schemaVersion)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// Version table exists but is empty; stamp it below.
	default:
		// Fresh database, table missing.
	}
	return createSchema(db)
}

func createSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
