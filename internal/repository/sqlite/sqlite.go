// Package sqlite implements the repository interfaces on SQLite through the
// pure-Go modernc.org/sqlite driver. ":memory:" gives an isolated database for
// tests.
//
// SCHEMA OVERVIEW:
//
//	executions  one row per admitted request: id, subject, backend, outcome,
//	            resource, code size, duration, truncation, artifact count
//	incidents   one row per sandbox violation with the execution id and the
//	            boundary detail
//	api_keys    id, name, bcrypt hash, created/last used/revoked timestamps
//
// The code a caller submitted and the output it produced are never stored;
// only their sizes are.
//
// MIGRATIONS:
// migrate runs on every New. Tables are created with IF NOT EXISTS and
// columns added later go through addColumnIfNotExists, so an older database
// file is upgraded in place and a current one is left untouched.
//
// CONNECTION SETTINGS:
// sql.DB is a pool, not a single connection. File databases use WAL mode and
// a busy timeout so audit writes from concurrent executions wait for the
// write lock instead of failing with SQLITE_BUSY. ":memory:" is limited to
// one connection because every new connection would open a separate empty
// database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements the repository
// interfaces.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/cellrunner.db" → file-based database (persistent)
//   - ":memory:"           → in-memory database, lost on close
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would be its own empty database.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets the audit writers and the incident readers run concurrently.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the tables. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id          TEXT PRIMARY KEY,
			subject     TEXT NOT NULL DEFAULT '',
			backend     TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			resource    TEXT NOT NULL DEFAULT '',
			code_bytes  INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			truncated   INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
		CREATE INDEX IF NOT EXISTS idx_executions_outcome ON executions(outcome);
	`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}

	// Added after the first release.
	if err := db.addColumnIfNotExists("executions", "artifacts", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("adding artifacts to executions: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id           TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			subject      TEXT NOT NULL DEFAULT '',
			backend      TEXT NOT NULL,
			detail       TEXT NOT NULL,
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating incidents table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			hash         TEXT NOT NULL,
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			revoked_at   DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("creating api_keys table: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
// Makes ALTER TABLE migrations idempotent — safe to run multiple times.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil // column already exists
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
