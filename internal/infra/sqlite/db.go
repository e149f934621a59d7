// Package sqlite implements the Store over a single-file modernc.org/sqlite
// database: one table per document collection (runs, users, actions, pgns),
// raw SQL throughout, migrations as a flat list of idempotent statements.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// DB wraps a single *sql.DB connection plus its applied migrations.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite file at path and applies every
// migration that hasn't run yet. path may be ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY under our own lock discipline
	db := &DB{db: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, stmt := range migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying migration %q: %w", firstLine(stmt), err)
		}
	}
	log.Printf("[sqlite] schema up to date (%d statements)", len(migrations()))
	return nil
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}

// migrations returns every schema statement, in order. Each is idempotent
// (CREATE TABLE/INDEX IF NOT EXISTS) so re-running Open against an existing
// file is always safe.
func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL,
			finished      INTEGER NOT NULL DEFAULT 0,
			deleted       INTEGER NOT NULL DEFAULT 0,
			approved      INTEGER NOT NULL DEFAULT 0,
			is_green      INTEGER NOT NULL DEFAULT 0,
			is_yellow     INTEGER NOT NULL DEFAULT 0,
			tc_base_seconds REAL NOT NULL DEFAULT 0,
			last_updated  TEXT NOT NULL DEFAULT (datetime('now')),
			data          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_unfinished ON runs(finished, last_updated DESC) WHERE finished = 0 AND deleted = 0`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_green ON runs(finished, is_green) WHERE finished = 1 AND is_green = 1`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_tc ON runs(finished, tc_base_seconds) WHERE finished = 1 AND tc_base_seconds >= 40`,
		`CREATE INDEX IF NOT EXISTS idx_runs_username ON runs(username, last_updated)`,

		`CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			blocked       INTEGER NOT NULL DEFAULT 0,
			cpu_hours     REAL NOT NULL DEFAULT 0,
			machine_limit INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS actions (
			id         TEXT PRIMARY KEY,
			timestamp  TEXT NOT NULL DEFAULT (datetime('now')),
			username   TEXT NOT NULL,
			verb       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_timestamp ON actions(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_username ON actions(username, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS pgns (
			key        TEXT PRIMARY KEY,
			compressed BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// user_cache / flag_cache / deltas / top_month back presentation
		// and GeoIP/mail concerns owned by external collaborators; they
		// are carried only as a generic projection target.
		`CREATE TABLE IF NOT EXISTS user_cache (
			username TEXT PRIMARY KEY,
			data     TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS flag_cache (
			ip_prefix TEXT PRIMARY KEY,
			country_code TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS deltas (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			username  TEXT NOT NULL,
			cpu_hours REAL NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deltas_username ON deltas(username, recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS top_month (
			username  TEXT NOT NULL,
			month     TEXT NOT NULL,
			cpu_hours REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (username, month)
		)`,
	}
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
