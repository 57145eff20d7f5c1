// Package store persists projects, tasks and the sync audit trail in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another run holds the sync lock.
	ErrLocked = errors.New("sync already running")
)

// DB is the local project/task store.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and bootstraps the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// A single connection keeps writes serialized.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, now: func() time.Time { return time.Now().UTC() }}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// SetClock overrides the time source used for bookkeeping columns.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			kind TEXT NOT NULL DEFAULT 'tasklist',
			parent_tasklist_guid TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_external_id ON projects(external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);

		CREATE TABLE IF NOT EXISTS stages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_stages_project ON stages(project_id, sequence);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS user_links (
			external_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			sequence TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			external_guid TEXT NOT NULL DEFAULT '',
			external_etag TEXT NOT NULL DEFAULT '',
			due_date DATETIME,
			status TEXT NOT NULL DEFAULT 'todo',
			stage_id INTEGER REFERENCES stages(id) ON DELETE SET NULL,
			assignee_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			parent_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL,
			active INTEGER NOT NULL DEFAULT 1,
			raw_json TEXT NOT NULL DEFAULT '',
			last_sync_at DATETIME,
			remote_updated_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_external_id ON tasks(external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_sequence ON tasks(sequence);

		CREATE TABLE IF NOT EXISTS task_sequences (
			prefix TEXT PRIMARY KEY,
			next_number INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasklist_mirrors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			creator_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			updated_at DATETIME,
			raw_json TEXT NOT NULL DEFAULT '',
			project_id INTEGER REFERENCES projects(id) ON DELETE SET NULL
		);

		CREATE TABLE IF NOT EXISTS sync_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			label TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			request_params TEXT NOT NULL DEFAULT '',
			response_summary TEXT NOT NULL DEFAULT '',
			parent_id INTEGER REFERENCES sync_logs(id),
			created_at DATETIME NOT NULL,
			finalized_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_sync_logs_parent ON sync_logs(parent_id);
		CREATE INDEX IF NOT EXISTS idx_sync_logs_run ON sync_logs(run_id);

		CREATE TABLE IF NOT EXISTS oauth_tokens (
			name TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT '',
			expiry DATETIME,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS oauth_states (
			state TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_locks (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return err
}

// withTx runs fn in a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
