package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
  id           TEXT PRIMARY KEY,
  actor_id     TEXT NOT NULL,
  payload      JSON,
  requests     JSON NOT NULL,
  assignments  JSON,
  state        TEXT NOT NULL,
  reroutes     INTEGER NOT NULL DEFAULT 0,
  summary      TEXT,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS task_steps (
  task_id          TEXT NOT NULL,
  seq              INTEGER NOT NULL,
  kind             TEXT NOT NULL,
  action_type      TEXT NOT NULL,
  worker_id        TEXT NOT NULL,
  cost             REAL NOT NULL DEFAULT 0,
  reversibility    TEXT NOT NULL,
  payload          JSON,
  outcome          TEXT NOT NULL,
  detail           TEXT,
  compensated      INTEGER NOT NULL DEFAULT 0,
  compensates_seq  INTEGER,
  created_at       TEXT NOT NULL,
  PRIMARY KEY (task_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
  id           TEXT PRIMARY KEY,
  task_id      TEXT NOT NULL,
  step_index   INTEGER NOT NULL,
  action_type  TEXT NOT NULL,
  action_hash  TEXT NOT NULL,
  risk         TEXT NOT NULL,
  descriptor   TEXT,
  decision     TEXT NOT NULL,
  decided_by   TEXT,
  created_at   TEXT NOT NULL,
  expires_at   TEXT NOT NULL,
  decided_at   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS task_steps_task_id_idx ON task_steps(task_id, kind, outcome);`,
		`CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS approval_requests_decision_idx ON approval_requests(decision, expires_at);`,
		`CREATE INDEX IF NOT EXISTS approval_requests_task_idx ON approval_requests(task_id, action_hash);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
