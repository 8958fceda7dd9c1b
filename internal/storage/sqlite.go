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

// OpenSQLite opens (and creates if needed) the host database at path and
// ensures required tables exist. The database holds per-plugin state blobs
// and the dispatch audit trail.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
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
		`CREATE TABLE IF NOT EXISTS plugin_state (
  plugin_name TEXT PRIMARY KEY,
  state       JSON NOT NULL DEFAULT '{}',
  updated_at  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id           TEXT PRIMARY KEY,
  command      TEXT NOT NULL,
  session_id   TEXT,
  remote_addr  TEXT,
  approved     INTEGER,
  error        TEXT,
  started_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_result (
  dispatch_id TEXT NOT NULL,
  position    INTEGER NOT NULL,
  plugin      TEXT NOT NULL,
  fingerprint TEXT,
  verdict     TEXT NOT NULL,
  elapsed_ms  INTEGER,
  PRIMARY KEY (dispatch_id, position)
);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_log (
  plugin TEXT NOT NULL,
  hook   TEXT NOT NULL,
  status TEXT NOT NULL,
  error  TEXT,
  at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_started_at_idx ON dispatch_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_result_dispatch_idx ON dispatch_result(dispatch_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
