// Package store persists swarm runs in SQLite: run records, a mirror of the
// task queue, the shared result log and encrypted secrets.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/hive/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL for concurrent readers; FULL sync so every mirrored write is
	// fsynced before the call returns.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			goal         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'running',
			reason       TEXT,
			agents       INTEGER NOT NULL DEFAULT 0,
			best_score   REAL,
			best_content TEXT,
			started_at   DATETIME NOT NULL,
			finished_at  DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			run_id       TEXT NOT NULL REFERENCES runs(id),
			id           TEXT NOT NULL,
			priority     INTEGER NOT NULL,
			type         TEXT NOT NULL,
			description  TEXT NOT NULL,
			status       TEXT NOT NULL,
			claimed_by   TEXT,
			reason       TEXT,
			added_at     DATETIME NOT NULL,
			claimed_at   DATETIME,
			completed_at DATETIME,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id     TEXT NOT NULL REFERENCES runs(id),
			id         TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			producer   TEXT NOT NULL,
			cycle      INTEGER NOT NULL,
			score      REAL NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_score ON results(run_id, score DESC, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Snapshot writes a consistent copy of the database to path, which must
// not exist yet.
func (s *Store) Snapshot(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}
