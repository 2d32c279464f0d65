// Package store implements SQLite persistence for jobs, uploads, and
// artifacts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT 'default',
    job_type TEXT NOT NULL CHECK (job_type IN ('worker', 'agent')),
    status TEXT NOT NULL CHECK (status IN ('pending', 'starting', 'running', 'completed', 'failed', 'timed_out', 'cancelled', 'cleaning', 'cleaned')),
    command TEXT,
    task TEXT,
    context TEXT,
    git_branch TEXT,
    files_id TEXT,
    image TEXT NOT NULL,
    cpus INTEGER NOT NULL DEFAULT 2,
    memory_gb INTEGER NOT NULL DEFAULT 4,
    timeout_minutes INTEGER NOT NULL DEFAULT 30,
    container_id TEXT,
    exit_code INTEGER,
    error TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    client_job_id TEXT NOT NULL,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    active INTEGER NOT NULL DEFAULT 1
);

-- Uniqueness applies only to active mappings: a released client id stays on
-- record as an inactive row and may be claimed again.
CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_active ON idempotency_keys(client_job_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_idempotency_job_id ON idempotency_keys(job_id);

CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT 'default',
    state TEXT NOT NULL CHECK (state IN ('uploading', 'finalized', 'consumed', 'expired')),
    size_bytes INTEGER,
    file_count INTEGER,
    created_at TEXT NOT NULL,
    finalized_at TEXT,
    consumed_at TEXT,
    expires_at TEXT,
    job_id TEXT REFERENCES jobs(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_state ON uploads(state);
CREATE INDEX IF NOT EXISTS idx_uploads_expires_at ON uploads(expires_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(job_id, name)
);
`

// Store wraps the SQLite connection pool shared by the job and upload
// repositories.
type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent requests.
	db.SetMaxOpenConns(1)

	slog.Info("Running database migrations", "path", path)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Timestamps are stored as RFC 3339 text, matching SQLite's lexicographic
// ordering for TEXT columns.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
