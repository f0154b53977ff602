// Package store is the durable state layer. All coordination state lives
// in a single SQLite database so that concurrent agent processes observe
// one consistent picture: unit lifecycle, the audit trail, claims, worktree
// locks, and collection batches.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/claimtree/claimtree/internal/errors"
)

// timeFormat is the canonical stored timestamp layout, always UTC.
const timeFormat = time.RFC3339Nano

// Store wraps the SQLite handle. Safe for concurrent use; write
// transactions are serialized by the single-connection pool and the
// immediate transaction lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the database at path and applies
// migrations. The connection is configured for multi-process access:
// WAL journaling, a busy timeout, and immediate write-transaction locking.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path), strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}, "&"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY between our own goroutines;
	// cross-process contention is handled by the busy timeout.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS units (
		id            TEXT PRIMARY KEY,
		file_path     TEXT NOT NULL DEFAULT '',
		subdir_key    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'unclaimed',
		owner         TEXT NOT NULL DEFAULT '',
		scratch_ref   TEXT NOT NULL DEFAULT '',
		match_percent REAL NOT NULL DEFAULT 0,
		commit_sha    TEXT NOT NULL DEFAULT '',
		pr_url        TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_units_status ON units (status)`,
	`CREATE INDEX IF NOT EXISTS idx_units_owner ON units (owner)`,
	`CREATE INDEX IF NOT EXISTS idx_units_subdir ON units (subdir_key)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id    TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		agent_id   TEXT NOT NULL DEFAULT '',
		note       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_unit ON audit_log (unit_id)`,
	`CREATE TABLE IF NOT EXISTS claims (
		unit_id     TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claims_agent ON claims (agent_id)`,
	`CREATE TABLE IF NOT EXISTS workspaces (
		subdir_key       TEXT PRIMARY KEY,
		path             TEXT NOT NULL,
		branch           TEXT NOT NULL,
		lock_holder      TEXT NOT NULL DEFAULT '',
		lock_acquired_at TEXT NOT NULL DEFAULT '',
		last_activity_at TEXT NOT NULL,
		pending_commits  INTEGER NOT NULL DEFAULT 0,
		health           TEXT NOT NULL DEFAULT 'unvalidated'
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		branch     TEXT NOT NULL,
		pr_url     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_commits (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id   INTEGER NOT NULL REFERENCES batches(id),
		unit_id    TEXT NOT NULL DEFAULT '',
		subdir_key TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		outcome    TEXT NOT NULL CHECK (outcome IN ('applied','conflicted','skipped')),
		detail     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_commits_batch ON batch_commits (batch_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, retrying a handful of times when
// another process holds the write lock past the busy timeout.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// rowScanner abstracts *sql.Row and *sql.Rows so the same scan helpers
// serve both.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
