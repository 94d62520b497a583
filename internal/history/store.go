package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry records one invocation served by the daemon.
type Entry struct {
	ID         int64
	RequestID  string
	Command    string
	Kind       string
	ExitCode   int
	DurationMS int64
	StartedAt  time.Time
}

// Summary aggregates ledger statistics for status output.
type Summary struct {
	Total    int64
	Failures int64
	LastAt   time.Time
}

// Store persists the invocation ledger in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the ledger database and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenReadOnly connects without creating the database, for CLI commands that
// inspect a ledger a daemon may or may not have written.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history database: %w", err)
	}
	return Open(path)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS invocations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    command TEXT NOT NULL,
    kind TEXT NOT NULL,
    exit_code INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    started_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations(started_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Record inserts one served invocation.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO invocations (request_id, command, kind, exit_code, duration_ms, started_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.Command,
		entry.Kind,
		entry.ExitCode,
		entry.DurationMS,
		entry.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, request_id, command, kind, exit_code, duration_ms, started_at
         FROM invocations ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var startedAt string
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Command, &entry.Kind, &entry.ExitCode, &entry.DurationMS, &startedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		if parsed, parseErr := time.Parse(time.RFC3339Nano, startedAt); parseErr == nil {
			entry.StartedAt = parsed
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Stats returns aggregate ledger statistics.
func (s *Store) Stats(ctx context.Context) (Summary, error) {
	var summary Summary
	var lastAt sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN exit_code != 0 THEN 1 ELSE 0 END), 0), MAX(started_at)
         FROM invocations`,
	).Scan(&summary.Total, &summary.Failures, &lastAt)
	if err != nil {
		return Summary{}, fmt.Errorf("query stats: %w", err)
	}
	if lastAt.Valid {
		if parsed, parseErr := time.Parse(time.RFC3339Nano, lastAt.String); parseErr == nil {
			summary.LastAt = parsed
		}
	}
	return summary, nil
}

// Prune removes entries older than the retention window.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}
