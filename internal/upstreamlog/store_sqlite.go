package upstreamlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SQLite allows 999 bound parameters per statement.
const (
	maxSQLiteParams   = 999
	columnsPerEntry   = 11
	maxEntriesPerStmt = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	clock         clockwork.Clock
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the upstream_calls table and its indexes if needed,
// and starts the retention cleanup when retentionDays > 0.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS upstream_calls (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			upstream TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_calls table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_upstream_calls_timestamp ON upstream_calls(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_upstream_calls_request_id ON upstream_calls(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_upstream_calls_upstream ON upstream_calls(upstream)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		clock:         clockwork.NewRealClock(),
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go runCleanupLoop(store.clock, store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch inserts entries in chunks that fit SQLite's parameter limit.
// Duplicate IDs are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxEntriesPerStmt {
		chunk := entries[i:min(i+maxEntriesPerStmt, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.RequestID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Upstream,
				e.Method,
				e.URL,
				e.Status,
				e.Attempts,
				e.DurationMs,
				e.ErrorCode,
				e.Error,
			)
		}

		query := `INSERT OR IGNORE INTO upstream_calls (id, request_id, timestamp, upstream, method, url,
			status, attempts, duration_ms, error_code, error) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert upstream log batch %d: %w", i/maxEntriesPerStmt, err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, timestamp, upstream, method, url, status, attempts, duration_ms, error_code, error
		FROM upstream_calls ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.Upstream, &e.Method, &e.URL,
			&e.Status, &e.Attempts, &e.DurationMs, &e.ErrorCode, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan upstream log row: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := retentionCutoff(s.clock.Now(), s.retentionDays).Format(time.RFC3339Nano)

	result, err := s.db.Exec("DELETE FROM upstream_calls WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old upstream log entries", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old upstream log entries", "deleted", n)
	}
}
