package upstreamlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	clock         clockwork.Clock
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the upstream_calls table and its indexes if
// needed, and starts the retention cleanup when retentionDays > 0.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS upstream_calls (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			upstream TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
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
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		clock:         clockwork.NewRealClock(),
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go runCleanupLoop(store.clock, store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// WriteBatch queues every insert on one pgx.Batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO upstream_calls (id, request_id, timestamp, upstream, method, url,
				status, attempts, duration_ms, error_code, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.RequestID, e.Timestamp, e.Upstream, e.Method, e.URL,
			e.Status, e.Attempts, e.DurationMs, e.ErrorCode, e.Error)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert %d upstream log entries: %w", len(entries), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := retentionCutoff(s.clock.Now(), s.retentionDays)
	result, err := s.pool.Exec(ctx, "DELETE FROM upstream_calls WHERE timestamp < $1", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old upstream log entries", "error", err)
		return
	}
	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old upstream log entries", "deleted", result.RowsAffected())
	}
}
