// Package upstreamlog records every call made to the crime and geocoding
// APIs. Entries are buffered in memory and written in batches to SQLite,
// PostgreSQL or MongoDB.
package upstreamlog

import (
	"context"
	"time"
)

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes entries in one round trip where the backend allows it.
	WriteBatch(ctx context.Context, entries []*Entry) error
	// Flush forces pending writes to complete. Called during shutdown.
	Flush(ctx context.Context) error
	// Close stops background work. The database connection is owned by the
	// storage layer and stays open.
	Close() error
}

// Entry is one finished upstream call, after retries.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Upstream string `json:"upstream" bson:"upstream"`
	Method   string `json:"method" bson:"method"`
	URL      string `json:"url" bson:"url"`

	// Status is the final HTTP status, 0 when no response arrived.
	Status     int   `json:"status" bson:"status"`
	Attempts   int   `json:"attempts" bson:"attempts"`
	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`

	ErrorCode string `json:"error_code,omitempty" bson:"error_code,omitempty"`
	Error     string `json:"error,omitempty" bson:"error,omitempty"`
}

// Config holds upstream call log configuration
type Config struct {
	Enabled bool

	// BufferSize is the capacity of the in-memory queue; entries beyond it are dropped.
	BufferSize int

	// FlushInterval is how often buffered entries are written.
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}
