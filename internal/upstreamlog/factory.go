package upstreamlog

import (
	"context"
	"fmt"
	"log/slog"

	"safetydash/internal/storage"
)

// New builds the upstream call log on a shared storage connection.
// When cfg.Enabled is false it returns NoopLogger and ignores store.
// The caller keeps ownership of store.
func New(ctx context.Context, cfg Config, store storage.Storage, logger *slog.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return NoopLogger{}, nil
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required when the upstream log is enabled")
	}

	s, err := newStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return NewLogger(s, cfg, WithLogger(logger)), nil
}

func newStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
