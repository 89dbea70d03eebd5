package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dash.db")
	store, err := New(context.Background(), Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, TypeSQLite, store.Type())
	assert.NotNil(t, store.SQLiteDB())
	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())
	assert.NoError(t, store.Ping(context.Background()))
	assert.FileExists(t, path)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"unknown type", Config{Type: "cassandra"}, "unknown storage type"},
		{"postgres without URL", Config{Type: TypePostgreSQL}, "PostgreSQL URL is required"},
		{"postgres bad URL", Config{Type: TypePostgreSQL, PostgreSQL: PostgreSQLConfig{URL: "::not a url"}}, "failed to parse PostgreSQL URL"},
		{"mongo without URL", Config{Type: TypeMongoDB}, "MongoDB URL is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, TypeSQLite, cfg.Type)
	assert.Equal(t, DefaultSQLitePath, cfg.SQLite.Path)
	assert.Equal(t, DefaultMaxConns, cfg.PostgreSQL.MaxConns)
	assert.Equal(t, DefaultMongoDatabase, cfg.MongoDB.Database)
}

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer store.Close()

	db := store.SQLiteDB()
	for _, table := range []string{"test_calls", "test_cleanup"} {
		_, err = db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT)`, table))
		require.NoError(t, err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_calls"
			if id%2 == 1 {
				table = "test_cleanup"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	for _, table := range []string{"test_calls", "test_cleanup"} {
		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
		assert.Equal(t, expectedPerTable, count, table)
	}
}
