package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetydash/config"
	"safetydash/internal/storage"
)

// policeStub serves an empty month of crimes and counts requests.
func policeStub(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/crime-last-updated") {
			_, _ = w.Write([]byte(`{"date":"2024-05-01"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func loadConfig(t *testing.T, mutate func(*config.Config)) *config.LoadResult {
	t.Helper()
	result, err := config.LoadFrom("", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	result.Config.Upstream.Postcodes.Enabled = false
	result.Config.Upstream.Nominatim.Enabled = false
	result.Config.Upstream.Retries = 0
	if mutate != nil {
		mutate(result.Config)
	}
	return result
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{AppConfig: &config.LoadResult{}})
	require.Error(t, err)
}

func TestNew_RejectsInvalidBodySizeLimit(t *testing.T) {
	cfg := loadConfig(t, func(c *config.Config) { c.Server.BodySizeLimit = "lots" })

	_, err := New(context.Background(), Config{AppConfig: cfg})
	require.Error(t, err)
}

func TestApp_ServesAreaReport(t *testing.T) {
	police, hits := policeStub(t)
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	rec := get(t, a.Router(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, a.Router(), "/api/v1/area-report?lat=51.5074&lon=-0.1278")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := hits.Load()
	assert.Positive(t, first)

	// Second call is served from cache.
	rec = get(t, a.Router(), "/api/v1/area-report?lat=51.5074&lon=-0.1278")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, hits.Load())
	assert.Equal(t, uint64(1), a.Reports().CacheStats()["area"].Hits)
}

func TestApp_MetricsEndpoint(t *testing.T) {
	police, _ := policeStub(t)
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
		c.Metrics.Enabled = true
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	rec := get(t, a.Router(), "/api/v1/area-report?lat=51.5074&lon=-0.1278")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, a.Router(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "safetydash_upstream_calls_total")
	assert.Contains(t, body, "safetydash_cache_entries")
	assert.Contains(t, body, "go_goroutines")
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := loadConfig(t, nil)

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.Equal(t, http.StatusNotFound, get(t, a.Router(), "/metrics").Code)
}

func TestApp_RateLimitDisabled(t *testing.T) {
	police, _ := policeStub(t)
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
		c.RateLimit.Enabled = false
		c.RateLimit.Geocode.Limit = 1
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	for range 3 {
		rec := get(t, a.Router(), "/api/v1/area-report?lat=51.5074&lon=-0.1278")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestApp_RateLimitEnabled(t *testing.T) {
	police, _ := policeStub(t)
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
		c.RateLimit.AreaReport = config.WindowConfig{Limit: 1, Window: time.Minute}
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.Equal(t, http.StatusOK, get(t, a.Router(), "/api/v1/area-report?lat=51.5&lon=-0.1").Code)
	rec := get(t, a.Router(), "/api/v1/area-report?lat=51.5&lon=-0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestApp_APIKey(t *testing.T) {
	police, _ := policeStub(t)
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
		c.Server.APIKey = "secret"
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.Equal(t, http.StatusUnauthorized, get(t, a.Router(), "/api/v1/area-report?lat=51.5&lon=-0.1").Code)
	assert.Equal(t, http.StatusOK, get(t, a.Router(), "/health").Code)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/area-report?lat=51.5&lon=-0.1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_UpstreamLogPersistsOnShutdown(t *testing.T) {
	police, _ := policeStub(t)
	dbPath := filepath.Join(t.TempDir(), "log", "safetydash.db")
	cfg := loadConfig(t, func(c *config.Config) {
		c.Upstream.Police.BaseURL = police.URL
		c.Storage.Type = storage.TypeSQLite
		c.Storage.SQLite.Path = dbPath
		c.UpstreamLog.Enabled = true
	})

	a, err := New(context.Background(), Config{AppConfig: cfg})
	require.NoError(t, err)

	rec := get(t, a.Router(), "/api/v1/area-report?lat=51.5074&lon=-0.1278")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Shutdown(context.Background()))

	store, err := storage.NewSQLite(context.Background(), storage.SQLiteConfig{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	var count int
	require.NoError(t, store.SQLiteDB().QueryRow(`SELECT COUNT(*) FROM upstream_calls`).Scan(&count))
	assert.Positive(t, count)
}

func TestApp_UpstreamLogRejectsUnknownStorage(t *testing.T) {
	cfg := loadConfig(t, func(c *config.Config) {
		c.UpstreamLog.Enabled = true
	})
	cfg.Config.Storage.Type = "cassandra"

	_, err := New(context.Background(), Config{AppConfig: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(context.Background(), Config{AppConfig: loadConfig(t, nil)})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}
