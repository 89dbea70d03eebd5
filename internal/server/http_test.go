package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	stub := &stubReports{}
	srv := New(stub, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/v1/geocode?q=Leeds", "")

		got := rec.Header().Get("X-Request-ID")
		require.Len(t, got, 36, "expected a UUID")
		require.NotEmpty(t, stub.requestIDs)
		assert.Equal(t, got, stub.requestIDs[len(stub.requestIDs)-1], "request ID reaches the service context")
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/geocode?q=Leeds", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		assert.Equal(t, "my-custom-id", rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "my-custom-id", stub.requestIDs[len(stub.requestIDs)-1])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
		expectBody     string
	}{
		{
			name:           "metrics enabled - default endpoint accessible",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "metrics enabled - empty endpoint defaults to /metrics",
			config:         &Config{MetricsEnabled: true},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "metrics disabled - endpoint returns 404",
			config:         &Config{MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "nil config - metrics disabled by default",
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "custom metrics endpoint path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/custom-metrics"},
			requestPath:    "/custom-metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "custom endpoint - default path returns 404",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/custom-metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "endpoint under /api falls back to /metrics",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/api/v1/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
		{
			name:           "traversal is normalized",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/ops/../internal/metrics"},
			requestPath:    "/internal/metrics",
			expectedStatus: http.StatusOK,
			expectBody:     "go_goroutines",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&stubReports{}, tt.config)
			rec := serve(t, srv, http.MethodGet, tt.requestPath, "")

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectBody != "" {
				assert.Contains(t, rec.Body.String(), tt.expectBody)
			}
		})
	}
}

func TestMetricsEndpoint_CustomHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "safetydash_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := New(&stubReports{}, &Config{
		MetricsEnabled: true,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	rec := serve(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "safetydash_test_total 1")
	assert.NotContains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestBodySizeLimit(t *testing.T) {
	srv := New(&stubReports{}, &Config{BodySizeLimit: 64})

	small := `{"items":[{"key":"a","lat":1,"lon":1}]}`
	rec := serve(t, srv, http.MethodPost, "/api/v1/area-reports/batch", small)
	assert.Equal(t, http.StatusOK, rec.Code)

	large := `{"items":[` + strings.Repeat(`{"key":"a","lat":1,"lon":1},`, 20) + `{"key":"b","lat":1,"lon":1}]}`
	rec = serve(t, srv, http.MethodPost, "/api/v1/area-reports/batch", large)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	srv := New(nil, &Config{})

	// A nil Reports panics inside the handler; Recover turns it into a 500.
	rec := serve(t, srv, http.MethodGet, "/api/v1/geocode?q=Leeds", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
