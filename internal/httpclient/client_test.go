package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportConfig_FitAttempts(t *testing.T) {
	tests := []struct {
		name       string
		attempts   []time.Duration
		wantHeader time.Duration
		wantTotal  time.Duration
	}{
		{"no upstreams", nil, 15 * time.Second, 30 * time.Second},
		{"attempts within limits", []time.Duration{8 * time.Second, 4500 * time.Millisecond}, 15 * time.Second, 30 * time.Second},
		{"slow upstream widens header wait", []time.Duration{4 * time.Second, 20 * time.Second}, 20 * time.Second, 30 * time.Second},
		{"slower than the outer timeout", []time.Duration{45 * time.Second}, 45 * time.Second, 45 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTransportConfig().FitAttempts(tt.attempts...)
			assert.Equal(t, tt.wantHeader, cfg.ResponseHeaderTimeout)
			assert.Equal(t, tt.wantTotal, cfg.Timeout)
		})
	}
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(TransportConfig{
		MaxIdleConnsPerHost:   2,
		ResponseHeaderTimeout: 4 * time.Second,
		Timeout:               7 * time.Second,
	})
	assert.Equal(t, 7*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 4*time.Second, transport.ResponseHeaderTimeout)
	assert.Equal(t, DefaultTransportConfig().MaxIdleConns, transport.MaxIdleConns, "zero fields take defaults")
	assert.Equal(t, 5*time.Second, transport.TLSHandshakeTimeout)
}
