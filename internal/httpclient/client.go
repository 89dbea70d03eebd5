// Package httpclient provides the HTTP transport factory and the resilient
// upstream client: per-attempt timeouts, status-based retries with exponential
// backoff and jitter, a circuit breaker and JSON decoding with typed errors.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// TransportConfig sizes the one *http.Client shared by every upstream.
// Per-attempt deadlines live in Options; Timeout and ResponseHeaderTimeout
// only catch requests that escape them.
type TransportConfig struct {
	// Idle pool. The upstreams are a handful of hosts, so the per-host limit
	// is what bounds reuse under batch fan-out.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration

	ResponseHeaderTimeout time.Duration
	Timeout               time.Duration
}

// DefaultTransportConfig returns settings for small JSON APIs reached over TLS.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           5 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		Timeout:               30 * time.Second,
	}
}

// FitAttempts widens ResponseHeaderTimeout and Timeout so neither expires
// before the longest per-attempt timeout in attempts.
func (c TransportConfig) FitAttempts(attempts ...time.Duration) TransportConfig {
	for _, d := range attempts {
		if d > c.ResponseHeaderTimeout {
			c.ResponseHeaderTimeout = d
		}
		if d > c.Timeout {
			c.Timeout = d
		}
	}
	return c
}

// NewHTTPClient builds the shared client. Zero fields fall back to
// DefaultTransportConfig.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

func (c TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}
