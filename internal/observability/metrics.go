// Package observability exposes Prometheus metrics for upstream traffic,
// client rate limiting and the response caches.
package observability

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"safetydash/internal/cache"
	"safetydash/internal/core"
	"safetydash/internal/httpclient"
)

const namespace = "safetydash"

// Metrics records upstream calls and local rejections. It implements
// httpclient.Hooks.
type Metrics struct {
	attempts    *prometheus.CounterVec
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
}

var _ httpclient.Hooks = (*Metrics)(nil)

// NewMetrics registers the collectors on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "HTTP attempts sent to upstream APIs, by outcome",
		}, []string{"upstream", "outcome"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream calls after retries, by final outcome",
		}, []string{"upstream", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Wall time of upstream calls including retries and backoff",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}, []string{"upstream"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Attempts beyond the first one",
		}, []string{"upstream"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Client requests rejected by the local rate limiter",
		}, []string{"route"}),
	}
}

// OnAttempt implements httpclient.Hooks.
func (m *Metrics) OnAttempt(_ context.Context, info httpclient.AttemptInfo) {
	m.attempts.WithLabelValues(info.Upstream, outcome(info.Status, info.Err)).Inc()
	if info.Attempt > 0 {
		m.retries.WithLabelValues(info.Upstream).Inc()
	}
}

// OnComplete implements httpclient.Hooks.
func (m *Metrics) OnComplete(_ context.Context, info httpclient.CallInfo) {
	m.calls.WithLabelValues(info.Upstream, outcome(info.Status, info.Err)).Inc()
	m.duration.WithLabelValues(info.Upstream).Observe(info.Duration.Seconds())
}

// RateLimited counts a local 429 for route.
func (m *Metrics) RateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// outcome keeps label cardinality bounded: status classes plus the error code
// for calls that never produced a response.
func outcome(status int, err error) string {
	if status > 0 {
		return strconv.Itoa(status/100) + "xx"
	}
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return string(core.CodeOf(err))
}

// CacheCollector reports hit/miss counters and sizes of named caches at
// scrape time.
type CacheCollector struct {
	stats       func() map[string]cache.Stats
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	expirations *prometheus.Desc
	entries     *prometheus.Desc
}

// NewCacheCollector builds a collector over stats, typically Service.CacheStats.
func NewCacheCollector(stats func() map[string]cache.Stats) *CacheCollector {
	labels := []string{"cache"}
	return &CacheCollector{
		stats:       stats,
		hits:        prometheus.NewDesc(namespace+"_cache_hits_total", "Cache lookups served from memory", labels, nil),
		misses:      prometheus.NewDesc(namespace+"_cache_misses_total", "Cache lookups that found nothing fresh", labels, nil),
		expirations: prometheus.NewDesc(namespace+"_cache_expirations_total", "Entries dropped after their TTL", labels, nil),
		entries:     prometheus.NewDesc(namespace+"_cache_entries", "Entries currently stored", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.expirations
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations), name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), name)
	}
}
