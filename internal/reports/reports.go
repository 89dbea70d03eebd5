// Package reports orchestrates the data-access layer for the HTTP handlers:
// input validation, cache lookup, request coalescing, upstream fan-out and
// cache write-back.
package reports

import (
	"math"
	"strconv"
	"time"

	"safetydash/internal/core"
)

// Default tuning, matching how often each upstream publishes new data.
const (
	DefaultAreaTTL    = 5 * time.Minute
	DefaultBatchTTL   = 6 * time.Hour
	DefaultTrendsTTL  = 24 * time.Hour
	DefaultGeocodeTTL = 24 * time.Hour

	DefaultTrendsMonths  = 12
	DefaultMaxBatchItems = 25
)

// Config tunes the Service.
type Config struct {
	AreaTTL    time.Duration
	BatchTTL   time.Duration
	TrendsTTL  time.Duration
	GeocodeTTL time.Duration

	TrendsMonths      int
	SeriesConcurrency int
	BatchConcurrency  int
	MaxBatchItems     int

	// BatchItemCapacity and BatchItemRefillPerSecond size the per-client
	// token bucket charged once for every batch item that misses the cache.
	BatchItemCapacity        float64
	BatchItemRefillPerSecond float64
	// UnlimitedBatchItems turns the per-item bucket off.
	UnlimitedBatchItems bool

	// SweepInterval drives the cache and bucket janitors; zero disables them.
	SweepInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AreaTTL:                  DefaultAreaTTL,
		BatchTTL:                 DefaultBatchTTL,
		TrendsTTL:                DefaultTrendsTTL,
		GeocodeTTL:               DefaultGeocodeTTL,
		TrendsMonths:             DefaultTrendsMonths,
		SeriesConcurrency:        4,
		BatchConcurrency:         2,
		MaxBatchItems:            DefaultMaxBatchItems,
		BatchItemCapacity:        50,
		BatchItemRefillPerSecond: 0.5,
		SweepInterval:            time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AreaTTL <= 0 {
		c.AreaTTL = def.AreaTTL
	}
	if c.BatchTTL <= 0 {
		c.BatchTTL = def.BatchTTL
	}
	if c.TrendsTTL <= 0 {
		c.TrendsTTL = def.TrendsTTL
	}
	if c.GeocodeTTL <= 0 {
		c.GeocodeTTL = def.GeocodeTTL
	}
	if c.TrendsMonths <= 0 {
		c.TrendsMonths = def.TrendsMonths
	}
	if c.SeriesConcurrency <= 0 {
		c.SeriesConcurrency = def.SeriesConcurrency
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = def.BatchConcurrency
	}
	if c.MaxBatchItems <= 0 {
		c.MaxBatchItems = def.MaxBatchItems
	}
	if c.BatchItemCapacity <= 0 {
		c.BatchItemCapacity = def.BatchItemCapacity
	}
	if c.BatchItemRefillPerSecond <= 0 {
		c.BatchItemRefillPerSecond = def.BatchItemRefillPerSecond
	}
	return c
}

// Served wraps a result with how it was obtained.
type Served[T any] struct {
	Data T `json:"data"`
	// Cached is true when Data came from the cache.
	Cached bool `json:"cached"`
	// AgeSeconds is how long ago a cached result was stored.
	AgeSeconds int `json:"ageSeconds"`
}

// AreaReport summarises the incidents of one month around a location.
type AreaReport struct {
	Lat              float64        `json:"lat"`
	Lon              float64        `json:"lon"`
	Month            string         `json:"month,omitempty"`
	Total            int            `json:"total"`
	CountsByCategory map[string]int `json:"countsByCategory"`
	// Partial marks a report built without upstream data.
	Partial     bool           `json:"partial"`
	ErrorCode   core.ErrorCode `json:"errorCode,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Trends is a month series around a location.
type Trends struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	core.AggregationResult
}

// BatchRequestItem is one location of a batch request.
type BatchRequestItem struct {
	Key string  `json:"key"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FormatCoord renders a coordinate with 5 decimals (about 1m), so nearby
// requests collapse onto one cache key.
func FormatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}

func coordKey(prefix string, lat, lon float64) string {
	return prefix + ":" + FormatCoord(lat) + "," + FormatCoord(lon)
}

// ValidateCoords checks that lat/lon are finite and in range.
func ValidateCoords(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return core.NewValidationError("lat", "must be a number between -90 and 90")
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return core.NewValidationError("lon", "must be a number between -180 and 180")
	}
	return nil
}

// ParseCoords parses and validates query-string coordinates.
func ParseCoords(latStr, lonStr string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, core.NewValidationError("lat", "must be a number between -90 and 90")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, core.NewValidationError("lon", "must be a number between -180 and 180")
	}
	if err := ValidateCoords(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}
