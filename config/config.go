// Package config loads the service configuration.
//
// Precedence, lowest first: built-in defaults, config.yaml (with ${VAR} and
// ${VAR:-default} placeholders expanded from the environment), then plain
// environment variables. A .env file, when present, only fills variables that
// are not already set.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Storage     StorageConfig     `yaml:"storage"`
	UpstreamLog UpstreamLogConfig `yaml:"upstream_log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// APIKey, when set, is required on every /api route.
	APIKey string `yaml:"api_key"`
	// BodySizeLimit accepts plain bytes or K/M suffixes, e.g. "1M".
	BodySizeLimit string `yaml:"body_size_limit"`
	// TrustedProxies lists CIDR ranges whose X-Forwarded-For is believed.
	// Empty means the client IP is always the connection's remote address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // auto, pretty or json
	AddSource bool   `yaml:"add_source"`
}

// UpstreamConfig configures the crime and geocoding APIs.
type UpstreamConfig struct {
	Police    PoliceConfig    `yaml:"police"`
	Postcodes PostcodesConfig `yaml:"postcodes"`
	Nominatim NominatimConfig `yaml:"nominatim"`

	// Retries and RetryDelay apply to every upstream.
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	Breaker BreakerConfig `yaml:"circuit_breaker"`
}

// PoliceConfig configures the crime-data API.
type PoliceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PostcodesConfig configures the postcode lookup.
type PostcodesConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NominatimConfig configures free-text geocoding.
type NominatimConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	UserAgent   string        `yaml:"user_agent"`
	CountryCode string        `yaml:"country_code"`
	Timeout     time.Duration `yaml:"timeout"`
}

// BreakerConfig configures the per-upstream circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig holds response cache TTLs.
type CacheConfig struct {
	AreaTTL       time.Duration `yaml:"area_ttl"`
	BatchTTL      time.Duration `yaml:"batch_ttl"`
	TrendsTTL     time.Duration `yaml:"trends_ttl"`
	GeocodeTTL    time.Duration `yaml:"geocode_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig holds per-client limits.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RedisURL shares fixed-window counters across instances when set.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`

	AreaReport WindowConfig `yaml:"area_report"`
	Batch      WindowConfig `yaml:"batch"`
	Geocode    WindowConfig `yaml:"geocode"`
	Trends     BucketConfig `yaml:"trends"`
	BatchItems BucketConfig `yaml:"batch_items"`
}

// WindowConfig is a fixed-window limit.
type WindowConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// BucketConfig is a token-bucket limit.
type BucketConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// AggregationConfig bounds the upstream fan-out.
type AggregationConfig struct {
	TrendsMonths      int `yaml:"trends_months"`
	SeriesConcurrency int `yaml:"series_concurrency"`
	BatchConcurrency  int `yaml:"batch_concurrency"`
	MaxBatchItems     int `yaml:"max_batch_items"`
}

// StorageConfig selects the database used by the upstream call log.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// UpstreamLogConfig configures the persisted upstream call log.
type UpstreamLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// HTTPConfig holds outbound transport timeouts in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config
	// ConfigFile is the YAML file that was read, empty when none was found.
	ConfigFile string
	// DotEnvLoaded reports whether a .env file was applied.
	DotEnvLoaded bool
}

// DefaultConfigPaths are tried in order when CONFIG_FILE is not set.
var DefaultConfigPaths = []string{"config/config.yaml", "config.yaml"}

// Load reads .env, the first config file found (CONFIG_FILE or
// DefaultConfigPaths) and environment overrides.
func Load() (*LoadResult, error) {
	paths := DefaultConfigPaths
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		paths = []string{p}
	}
	return LoadFrom(".env", paths...)
}

// LoadFrom is Load with explicit file locations. Missing files are skipped.
func LoadFrom(envFile string, configPaths ...string) (*LoadResult, error) {
	result := &LoadResult{}

	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			result.DotEnvLoaded = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	cfg := buildDefaultConfig()

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		result.ConfigFile = path
		break
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	result.Config = cfg
	return result, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "1M",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Upstream: UpstreamConfig{
			Police: PoliceConfig{
				BaseURL: "https://data.police.uk/api",
				Timeout: 8 * time.Second,
			},
			Postcodes: PostcodesConfig{
				Enabled: true,
				BaseURL: "https://api.postcodes.io",
				Timeout: 4500 * time.Millisecond,
			},
			Nominatim: NominatimConfig{
				Enabled:     true,
				BaseURL:     "https://nominatim.openstreetmap.org",
				UserAgent:   "safetydash/1.0",
				CountryCode: "gb",
				Timeout:     4500 * time.Millisecond,
			},
			Retries:    2,
			RetryDelay: 300 * time.Millisecond,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Cache: CacheConfig{
			AreaTTL:       5 * time.Minute,
			BatchTTL:      6 * time.Hour,
			TrendsTTL:     24 * time.Hour,
			GeocodeTTL:    24 * time.Hour,
			SweepInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			RedisPrefix: "safetydash:rl",
			AreaReport:  WindowConfig{Limit: 60, Window: time.Minute},
			Batch:       WindowConfig{Limit: 10, Window: time.Minute},
			Geocode:     WindowConfig{Limit: 30, Window: time.Minute},
			Trends:      BucketConfig{Capacity: 10, RefillPerSecond: 0.2},
			BatchItems:  BucketConfig{Capacity: 50, RefillPerSecond: 0.5},
		},
		Aggregation: AggregationConfig{
			TrendsMonths:      12,
			SeriesConcurrency: 4,
			BatchConcurrency:  2,
			MaxBatchItems:     25,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: ".cache/safetydash.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "safetydash"},
		},
		UpstreamLog: UpstreamLogConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:               30,
			ResponseHeaderTimeout: 15,
		},
	}
}

// decodeYAML expands placeholders in every scalar and decodes onto cfg, so
// keys missing from the file keep their defaults.
func decodeYAML(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind == 0 {
		return nil // empty file
	}
	expandNode(&root)
	return root.Decode(cfg)
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		if expanded := expandString(n.Value); expanded != n.Value {
			n.Value = expanded
			// Re-resolve so "${PORT:-8080}" can land in an int field.
			if n.Style&yaml.TaggedStyle == 0 {
				n.Tag = ""
				n.Style &^= yaml.DoubleQuotedStyle | yaml.SingleQuotedStyle
			}
		}
		return
	}
	for _, child := range n.Content {
		expandNode(child)
	}
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} with the variable's value and ${VAR:-def} with
// the value or def when unset or empty. ${VAR} with VAR unset or empty is
// left untouched so the problem is visible.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// applyEnvOverrides applies plain environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &cfg.Server.Port)
	str("SAFETYDASH_API_KEY", &cfg.Server.APIKey)
	str("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	str("POLICE_API_URL", &cfg.Upstream.Police.BaseURL)
	duration("POLICE_API_TIMEOUT", &cfg.Upstream.Police.Timeout)
	boolean("POSTCODES_ENABLED", &cfg.Upstream.Postcodes.Enabled)
	str("POSTCODES_API_URL", &cfg.Upstream.Postcodes.BaseURL)
	boolean("NOMINATIM_ENABLED", &cfg.Upstream.Nominatim.Enabled)
	str("NOMINATIM_API_URL", &cfg.Upstream.Nominatim.BaseURL)
	str("NOMINATIM_USER_AGENT", &cfg.Upstream.Nominatim.UserAgent)
	integer("UPSTREAM_RETRIES", &cfg.Upstream.Retries)
	duration("UPSTREAM_RETRY_DELAY", &cfg.Upstream.RetryDelay)
	boolean("CIRCUIT_BREAKER_ENABLED", &cfg.Upstream.Breaker.Enabled)

	boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	str("REDIS_URL", &cfg.RateLimit.RedisURL)

	integer("TRENDS_MONTHS", &cfg.Aggregation.TrendsMonths)
	integer("MAX_BATCH_ITEMS", &cfg.Aggregation.MaxBatchItems)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	integer("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	boolean("UPSTREAM_LOG_ENABLED", &cfg.UpstreamLog.Enabled)
	integer("UPSTREAM_LOG_RETENTION_DAYS", &cfg.UpstreamLog.RetentionDays)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	integer("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	integer("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration accepts integer seconds or a Go duration string.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port != "", "server.port is required")
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		errs = append(errs, err)
	}
	for _, cidr := range c.Server.TrustedProxies {
		_, _, err := net.ParseCIDR(cidr)
		check(err == nil, "server.trusted_proxies: invalid CIDR %q", cidr)
	}
	check(c.Upstream.Police.BaseURL != "", "upstream.police.base_url is required")
	check(c.Upstream.Retries >= 0, "upstream.retries must be >= 0")
	check(c.Aggregation.TrendsMonths > 0, "aggregation.trends_months must be > 0")
	check(c.Aggregation.SeriesConcurrency > 0, "aggregation.series_concurrency must be > 0")
	check(c.Aggregation.BatchConcurrency > 0, "aggregation.batch_concurrency must be > 0")
	check(c.Aggregation.MaxBatchItems > 0, "aggregation.max_batch_items must be > 0")

	for name, w := range map[string]WindowConfig{
		"area_report": c.RateLimit.AreaReport,
		"batch":       c.RateLimit.Batch,
		"geocode":     c.RateLimit.Geocode,
	} {
		check(w.Limit <= 0 || w.Window > 0, "rate_limit.%s.window must be > 0 when limit is set", name)
	}
	for name, b := range map[string]BucketConfig{
		"trends":      c.RateLimit.Trends,
		"batch_items": c.RateLimit.BatchItems,
	} {
		check(b.RefillPerSecond >= 0, "rate_limit.%s.refill_per_second must be >= 0", name)
		check(b.Capacity == math.Trunc(b.Capacity), "rate_limit.%s.capacity must be a whole number", name)
	}

	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is invalid (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
	}
	if c.UpstreamLog.Enabled {
		check(c.Storage.Type != "postgresql" || c.Storage.PostgreSQL.URL != "", "storage.postgresql.url is required")
		check(c.Storage.Type != "mongodb" || c.Storage.MongoDB.URL != "", "storage.mongodb.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

const (
	minBodySizeLimit = 1 << 10
	maxBodySizeLimit = 100 << 20
)

var bodySizeRe = regexp.MustCompile(`^(\d+)(?:([KMG])B?)?$`)

// ParseBodySizeLimit converts "1048576", "100K", "10MB" and similar to bytes.
// The empty string yields 0, meaning the server default.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	m := bodySizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q (use bytes or a K/M suffix)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch m[2] {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	case "G":
		n <<= 30
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return 0, fmt.Errorf("body size limit %q must be between 1K and 100M", s)
	}
	return n, nil
}

// ValidateBodySizeLimit checks a body size limit string.
func ValidateBodySizeLimit(s string) error {
	_, err := ParseBodySizeLimit(s)
	return err
}
