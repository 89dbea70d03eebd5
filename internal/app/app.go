// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the safetydash server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safetydash/config"
	"safetydash/internal/geocode"
	"safetydash/internal/httpclient"
	"safetydash/internal/observability"
	"safetydash/internal/police"
	"safetydash/internal/ratelimit"
	"safetydash/internal/reports"
	"safetydash/internal/server"
	"safetydash/internal/storage"
	"safetydash/internal/upstreamlog"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config      *config.Config
	logger      *slog.Logger
	storage     storage.Storage
	upstreamLog upstreamlog.Recorder
	redis       *ratelimit.RedisWindow
	reports     *reports.Service
	server      *server.Server

	// stop cancels the cache and limiter janitors.
	stop context.CancelFunc

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by config.Load.
	AppConfig *config.LoadResult

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock drives caches, limiters and the upstream log (default: real clock).
	Clock clockwork.Clock
	// Doer sends upstream requests (default: a pooled *http.Client built from
	// the http section of the configuration).
	Doer httpclient.Doer
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}

	appCfg := cfg.AppConfig.Config
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	bodySizeLimit, err := config.ParseBodySizeLimit(appCfg.Server.BodySizeLimit)
	if err != nil {
		return nil, err
	}

	app := &App{
		config: appCfg,
		logger: logger,
	}

	// Janitors live until Shutdown, not until the caller's ctx is done.
	janitorCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	app.stop = stop

	var metrics *observability.Metrics
	var registry *prometheus.Registry
	if appCfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	if appCfg.UpstreamLog.Enabled {
		store, err := storage.New(ctx, storageConfig(appCfg.Storage))
		if err != nil {
			stop()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		app.storage = store

		recorder, err := upstreamlog.New(ctx, upstreamlog.Config{
			Enabled:       true,
			BufferSize:    appCfg.UpstreamLog.BufferSize,
			FlushInterval: appCfg.UpstreamLog.FlushInterval,
			RetentionDays: appCfg.UpstreamLog.RetentionDays,
		}, store, logger)
		if err != nil {
			return nil, app.abort(fmt.Errorf("failed to initialize upstream log: %w", err))
		}
		app.upstreamLog = recorder
	}

	hooks := httpclient.MultiHooks{}
	if metrics != nil {
		hooks = append(hooks, metrics)
	}
	if app.upstreamLog != nil {
		hooks = append(hooks, app.upstreamLog)
	}

	doer := cfg.Doer
	if doer == nil {
		doer = httpclient.NewHTTPClient(transportConfig(appCfg.HTTP, appCfg.Upstream))
	}
	newClient := func(name string) *httpclient.Client {
		opts := []httpclient.Option{
			httpclient.WithClock(clock),
			httpclient.WithLogger(logger),
		}
		if len(hooks) > 0 {
			opts = append(opts, httpclient.WithHooks(hooks))
		}
		if appCfg.Upstream.Breaker.Enabled {
			opts = append(opts, httpclient.WithBreaker(httpclient.BreakerConfig{
				FailureThreshold: appCfg.Upstream.Breaker.FailureThreshold,
				SuccessThreshold: appCfg.Upstream.Breaker.SuccessThreshold,
				Timeout:          appCfg.Upstream.Breaker.Timeout,
			}))
		}
		return httpclient.New(name, doer, opts...)
	}

	up := appCfg.Upstream
	crimes := police.New(police.Config{
		BaseURL: up.Police.BaseURL,
		Options: upstreamOptions(up, up.Police.Timeout),
	}, newClient("police"))

	var geocoders []geocode.Geocoder
	if up.Postcodes.Enabled {
		geocoders = append(geocoders, geocode.NewPostcodes(up.Postcodes.BaseURL,
			newClient("postcodes"), upstreamOptions(up, up.Postcodes.Timeout)))
	}
	if up.Nominatim.Enabled {
		geocoders = append(geocoders, geocode.NewNominatim(geocode.NominatimConfig{
			BaseURL:     up.Nominatim.BaseURL,
			UserAgent:   up.Nominatim.UserAgent,
			CountryCode: up.Nominatim.CountryCode,
			Options:     upstreamOptions(up, up.Nominatim.Timeout),
		}, newClient("nominatim")))
	}

	rl := appCfg.RateLimit
	app.reports = reports.NewService(reports.Config{
		AreaTTL:                  appCfg.Cache.AreaTTL,
		BatchTTL:                 appCfg.Cache.BatchTTL,
		TrendsTTL:                appCfg.Cache.TrendsTTL,
		GeocodeTTL:               appCfg.Cache.GeocodeTTL,
		TrendsMonths:             appCfg.Aggregation.TrendsMonths,
		SeriesConcurrency:        appCfg.Aggregation.SeriesConcurrency,
		BatchConcurrency:         appCfg.Aggregation.BatchConcurrency,
		MaxBatchItems:            appCfg.Aggregation.MaxBatchItems,
		BatchItemCapacity:        rl.BatchItems.Capacity,
		BatchItemRefillPerSecond: rl.BatchItems.RefillPerSecond,
		UnlimitedBatchItems:      !rl.Enabled,
		SweepInterval:            appCfg.Cache.SweepInterval,
	}, crimes, geocode.NewChain(logger, geocoders...),
		reports.WithClock(clock),
		reports.WithLogger(logger),
		reports.WithSoftFailure(police.IsSoftFailure),
	)
	app.reports.Start(janitorCtx)

	var metricsHandler http.Handler
	if registry != nil {
		registry.MustRegister(observability.NewCacheCollector(app.reports.CacheStats))
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	window := ratelimit.NewFixedWindow(clock)
	window.StartJanitor(janitorCtx, appCfg.Cache.SweepInterval)
	buckets := ratelimit.NewTokenBucket(clock)
	buckets.StartJanitor(janitorCtx, appCfg.Cache.SweepInterval)

	var windows ratelimit.WindowLimiter = window
	if rl.Enabled && rl.RedisURL != "" {
		redisWindow, err := ratelimit.NewRedisWindow(ctx, ratelimit.RedisConfig{
			URL:    rl.RedisURL,
			Prefix: rl.RedisPrefix,
		}, window, logger)
		if err != nil {
			logger.Warn("shared rate limiter unavailable, using local limits", "error", err)
		} else {
			app.redis = redisWindow
			windows = redisWindow
		}
	}

	serverCfg := &server.Config{
		APIKey:          appCfg.Server.APIKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		MetricsHandler:  metricsHandler,
		BodySizeLimit:   bodySizeLimit,
		Windows:         windows,
		Buckets:         buckets,
		TrustedProxies:  appCfg.Server.TrustedProxies,
		Logger:          logger,
	}
	if rl.Enabled {
		serverCfg.RateLimits = server.RateLimits{
			AreaReport: server.WindowRule{Limit: rl.AreaReport.Limit, Window: rl.AreaReport.Window},
			Batch:      server.WindowRule{Limit: rl.Batch.Limit, Window: rl.Batch.Window},
			Geocode:    server.WindowRule{Limit: rl.Geocode.Limit, Window: rl.Geocode.Window},
			Trends:     server.BucketRule{Capacity: rl.Trends.Capacity, RefillPerSecond: rl.Trends.RefillPerSecond},
		}
	}
	if metrics != nil {
		serverCfg.OnRateLimited = metrics.RateLimited
	}
	app.server = server.New(app.reports, serverCfg)

	return app, nil
}

// abort releases whatever New managed to open before failing.
func (a *App) abort(cause error) error {
	a.stop()
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			return errors.Join(cause, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	return cause
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.server
}

// Reports returns the report service.
func (a *App) Reports() *reports.Service {
	return a.reports
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	a.logStartupInfo()

	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down all components in the correct order.
// It ensures proper cleanup of resources:
// 1. HTTP server (stop accepting new requests)
// 2. Upstream log (flushes pending entries)
// 3. Shared rate limiter and storage connections
// 4. Background janitors
//
// Safe to call multiple times; subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.upstreamLog != nil {
		if err := a.upstreamLog.Close(); err != nil {
			a.logger.Error("upstream log close error", "error", err)
			errs = append(errs, fmt.Errorf("upstream log close: %w", err))
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if a.stop != nil {
		a.stop()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	a.logger.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.APIKey == "" {
		a.logger.Warn("SAFETYDASH_API_KEY not set, /api/v1 is open to everyone")
	} else {
		a.logger.Info("authentication enabled", "mode", "api_key")
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}

	if cfg.RateLimit.Enabled {
		shared := a.redis != nil
		a.logger.Info("rate limiting enabled", "shared", shared)
	} else {
		a.logger.Info("rate limiting disabled")
	}

	a.logger.Info("geocoders configured",
		"postcodes", cfg.Upstream.Postcodes.Enabled,
		"nominatim", cfg.Upstream.Nominatim.Enabled,
	)

	if cfg.UpstreamLog.Enabled {
		a.logger.Info("upstream log enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.UpstreamLog.BufferSize,
			"flush_interval", cfg.UpstreamLog.FlushInterval,
			"retention_days", cfg.UpstreamLog.RetentionDays,
		)
	} else {
		a.logger.Info("upstream log disabled")
	}
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Type:   cfg.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.PostgreSQL.URL,
			MaxConns: cfg.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.MongoDB.URL,
			Database: cfg.MongoDB.Database,
		},
	}
}

// transportConfig applies the configured outer timeouts, widened so no
// upstream's per-attempt timeout is cut short by the transport.
func transportConfig(cfg config.HTTPConfig, up config.UpstreamConfig) httpclient.TransportConfig {
	c := httpclient.DefaultTransportConfig()
	if cfg.Timeout > 0 {
		c.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	if cfg.ResponseHeaderTimeout > 0 {
		c.ResponseHeaderTimeout = time.Duration(cfg.ResponseHeaderTimeout) * time.Second
	}
	return c.FitAttempts(up.Police.Timeout, up.Postcodes.Timeout, up.Nominatim.Timeout)
}

// upstreamOptions applies the shared retry policy to one upstream's timeout.
func upstreamOptions(cfg config.UpstreamConfig, timeout time.Duration) httpclient.Options {
	opts := httpclient.DefaultOptions()
	if timeout > 0 {
		opts.Timeout = timeout
	}
	if cfg.Retries >= 0 {
		opts.Retries = cfg.Retries
	}
	if cfg.RetryDelay > 0 {
		opts.RetryDelay = cfg.RetryDelay
	}
	return opts
}
