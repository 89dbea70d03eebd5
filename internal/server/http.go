// Package server exposes the safety dashboard API over HTTP.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safetydash/internal/core"
	"safetydash/internal/ratelimit"
)

// DefaultBodySizeLimit caps request bodies (batch requests are small).
const DefaultBodySizeLimit int64 = 1 << 20

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// WindowRule is a fixed-window limit.
type WindowRule struct {
	Limit  int
	Window time.Duration
}

// BucketRule is a token-bucket limit.
type BucketRule struct {
	Capacity        float64
	RefillPerSecond float64
}

// RateLimits configures client throttling per route.
type RateLimits struct {
	AreaReport WindowRule
	Batch      WindowRule
	Geocode    WindowRule
	Trends     BucketRule
}

// DefaultRateLimits returns the production per-client limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		AreaReport: WindowRule{Limit: 60, Window: time.Minute},
		Batch:      WindowRule{Limit: 10, Window: time.Minute},
		Geocode:    WindowRule{Limit: 30, Window: time.Minute},
		Trends:     BucketRule{Capacity: 10, RefillPerSecond: 0.2},
	}
}

// Config holds server configuration options
type Config struct {
	APIKey          string // Optional: key required on /api routes
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	// MetricsHandler serves the metrics endpoint (default: promhttp.Handler()).
	MetricsHandler http.Handler
	BodySizeLimit  int64 // Max request body size in bytes (default: 1MB)
	RateLimits     RateLimits

	// Windows backs the fixed-window routes (default: in-memory FixedWindow).
	Windows ratelimit.WindowLimiter
	// Buckets backs the token-bucket routes (default: in-memory TokenBucket).
	Buckets *ratelimit.TokenBucket
	// OnRateLimited is called for every local rejection.
	OnRateLimited func(route string)
	// TrustedProxies lists CIDR ranges whose X-Forwarded-For is honoured when
	// deriving the client IP. Empty means the remote address is always used.
	TrustedProxies []string
	Logger         *slog.Logger
}

// New creates a new HTTP server
func New(reports Reports, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{RateLimits: DefaultRateLimits()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg.TrustedProxies, logger)

	handler := NewHandler(reports, cfg, logger)

	metricsPath := "/metrics"
	if cfg.MetricsEnabled && cfg.MetricsEndpoint != "" {
		// Normalize path to prevent traversal attacks
		metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		if strings.HasPrefix(metricsPath, "/api/") {
			metricsPath = "/metrics"
		}
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		metricsHandler := cfg.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = promhttp.Handler()
		}
		e.GET(metricsPath, echo.WrapHandler(metricsHandler))
	}

	// API routes
	api := e.Group("/api/v1", AuthMiddleware(cfg.APIKey))
	api.GET("/area-report", handler.AreaReport)
	api.GET("/trends", handler.Trends)
	api.POST("/area-reports/batch", handler.BatchReports)
	api.GET("/geocode", handler.Geocode)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// ipExtractor keys clients by the connection's remote address unless it is a
// trusted proxy, in which case the rightmost untrusted X-Forwarded-For hop wins.
func ipExtractor(trusted []string, logger *slog.Logger) echo.IPExtractor {
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	ranges := 0
	for _, cidr := range trusted {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("ignoring invalid trusted proxy range", "cidr", cidr, "error", err)
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
		ranges++
	}
	if ranges == 0 {
		return echo.ExtractIPDirect()
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			switch {
			case v.Status >= 500:
				level = slog.LevelError
			case v.Status >= 400:
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}
