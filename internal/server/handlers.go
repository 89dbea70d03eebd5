package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"safetydash/internal/aggregate"
	"safetydash/internal/core"
	"safetydash/internal/geocode"
	"safetydash/internal/ratelimit"
	"safetydash/internal/reports"
)

// Reports is the data-access layer behind the API.
type Reports interface {
	AreaReport(ctx context.Context, lat, lon float64) (reports.Served[reports.AreaReport], error)
	Trends(ctx context.Context, lat, lon float64) (reports.Served[reports.Trends], error)
	BatchReports(ctx context.Context, clientKey string, items []reports.BatchRequestItem) (aggregate.BatchResult[reports.AreaReport], error)
	Geocode(ctx context.Context, query string) (reports.Served[geocode.Place], error)
}

// Handler holds the HTTP handlers
type Handler struct {
	reports       Reports
	limits        RateLimits
	windows       ratelimit.WindowLimiter
	buckets       *ratelimit.TokenBucket
	onRateLimited func(route string)
	logger        *slog.Logger
}

// NewHandler creates the API handlers.
func NewHandler(r Reports, cfg *Config, logger *slog.Logger) *Handler {
	h := &Handler{
		reports:       r,
		limits:        cfg.RateLimits,
		windows:       cfg.Windows,
		buckets:       cfg.Buckets,
		onRateLimited: cfg.OnRateLimited,
		logger:        logger,
	}
	if h.windows == nil {
		h.windows = ratelimit.NewFixedWindow(nil)
	}
	if h.buckets == nil {
		h.buckets = ratelimit.NewTokenBucket(nil)
	}
	return h
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// AreaReport handles GET /api/v1/area-report
func (h *Handler) AreaReport(c echo.Context) error {
	if ok, err := h.allowWindow(c, "area-report", h.limits.AreaReport); !ok {
		return err
	}
	lat, lon, err := reports.ParseCoords(c.QueryParam("lat"), c.QueryParam("lon"))
	if err != nil {
		return handleError(c, err)
	}

	served, err := h.reports.AreaReport(c.Request().Context(), lat, lon)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, served)
}

// Trends handles GET /api/v1/trends
func (h *Handler) Trends(c echo.Context) error {
	if ok, err := h.allowBucket(c, "trends", h.limits.Trends); !ok {
		return err
	}
	lat, lon, err := reports.ParseCoords(c.QueryParam("lat"), c.QueryParam("lon"))
	if err != nil {
		return handleError(c, err)
	}

	served, err := h.reports.Trends(c.Request().Context(), lat, lon)
	if err != nil {
		return handleError(c, err)
	}
	if !served.Data.OK {
		status := http.StatusServiceUnavailable
		if served.Data.ErrorCode == core.CodeRateLimitedUpstream {
			status = http.StatusTooManyRequests
		}
		return c.JSON(status, map[string]interface{}{
			"error": map[string]interface{}{
				"code":    served.Data.ErrorCode,
				"message": "crime data is temporarily unavailable",
			},
			"data": served.Data,
		})
	}
	return c.JSON(http.StatusOK, served)
}

type batchRequest struct {
	Items []reports.BatchRequestItem `json:"items"`
}

// BatchReports handles POST /api/v1/area-reports/batch
func (h *Handler) BatchReports(c echo.Context) error {
	if ok, err := h.allowWindow(c, "batch", h.limits.Batch); !ok {
		return err
	}
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("body", "invalid JSON body"))
	}

	result, err := h.reports.BatchReports(c.Request().Context(), c.RealIP(), req.Items)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Geocode handles GET /api/v1/geocode
func (h *Handler) Geocode(c echo.Context) error {
	if ok, err := h.allowWindow(c, "geocode", h.limits.Geocode); !ok {
		return err
	}
	served, err := h.reports.Geocode(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, served)
}

// allowWindow applies a fixed-window rule. When it rejects, the 429 response
// has already been written and its error must be returned by the handler.
func (h *Handler) allowWindow(c echo.Context, route string, rule WindowRule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := ratelimit.Key(route, c.RealIP())
	d, err := h.windows.Allow(c.Request().Context(), key, rule.Limit, rule.Window)
	if err != nil {
		h.logger.Warn("rate limiter failed, allowing request", "route", route, "error", err)
		return true, nil
	}

	header := c.Response().Header()
	header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	header.Set("X-RateLimit-Reset", strconv.Itoa(d.RetryAfterSeconds()))
	if d.Allowed {
		return true, nil
	}
	return false, h.rejected(c, route, d.RetryAfterSeconds())
}

func (h *Handler) allowBucket(c echo.Context, route string, rule BucketRule) (bool, error) {
	if rule.Capacity <= 0 {
		return true, nil
	}
	key := ratelimit.Key(route, c.RealIP())
	d := h.buckets.Consume(key, rule.Capacity, rule.RefillPerSecond)

	header := c.Response().Header()
	header.Set("X-RateLimit-Limit", strconv.FormatFloat(rule.Capacity, 'f', -1, 64))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Tokens)))
	if d.OK {
		return true, nil
	}
	return false, h.rejected(c, route, d.RetryAfterSeconds)
}

func (h *Handler) rejected(c echo.Context, route string, retryAfter int) error {
	if h.onRateLimited != nil {
		h.onRateLimited(route)
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	return c.JSON(http.StatusTooManyRequests, errorBody(core.CodeRateLimited, "rate limit exceeded, retry later"))
}

// handleError converts errors to the API error envelope.
func handleError(c echo.Context, err error) error {
	var valErr *core.ValidationError
	if errors.As(err, &valErr) {
		return c.JSON(http.StatusBadRequest, errorBody(core.CodeInvalidRequest, valErr.Error()))
	}

	var upErr *core.UpstreamError
	if errors.As(err, &upErr) {
		return c.JSON(upErr.HTTPStatusCode(), upErr.ToJSON())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusServiceUnavailable, errorBody(core.CodeUpstreamTimeout, "request did not complete in time"))
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, errorBody(core.CodeInternal, "an unexpected error occurred"))
}

func errorBody(code core.ErrorCode, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
