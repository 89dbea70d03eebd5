package aggregate

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"safetydash/internal/core"
)

// DefaultSeriesConcurrency bounds concurrent month fetches against one upstream.
const DefaultSeriesConcurrency = 4

// MonthFetcher returns incident counts by category for one month.
type MonthFetcher func(ctx context.Context, month core.Month) (map[string]int, error)

// SeriesOptions tunes BuildSeries.
type SeriesOptions struct {
	// Concurrency defaults to DefaultSeriesConcurrency.
	Concurrency int
	Logger      *slog.Logger
	// IsSoftFailure marks expected upstream outcomes (no data published,
	// throttled) that are logged at warn instead of error. Either way the
	// month counts as failed.
	IsSoftFailure func(error) bool
}

// BuildSeries fetches every month and assembles a chronological series.
//
// A failing month becomes a zero row instead of failing the series. Every row
// carries the sorted union of observed categories, back-filled with 0, and
// Total is the sum of its counts. The result is OK=false with an ErrorCode
// only when every month failed and the series total is zero; some failures
// with at least one success give Partial=true.
func BuildSeries(ctx context.Context, key string, months []core.Month, fetch MonthFetcher, opts SeriesOptions) core.AggregationResult {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultSeriesConcurrency
	}

	results := MapWithConcurrency(ctx, months, concurrency, func(ctx context.Context, m core.Month) (map[string]int, error) {
		return fetch(ctx, m)
	})

	rows := make([]core.MonthSeriesRow, len(months))
	categories := make(map[string]struct{})
	failed, rateLimited := 0, 0
	grandTotal := 0

	for i, res := range results {
		counts := res.Value
		if res.Err != nil {
			failed++
			if core.StatusOf(res.Err) == http.StatusTooManyRequests {
				rateLimited++
			}
			attrs := []any{"key", key, "month", months[i].String(), "error", res.Err}
			if opts.IsSoftFailure != nil && opts.IsSoftFailure(res.Err) {
				logger.Warn("series month unavailable", attrs...)
			} else {
				logger.Error("series month failed", attrs...)
			}
			counts = nil
		}

		row := core.MonthSeriesRow{
			Month:            months[i].String(),
			CountsByCategory: make(map[string]int, len(counts)),
		}
		for cat, n := range counts {
			row.CountsByCategory[cat] = n
			categories[cat] = struct{}{}
		}
		rows[i] = row
	}

	sorted := slices.Sorted(maps.Keys(categories))
	for i := range rows {
		total := 0
		for _, cat := range sorted {
			n := rows[i].CountsByCategory[cat]
			rows[i].CountsByCategory[cat] = n
			total += n
		}
		rows[i].Total = total
		grandTotal += total
	}

	result := core.AggregationResult{
		OK:         true,
		Rows:       rows,
		Categories: sorted,
		Failed:     failed,
	}
	if len(months) > 0 && failed == len(months) && grandTotal == 0 {
		result.OK = false
		result.ErrorCode = core.CodeUpstreamUnavailable
		if rateLimited == failed {
			result.ErrorCode = core.CodeRateLimitedUpstream
		}
		logger.Error("series unavailable: every month failed", "key", key, "months", len(months))
		return result
	}
	if failed > 0 {
		result.Partial = true
		logger.Warn("series built with missing months", "key", key, "failed", failed, "months", len(months))
	}
	return result
}
