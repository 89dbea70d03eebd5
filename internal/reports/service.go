package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"safetydash/internal/aggregate"
	"safetydash/internal/cache"
	"safetydash/internal/core"
	"safetydash/internal/geocode"
	"safetydash/internal/ratelimit"
	"safetydash/internal/singleflight"
)

// CrimeSource is the crime upstream as the Service needs it.
// LastUpdated must return a usable month even when it also returns an error.
type CrimeSource interface {
	Crimes(ctx context.Context, lat, lon float64, month *core.Month) ([]core.Incident, error)
	LastUpdated(ctx context.Context) (core.Month, error)
}

// Service serves area reports, trends, batches and geocoding with caching
// and request coalescing. Create it once per process and share it.
type Service struct {
	cfg      Config
	crimes   CrimeSource
	geocoder geocode.Geocoder
	soft     func(error) bool
	clock    clockwork.Clock
	logger   *slog.Logger

	areaCache   *cache.Cache[AreaReport]
	batchCache  *cache.Cache[AreaReport]
	trendsCache *cache.Cache[Trends]
	geoCache    *cache.Cache[geocode.Place]

	areaFlight   *singleflight.Group[AreaReport]
	batchFlight  *singleflight.Group[AreaReport]
	trendsFlight *singleflight.Group[Trends]
	geoFlight    *singleflight.Group[geocode.Place]

	buckets *ratelimit.TokenBucket
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock for caches, buckets and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithSoftFailure sets the classifier for upstream errors that degrade a
// report instead of failing it.
func WithSoftFailure(fn func(error) bool) Option {
	return func(s *Service) { s.soft = fn }
}

// NewService creates a Service.
func NewService(cfg Config, crimes CrimeSource, geocoder geocode.Geocoder, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		crimes:   crimes,
		geocoder: geocoder,
		soft:     func(error) bool { return false },
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.areaCache = cache.New[AreaReport](cache.WithClock(s.clock))
	s.batchCache = cache.New[AreaReport](cache.WithClock(s.clock))
	s.trendsCache = cache.New[Trends](cache.WithClock(s.clock))
	s.geoCache = cache.New[geocode.Place](cache.WithClock(s.clock))
	s.areaFlight = singleflight.New[AreaReport]()
	s.batchFlight = singleflight.New[AreaReport]()
	s.trendsFlight = singleflight.New[Trends]()
	s.geoFlight = singleflight.New[geocode.Place]()
	s.buckets = ratelimit.NewTokenBucket(s.clock)
	return s
}

// Start runs the cache and bucket janitors until ctx is done.
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.SweepInterval
	s.areaCache.StartJanitor(ctx, interval)
	s.batchCache.StartJanitor(ctx, interval)
	s.trendsCache.StartJanitor(ctx, interval)
	s.geoCache.StartJanitor(ctx, interval)
	s.buckets.StartJanitor(ctx, interval)
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// CacheStats returns counters for every cache, keyed by cache name.
func (s *Service) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"area":    s.areaCache.Stats(),
		"batch":   s.batchCache.Stats(),
		"trends":  s.trendsCache.Stats(),
		"geocode": s.geoCache.Stats(),
	}
}

// AreaReport returns the latest month's incident counts around lat/lon.
// A soft upstream failure yields an empty report flagged Partial, which is
// served but not cached; other upstream failures are returned as errors.
func (s *Service) AreaReport(ctx context.Context, lat, lon float64) (Served[AreaReport], error) {
	if err := ValidateCoords(lat, lon); err != nil {
		return Served[AreaReport]{}, err
	}
	key := coordKey("area", lat, lon)

	if served, ok := serveCached(s.areaCache, key, s.clock.Now()); ok {
		return served, nil
	}

	report, _, err := s.areaFlight.Do(ctx, key, func(ctx context.Context) (AreaReport, error) {
		report, err := s.fetchAreaReport(ctx, lat, lon)
		if err != nil {
			if !s.soft(err) {
				return AreaReport{}, err
			}
			s.logger.Warn("area report degraded", "key", key, "error", err)
			return AreaReport{
				Lat:              lat,
				Lon:              lon,
				CountsByCategory: map[string]int{},
				Partial:          true,
				ErrorCode:        core.CodeOf(err),
				GeneratedAt:      s.clock.Now(),
			}, nil
		}
		s.areaCache.Set(key, report, s.cfg.AreaTTL)
		return report, nil
	})
	if err != nil {
		return Served[AreaReport]{}, err
	}
	return Served[AreaReport]{Data: report}, nil
}

func (s *Service) fetchAreaReport(ctx context.Context, lat, lon float64) (AreaReport, error) {
	incidents, err := s.crimes.Crimes(ctx, lat, lon, nil)
	if err != nil {
		return AreaReport{}, err
	}

	counts := core.CountByCategory(incidents)
	month := ""
	if len(incidents) > 0 {
		month = incidents[0].Month
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return AreaReport{
		Lat:              lat,
		Lon:              lon,
		Month:            month,
		Total:            total,
		CountsByCategory: counts,
		GeneratedAt:      s.clock.Now(),
	}, nil
}

// Trends returns the month series around lat/lon ending at the latest
// published month. Concurrent identical requests share one build. Complete
// and partial series are cached; a series where every month failed is
// returned with OK=false and never cached.
func (s *Service) Trends(ctx context.Context, lat, lon float64) (Served[Trends], error) {
	if err := ValidateCoords(lat, lon); err != nil {
		return Served[Trends]{}, err
	}
	key := coordKey("trends", lat, lon)

	if served, ok := serveCached(s.trendsCache, key, s.clock.Now()); ok {
		return served, nil
	}

	trends, _, err := s.trendsFlight.Do(ctx, key, func(ctx context.Context) (Trends, error) {
		last, err := s.crimes.LastUpdated(ctx)
		if err != nil {
			s.logger.Warn("latest published month unknown, using last completed month", "error", err, "month", last.String())
		}
		months := core.MonthsEndingAt(last, s.cfg.TrendsMonths)

		result := aggregate.BuildSeries(ctx, key, months, s.countsForMonth(lat, lon), aggregate.SeriesOptions{
			Concurrency:   s.cfg.SeriesConcurrency,
			Logger:        s.logger,
			IsSoftFailure: s.soft,
		})
		trends := Trends{Lat: lat, Lon: lon, AggregationResult: result}
		if result.OK {
			s.trendsCache.Set(key, trends, s.cfg.TrendsTTL)
		}
		return trends, nil
	})
	if err != nil {
		return Served[Trends]{}, err
	}
	return Served[Trends]{Data: trends}, nil
}

func (s *Service) countsForMonth(lat, lon float64) aggregate.MonthFetcher {
	return func(ctx context.Context, m core.Month) (map[string]int, error) {
		incidents, err := s.crimes.Crimes(ctx, lat, lon, &m)
		if err != nil {
			return nil, err
		}
		return core.CountByCategory(incidents), nil
	}
}

// BatchReports builds area reports for several locations at once. Cache hits
// and invalid items are resolved first; every remaining item costs one token
// from the client's bucket before it may reach the upstream. Items for the
// same coordinates in flight at once share one upstream fetch.
func (s *Service) BatchReports(ctx context.Context, clientKey string, items []BatchRequestItem) (aggregate.BatchResult[AreaReport], error) {
	if len(items) == 0 {
		return aggregate.BatchResult[AreaReport]{}, core.NewValidationError("items", "must not be empty")
	}
	if len(items) > s.cfg.MaxBatchItems {
		return aggregate.BatchResult[AreaReport]{}, core.NewValidationError("items",
			fmt.Sprintf("at most %d items per batch", s.cfg.MaxBatchItems))
	}

	batch := make([]aggregate.BatchItem[BatchRequestItem], len(items))
	for i, item := range items {
		key := item.Key
		if key == "" {
			key = fmt.Sprintf("%d", i)
		}
		batch[i] = aggregate.BatchItem[BatchRequestItem]{Key: key, Input: item}
	}
	bucketKey := ratelimit.Key("batch-item", clientKey)

	return aggregate.RunBatch(ctx, batch, aggregate.BatchPlan[BatchRequestItem, AreaReport]{
		Concurrency: s.cfg.BatchConcurrency,
		Validate: func(in BatchRequestItem) error {
			return ValidateCoords(in.Lat, in.Lon)
		},
		Lookup: func(in BatchRequestItem) (AreaReport, bool) {
			return s.batchCache.Get(coordKey("batch", in.Lat, in.Lon))
		},
		Admit: func(in BatchRequestItem) (bool, int) {
			if s.cfg.UnlimitedBatchItems {
				return true, 0
			}
			d := s.buckets.Consume(bucketKey, s.cfg.BatchItemCapacity, s.cfg.BatchItemRefillPerSecond)
			return d.OK, d.RetryAfterSeconds
		},
		Run: func(ctx context.Context, in BatchRequestItem) (AreaReport, error) {
			report, _, err := s.batchFlight.Do(ctx, coordKey("batch", in.Lat, in.Lon), func(ctx context.Context) (AreaReport, error) {
				return s.fetchAreaReport(ctx, in.Lat, in.Lon)
			})
			return report, err
		},
		Store: func(in BatchRequestItem, report AreaReport) {
			s.batchCache.Set(coordKey("batch", in.Lat, in.Lon), report, s.cfg.BatchTTL)
		},
		Logger: s.logger,
	}), nil
}

// Geocode resolves a place name or postcode. Matches are cached; misses are
// returned as core.CodeNotFound errors and not cached.
func (s *Service) Geocode(ctx context.Context, query string) (Served[geocode.Place], error) {
	normalized := geocode.NormalizeQuery(query)
	if normalized == "" {
		return Served[geocode.Place]{}, core.NewValidationError("q", "must not be empty")
	}
	if len(normalized) > 200 {
		return Served[geocode.Place]{}, core.NewValidationError("q", "must be at most 200 characters")
	}
	key := "geocode:" + normalized

	if served, ok := serveCached(s.geoCache, key, s.clock.Now()); ok {
		return served, nil
	}

	place, _, err := s.geoFlight.Do(ctx, key, func(ctx context.Context) (geocode.Place, error) {
		place, err := s.geocoder.Geocode(ctx, query)
		if err != nil {
			return geocode.Place{}, err
		}
		s.geoCache.Set(key, place, s.cfg.GeocodeTTL)
		return place, nil
	})
	if err != nil {
		if errors.Is(err, geocode.ErrNotFound) {
			return Served[geocode.Place]{}, &core.UpstreamError{
				Upstream: "geocode",
				Code:     core.CodeNotFound,
				Message:  "no location matches the query",
				Err:      err,
			}
		}
		return Served[geocode.Place]{}, err
	}
	return Served[geocode.Place]{Data: place}, nil
}

func serveCached[V any](c *cache.Cache[V], key string, now time.Time) (Served[V], bool) {
	entry, ok := c.GetEntry(key)
	if !ok {
		return Served[V]{}, false
	}
	return Served[V]{
		Data:       entry.Value,
		Cached:     true,
		AgeSeconds: int(entry.Age(now) / time.Second),
	}, true
}
