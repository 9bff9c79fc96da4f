// Package insights is the query facade over the aggregation core. It parses
// and validates filters once at the boundary, then routes each query through
// the pipeline builders, the executor and the cache, emitting one telemetry
// event per call.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/aggregate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/cache"
	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	"github.com/ouvidoriag/ogfinal-sub001/internal/paginate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/pipeline"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
	"github.com/ouvidoriag/ogfinal-sub001/internal/telemetry"
	"github.com/ouvidoriag/ogfinal-sub001/internal/watcher"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/logger"
)

// Deps are the collaborators assembled at startup.
type Deps struct {
	Resolver    *fields.Resolver
	Executor    *aggregate.Executor
	Cache       *cache.Cache
	Paginator   *paginate.Paginator
	Buffer      *watcher.InvalidationBuffer
	Tracker     telemetry.Tracker
	Aggregation config.AggregationConfig
}

// Service answers insight queries.
type Service struct {
	resolver   *fields.Resolver
	normalizer *filter.Normalizer
	validator  *filter.Validator
	builder    *pipeline.Builder
	executor   *aggregate.Executor
	cache      *cache.Cache
	paginator  *paginate.Paginator
	buffer     *watcher.InvalidationBuffer
	tracker    telemetry.Tracker
	cfg        config.AggregationConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewService creates a Service. A nil Tracker discards telemetry.
func NewService(d Deps) *Service {
	tracker := d.Tracker
	if tracker == nil {
		tracker = telemetry.Discard{}
	}
	return &Service{
		resolver:   d.Resolver,
		normalizer: filter.NewNormalizer(d.Resolver),
		validator:  filter.NewValidator(d.Resolver),
		builder:    pipeline.NewBuilder(d.Resolver),
		executor:   d.Executor,
		cache:      d.Cache,
		paginator:  d.Paginator,
		buffer:     d.Buffer,
		tracker:    tracker,
		cfg:        d.Aggregation,
		now:        time.Now,
		logger:     logger.WithComponent("insights-service"),
	}
}

// ParseFilters reads a request body in the simple or composite form.
func (s *Service) ParseFilters(body []byte) (filter.Node, error) {
	return filter.Parse(body, s.normalizer)
}

// Limit clamps a requested group limit.
func (s *Service) Limit(requested int) int {
	switch {
	case requested <= 0:
		return s.cfg.DefaultLimit
	case s.cfg.MaxLimit > 0 && requested > s.cfg.MaxLimit:
		return s.cfg.MaxLimit
	default:
		return requested
	}
}

// keyInput is what a cached result depends on besides the endpoint.
type keyInput struct {
	Filters filter.Node `json:"filters,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	Field   string      `json:"field,omitempty"`
	Day     string      `json:"day,omitempty"`
}

// Dimension returns the breakdown named name. Failures to compute degrade
// to an empty list.
func (s *Service) Dimension(ctx context.Context, name string, n filter.Node, limit int) ([]pipeline.DimensionRow, error) {
	start := s.now()
	d, ok := pipeline.Dimensions[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "unknown dimension %q", name)
	}
	limit = s.Limit(limit)
	rows, outcome, err := cache.WithCache(ctx, s.cache, d.Name, keyInput{Filters: n, Limit: limit},
		func(ctx context.Context) ([]pipeline.DimensionRow, error) {
			return aggregate.Run(ctx, s.executor, d.Name, func(ctx context.Context) ([]pipeline.DimensionRow, error) {
				docs, err := s.executor.Execute(ctx, d.Name, s.builder.Dimension(d, n, limit), aggregate.Options{})
				if err != nil {
					return nil, err
				}
				return pipeline.FormatDimension(d, docs), nil
			})
		},
		cache.WithFallback([]pipeline.DimensionRow{}),
	)
	s.track(ctx, d.Name, outcome.String(), len(rows), err, start)
	return rows, err
}

// Overview returns the combined dashboard aggregate. The date windows are
// relative to the current day, which is part of the cache key.
func (s *Service) Overview(ctx context.Context, n filter.Node) (pipeline.Overview, error) {
	start := s.now()
	now := start
	ov, outcome, err := cache.WithCache(ctx, s.cache, cache.ClassOverview, keyInput{Filters: n, Day: now.UTC().Format(time.DateOnly)},
		func(ctx context.Context) (pipeline.Overview, error) {
			return aggregate.Run(ctx, s.executor, cache.ClassOverview, func(ctx context.Context) (pipeline.Overview, error) {
				docs, err := s.executor.Execute(ctx, cache.ClassOverview, s.builder.Overview(n, now), aggregate.Options{ForceDiskUse: true})
				if err != nil {
					return pipeline.Overview{}, err
				}
				var doc bson.M
				if len(docs) > 0 {
					doc = docs[0]
				}
				return pipeline.FormatOverview(doc), nil
			})
		},
		cache.WithFallback(pipeline.EmptyOverview()),
	)
	s.track(ctx, cache.ClassOverview, outcome.String(), int(ov.TotalManifestations), err, start)
	return ov, err
}

// Dashboard returns the headline counts.
func (s *Service) Dashboard(ctx context.Context, n filter.Node) (pipeline.Dashboard, error) {
	start := s.now()
	now := start
	d, outcome, err := cache.WithCache(ctx, s.cache, cache.ClassDashboard, keyInput{Filters: n, Day: now.UTC().Format(time.DateOnly)},
		func(ctx context.Context) (pipeline.Dashboard, error) {
			return aggregate.Run(ctx, s.executor, cache.ClassDashboard, func(ctx context.Context) (pipeline.Dashboard, error) {
				docs, err := s.executor.Execute(ctx, cache.ClassDashboard, s.builder.Dashboard(n, now), aggregate.Options{})
				if err != nil {
					return pipeline.Dashboard{}, err
				}
				var doc bson.M
				if len(docs) > 0 {
					doc = docs[0]
				}
				return pipeline.FormatDashboard(doc), nil
			})
		},
		cache.WithFallback(pipeline.FormatDashboard(nil)),
	)
	s.track(ctx, cache.ClassDashboard, outcome.String(), int(d.Total), err, start)
	return d, err
}

// Pivot counts records per value of a logical field and creation month,
// reading the raw payload where the field has no storage column.
func (s *Service) Pivot(ctx context.Context, field string, n filter.Node) ([]pipeline.PivotRow, error) {
	start := s.now()
	if field == "" {
		err := &filter.ValidationError{Path: "field", Reason: "pivot field is required"}
		s.track(ctx, cache.ClassPivot, telemetry.OutcomeMiss, 0, err, start)
		return nil, err
	}
	rows, outcome, err := cache.WithCache(ctx, s.cache, cache.ClassPivot, keyInput{Filters: n, Field: fields.Fold(field)},
		func(ctx context.Context) ([]pipeline.PivotRow, error) {
			return aggregate.Run(ctx, s.executor, cache.ClassPivot, func(ctx context.Context) ([]pipeline.PivotRow, error) {
				p := pipeline.NewPivot(s.resolver, field)
				err := s.executor.Stream(ctx, cache.ClassPivot, filter.Compile(n, s.resolver), p.Projection(), func(doc bson.M) error {
					p.Add(doc)
					return nil
				})
				if err != nil {
					return nil, err
				}
				if skipped := p.Skipped(); skipped > 0 {
					logger.FromContext(ctx).Debug("pivot skipped records", "field", field, "skipped", skipped)
				}
				return p.Rows(), nil
			})
		},
		cache.WithFallback([]pipeline.PivotRow{}),
	)
	s.track(ctx, cache.ClassPivot, outcome.String(), len(rows), err, start)
	return rows, err
}

// Distinct returns the sorted distinct values of a dimension.
func (s *Service) Distinct(ctx context.Context, external string, limit int) ([]string, error) {
	start := s.now()
	field := s.resolver.Resolve(external)
	endpoint := cache.ClassDistinct + "." + field
	if !record.IsDimension(field) {
		err := &filter.ValidationError{Path: "field", Reason: fmt.Sprintf("%q is not a dimension", external)}
		s.track(ctx, cache.ClassDistinct, telemetry.OutcomeMiss, 0, err, start)
		return nil, err
	}
	limit = s.Limit(limit)
	values, outcome, err := cache.WithCache(ctx, s.cache, endpoint, keyInput{Limit: limit},
		func(ctx context.Context) ([]string, error) {
			return aggregate.Run(ctx, s.executor, cache.ClassDistinct, func(ctx context.Context) ([]string, error) {
				docs, err := s.executor.Execute(ctx, endpoint, s.builder.Distinct(field, nil, limit), aggregate.Options{})
				if err != nil {
					return nil, err
				}
				return pipeline.FormatDistinct(docs), nil
			})
		},
		cache.WithFallback([]string{}),
	)
	s.track(ctx, endpoint, outcome.String(), len(values), err, start)
	return values, err
}

// RecordsQuery selects one page of records.
type RecordsQuery struct {
	Filters  filter.Node
	Query    map[string]any
	PageSize int
	Cursor   string
}

// Records lists matching records newest first. Listing is never cached and
// never degrades: failures reach the caller.
func (s *Service) Records(ctx context.Context, q RecordsQuery) (*paginate.Page, error) {
	start := s.now()
	match := filter.Compile(q.Filters, s.resolver)
	if len(q.Query) > 0 {
		raw, err := s.validator.Validate(q.Query)
		if err != nil {
			s.track(ctx, "records", telemetry.OutcomeMiss, 0, err, start)
			return nil, err
		}
		match = and(match, raw)
	}
	page, err := aggregate.Run(ctx, s.executor, "records", func(ctx context.Context) (*paginate.Page, error) {
		return s.paginator.Paginate(ctx, match, q.PageSize, q.Cursor)
	})
	rows := 0
	if page != nil {
		rows = page.TotalReturned
	}
	s.track(ctx, "records", telemetry.OutcomeMiss, rows, err, start)
	return page, err
}

func and(a, b bson.M) bson.M {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	default:
		return bson.M{"$and": bson.A{a, b}}
	}
}

// InvalidateResult reports a manual invalidation.
type InvalidateResult struct {
	Patterns []string `json:"patterns"`
	Removed  int64    `json:"removed"`
}

// Invalidate dirties the given patterns plus those implied by changed
// fields, then flushes immediately.
func (s *Service) Invalidate(ctx context.Context, patterns, changed []string) (InvalidateResult, error) {
	all := make([]string, 0, len(patterns)+len(changed))
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(p) {
			return InvalidateResult{}, &filter.ValidationError{Path: "patterns", Reason: fmt.Sprintf("invalid pattern %q", p)}
		}
		all = append(all, p)
	}
	if len(changed) > 0 {
		internal := make([]string, 0, len(changed))
		for _, f := range changed {
			internal = append(internal, s.resolver.Resolve(f))
		}
		all = append(all, watcher.PatternsFor(internal)...)
	}
	if len(all) == 0 {
		return InvalidateResult{}, &filter.ValidationError{Path: "patterns", Reason: "nothing to invalidate"}
	}
	s.buffer.Add(all...)
	pending := s.buffer.Pending()
	removed := s.buffer.Flush(ctx, watcher.TriggerManual)
	return InvalidateResult{Patterns: pending, Removed: removed}, nil
}

// CacheStats reports cache effectiveness.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) track(ctx context.Context, endpoint, outcome string, rows int, err error, start time.Time) {
	now := s.now()
	s.tracker.Track(telemetry.QueryEvent{
		Endpoint:  endpoint,
		Outcome:   outcome,
		Failure:   failureClass(err),
		Rows:      rows,
		LatencyMs: now.Sub(start).Milliseconds(),
		Timestamp: now.UTC(),
		RequestID: logger.RequestID(ctx),
	})
}

func failureClass(err error) string {
	switch {
	case err == nil:
		return telemetry.FailureNone
	case errors.Is(err, apperrors.ErrInvalidInput):
		return telemetry.FailureInvalid
	case errors.Is(err, apperrors.ErrTimeout):
		return telemetry.FailureTimeout
	case errors.Is(err, apperrors.ErrDatastoreUnavailable):
		return telemetry.FailureDatastore
	case errors.Is(err, apperrors.ErrCompute):
		return telemetry.FailureCompute
	default:
		return telemetry.FailureUnexpected
	}
}
