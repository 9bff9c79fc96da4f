// Package aggregate runs pipelines against the record collection with the
// server-side limits the insights endpoints need and classifies failures
// into timeout, datastore and compute errors.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/resilience"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/tracing"
)

// Collection is the subset of *mongo.Collection the executor and the
// paginator use.
type Collection interface {
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Options tunes a single Execute call.
type Options struct {
	// ForceDiskUse allows spilling regardless of pipeline length.
	ForceDiskUse bool
	BatchSize    int32
}

// Executor runs aggregation pipelines and streaming reads.
type Executor struct {
	coll    Collection
	cfg     config.AggregationConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Executor over coll.
func New(coll Collection, cfg config.AggregationConfig, m *metrics.Metrics) *Executor {
	return &Executor{
		coll:    coll,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "aggregation-executor"),
	}
}

// Execute runs pipeline and decodes every result document. Disk use is
// allowed once the pipeline is longer than the configured stage threshold.
func (e *Executor) Execute(ctx context.Context, endpoint string, pipeline []bson.D, opts Options) ([]bson.M, error) {
	ctx, span := tracing.Start(ctx, "aggregate."+endpoint)
	defer span.End()

	aggOpts := options.Aggregate().SetAllowDiskUse(e.allowDiskUse(pipeline, opts))
	if e.cfg.MaxTime > 0 {
		aggOpts.SetMaxTime(e.cfg.MaxTime)
	}
	if opts.BatchSize > 0 {
		aggOpts.SetBatchSize(opts.BatchSize)
	}
	span.SetAttr("stages", len(pipeline))
	span.SetAttr("allow_disk_use", *aggOpts.AllowDiskUse)

	start := time.Now()
	cur, err := e.coll.Aggregate(ctx, pipeline, aggOpts)
	if err != nil {
		return nil, e.fail(endpoint, err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, e.fail(endpoint, err)
	}
	e.metrics.AggregationDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	e.logger.Debug("aggregation executed",
		"endpoint", endpoint,
		"stages", len(pipeline),
		"results", len(docs),
		"duration", time.Since(start),
	)
	if docs == nil {
		docs = []bson.M{}
	}
	return docs, nil
}

// Stream runs a find with projection and hands each decoded document to fn.
// It stops at the first error fn returns.
func (e *Executor) Stream(ctx context.Context, endpoint string, filter, projection bson.M, fn func(bson.M) error) error {
	ctx, span := tracing.Start(ctx, "stream."+endpoint)
	defer span.End()

	findOpts := options.Find().SetProjection(projection).SetBatchSize(1000)
	if e.cfg.MaxTime > 0 {
		findOpts.SetMaxTime(e.cfg.MaxTime)
	}
	if filter == nil {
		filter = bson.M{}
	}
	start := time.Now()
	cur, err := e.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return e.fail(endpoint, err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	var n int
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return e.fail(endpoint, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
		n++
	}
	if err := cur.Err(); err != nil {
		return e.fail(endpoint, err)
	}
	span.SetAttr("documents", n)
	e.metrics.AggregationDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	return nil
}

// Timeout returns the wall-clock budget for endpoint.
func (e *Executor) Timeout(endpoint string) time.Duration {
	if d, ok := e.cfg.Timeouts[endpoint]; ok && d > 0 {
		return d
	}
	return e.cfg.DefaultTimeout
}

// Run races fn against the endpoint's wall-clock budget. Exceeding it yields
// an error wrapping ErrTimeout.
func Run[T any](ctx context.Context, e *Executor, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.WithTimeout(ctx, e.Timeout(endpoint), endpoint, fn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
		e.metrics.AggregationTimeouts.WithLabelValues(endpoint).Inc()
		e.logger.Warn("computation exceeded time budget", "endpoint", endpoint, "budget", e.Timeout(endpoint))
		return v, fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	}
	return v, err
}

func (e *Executor) allowDiskUse(pipeline []bson.D, opts Options) bool {
	return opts.ForceDiskUse || len(pipeline) > e.cfg.DiskUseStageThreshold
}

func (e *Executor) fail(endpoint string, err error) error {
	classified := Classify(err)
	if errors.Is(classified, apperrors.ErrTimeout) {
		e.metrics.AggregationTimeouts.WithLabelValues(endpoint).Inc()
	}
	e.logger.Error("aggregation failed", "endpoint", endpoint, "error", err)
	return fmt.Errorf("%s: %w", endpoint, classified)
}

// Classify maps a driver error onto the error taxonomy. Cancellation by the
// caller is returned unchanged.
func Classify(err error) error {
	var selErr topology.ServerSelectionError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	case mongo.IsNetworkError(err),
		errors.As(err, &selErr),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, topology.ErrServerSelectionTimeout):
		return fmt.Errorf("%w: %w", apperrors.ErrDatastoreUnavailable, err)
	case mongo.IsTimeout(err):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrCompute, err)
	}
}
