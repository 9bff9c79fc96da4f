// Package watcher keeps cached aggregates fresh. It follows the record
// collection's change stream, maps each change to the cache-key patterns it
// dirties and flushes them through a debounced buffer, falling back to
// periodic invalidation when the stream cannot be kept open.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/resilience"
)

// Modes.
const (
	ModeReactive = "reactive"
	ModePolling  = "polling"
)

// Stream is the subset of *mongo.ChangeStream the watcher consumes.
type Stream interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	ResumeToken() bson.Raw
	Close(ctx context.Context) error
}

// StreamOpener opens a change stream, resuming after token when non-nil.
type StreamOpener func(ctx context.Context, token bson.Raw) (Stream, error)

// CollectionOpener watches coll for record changes.
func CollectionOpener(coll *mongo.Collection) StreamOpener {
	return func(ctx context.Context, token bson.Raw) (Stream, error) {
		opts := options.ChangeStream()
		if token != nil {
			opts.SetResumeAfter(token)
		}
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{OpInsert, OpUpdate, OpReplace, OpDelete}}}}},
		}
		return coll.Watch(ctx, pipeline, opts)
	}
}

// Watcher turns record changes into cache invalidations.
type Watcher struct {
	open     StreamOpener
	buffer   *InvalidationBuffer
	resolver *fields.Resolver
	cfg      config.WatcherConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	token   bson.Raw
	mode    atomic.Value
	healthy atomic.Bool
}

// New creates a Watcher. open may be nil in polling mode.
func New(open StreamOpener, buffer *InvalidationBuffer, r *fields.Resolver, cfg config.WatcherConfig, m *metrics.Metrics) *Watcher {
	w := &Watcher{
		open:     open,
		buffer:   buffer,
		resolver: r,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "invalidation-watcher"),
	}
	w.mode.Store(cfg.Mode)
	return w
}

// Mode reports the mode the watcher is currently running in.
func (w *Watcher) Mode() string {
	return w.mode.Load().(string)
}

// Healthy reports whether the watcher is running its loop.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Check is a health probe.
func (w *Watcher) Check(context.Context) error {
	if !w.Healthy() {
		return errors.New("invalidation watcher not running")
	}
	return nil
}

// Run blocks until ctx is done. In reactive mode it follows the change
// stream, reopening it from the last resume token; when reopening fails
// RestartAttempts times in a row it switches to polling for good.
func (w *Watcher) Run(ctx context.Context) error {
	w.healthy.Store(true)
	defer w.healthy.Store(false)
	defer w.buffer.Flush(context.WithoutCancel(ctx), TriggerShutdown)

	if w.cfg.Mode == ModePolling || w.open == nil {
		return w.poll(ctx)
	}

	attempts := w.cfg.RestartAttempts
	if attempts <= 0 {
		attempts = 3
	}
	failures := 0
	for {
		var stream Stream
		err := resilience.Retry(ctx, "change-stream", resilience.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Retryable:    func(error) bool { return ctx.Err() == nil },
		}, func(int) error {
			s, err := w.open(ctx, w.token)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Warn("change stream unavailable, falling back to polling", "error", err)
			return w.poll(ctx)
		}

		processed, err := w.consume(ctx, stream)
		_ = stream.Close(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return nil
		}
		if processed > 0 {
			failures = 0
		} else {
			failures++
		}
		if failures >= attempts {
			w.logger.Warn("change stream keeps failing, falling back to polling", "error", err)
			return w.poll(ctx)
		}
		w.logger.Warn("change stream interrupted, restarting", "error", err, "events", processed)
	}
}

// consume reads events until the stream fails or ctx is done.
func (w *Watcher) consume(ctx context.Context, stream Stream) (int, error) {
	w.logger.Info("following change stream", "resuming", w.token != nil)
	processed := 0
	for stream.Next(ctx) {
		var ev ChangeEvent
		if err := stream.Decode(&ev); err != nil {
			w.logger.Warn("undecodable change event", "error", err)
			continue
		}
		w.Handle(ev)
		w.token = stream.ResumeToken()
		processed++
	}
	if err := stream.Err(); err != nil {
		return processed, fmt.Errorf("change stream: %w", err)
	}
	return processed, errors.New("change stream closed")
}

// Handle marks the patterns dirtied by ev.
func (w *Watcher) Handle(ev ChangeEvent) {
	w.metrics.ChangeEventsTotal.WithLabelValues(ev.OperationType).Inc()
	affected := AffectedFields(w.resolver, ev)
	if patterns := PatternsFor(affected); len(patterns) > 0 {
		w.logger.Debug("change marks cache dirty", "operation", ev.OperationType, "fields", affected)
		w.buffer.Add(patterns...)
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	w.mode.Store(ModePolling)
	p, err := NewPoller(w.buffer, w.cfg.PollInterval)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}
