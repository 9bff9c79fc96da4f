// Package cache memoizes aggregate results keyed by endpoint, canonical
// filters and schema version, with per-endpoint lifetimes, asynchronous
// persistence and pattern invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/logger"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
)

// Outcome tells how a WithCache call was served.
type Outcome int

const (
	OutcomeMiss Outcome = iota
	OutcomeHit
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeFallback:
		return "fallback"
	default:
		return "miss"
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	backend Backend
	cfg     config.CacheConfig
	ttls    *TTLTable
	metrics *metrics.Metrics
	group   singleflight.Group
	pending sync.WaitGroup
	hits    atomic.Int64
	misses  atomic.Int64
	logger  *slog.Logger
}

// New creates a Cache over backend.
func New(backend Backend, cfg config.CacheConfig, m *metrics.Metrics) *Cache {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Cache{
		backend: backend,
		cfg:     cfg,
		ttls:    NewTTLTable(cfg.TTLs, cfg.DefaultTTL),
		metrics: m,
		logger:  logger.WithComponent("aggregate-cache").With("backend", backend.Name()),
	}
}

// Key returns the full backend key for endpoint and filters.
func (c *Cache) Key(endpoint string, filters any) string {
	return c.cfg.KeyPrefix + Key(endpoint, filters, c.cfg.Version)
}

// TTL returns the configured lifetime for endpoint.
func (c *Cache) TTL(endpoint string) time.Duration {
	return c.ttls.TTL(endpoint)
}

type callOptions struct {
	ttl         time.Duration
	fallback    any
	hasFallback bool
}

// Option customizes a WithCache call.
type Option func(*callOptions)

// WithTTL overrides the endpoint's lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *callOptions) { o.ttl = d }
}

// WithFallback supplies the value returned when computing fails with a
// compute error. Timeouts and datastore outages are never replaced. v must
// have the type WithCache returns.
func WithFallback(v any) Option {
	return func(o *callOptions) {
		o.fallback = v
		o.hasFallback = true
	}
}

// WithCache returns the cached value for (endpoint, filters) or computes,
// returns and asynchronously stores it. Backend failures degrade to a miss
// and are logged; they never fail the call.
func WithCache[T any](ctx context.Context, c *Cache, endpoint string, filters any, compute func(ctx context.Context) (T, error), opts ...Option) (T, Outcome, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := c.Key(endpoint, filters)

	var cached T
	if c.read(ctx, endpoint, key, &cached) {
		return cached, OutcomeHit, nil
	}

	run := func(ctx context.Context) (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		ttl := o.ttl
		if ttl <= 0 {
			ttl = c.TTL(endpoint)
		}
		c.store(ctx, key, v, ttl)
		return v, nil
	}

	var (
		v   any
		err error
	)
	if c.cfg.Coalesce {
		// The shared computation outlives any single caller; each caller
		// still stops waiting when its own context ends.
		shared := context.WithoutCancel(ctx)
		ch := c.group.DoChan(key, func() (any, error) { return run(shared) })
		select {
		case res := <-ch:
			v, err = res.Val, res.Err
		case <-ctx.Done():
			var zero T
			return zero, OutcomeMiss, ctx.Err()
		}
	} else {
		v, err = run(ctx)
	}
	if err == nil {
		out, _ := v.(T)
		return out, OutcomeMiss, nil
	}

	var zero T
	if o.hasFallback && errors.Is(err, apperrors.ErrCompute) {
		if fb, ok := o.fallback.(T); ok {
			c.metrics.CacheFallbacksTotal.WithLabelValues(endpoint).Inc()
			logger.FromContext(ctx).Warn("computation failed, serving fallback",
				"endpoint", endpoint, "error", err)
			return fb, OutcomeFallback, nil
		}
	}
	return zero, OutcomeMiss, err
}

func (c *Cache) read(ctx context.Context, endpoint, key string, dst any) bool {
	data, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
	}
	if err != nil || !found {
		c.miss(endpoint)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cache entry undecodable", "key", key, "error", err)
		c.miss(endpoint)
		return false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.WithLabelValues(endpoint).Inc()
	c.logger.Debug("cache hit", "key", key)
	return true
}

func (c *Cache) miss(endpoint string) {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.WithLabelValues(endpoint).Inc()
}

// store persists v in the background so the caller never waits on the
// backend.
func (c *Cache) store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.writeFailed(key, fmt.Errorf("encoding value: %w", err))
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.backend.Set(writeCtx, key, data, ttl); err != nil {
			c.writeFailed(key, err)
		}
	}()
}

func (c *Cache) writeFailed(key string, err error) {
	c.metrics.CacheWriteFailuresTotal.Inc()
	c.logger.Warn("cache write failed", "key", key, "error", err)
}

// Wait blocks until every pending write has finished.
func (c *Cache) Wait() {
	c.pending.Wait()
}

// Invalidate removes every entry whose key, without the configured prefix,
// matches the glob pattern.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	n, err := c.backend.DeletePattern(ctx, c.cfg.KeyPrefix+pattern)
	if err != nil {
		return n, fmt.Errorf("invalidating %q: %w", pattern, err)
	}
	c.metrics.CacheKeysEvictedTotal.Add(float64(n))
	c.logger.Debug("cache invalidated", "pattern", pattern, "keys_deleted", n)
	return n, nil
}

// Stats is a snapshot of hit counters since start.
type Stats struct {
	Backend string  `json:"backend"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() Stats {
	s := Stats{Backend: c.backend.Name(), Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}
