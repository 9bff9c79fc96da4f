package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
)

// Flush triggers.
const (
	TriggerDebounce = "debounce"
	TriggerPoll     = "poll"
	TriggerManual   = "manual"
	TriggerShutdown = "shutdown"
)

// Invalidator removes cache entries matching a glob.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) (int64, error)
}

// Notifier is told about every completed flush.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Notice describes one flush.
type Notice struct {
	Trigger  string    `json:"trigger"`
	Patterns []string  `json:"patterns"`
	Removed  int64     `json:"removed"`
	Failed   int       `json:"failed"`
	At       time.Time `json:"at"`
}

// InvalidationBuffer accumulates dirty patterns and flushes them through a
// single resettable debounce timer, so a burst of writes causes one
// invalidation pass.
type InvalidationBuffer struct {
	mu          sync.Mutex
	dirty       map[string]struct{}
	timer       *time.Timer
	delay       time.Duration
	invalidator Invalidator
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewInvalidationBuffer creates a buffer that flushes delay after the last
// Add.
func NewInvalidationBuffer(inv Invalidator, delay time.Duration, m *metrics.Metrics) *InvalidationBuffer {
	return &InvalidationBuffer{
		dirty:       make(map[string]struct{}),
		delay:       delay,
		invalidator: inv,
		metrics:     m,
		logger:      slog.Default().With("component", "invalidation-buffer"),
	}
}

// SetNotifier installs n. Call before the buffer is in use.
func (b *InvalidationBuffer) SetNotifier(n Notifier) {
	b.notifier = n
}

// Add marks patterns dirty and restarts the debounce timer.
func (b *InvalidationBuffer) Add(patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range patterns {
		b.dirty[p] = struct{}{}
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, func() {
			b.Flush(context.Background(), TriggerDebounce)
		})
		return
	}
	b.timer.Reset(b.delay)
}

// Pending returns the dirty patterns not yet flushed, sorted.
func (b *InvalidationBuffer) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.dirty))
	for p := range b.dirty {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Flush invalidates every pending pattern now and returns the number of
// entries removed. Failures are logged and counted, never returned.
func (b *InvalidationBuffer) Flush(ctx context.Context, trigger string) int64 {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	patterns := make([]string, 0, len(b.dirty))
	for p := range b.dirty {
		patterns = append(patterns, p)
	}
	b.dirty = make(map[string]struct{})
	b.mu.Unlock()

	if len(patterns) == 0 {
		return 0
	}
	sort.Strings(patterns)

	notice := Notice{Trigger: trigger, Patterns: patterns, At: time.Now().UTC()}
	for _, p := range patterns {
		n, err := b.invalidator.Invalidate(ctx, p)
		if err != nil {
			notice.Failed++
			b.logger.Warn("invalidation failed", "pattern", p, "error", err)
			continue
		}
		notice.Removed += n
	}
	b.metrics.InvalidationFlushesTotal.WithLabelValues(trigger).Inc()
	b.logger.Info("cache invalidated",
		"trigger", trigger,
		"patterns", len(patterns),
		"removed", notice.Removed,
		"failed", notice.Failed,
	)
	if b.notifier != nil {
		b.notifier.Notify(ctx, notice)
	}
	return notice.Removed
}

// Stop cancels a scheduled flush. Pending patterns stay pending.
func (b *InvalidationBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}
