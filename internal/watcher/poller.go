package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Poller periodically dirties the overview and dashboard results as a
// freshness guarantee when no change feed is available.
type Poller struct {
	buffer    *InvalidationBuffer
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewPoller creates a Poller flushing every interval.
func NewPoller(buffer *InvalidationBuffer, interval time.Duration) (*Poller, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating poll scheduler: %w", err)
	}
	return &Poller{
		buffer:    buffer,
		interval:  interval,
		scheduler: s,
		logger:    slog.Default().With("component", "invalidation-poller"),
	}, nil
}

// Tick dirties the conservative patterns and flushes them at once.
func (p *Poller) Tick(ctx context.Context) {
	p.buffer.Add(PatternOverview, PatternDashboard)
	p.buffer.Flush(ctx, TriggerPoll)
}

// Run schedules Tick and blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	_, err := p.scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() { p.Tick(ctx) }),
		gocron.WithName("invalidation-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling poll job: %w", err)
	}
	p.scheduler.Start()
	p.logger.Info("polling invalidation started", "interval", p.interval)

	<-ctx.Done()
	if err := p.scheduler.Shutdown(); err != nil {
		p.logger.Warn("poll scheduler shutdown failed", "error", err)
	}
	return nil
}
