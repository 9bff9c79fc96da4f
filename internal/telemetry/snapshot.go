package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SnapshotSaver persists a Stats snapshot.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, stats Stats) error
}

// Snapshotter periodically saves the aggregator's stats.
type Snapshotter struct {
	agg       *Aggregator
	saver     SnapshotSaver
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewSnapshotter creates a Snapshotter saving every interval.
func NewSnapshotter(agg *Aggregator, saver SnapshotSaver, interval time.Duration) (*Snapshotter, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating snapshot scheduler: %w", err)
	}
	return &Snapshotter{
		agg:       agg,
		saver:     saver,
		interval:  interval,
		scheduler: s,
		logger:    slog.Default().With("component", "telemetry-snapshotter"),
	}, nil
}

// Save stores the current stats once.
func (s *Snapshotter) Save(ctx context.Context) error {
	if err := s.saver.SaveSnapshot(ctx, s.agg.Stats()); err != nil {
		s.logger.Error("snapshot failed", "error", err)
		return err
	}
	return nil
}

// Run schedules Save and blocks until ctx is done, then takes a final
// snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { _ = s.Save(ctx) }),
		gocron.WithName("telemetry-snapshot"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling snapshot job: %w", err)
	}
	s.scheduler.Start()
	s.logger.Info("periodic snapshot started", "interval", s.interval)

	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("snapshot scheduler shutdown failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Save(shutdownCtx)
	return nil
}
