// Command telemetry aggregates query events published by the insights
// service.
//
// It consumes the query-event topic, keeps rolling stats in memory, saves
// periodic snapshots to PostgreSQL and serves them over HTTP.
//
// Usage:
//
//	go run ./cmd/telemetry [-config configs/telemetry.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ouvidoriag/ogfinal-sub001/internal/telemetry"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/health"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/kafka"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/logger"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/middleware"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/telemetry.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting telemetry service", "port", cfg.Server.Port, "topic", cfg.Kafka.Topics.QueryEvents)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	aggregator := telemetry.NewAggregator()
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, telemetry.HandleEvent(aggregator))
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("query event consumer error", "error", err)
		}
	}()

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: "consumer active"}
	})

	var handler *telemetry.Handler
	snapshotDone := make(chan struct{})
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, snapshots disabled", "error", err)
		handler = telemetry.NewHandler(aggregator, nil)
		close(snapshotDone)
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		})
	} else {
		defer db.Close()
		store := telemetry.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create telemetry schema", "error", err)
			os.Exit(1)
		}
		snapshotter, err := telemetry.NewSnapshotter(aggregator, store, cfg.Telemetry.SnapshotInterval)
		if err != nil {
			slog.Error("failed to create snapshotter", "error", err)
			os.Exit(1)
		}
		go func() {
			defer close(snapshotDone)
			if err := snapshotter.Run(ctx); err != nil {
				slog.Error("snapshotter error", "error", err)
			}
		}()
		handler = telemetry.NewHandler(aggregator, store)
		checker.Register("postgres", health.Ping(db.Ping, health.StatusDegraded))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/telemetry", handler.Stats)
	mux.HandleFunc("GET /api/v1/telemetry/snapshots", handler.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler(reg))

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("telemetry service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-snapshotDone
	slog.Info("telemetry service stopped")
}
