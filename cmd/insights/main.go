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
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ouvidoriag/ogfinal-sub001/internal/aggregate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/cache"
	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/insights"
	"github.com/ouvidoriag/ogfinal-sub001/internal/paginate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
	"github.com/ouvidoriag/ogfinal-sub001/internal/telemetry"
	"github.com/ouvidoriag/ogfinal-sub001/internal/watcher"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/health"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/kafka"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/logger"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/middleware"
	pkgmongo "github.com/ouvidoriag/ogfinal-sub001/pkg/mongo"
	pkgredis "github.com/ouvidoriag/ogfinal-sub001/pkg/redis"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	tracing.SetEnabled(cfg.Tracing.Enabled)
	slog.Info("starting insights service",
		"port", cfg.Server.Port,
		"cache_backend", cfg.Cache.Backend,
		"watcher_mode", cfg.Watcher.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	mongoClient, err := pkgmongo.NewClient(connectCtx, cfg.Mongo)
	cancel()
	if err != nil {
		slog.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Close(closeCtx)
	}()
	if err := mongoClient.EnsureRecordIndexes(ctx, record.Dimensions); err != nil {
		slog.Warn("record indexes not ensured", "error", err)
	}

	backend, closeBackend := openBackend(ctx, cfg, mongoClient, m)
	defer closeBackend()
	aggCache := cache.New(backend, cfg.Cache, m)
	slog.Info("aggregate cache ready", "backend", backend.Name(), "version", cfg.Cache.Version)

	resolver := fields.NewResolver()
	buffer := watcher.NewInvalidationBuffer(aggCache, cfg.Watcher.Debounce, m)

	var noticeProducer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Watcher.PublishNotices {
		noticeProducer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
		defer noticeProducer.Close()
		buffer.SetNotifier(watcher.NewKafkaNotifier(noticeProducer, instanceName()))
		slog.Info("invalidation notices enabled", "topic", cfg.Kafka.Topics.CacheInvalidate)
	}

	var opener watcher.StreamOpener
	if cfg.Watcher.Mode == watcher.ModeReactive {
		opener = watcher.CollectionOpener(mongoClient.Records())
	}
	w := watcher.New(opener, buffer, resolver, cfg.Watcher, m)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		if err := w.Run(ctx); err != nil {
			slog.Error("invalidation watcher stopped", "error", err)
		}
	}()

	var tracker telemetry.Tracker = telemetry.Discard{}
	if cfg.Kafka.Enabled {
		eventProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
		defer eventProducer.Close()
		collector := telemetry.NewCollector(eventProducer, cfg.Telemetry.BatchSize, cfg.Telemetry.FlushInterval)
		collector.Start(ctx)
		defer collector.Close()
		tracker = collector
		slog.Info("telemetry collector started", "topic", cfg.Kafka.Topics.QueryEvents)
	}

	records := mongoClient.Records()
	svc := insights.NewService(insights.Deps{
		Resolver:    resolver,
		Executor:    aggregate.New(records, cfg.Aggregation, m),
		Cache:       aggCache,
		Paginator:   paginate.New(records, cfg.Pagination),
		Buffer:      buffer,
		Tracker:     tracker,
		Aggregation: cfg.Aggregation,
	})

	checker := health.NewChecker()
	checker.Register("mongodb", health.Ping(mongoClient.Ping, health.StatusDown))
	checker.Register("cache", health.Ping(aggCache.Ping, health.StatusDegraded))
	checker.Register("invalidation_watcher", func(ctx context.Context) health.ComponentHealth {
		if err := w.Check(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: w.Mode()}
	})

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit.RPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
		go limiter.Run(ctx, time.Minute)
	}

	rt := insights.Router{
		Handler: insights.NewHandler(svc),
		Health:  checker,
		Metrics: m,
		Limiter: limiter,
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port > 0 && cfg.Metrics.Port != cfg.Server.Port {
			shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, reg)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownMetrics(shutdownCtx)
			}()
		} else {
			rt.Gatherer = reg
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      insights.NewRouter(rt, cfg.Server),
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

	slog.Info("insights service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-watcherDone
	buffer.Stop()
	aggCache.Wait()
	slog.Info("insights service stopped")
}

// openBackend selects the cache store. A redis or mongo backend that cannot
// be reached at startup degrades to the in-process store.
func openBackend(ctx context.Context, cfg *config.Config, mc *pkgmongo.Client, m *metrics.Metrics) (cache.Backend, func()) {
	noop := func() {}
	switch cfg.Cache.Backend {
	case "redis":
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using in-memory cache", "error", err)
			break
		}
		return cache.NewGuarded(cache.NewRedisBackend(client), m), func() { _ = client.Close() }
	case "mongo":
		b := cache.NewMongoBackend(mc.CacheEntries())
		if err := b.EnsureIndexes(ctx); err != nil {
			slog.Warn("cache indexes not ensured", "error", err)
		}
		return cache.NewGuarded(b, m), noop
	}
	return cache.NewMemoryBackend(cfg.Cache.MemorySize), noop
}

func instanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
