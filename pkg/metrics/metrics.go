// Package metrics defines the Prometheus collectors used by the insights
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheFallbacksTotal     *prometheus.CounterVec
	CacheWriteFailuresTotal prometheus.Counter
	CacheKeysEvictedTotal   prometheus.Counter

	AggregationDuration *prometheus.HistogramVec
	AggregationTimeouts *prometheus.CounterVec

	InvalidationFlushesTotal *prometheus.CounterVec
	ChangeEventsTotal        *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_cache_hits_total",
				Help: "Aggregate cache hits by endpoint.",
			},
			[]string{"endpoint"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_cache_misses_total",
				Help: "Aggregate cache misses by endpoint.",
			},
			[]string{"endpoint"},
		),
		CacheFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_cache_fallbacks_total",
				Help: "Computations replaced by their fallback value, by endpoint.",
			},
			[]string{"endpoint"},
		),
		CacheWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "insights_cache_write_failures_total",
				Help: "Cache writes that failed and were dropped.",
			},
		),
		CacheKeysEvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "insights_cache_keys_evicted_total",
				Help: "Cache entries removed by pattern invalidation.",
			},
		),
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "insights_aggregation_duration_seconds",
				Help:    "Aggregation pipeline latency by endpoint.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
			},
			[]string{"endpoint"},
		),
		AggregationTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_aggregation_timeouts_total",
				Help: "Aggregations that exceeded their time budget, by endpoint.",
			},
			[]string{"endpoint"},
		),
		InvalidationFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_invalidation_flushes_total",
				Help: "Invalidation flushes by trigger (debounce, poll, manual).",
			},
			[]string{"trigger"},
		),
		ChangeEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insights_change_events_total",
				Help: "Record change events observed by operation type.",
			},
			[]string{"operation"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheFallbacksTotal,
		m.CacheWriteFailuresTotal,
		m.CacheKeysEvictedTotal,
		m.AggregationDuration,
		m.AggregationTimeouts,
		m.InvalidationFlushesTotal,
		m.ChangeEventsTotal,
		m.CircuitBreakerState,
	)
	return m
}

// Handler returns the scrape handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
