package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/kafka"
)

// maxLatencySamples bounds the latency window used for percentiles.
const maxLatencySamples = 10000

// Stats is the aggregated view of the query stream.
type Stats struct {
	TotalQueries     int64           `json:"total_queries"`
	CacheHits        int64           `json:"cache_hits"`
	CacheMisses      int64           `json:"cache_misses"`
	Fallbacks        int64           `json:"fallbacks"`
	Timeouts         int64           `json:"timeouts"`
	Errors           int64           `json:"errors"`
	HitRate          float64         `json:"hit_rate"`
	AvgLatencyMs     float64         `json:"avg_latency_ms"`
	P50LatencyMs     int64           `json:"p50_latency_ms"`
	P95LatencyMs     int64           `json:"p95_latency_ms"`
	P99LatencyMs     int64           `json:"p99_latency_ms"`
	TopEndpoints     []EndpointCount `json:"top_endpoints"`
	SlowEndpoints    []EndpointCount `json:"slow_endpoints"`
	QueriesPerMinute float64         `json:"queries_per_minute"`
	Since            time.Time       `json:"since"`
}

// EndpointCount ranks an endpoint by a count.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

type endpointStats struct {
	queries  int64
	hits     int64
	timeouts int64
}

// Aggregator folds query events into running totals.
type Aggregator struct {
	mu        sync.RWMutex
	total     int64
	hits      int64
	misses    int64
	fallbacks int64
	timeouts  int64
	errors    int64
	latencies []int64
	next      int
	endpoints map[string]*endpointStats
	startTime time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies: make([]int64, 0, 1024),
		endpoints: make(map[string]*endpointStats),
		startTime: time.Now(),
		now:       time.Now,
		logger:    slog.Default().With("component", "telemetry-aggregator"),
	}
}

// HandleEvent adapts the aggregator to a Kafka message handler. Undecodable
// messages are logged and skipped.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(_ context.Context, _ []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[QueryEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode query event", "error", err)
			return nil
		}
		agg.Record(ev)
		return nil
	}
}

// Record adds ev to the totals.
func (a *Aggregator) Record(ev QueryEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	switch ev.Outcome {
	case OutcomeHit:
		a.hits++
	case OutcomeFallback:
		a.fallbacks++
	default:
		a.misses++
	}
	if ev.Failure == FailureTimeout {
		a.timeouts++
	}
	if ev.Failed() {
		a.errors++
	}

	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.next] = ev.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}

	es, ok := a.endpoints[ev.Endpoint]
	if !ok {
		es = &endpointStats{}
		a.endpoints[ev.Endpoint] = es
	}
	es.queries++
	if ev.Outcome == OutcomeHit {
		es.hits++
	}
	if ev.Failure == FailureTimeout {
		es.timeouts++
	}
}

// Stats returns a consistent snapshot of the totals.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{
		TotalQueries: a.total,
		CacheHits:    a.hits,
		CacheMisses:  a.misses,
		Fallbacks:    a.fallbacks,
		Timeouts:     a.timeouts,
		Errors:       a.errors,
		Since:        a.startTime,
	}
	if a.total > 0 {
		stats.HitRate = float64(a.hits) / float64(a.total)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}

	queries := make(map[string]int64, len(a.endpoints))
	timeouts := make(map[string]int64, len(a.endpoints))
	for name, es := range a.endpoints {
		queries[name] = es.queries
		if es.timeouts > 0 {
			timeouts[name] = es.timeouts
		}
	}
	stats.TopEndpoints = topN(queries, 10)
	stats.SlowEndpoints = topN(timeouts, 10)

	if elapsed := a.now().Sub(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(a.total) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []EndpointCount {
	result := make([]EndpointCount, 0, len(counts))
	for endpoint, count := range counts {
		result = append(result, EndpointCount{Endpoint: endpoint, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Endpoint < result[j].Endpoint
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
