// Command loadtest drives the insights API with a rotating mix of dimension,
// overview, dashboard and distinct queries and reports latency, status codes
// and the cache hit rate observed over the run.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/internal/cache"
	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	Scenarios   []Scenario
}

// Scenario is one request shape in the rotation.
type Scenario struct {
	Name   string
	Method string
	Path   string
	Body   []byte
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
	perScenario   map[string]*atomic.Int64
}

func NewStats(scenarios []Scenario) *Stats {
	s := &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
		perScenario: make(map[string]*atomic.Int64, len(scenarios)),
	}
	for _, sc := range scenarios {
		if _, ok := s.perScenario[sc.Name]; !ok {
			s.perScenario[sc.Name] = &atomic.Int64{}
		}
	}
	return s
}

func (s *Stats) RecordRequest(scenario string, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	s.perScenario[scenario].Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the insights service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	variants := flag.Int("variants", 8, "distinct filter bodies per scenario")
	seed := flag.Uint64("seed", 1, "random seed for filter bodies")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		Scenarios:   buildScenarios(rand.New(rand.NewPCG(*seed, *seed)), *variants),
	}

	fmt.Println("=== Insights Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Scenarios:   %d\n", len(cfg.Scenarios))
	fmt.Println()

	client := newClient(cfg.Concurrency)
	before, _ := fetchCacheStats(client, cfg.BaseURL)
	stats := runLoadTest(client, cfg)
	after, err := fetchCacheStats(client, cfg.BaseURL)
	printReport(stats, cfg.Duration)
	if err == nil {
		printCacheReport(before, after)
	}
}

var (
	statuses = []string{"Aberto", "Em andamento", "Concluído", "Respondido"}
	themes   = []string{"Saúde", "Obras", "Transporte", "Educação", "Iluminação"}
	organs   = []string{"Secretaria de Saúde", "Secretaria de Obras", "Ouvidoria Geral"}
)

// buildScenarios builds a fixed pool so repeated requests can hit the cache.
func buildScenarios(rng *rand.Rand, variants int) []Scenario {
	if variants <= 0 {
		variants = 1
	}
	var out []Scenario
	for i := 0; i < variants; i++ {
		body := randomFilters(rng)
		for _, dim := range []string{record.FieldStatus, record.FieldTheme, record.FieldOrgan} {
			out = append(out, Scenario{
				Name:   "dimension." + dim,
				Method: http.MethodPost,
				Path:   "/api/v1/dimensions/" + dim,
				Body:   body,
			})
		}
		out = append(out,
			Scenario{Name: "overview", Method: http.MethodPost, Path: "/api/v1/overview", Body: body},
			Scenario{Name: "dashboard", Method: http.MethodPost, Path: "/api/v1/dashboard", Body: body},
		)
	}
	out = append(out,
		Scenario{Name: "distinct", Method: http.MethodGet, Path: "/api/v1/distinct/" + record.FieldTheme},
		Scenario{Name: "distinct", Method: http.MethodGet, Path: "/api/v1/distinct/" + record.FieldStatus},
	)
	return out
}

func randomFilters(rng *rand.Rand) []byte {
	var req filter.Request
	if rng.IntN(2) == 0 {
		req.Filters = append(req.Filters, filter.Filter{
			Field: record.FieldStatus,
			Op:    filter.OpEq,
			Value: statuses[rng.IntN(len(statuses))],
		})
	}
	if rng.IntN(2) == 0 {
		a, b := themes[rng.IntN(len(themes))], themes[rng.IntN(len(themes))]
		req.Filters = append(req.Filters, filter.Filter{Field: "tema", Op: filter.OpIn, Value: []string{a, b}})
	}
	if rng.IntN(3) == 0 {
		req.Filters = append(req.Filters, filter.Filter{
			Field: record.FieldOrgan,
			Op:    filter.OpContains,
			Value: organs[rng.IntN(len(organs))],
		})
	}
	if rng.IntN(2) == 0 {
		month := time.Date(2024, time.Month(1+rng.IntN(12)), 1, 0, 0, 0, 0, time.UTC)
		req.Filters = append(req.Filters,
			filter.Filter{Field: record.FieldCreatedAtISO, Op: filter.OpGte, Value: month.Format("2006-01-02")},
			filter.Filter{Field: record.FieldCreatedAtISO, Op: filter.OpLte, Value: month.AddDate(0, 1, -1).Format("2006-01-02")},
		)
	}
	if req.Filters == nil {
		req.Filters = []filter.Filter{}
	}
	body, _ := json.Marshal(req)
	return body
}

func newClient(concurrency int) *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func runLoadTest(client *http.Client, cfg Config) *Stats {
	stats := NewStats(cfg.Scenarios)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			idx := workerID

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				sc := cfg.Scenarios[idx%len(cfg.Scenarios)]
				idx++

				start := time.Now()
				resp, err := client.Do(mustNewRequest(ctx, cfg.BaseURL, sc))
				duration := time.Since(start)

				if err != nil {
					if ctx.Err() != nil {
						return
					}
					stats.RecordRequest(sc.Name, duration, 0, err)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				stats.RecordRequest(sc.Name, duration, resp.StatusCode, nil)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func mustNewRequest(ctx context.Context, baseURL string, sc Scenario) *http.Request {
	var body io.Reader
	if sc.Body != nil {
		body = bytes.NewReader(sc.Body)
	}
	req, err := http.NewRequestWithContext(ctx, sc.Method, baseURL+sc.Path, body)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	if sc.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func fetchCacheStats(client *http.Client, baseURL string) (cache.Stats, error) {
	var s cache.Stats
	resp, err := client.Get(baseURL + "/api/v1/cache/stats")
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s, fmt.Errorf("cache stats: status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&s)
	return s, err
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		stddev := time.Duration(math.Sqrt(sumSquared / float64(len(latencies))))
		fmt.Printf("StdDev: %s\n", stddev)
	}

	fmt.Println()
	fmt.Println("=== Scenarios ===")
	names := make([]string, 0, len(stats.perScenario))
	for name := range stats.perScenario {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-22s %d\n", name, stats.perScenario[name].Load())
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func printCacheReport(before, after cache.Stats) {
	hits := after.Hits - before.Hits
	misses := after.Misses - before.Misses
	fmt.Println()
	fmt.Println("=== Cache ===")
	fmt.Printf("Backend:  %s\n", after.Backend)
	fmt.Printf("Hits:     %d\n", hits)
	fmt.Printf("Misses:   %d\n", misses)
	if hits+misses > 0 {
		fmt.Printf("Hit Rate: %.2f%%\n", float64(hits)/float64(hits+misses)*100)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
