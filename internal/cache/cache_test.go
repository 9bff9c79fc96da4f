package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/resilience"
)

type leaf struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

func newCache(t *testing.T, b Backend, coalesce bool) (*Cache, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	c := New(b, config.CacheConfig{
		KeyPrefix: "insights:",
		Version:   "v1",
		Coalesce:  coalesce,
	}, m)
	return c, m
}

func TestKeyIgnoresOrderAndNulls(t *testing.T) {
	a := []leaf{
		{Field: "status", Op: "eq", Value: "Aberto"},
		{Field: "theme", Op: "in", Value: []string{"Saúde", "Obras"}},
	}
	b := []leaf{
		{Field: "theme", Op: "in", Value: []string{"Obras", "Saúde"}},
		{Field: "status", Op: "eq", Value: "Aberto"},
	}
	if Key("theme", a, "v1") != Key("theme", b, "v1") {
		t.Error("permuted filters must share a key")
	}

	withNull := map[string]any{"status": "Aberto", "organ": nil}
	without := map[string]any{"status": "Aberto"}
	if Key("status", withNull, "v1") != Key("status", without, "v1") {
		t.Error("null fields must not affect the key")
	}

	if Key("status", a, "v1") == Key("theme", a, "v1") {
		t.Error("endpoint must be part of the key")
	}
	if Key("theme", a, "v1") == Key("theme", a, "v2") {
		t.Error("version must be part of the key")
	}
	other := []leaf{{Field: "status", Op: "eq", Value: "Fechado"}}
	if Key("theme", a, "v1") == Key("theme", other, "v1") {
		t.Error("different filters must not collide")
	}
}

func TestKeyFormat(t *testing.T) {
	k := Key("overview", nil, "v3")
	if len(k) != len("overview:")+32+len(":v3") {
		t.Errorf("unexpected key %q", k)
	}
	if Key("overview", nil, "v3") != Key("overview", map[string]any{}, "v3") {
		t.Error("nil and empty filters should share a key")
	}
}

func TestTTLTable(t *testing.T) {
	table := NewTTLTable(map[string]time.Duration{ClassStatus: 20 * time.Second}, 0)
	tests := []struct {
		endpoint string
		want     time.Duration
	}{
		{ClassDashboard, 5 * time.Second},
		{ClassStatus, 20 * time.Second},
		{ClassOverview, 30 * time.Second},
		{ClassOrganMonth, 60 * time.Second},
		{ClassPivot, 120 * time.Second},
		{"distinct.theme", 300 * time.Second},
		{"unknown", DefaultTTL},
	}
	for _, tt := range tests {
		if got := table.TTL(tt.endpoint); got != tt.want {
			t.Errorf("TTL(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestWithCacheComputesOnceForEquivalentFilters(t *testing.T) {
	c, m := newCache(t, NewMemoryBackend(100), false)
	ctx := context.Background()
	var calls int
	compute := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	first := []leaf{{Field: "status", Op: "eq", Value: "x"}, {Field: "theme", Op: "eq", Value: "y"}}
	second := []leaf{{Field: "theme", Op: "eq", Value: "y"}, {Field: "status", Op: "eq", Value: "x"}}

	v, outcome, err := WithCache(ctx, c, ClassTheme, first, compute)
	if err != nil || outcome != OutcomeMiss || len(v) != 2 {
		t.Fatalf("first call = %v, %v, %v", v, outcome, err)
	}
	c.Wait()
	v, outcome, err = WithCache(ctx, c, ClassTheme, second, compute)
	if err != nil || outcome != OutcomeHit || len(v) != 2 || v[1] != "b" {
		t.Fatalf("second call = %v, %v, %v", v, outcome, err)
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
	if got := testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues(ClassTheme)); got != 1 {
		t.Errorf("hits = %v", got)
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 || s.Backend != "memory" {
		t.Errorf("Stats = %+v", s)
	}
}

func TestWithCacheCoalescesConcurrentMisses(t *testing.T) {
	c, _ := newCache(t, NewMemoryBackend(100), true)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := WithCache(context.Background(), c, ClassStatus, nil, compute)
			if err != nil {
				t.Errorf("WithCache: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("compute called %d times, want 1", calls.Load())
	}
	for _, v := range results {
		if v != 42 {
			t.Errorf("result = %d, want 42", v)
		}
	}
}

func TestWithCacheCoalescedCallerSurvivesFirstCallerCancel(t *testing.T) {
	c, _ := newCache(t, NewMemoryBackend(100), true)
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 7, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := WithCache(firstCtx, c, ClassDashboard, nil, compute)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, _, err := WithCache(context.Background(), c, ClassDashboard, nil, compute)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v, want context.Canceled", err)
	}
	close(release)

	got := <-second
	if got.err != nil || got.v != 7 {
		t.Errorf("second caller got %d, %v; want 7, nil", got.v, got.err)
	}
}

func TestWithCacheFallbackOnlyForComputeErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantFallback bool
	}{
		{"compute error", fmt.Errorf("%w: bad stage", apperrors.ErrCompute), true},
		{"timeout", fmt.Errorf("%w: too slow", apperrors.ErrTimeout), false},
		{"datastore", fmt.Errorf("%w: no primary", apperrors.ErrDatastoreUnavailable), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := newCache(t, NewMemoryBackend(10), false)
			v, outcome, err := WithCache(context.Background(), c, ClassOverview, nil,
				func(context.Context) (map[string]int, error) { return nil, tt.err },
				WithFallback(map[string]int{"total": 0}),
			)
			if tt.wantFallback {
				if err != nil || outcome != OutcomeFallback || v == nil {
					t.Fatalf("got %v, %v, %v; want fallback", v, outcome, err)
				}
				if got := testutil.ToFloat64(m.CacheFallbacksTotal.WithLabelValues(ClassOverview)); got != 1 {
					t.Errorf("fallbacks = %v", got)
				}
				return
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestWithCacheDoesNotStoreFallback(t *testing.T) {
	c, _ := newCache(t, NewMemoryBackend(10), false)
	ctx := context.Background()
	_, _, _ = WithCache(ctx, c, ClassOverview, nil,
		func(context.Context) (int, error) { return 0, apperrors.ErrCompute },
		WithFallback(-1),
	)
	c.Wait()
	v, outcome, err := WithCache(ctx, c, ClassOverview, nil, func(context.Context) (int, error) { return 7, nil })
	if err != nil || outcome != OutcomeMiss || v != 7 {
		t.Errorf("got %v, %v, %v", v, outcome, err)
	}
}

type failingBackend struct{ MemoryBackend }

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingBackend) Name() string { return "failing" }

func TestWithCacheSurvivesBackendFailures(t *testing.T) {
	c, m := newCache(t, &failingBackend{}, false)
	v, outcome, err := WithCache(context.Background(), c, ClassStatus, nil,
		func(context.Context) (string, error) { return "fresh", nil })
	if err != nil || v != "fresh" || outcome != OutcomeMiss {
		t.Fatalf("got %v, %v, %v", v, outcome, err)
	}
	c.Wait()
	if got := testutil.ToFloat64(m.CacheWriteFailuresTotal); got != 1 {
		t.Errorf("write failures = %v, want 1", got)
	}
}

func TestWithTTLOverridesTable(t *testing.T) {
	b := NewMemoryBackend(10)
	c, _ := newCache(t, b, false)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	ctx := context.Background()
	_, _, _ = WithCache(ctx, c, ClassDistinct, nil, func(context.Context) (int, error) { return 1, nil }, WithTTL(time.Second))
	c.Wait()
	now = now.Add(2 * time.Second)
	_, outcome, _ := WithCache(ctx, c, ClassDistinct, nil, func(context.Context) (int, error) { return 2, nil })
	if outcome != OutcomeMiss {
		t.Errorf("entry should have expired, got %v", outcome)
	}
}

func TestInvalidateByPattern(t *testing.T) {
	c, m := newCache(t, NewMemoryBackend(100), false)
	ctx := context.Background()
	for _, endpoint := range []string{ClassTheme, ClassNeighborhood, ClassOverview, "distinct.theme"} {
		_, _, err := WithCache(ctx, c, endpoint, nil, func(context.Context) (int, error) { return 1, nil })
		if err != nil {
			t.Fatal(err)
		}
	}
	c.Wait()

	n, err := c.Invalidate(ctx, "theme*")
	if err != nil || n != 1 {
		t.Fatalf("Invalidate(theme*) = %d, %v", n, err)
	}
	if _, err := c.Invalidate(ctx, "overview*"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.CacheKeysEvictedTotal); got != 2 {
		t.Errorf("evicted = %v, want 2", got)
	}

	_, outcome, _ := WithCache(ctx, c, ClassNeighborhood, nil, func(context.Context) (int, error) { return 2, nil })
	if outcome != OutcomeHit {
		t.Error("neighborhood entry should survive a theme invalidation")
	}
	_, outcome, _ = WithCache(ctx, c, ClassTheme, nil, func(context.Context) (int, error) { return 2, nil })
	if outcome != OutcomeMiss {
		t.Error("theme entry should be gone")
	}
}

func TestGlobToRegex(t *testing.T) {
	tests := map[string]string{
		"insights:theme*":   `^insights:theme.*$`,
		"a?c":               `^a.c$`,
		"x.y*":              `^x\.y.*$`,
		"insights:organ-m*": `^insights:organ-m.*$`,
	}
	for in, want := range tests {
		if got := GlobToRegex(in); got != want {
			t.Errorf("GlobToRegex(%q) = %q, want %q", in, got, want)
		}
	}
}

type flakyBackend struct {
	MemoryBackend
	calls int
}

func (f *flakyBackend) Get(context.Context, string) ([]byte, bool, error) {
	f.calls++
	return nil, false, errors.New("timeout")
}

func (f *flakyBackend) Name() string { return "flaky" }

func TestGuardedOpensAfterFailures(t *testing.T) {
	inner := &flakyBackend{MemoryBackend: *NewMemoryBackend(1)}
	m := metrics.New(prometheus.NewRegistry())
	g := NewGuarded(inner, m)
	for i := 0; i < 5; i++ {
		_, _, _ = g.Get(context.Background(), "k")
	}
	if g.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}
	_, _, err := g.Get(context.Background(), "k")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
	if inner.calls != 5 {
		t.Errorf("backend called %d times, want 5", inner.calls)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("cache-flaky")); got != float64(resilience.StateOpen) {
		t.Errorf("gauge = %v", got)
	}
}
