package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheHitsTotal.WithLabelValues("overview").Inc()
	m.CacheHitsTotal.WithLabelValues("overview").Inc()
	if got := testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("overview")); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "insights_cache_hits_total") {
		t.Error("scrape output missing insights_cache_hits_total")
	}
}

func TestNewTwiceOnSeparateRegistries(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
