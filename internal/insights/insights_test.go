package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ouvidoriag/ogfinal-sub001/internal/aggregate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/cache"
	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/paginate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/telemetry"
	"github.com/ouvidoriag/ogfinal-sub001/internal/watcher"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
)

type fakeCollection struct {
	mu        sync.Mutex
	aggDocs   []interface{}
	aggErr    error
	aggCalls  int
	findDocs  []interface{}
	lastFind  interface{}
	findCalls int
}

func (f *fakeCollection) Aggregate(context.Context, interface{}, ...*mongooptions.AggregateOptions) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggCalls++
	if f.aggErr != nil {
		return nil, f.aggErr
	}
	return mongo.NewCursorFromDocuments(f.aggDocs, nil, nil)
}

func (f *fakeCollection) Find(_ context.Context, filter interface{}, opts ...*mongooptions.FindOptions) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	f.lastFind = filter
	docs := f.findDocs
	if len(opts) > 0 && opts[0].Limit != nil && int(*opts[0].Limit) < len(docs) {
		docs = docs[:*opts[0].Limit]
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeCollection) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aggCalls
}

type recordingTracker struct {
	mu     sync.Mutex
	events []telemetry.QueryEvent
}

func (r *recordingTracker) Track(ev telemetry.QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTracker) last() telemetry.QueryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	coll    *fakeCollection
	cache   *cache.Cache
	tracker *recordingTracker
	svc     *Service
	server  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	coll := &fakeCollection{}
	aggCfg := config.AggregationConfig{
		DiskUseStageThreshold: 3,
		DefaultTimeout:        2 * time.Second,
		DefaultLimit:          50,
		MaxLimit:              100,
	}
	c := cache.New(cache.NewMemoryBackend(100), config.CacheConfig{KeyPrefix: "insights:", Version: "v1"}, m)
	tracker := &recordingTracker{}
	svc := NewService(Deps{
		Resolver:    fields.NewResolver(),
		Executor:    aggregate.New(coll, aggCfg, m),
		Cache:       c,
		Paginator:   paginate.New(coll, config.PaginationConfig{DefaultPageSize: 2, MaxPageSize: 10}),
		Buffer:      watcher.NewInvalidationBuffer(c, time.Hour, m),
		Tracker:     tracker,
		Aggregation: aggCfg,
	})
	svc.now = func() time.Time { return time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC) }
	server := NewRouter(Router{Handler: NewHandler(svc), Metrics: m}, config.ServerConfig{RequestTimeout: 5 * time.Second})
	return &fixture{coll: coll, cache: c, tracker: tracker, svc: svc, server: server}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: undecodable response %q", method, path, rec.Body.String())
	}
	return rec.Code, out
}

const statusFilter = `{"filters":[{"field":"status","op":"eq","value":"Aberto"}]}`

func TestDimensionIsCached(t *testing.T) {
	f := newFixture(t)
	f.coll.aggDocs = []interface{}{
		bson.M{"_id": "Saúde", "count": int32(3), "subject": bson.A{"Consulta"}},
		bson.M{"_id": "Obras", "count": int32(1)},
	}

	code, body := f.do(t, http.MethodPost, "/api/v1/dimensions/theme", statusFilter)
	if code != http.StatusOK {
		t.Fatalf("status = %d body = %v", code, body)
	}
	data := body["data"].([]any)
	if len(data) != 2 || data[0].(map[string]any)["key"] != "Saúde" {
		t.Fatalf("data = %v", data)
	}
	if f.tracker.last().Outcome != telemetry.OutcomeMiss || f.tracker.last().Endpoint != "theme" {
		t.Errorf("first call event = %+v", f.tracker.last())
	}
	f.cache.Wait()

	permuted := `{"filters":[{"value":"Aberto","op":"eq","field":"status"}]}`
	if code, _ := f.do(t, http.MethodPost, "/api/v1/dimensions/theme", permuted); code != http.StatusOK {
		t.Fatalf("second call status = %d", code)
	}
	if f.coll.calls() != 1 {
		t.Errorf("aggregate calls = %d, want 1", f.coll.calls())
	}
	if f.tracker.last().Outcome != telemetry.OutcomeHit {
		t.Errorf("second call event = %+v", f.tracker.last())
	}
}

func TestDimensionErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown dimension", "/api/v1/dimensions/colour", "", http.StatusNotFound},
		{"not an object", "/api/v1/dimensions/theme", `[1,2]`, http.StatusBadRequest},
		{"invalid composite", "/api/v1/dimensions/theme", `{"operator":"AND","filters":[]}`, http.StatusBadRequest},
		{"unknown operator", "/api/v1/dimensions/theme", `{"operator":"XOR","filters":[{"field":"status","op":"eq","value":"x"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			if code != tt.code {
				t.Errorf("status = %d, want %d (%v)", code, tt.code, body)
			}
			if body["retryable"] != false {
				t.Errorf("client errors are not retryable: %v", body)
			}
		})
	}
	if f.coll.calls() != 0 {
		t.Error("rejected requests must not reach the datastore")
	}
}

func TestOverviewDegradesToEmptyResult(t *testing.T) {
	f := newFixture(t)
	f.coll.aggErr = errors.New("$facet exceeded memory limit")

	code, body := f.do(t, http.MethodPost, "/api/v1/overview", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["totalManifestations"] != float64(0) {
		t.Errorf("body = %v", body)
	}
	if list, ok := body["manifestationsByStatus"].([]any); !ok || len(list) != 0 {
		t.Errorf("status list = %v, want empty list", body["manifestationsByStatus"])
	}
	ev := f.tracker.last()
	if ev.Outcome != telemetry.OutcomeFallback || ev.Failed() {
		t.Errorf("event = %+v", ev)
	}
}

func TestOverviewSurfacesDatastoreOutage(t *testing.T) {
	f := newFixture(t)
	f.coll.aggErr = mongo.ErrClientDisconnected

	code, body := f.do(t, http.MethodPost, "/api/v1/overview", statusFilter)
	if code != http.StatusServiceUnavailable || body["retryable"] != true {
		t.Errorf("status = %d body = %v", code, body)
	}
	if ev := f.tracker.last(); ev.Failure != telemetry.FailureDatastore {
		t.Errorf("event = %+v", ev)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.coll.aggDocs = []interface{}{bson.M{
		"byStatus": bson.A{bson.M{"_id": "Aberto", "count": int32(4)}},
		"total":    bson.A{bson.M{"count": int32(4)}},
	}}
	code, body := f.do(t, http.MethodPost, "/api/v1/dashboard", "")
	if code != http.StatusOK || body["total"] != float64(4) {
		t.Errorf("status = %d body = %v", code, body)
	}
}

func records(n int) []interface{} {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := make([]interface{}, n)
	for i := range out {
		at := base.Add(-time.Duration(i) * time.Hour)
		out[i] = bson.M{"_id": primitive.NewObjectIDFromTimestamp(at), "createdAt": at, "status": "Aberto"}
	}
	return out
}

func TestRecords(t *testing.T) {
	f := newFixture(t)
	f.coll.findDocs = records(3)

	code, body := f.do(t, http.MethodPost, "/api/v1/records", `{"pageSize":2,"query":{"status":{"$in":["Aberto"]}}}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d body = %v", code, body)
	}
	if body["hasMore"] != true || body["nextCursor"] == "" || body["totalReturned"] != float64(2) {
		t.Errorf("page = %v", body)
	}
	if _, ok := f.coll.lastFind.(bson.M)["status"]; !ok {
		t.Errorf("validated query not applied: %v", f.coll.lastFind)
	}

	code, _ = f.do(t, http.MethodPost, "/api/v1/records", `{"query":{"status":{"$regex":"("}}}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad regex: status = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/records", `{"query":{"password":"x"}}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/records", `{"cursor":"%%%"}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad cursor: status = %d", code)
	}
}

func TestDistinct(t *testing.T) {
	f := newFixture(t)
	f.coll.aggDocs = []interface{}{bson.M{"_id": "Educação"}, bson.M{"_id": "Saúde"}}

	code, body := f.do(t, http.MethodGet, "/api/v1/distinct/tema", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if values := body["values"].([]any); len(values) != 2 || values[1] != "Saúde" {
		t.Errorf("values = %v", values)
	}
	if ev := f.tracker.last(); ev.Endpoint != "distinct.theme" {
		t.Errorf("endpoint = %q", ev.Endpoint)
	}
	if got := f.svc.cache.TTL("distinct.theme"); got != 300*time.Second {
		t.Errorf("distinct ttl = %v", got)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/v1/distinct/address", ""); code != http.StatusBadRequest {
		t.Errorf("non-dimension: status = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/distinct/theme?limit=x", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", code)
	}
}

func TestPivot(t *testing.T) {
	f := newFixture(t)
	f.coll.findDocs = []interface{}{
		bson.M{"createdAtIso": "2024-01-10", "payload": bson.M{"Responsavel": "Ana"}},
		bson.M{"createdAtRaw": "15/01/2024", "payload": bson.M{"responsavel": "Ana"}},
		bson.M{"createdAtIso": "2024-02-01"},
	}
	code, body := f.do(t, http.MethodPost, "/api/v1/pivot", `{"field":"responsavel"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d body = %v", code, body)
	}
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("data = %v", data)
	}
	row := data[0].(map[string]any)
	if row["value"] != "Ana" || row["month"] != "2024-01" || row["count"] != float64(2) {
		t.Errorf("row = %v", row)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/v1/pivot", `{}`); code != http.StatusBadRequest {
		t.Errorf("missing field: status = %d", code)
	}
}

func TestInvalidateDropsCachedResults(t *testing.T) {
	f := newFixture(t)
	f.coll.aggDocs = []interface{}{bson.M{"_id": "Saúde", "count": int32(3)}}

	f.do(t, http.MethodPost, "/api/v1/dimensions/theme", statusFilter)
	f.cache.Wait()

	code, body := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", `{"fields":["tema"]}`)
	if code != http.StatusOK || body["removed"] != float64(1) {
		t.Fatalf("status = %d body = %v", code, body)
	}

	f.do(t, http.MethodPost, "/api/v1/dimensions/theme", statusFilter)
	if f.coll.calls() != 2 {
		t.Errorf("aggregate calls = %d, want recompute after invalidation", f.coll.calls())
	}

	for _, bad := range []string{`{}`, `{"patterns":["theme["]}`, `{"patterns":[""]}`, `nope`} {
		if code, _ := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", bad); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", bad, code)
		}
	}
}

func TestCacheStats(t *testing.T) {
	f := newFixture(t)
	f.coll.aggDocs = []interface{}{bson.M{"_id": "Aberto", "count": int32(1)}}
	f.do(t, http.MethodPost, "/api/v1/dimensions/status", "")
	f.cache.Wait()
	f.do(t, http.MethodPost, "/api/v1/dimensions/status", "")

	code, body := f.do(t, http.MethodGet, "/api/v1/cache/stats", "")
	if code != http.StatusOK || body["hits"] != float64(1) || body["misses"] != float64(1) {
		t.Errorf("status = %d body = %v", code, body)
	}
}

func TestLimitClamps(t *testing.T) {
	f := newFixture(t)
	for in, want := range map[int]int{0: 50, -3: 50, 20: 20, 1000: 100} {
		if got := f.svc.Limit(in); got != want {
			t.Errorf("Limit(%d) = %d, want %d", in, got, want)
		}
	}
}
