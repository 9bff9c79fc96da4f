package aggregate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
)

type fakeCollection struct {
	docs    []interface{}
	err     error
	aggOpts *options.AggregateOptions
	filter  interface{}
}

func (f *fakeCollection) Aggregate(_ context.Context, _ interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error) {
	if len(opts) > 0 {
		f.aggOpts = opts[0]
	}
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func (f *fakeCollection) Find(_ context.Context, filter interface{}, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func newExecutor(coll Collection) (*Executor, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := config.AggregationConfig{
		DiskUseStageThreshold: 3,
		MaxTime:               5 * time.Second,
		DefaultTimeout:        time.Second,
		Timeouts:              map[string]time.Duration{"overview": 20 * time.Millisecond},
	}
	return New(coll, cfg, m), m
}

func stages(n int) []bson.D {
	out := make([]bson.D, n)
	for i := range out {
		out[i] = bson.D{{Key: "$match", Value: bson.M{}}}
	}
	return out
}

func TestExecuteDecodesDocuments(t *testing.T) {
	coll := &fakeCollection{docs: []interface{}{
		bson.M{"_id": "Aberto", "count": 2},
		bson.M{"_id": "Fechado", "count": 1},
	}}
	e, _ := newExecutor(coll)

	docs, err := e.Execute(context.Background(), "status", stages(2), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(docs) != 2 || docs[0]["_id"] != "Aberto" {
		t.Errorf("docs = %v", docs)
	}
	if *coll.aggOpts.AllowDiskUse {
		t.Error("short pipeline must not allow disk use")
	}
	if *coll.aggOpts.MaxTime != 5*time.Second {
		t.Errorf("MaxTime = %v", *coll.aggOpts.MaxTime)
	}
}

func TestExecuteEmptyResultIsNonNil(t *testing.T) {
	e, _ := newExecutor(&fakeCollection{})
	docs, err := e.Execute(context.Background(), "status", stages(1), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if docs == nil {
		t.Error("expected empty, non-nil slice")
	}
}

func TestExecuteAllowsDiskUse(t *testing.T) {
	tests := []struct {
		name   string
		stages int
		force  bool
		want   bool
	}{
		{"at threshold", 3, false, false},
		{"over threshold", 4, false, true},
		{"forced", 1, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{}
			e, _ := newExecutor(coll)
			if _, err := e.Execute(context.Background(), "theme", stages(tt.stages), Options{ForceDiskUse: tt.force}); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got := *coll.aggOpts.AllowDiskUse; got != tt.want {
				t.Errorf("AllowDiskUse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), apperrors.ErrTimeout},
		{"max time", mongo.CommandError{Code: 50, Name: "MaxTimeMSExpired", Message: "operation exceeded time limit"}, apperrors.ErrTimeout},
		{"disconnected", mongo.ErrClientDisconnected, apperrors.ErrDatastoreUnavailable},
		{"bad stage", mongo.CommandError{Code: 40324, Message: "Unrecognized pipeline stage"}, apperrors.ErrCompute},
		{"other", errors.New("boom"), apperrors.ErrCompute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if !errors.Is(Classify(context.Canceled), context.Canceled) {
		t.Error("cancellation should pass through")
	}
}

func TestExecuteFailureCountsTimeouts(t *testing.T) {
	e, m := newExecutor(&fakeCollection{err: mongo.CommandError{Code: 50, Name: "MaxTimeMSExpired"}})
	_, err := e.Execute(context.Background(), "overview", stages(3), Options{})
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if got := testutil.ToFloat64(m.AggregationTimeouts.WithLabelValues("overview")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
}

func TestRunEnforcesEndpointBudget(t *testing.T) {
	e, m := newExecutor(&fakeCollection{})
	_, err := Run(context.Background(), e, "overview", func(ctx context.Context) (int, error) {
		select {
		case <-time.After(time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if apperrors.HTTPStatusCode(err) != 504 {
		t.Errorf("status = %d, want 504", apperrors.HTTPStatusCode(err))
	}
	if got := testutil.ToFloat64(m.AggregationTimeouts.WithLabelValues("overview")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}

	v, err := Run(context.Background(), e, "status", func(context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Errorf("Run = %q, %v", v, err)
	}
}

func TestStreamVisitsEveryDocument(t *testing.T) {
	coll := &fakeCollection{docs: []interface{}{bson.M{"a": 1}, bson.M{"a": 2}, bson.M{"a": 3}}}
	e, _ := newExecutor(coll)
	var seen int
	err := e.Stream(context.Background(), "pivot", nil, bson.M{"a": 1}, func(bson.M) error {
		seen++
		return nil
	})
	if err != nil || seen != 3 {
		t.Fatalf("Stream visited %d docs, err %v", seen, err)
	}
	if _, ok := coll.filter.(bson.M); !ok {
		t.Errorf("nil filter should become an empty document, got %T", coll.filter)
	}

	stop := errors.New("stop")
	err = e.Stream(context.Background(), "pivot", bson.M{}, nil, func(bson.M) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want callback error", err)
	}
}
