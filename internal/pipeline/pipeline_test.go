package pipeline

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
)

func TestReconstructDate(t *testing.T) {
	tests := []struct {
		name   string
		iso    string
		raw    string
		want   string
		wantOK bool
	}{
		{"canonical iso", "2024-03-05", "01/01/2020", "2024-03-05", true},
		{"canonical iso with time", "2024-03-05T10:00:00Z", "", "2024-03-05", true},
		{"canonical single digits padded", "2024-3-5", "", "2024-03-05", true},
		{"raw iso-like", "", "2023-12-31 08:00", "2023-12-31", true},
		{"raw day month year slash", "", "05/03/2024", "2024-03-05", true},
		{"raw day month year dot", "", "5.3.2024", "2024-03-05", true},
		{"raw day month year dash", "", "31-12-2023", "2023-12-31", true},
		{"invalid canonical falls to raw", "2024-13-01", "02/01/2024", "2024-01-02", true},
		{"month out of range", "", "01/13/2024", "", false},
		{"day zero", "", "00/12/2024", "", false},
		{"garbage", "n/a", "ontem", "", false},
		{"empty", "", "", "", false},
		{"raw padded with spaces", "", "  07/08/2022 ", "2022-08-07", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ReconstructDate(tt.iso, tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ReconstructDate(%q, %q) = %q, %v; want %q, %v", tt.iso, tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDimensionPipelineShape(t *testing.T) {
	r := fields.NewResolver()
	b := NewBuilder(r)
	node := filter.NewComposite(filter.And,
		filter.Filter{Field: "tema", Op: filter.OpEq, Value: "Saúde"},
		filter.Filter{Field: "status", Op: filter.OpEq, Value: "Aberto"},
	)

	stages := b.Dimension(Dimensions["theme"], node, 10)
	ops := stageOps(stages)
	want := []string{"$match", "$match", "$group", "$sort", "$limit"}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("stages = %v, want %v", ops, want)
	}
	if got := stages[0][0].Value; !reflect.DeepEqual(got, bson.M{"status": "Aberto"}) {
		t.Errorf("first match = %#v, own field filter must be excluded", got)
	}
	group := stages[2][0].Value.(bson.D)
	if group[0].Key != "_id" || group[0].Value != "$theme" {
		t.Errorf("group id = %v", group[0])
	}
	if len(group) != 4 {
		t.Errorf("group should carry count plus two related sets, got %v", group)
	}
}

func TestDimensionWithoutFiltersSkipsMatch(t *testing.T) {
	b := NewBuilder(fields.NewResolver())
	ops := stageOps(b.Dimension(Dimensions["status"], nil, 0))
	want := []string{"$match", "$group", "$sort"}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("stages = %v, want %v", ops, want)
	}
}

func TestOrganMonthPipelineReconstructsDate(t *testing.T) {
	b := NewBuilder(fields.NewResolver())
	ops := stageOps(b.Dimension(Dimensions["organ-month"], nil, 50))
	want := []string{"$match", "$addFields", "$match", "$group", "$sort", "$limit"}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("stages = %v, want %v", ops, want)
	}
}

func TestFormatDimension(t *testing.T) {
	docs := []bson.M{
		{"_id": "Health", "count": int32(2), "subject": bson.A{"b", "a"}},
		{"_id": "Public Works", "count": int32(1)},
	}
	got := FormatDimension(Dimensions["theme"], docs)
	want := []DimensionRow{
		{Key: "Health", Count: 2, Related: map[string][]string{"subject": {"a", "b"}}},
		{Key: "Public Works", Count: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FormatDimension = %#v, want %#v", got, want)
	}

	monthly := FormatDimension(Dimensions["organ-month"], []bson.M{
		{"_id": bson.D{{Key: "key", Value: "SMS"}, {Key: "month", Value: "2024-01"}}, "count": int64(3)},
	})
	if monthly[0].Key != "SMS" || monthly[0].Month != "2024-01" || monthly[0].Count != 3 {
		t.Errorf("monthly row = %#v", monthly[0])
	}
}

func TestOverviewPipelineIsSingleFacet(t *testing.T) {
	b := NewBuilder(fields.NewResolver())
	node := filter.NewComposite(filter.And, filter.Filter{Field: "status", Op: filter.OpEq, Value: "Aberto"})
	stages := b.Overview(node, time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC))
	if ops := stageOps(stages); !reflect.DeepEqual(ops, []string{"$match", "$addFields", "$facet"}) {
		t.Fatalf("stages = %v", ops)
	}
	facets := stages[2][0].Value.(bson.M)
	for _, name := range []string{
		facetStatus, facetMonth, facetDay, facetTheme, facetSubject, facetOrgan, facetUnit,
		facetType, facetChannel, facetPriority, facetTotal, facetLast7Days, facetLast30Days,
	} {
		if _, ok := facets[name]; !ok {
			t.Errorf("facet %q missing", name)
		}
	}
	last7 := facets[facetLast7Days].(bson.A)[0].(bson.D)[0].Value.(bson.M)
	if got := last7[DateField].(bson.M)["$gte"]; got != "2024-03-25" {
		t.Errorf("last7Days lower bound = %v, want 2024-03-25", got)
	}
}

func TestFormatOverview(t *testing.T) {
	doc := bson.M{
		facetStatus: bson.A{
			bson.M{"_id": "Aberto", "count": int32(3)},
			bson.M{"_id": "Fechado", "count": int32(2)},
		},
		facetMonth:      bson.A{bson.M{"_id": "2024-01", "count": int32(5)}},
		facetTotal:      bson.A{bson.M{"count": int32(5)}},
		facetLast7Days:  bson.A{bson.M{"count": int32(1)}},
		facetLast30Days: bson.A{},
	}
	got := FormatOverview(doc)
	if got.TotalManifestations != 5 || got.Last7Days != 1 || got.Last30Days != 0 {
		t.Errorf("counts = %d/%d/%d", got.TotalManifestations, got.Last7Days, got.Last30Days)
	}
	var sum int64
	for _, kc := range got.ManifestationsByStatus {
		sum += kc.Count
	}
	if sum != got.TotalManifestations {
		t.Errorf("status sum = %d, want total %d", sum, got.TotalManifestations)
	}
	if got.ManifestationsByTheme == nil || len(got.ManifestationsByTheme) != 0 {
		t.Error("missing facets must format as empty, non-nil lists")
	}
}

func TestEmptyOverviewIsWellFormed(t *testing.T) {
	o := EmptyOverview()
	if o.ManifestationsByStatus == nil || o.ManifestationsByUnit == nil || o.TotalManifestations != 0 {
		t.Errorf("EmptyOverview = %#v", o)
	}
}

func TestDashboardPipeline(t *testing.T) {
	b := NewBuilder(fields.NewResolver())
	stages := b.Dashboard(nil, time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC))
	if ops := stageOps(stages); !reflect.DeepEqual(ops, []string{"$addFields", "$facet"}) {
		t.Fatalf("stages = %v", ops)
	}
	facets := stages[1][0].Value.(bson.M)
	if len(facets) != 4 {
		t.Errorf("dashboard facets = %d, want 4", len(facets))
	}
	last30 := facets[facetLast30Days].(bson.A)[0].(bson.D)[0].Value.(bson.M)
	if got := last30[DateField].(bson.M)["$gte"]; got != "2024-03-02" {
		t.Errorf("last30Days lower bound = %v, want 2024-03-02", got)
	}

	d := FormatDashboard(bson.M{
		facetStatus: bson.A{bson.M{"_id": "Aberto", "count": int64(2)}},
		facetTotal:  bson.A{bson.M{"count": int32(2)}},
	})
	if d.Total != 2 || len(d.ByStatus) != 1 || d.Last7Days != 0 {
		t.Errorf("dashboard = %#v", d)
	}
	if FormatDashboard(nil).ByStatus == nil {
		t.Error("zero dashboard must carry an empty status list")
	}
}

func TestPivot(t *testing.T) {
	p := NewPivot(fields.NewResolver(), "responsavel")
	docs := []bson.M{
		{"responsible": "Ana", "createdAtIso": "2024-01-10"},
		{"payload": bson.M{"Responsável": "Ana"}, "createdAtRaw": "15/01/2024"},
		{"payload": bson.M{"responsavel": "Bruno"}, "createdAtRaw": "2024-01-20"},
		{"responsible": "Bruno", "createdAtIso": "2024-02-01"},
		{"responsible": "Carla"},
		{"createdAtIso": "2024-02-02"},
	}
	for _, d := range docs {
		p.Add(d)
	}
	want := []PivotRow{
		{Value: "Ana", Month: "2024-01", Count: 2},
		{Value: "Bruno", Month: "2024-01", Count: 1},
		{Value: "Bruno", Month: "2024-02", Count: 1},
	}
	if got := p.Rows(); !reflect.DeepEqual(got, want) {
		t.Errorf("Rows = %#v, want %#v", got, want)
	}
	if p.Skipped() != 2 {
		t.Errorf("Skipped = %d, want 2", p.Skipped())
	}
	if _, ok := p.Projection()["responsible"]; !ok {
		t.Error("projection must include the normalized field")
	}
}

func stageOps(stages []bson.D) []string {
	ops := make([]string, len(stages))
	for i, s := range stages {
		ops[i] = s[0].Key
	}
	return ops
}
