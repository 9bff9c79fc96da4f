package pipeline

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// PivotRow counts records with a given dimension value in a given month.
type PivotRow struct {
	Value string `json:"value"`
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// Pivot accumulates a field-by-month breakdown for a dimension chosen at
// request time. The value may live in the normalized field or anywhere in the
// raw payload, so grouping happens here rather than in the pipeline.
type Pivot struct {
	resolver *fields.Resolver
	logical  string
	counts   map[pivotKey]int64
	skipped  int64
}

type pivotKey struct {
	value string
	month string
}

// NewPivot creates an empty accumulator for logical.
func NewPivot(r *fields.Resolver, logical string) *Pivot {
	return &Pivot{resolver: r, logical: logical, counts: make(map[pivotKey]int64)}
}

// Projection limits fetched documents to what Add reads.
func (p *Pivot) Projection() bson.M {
	proj := bson.M{
		record.FieldCreatedAtISO: 1,
		record.FieldCreatedAtRaw: 1,
	}
	for _, c := range p.resolver.Candidates(p.logical) {
		if !strings.HasPrefix(c, record.FieldPayload+".") {
			proj[c] = 1
		}
	}
	proj[record.FieldPayload] = 1
	return proj
}

// Add counts one document. Documents without a value or a reconstructable
// date are skipped.
func (p *Pivot) Add(doc bson.M) {
	value, ok := p.resolver.LookupString(doc, p.logical)
	if !ok || value == "" {
		p.skipped++
		return
	}
	iso, _ := doc[record.FieldCreatedAtISO].(string)
	raw, _ := doc[record.FieldCreatedAtRaw].(string)
	date, ok := ReconstructDate(iso, raw)
	if !ok {
		p.skipped++
		return
	}
	p.counts[pivotKey{value: value, month: date[:7]}]++
}

// Skipped returns how many documents Add ignored.
func (p *Pivot) Skipped() int64 {
	return p.skipped
}

// Rows returns the counts ordered by month, then count descending, then
// value.
func (p *Pivot) Rows() []PivotRow {
	rows := make([]PivotRow, 0, len(p.counts))
	for k, n := range p.counts {
		rows = append(rows, PivotRow{Value: k.value, Month: k.month, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Value < b.Value
	})
	return rows
}
