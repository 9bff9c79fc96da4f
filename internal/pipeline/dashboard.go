package pipeline

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// Dashboard is the headline block refreshed far more often than the full
// overview.
type Dashboard struct {
	Total      int64      `json:"total"`
	Last7Days  int64      `json:"last7Days"`
	Last30Days int64      `json:"last30Days"`
	ByStatus   []KeyCount `json:"byStatus"`
}

// Dashboard builds the headline counts in one $facet pass.
func (b *Builder) Dashboard(n filter.Node, now time.Time) []bson.D {
	today := now.UTC()
	since7 := today.AddDate(0, 0, -6).Format(time.DateOnly)
	since30 := today.AddDate(0, 0, -29).Format(time.DateOnly)

	stages := make([]bson.D, 0, 3)
	if m := b.matchStage(n, ""); m != nil {
		stages = append(stages, m)
	}
	return append(stages,
		bson.D{{Key: "$addFields", Value: bson.M{
			DateField: DateExpr(record.FieldCreatedAtISO, record.FieldCreatedAtRaw),
		}}},
		bson.D{{Key: "$facet", Value: bson.M{
			facetStatus: countBy(record.FieldStatus, 0),
			facetTotal:  bson.A{bson.D{{Key: "$count", Value: "count"}}},
			facetLast7Days: bson.A{
				bson.D{{Key: "$match", Value: bson.M{DateField: bson.M{"$gte": since7}}}},
				bson.D{{Key: "$count", Value: "count"}},
			},
			facetLast30Days: bson.A{
				bson.D{{Key: "$match", Value: bson.M{DateField: bson.M{"$gte": since30}}}},
				bson.D{{Key: "$count", Value: "count"}},
			},
		}}},
	)
}

// FormatDashboard converts the facet document; a nil document yields the
// zero dashboard with an empty status list.
func FormatDashboard(doc bson.M) Dashboard {
	return Dashboard{
		Total:      facetCount(doc, facetTotal),
		Last7Days:  facetCount(doc, facetLast7Days),
		Last30Days: facetCount(doc, facetLast30Days),
		ByStatus:   facetBuckets(doc, facetStatus),
	}
}
