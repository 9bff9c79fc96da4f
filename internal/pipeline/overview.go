package pipeline

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// TopN bounds the ranking facets of the overview.
const TopN = 5

// Facet names produced by the overview pipeline.
const (
	facetStatus     = "byStatus"
	facetMonth      = "byMonth"
	facetDay        = "byDay"
	facetTheme      = "byTheme"
	facetSubject    = "bySubject"
	facetOrgan      = "byOrgan"
	facetUnit       = "byUnit"
	facetType       = "byType"
	facetChannel    = "byChannel"
	facetPriority   = "byPriority"
	facetTotal      = "total"
	facetLast7Days  = "last7Days"
	facetLast30Days = "last30Days"
)

// Overview is the combined dashboard result.
type Overview struct {
	TotalManifestations      int64      `json:"totalManifestations"`
	Last7Days                int64      `json:"last7Days"`
	Last30Days               int64      `json:"last30Days"`
	ManifestationsByStatus   []KeyCount `json:"manifestationsByStatus"`
	ManifestationsByMonth    []KeyCount `json:"manifestationsByMonth"`
	ManifestationsByDay      []KeyCount `json:"manifestationsByDay"`
	ManifestationsByTheme    []KeyCount `json:"manifestationsByTheme"`
	ManifestationsBySubject  []KeyCount `json:"manifestationsBySubject"`
	ManifestationsByOrgan    []KeyCount `json:"manifestationsByOrgan"`
	ManifestationsByType     []KeyCount `json:"manifestationsByType"`
	ManifestationsByChannel  []KeyCount `json:"manifestationsByChannel"`
	ManifestationsByPriority []KeyCount `json:"manifestationsByPriority"`
	ManifestationsByUnit     []KeyCount `json:"manifestationsByUnit"`
}

// EmptyOverview is the well-formed zero result used when computing fails.
func EmptyOverview() Overview {
	return FormatOverview(nil)
}

// Overview builds a single pipeline: match, reconstruct the creation date,
// then one $facet producing every named sub-result. Records whose date
// cannot be reconstructed only drop out of the date facets.
func (b *Builder) Overview(n filter.Node, now time.Time) []bson.D {
	today := now.UTC()
	since7 := today.AddDate(0, 0, -6).Format(time.DateOnly)
	since30 := today.AddDate(0, 0, -29).Format(time.DateOnly)
	dated := bson.D{{Key: "$match", Value: bson.M{DateField: bson.M{"$ne": nil}}}}

	stages := make([]bson.D, 0, 3)
	if m := b.matchStage(n, ""); m != nil {
		stages = append(stages, m)
	}
	stages = append(stages,
		bson.D{{Key: "$addFields", Value: bson.M{
			DateField: DateExpr(record.FieldCreatedAtISO, record.FieldCreatedAtRaw),
		}}},
		bson.D{{Key: "$facet", Value: bson.M{
			facetStatus: countBy(record.FieldStatus, 0),
			facetMonth: bson.A{
				dated,
				bson.D{{Key: "$group", Value: bson.M{"_id": MonthExpr("$" + DateField), "count": bson.M{"$sum": 1}}}},
				bson.D{{Key: "$sort", Value: bson.M{"_id": 1}}},
			},
			facetDay: bson.A{
				bson.D{{Key: "$match", Value: bson.M{DateField: bson.M{"$gte": since30}}}},
				bson.D{{Key: "$group", Value: bson.M{"_id": "$" + DateField, "count": bson.M{"$sum": 1}}}},
				bson.D{{Key: "$sort", Value: bson.M{"_id": 1}}},
			},
			facetTheme:    countBy(record.FieldTheme, TopN),
			facetSubject:  countBy(record.FieldSubject, TopN),
			facetOrgan:    countBy(record.FieldOrgan, TopN),
			facetUnit:     countBy(record.FieldHealthUnit, TopN),
			facetType:     countBy(record.FieldManifestationType, 0),
			facetChannel:  countBy(record.FieldChannel, 0),
			facetPriority: countBy(record.FieldPriority, 0),
			facetTotal:    bson.A{bson.D{{Key: "$count", Value: "count"}}},
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
	return stages
}

func countBy(field string, limit int) bson.A {
	stages := bson.A{
		nonEmpty(field),
		bson.D{{Key: "$group", Value: bson.M{"_id": "$" + field, "count": bson.M{"$sum": 1}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	return stages
}

// FormatOverview converts the facet document into an Overview. Missing
// facets become empty lists and zero counts.
func FormatOverview(doc bson.M) Overview {
	return Overview{
		TotalManifestations:      facetCount(doc, facetTotal),
		Last7Days:                facetCount(doc, facetLast7Days),
		Last30Days:               facetCount(doc, facetLast30Days),
		ManifestationsByStatus:   facetBuckets(doc, facetStatus),
		ManifestationsByMonth:    facetBuckets(doc, facetMonth),
		ManifestationsByDay:      facetBuckets(doc, facetDay),
		ManifestationsByTheme:    facetBuckets(doc, facetTheme),
		ManifestationsBySubject:  facetBuckets(doc, facetSubject),
		ManifestationsByOrgan:    facetBuckets(doc, facetOrgan),
		ManifestationsByType:     facetBuckets(doc, facetType),
		ManifestationsByChannel:  facetBuckets(doc, facetChannel),
		ManifestationsByPriority: facetBuckets(doc, facetPriority),
		ManifestationsByUnit:     facetBuckets(doc, facetUnit),
	}
}

func facetItems(doc bson.M, name string) []any {
	switch t := doc[name].(type) {
	case bson.A:
		return t
	case []any:
		return t
	case []bson.M:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func facetBuckets(doc bson.M, name string) []KeyCount {
	items := facetItems(doc, name)
	out := make([]KeyCount, 0, len(items))
	for _, item := range items {
		bucket := asDoc(item)
		if bucket == nil {
			continue
		}
		out = append(out, KeyCount{Key: keyString(bucket["_id"]), Count: toInt64(bucket["count"])})
	}
	return out
}

func facetCount(doc bson.M, name string) int64 {
	items := facetItems(doc, name)
	if len(items) == 0 {
		return 0
	}
	return toInt64(asDoc(items[0])["count"])
}
