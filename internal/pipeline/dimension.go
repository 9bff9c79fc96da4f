package pipeline

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// Dimension describes one single-dimension breakdown endpoint.
type Dimension struct {
	// Name is the endpoint name and cache-key prefix.
	Name  string
	Field string
	// Related fields are collected per group as distinct-value sets.
	Related []string
	// ByMonth groups by field and reconstructed creation month.
	ByMonth bool
}

// Dimensions served by the dimension endpoint, keyed by Name.
var Dimensions = map[string]Dimension{
	"status":       {Name: "status", Field: record.FieldStatus, Related: []string{record.FieldTheme}},
	"theme":        {Name: "theme", Field: record.FieldTheme, Related: []string{record.FieldSubject, record.FieldOrgan}},
	"subject":      {Name: "subject", Field: record.FieldSubject, Related: []string{record.FieldTheme}},
	"category":     {Name: "category", Field: record.FieldCategory, Related: []string{record.FieldTheme}},
	"neighborhood": {Name: "neighborhood", Field: record.FieldNeighborhood, Related: []string{record.FieldOrgan}},
	"organ-month":  {Name: "organ-month", Field: record.FieldOrgan, ByMonth: true},
}

// KeyCount is one bucket of a breakdown.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DimensionRow is one bucket of a dimension breakdown.
type DimensionRow struct {
	Key     string              `json:"key"`
	Month   string              `json:"month,omitempty"`
	Count   int64               `json:"count"`
	Related map[string][]string `json:"related,omitempty"`
}

// Builder assembles pipelines against the storage schema.
type Builder struct {
	resolver *fields.Resolver
}

// NewBuilder creates a Builder.
func NewBuilder(r *fields.Resolver) *Builder {
	return &Builder{resolver: r}
}

// matchStage compiles n without the leaves on exclude; nil when nothing
// remains to filter on.
func (b *Builder) matchStage(n filter.Node, exclude string) bson.D {
	if exclude != "" {
		n = filter.Without(n, exclude, b.resolver)
	}
	q := filter.Compile(n, b.resolver)
	if len(q) == 0 {
		return nil
	}
	return bson.D{{Key: "$match", Value: q}}
}

func nonEmpty(field string) bson.D {
	return bson.D{{Key: "$match", Value: bson.M{field: bson.M{"$exists": true, "$nin": bson.A{nil, ""}}}}}
}

// Dimension builds: match on the other fields, require the grouping field,
// group and count, sort by count descending then key, limit.
func (b *Builder) Dimension(d Dimension, n filter.Node, limit int) []bson.D {
	stages := make([]bson.D, 0, 7)
	if m := b.matchStage(n, d.Field); m != nil {
		stages = append(stages, m)
	}
	stages = append(stages, nonEmpty(d.Field))

	group := bson.D{{Key: "count", Value: bson.M{"$sum": 1}}}
	if d.ByMonth {
		stages = append(stages,
			bson.D{{Key: "$addFields", Value: bson.M{DateField: DateExpr(record.FieldCreatedAtISO, record.FieldCreatedAtRaw)}}},
			bson.D{{Key: "$match", Value: bson.M{DateField: bson.M{"$ne": nil}}}},
		)
		group = append(bson.D{{Key: "_id", Value: bson.M{
			"key":   "$" + d.Field,
			"month": MonthExpr("$" + DateField),
		}}}, group...)
	} else {
		group = append(bson.D{{Key: "_id", Value: "$" + d.Field}}, group...)
	}
	for _, rel := range d.Related {
		group = append(group, bson.E{Key: rel, Value: bson.M{"$addToSet": "$" + rel}})
	}
	stages = append(stages,
		bson.D{{Key: "$group", Value: group}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	)
	if limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	return stages
}

// FormatDimension converts grouped documents into rows, keeping the
// pipeline's order.
func FormatDimension(d Dimension, docs []bson.M) []DimensionRow {
	rows := make([]DimensionRow, 0, len(docs))
	for _, doc := range docs {
		row := DimensionRow{Count: toInt64(doc["count"])}
		if d.ByMonth {
			id := asDoc(doc["_id"])
			row.Key = keyString(id["key"])
			row.Month = keyString(id["month"])
		} else {
			row.Key = keyString(doc["_id"])
		}
		for _, rel := range d.Related {
			values := stringSet(doc[rel])
			if len(values) == 0 {
				continue
			}
			if row.Related == nil {
				row.Related = make(map[string][]string, len(d.Related))
			}
			row.Related[rel] = values
		}
		rows = append(rows, row)
	}
	return rows
}

// Distinct builds the sorted distinct non-empty values of field.
func (b *Builder) Distinct(field string, n filter.Node, limit int) []bson.D {
	stages := make([]bson.D, 0, 5)
	if m := b.matchStage(n, field); m != nil {
		stages = append(stages, m)
	}
	stages = append(stages,
		nonEmpty(field),
		bson.D{{Key: "$group", Value: bson.M{"_id": "$" + field}}},
		bson.D{{Key: "$sort", Value: bson.M{"_id": 1}}},
	)
	if limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	return stages
}

// FormatDistinct extracts the grouped values.
func FormatDistinct(docs []bson.M) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, keyString(doc["_id"]))
	}
	return out
}

func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case primitive.A:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, keyString(p))
		}
		return fmt.Sprint(parts)
	default:
		return fmt.Sprint(t)
	}
}

func stringSet(v any) []string {
	items, ok := v.(primitive.A)
	if !ok {
		if plain, isPlain := v.([]any); isPlain {
			items = plain
		} else {
			return nil
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := keyString(item); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// asDoc reads an embedded document whether the decoder produced a map or an
// ordered document.
func asDoc(v any) bson.M {
	switch t := v.(type) {
	case bson.M:
		return t
	case map[string]any:
		return t
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m
	default:
		return nil
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
