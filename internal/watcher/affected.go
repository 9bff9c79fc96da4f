package watcher

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// Change stream operation types.
const (
	OpInsert  = "insert"
	OpUpdate  = "update"
	OpReplace = "replace"
	OpDelete  = "delete"
)

// ChangeEvent is the part of a change stream document the watcher reads.
type ChangeEvent struct {
	OperationType     string             `bson:"operationType"`
	FullDocument      bson.M             `bson:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription `bson:"updateDescription,omitempty"`
}

// UpdateDescription lists the paths an update touched.
type UpdateDescription struct {
	UpdatedFields bson.M   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// Patterns dirtied by any dimension change.
const (
	PatternOverview  = "overview*"
	PatternDashboard = "dashboard*"
	PatternPivot     = "pivot*"
)

// patternTable maps a dimension field to the cache-key globs computed from
// it. Dimensions without an entry only dirty their distinct-value listings.
var patternTable = map[string][]string{
	record.FieldStatus:       {"status*"},
	record.FieldTheme:        {"theme*", "status*", "subject*", "category*"},
	record.FieldSubject:      {"subject*", "theme*"},
	record.FieldCategory:     {"category*"},
	record.FieldOrgan:        {"organ-month*", "theme*", "neighborhood*"},
	record.FieldNeighborhood: {"neighborhood*"},
	record.FieldCreatedAtISO: {"organ-month*"},
	record.FieldCreatedAtRaw: {"organ-month*"},
}

// AffectedFields returns the dimension fields a change may alter: the
// touched paths for updates, the present dimensions for inserts and
// replaces, and every dimension for deletes or unknown operations.
func AffectedFields(r *fields.Resolver, ev ChangeEvent) []string {
	set := make(map[string]struct{})
	switch ev.OperationType {
	case OpUpdate:
		if ev.UpdateDescription == nil {
			return allDimensions()
		}
		paths := make([]string, 0, len(ev.UpdateDescription.UpdatedFields)+len(ev.UpdateDescription.RemovedFields))
		for p := range ev.UpdateDescription.UpdatedFields {
			paths = append(paths, p)
		}
		paths = append(paths, ev.UpdateDescription.RemovedFields...)
		for _, p := range paths {
			if p == record.FieldPayload {
				return allDimensions()
			}
			if f, ok := dimensionForPath(r, p); ok {
				set[f] = struct{}{}
			}
		}
	case OpInsert, OpReplace:
		if ev.FullDocument == nil {
			return allDimensions()
		}
		for _, f := range record.Dimensions {
			if _, ok := r.Lookup(ev.FullDocument, f); ok {
				set[f] = struct{}{}
			}
		}
	default:
		return allDimensions()
	}
	return sortedKeys(set)
}

// dimensionForPath maps an updated document path onto a dimension field.
// Shadow fields count as their base field and payload keys go through the
// resolver.
func dimensionForPath(r *fields.Resolver, path string) (string, bool) {
	top, rest, _ := strings.Cut(path, ".")
	if top == record.FieldPayload && rest != "" {
		key, _, _ := strings.Cut(rest, ".")
		internal, known := r.Known(key)
		if !known {
			return "", false
		}
		return internal, record.IsDimension(internal)
	}
	top = strings.TrimSuffix(top, record.ShadowSuffix)
	return top, record.IsDimension(top)
}

// PatternsFor maps affected fields to cache-key globs. Any change also
// dirties the overview, dashboard and pivot results.
func PatternsFor(affected []string) []string {
	if len(affected) == 0 {
		return nil
	}
	set := map[string]struct{}{
		PatternOverview:  {},
		PatternDashboard: {},
		PatternPivot:     {},
	}
	for _, f := range affected {
		for _, p := range patternTable[f] {
			set[p] = struct{}{}
		}
		set["distinct."+f+"*"] = struct{}{}
	}
	return sortedKeys(set)
}

func allDimensions() []string {
	out := append([]string(nil), record.Dimensions...)
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
