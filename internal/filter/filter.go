// Package filter implements the filter language: leaf filters and nested
// AND/OR composites, their validation and normalization, and compilation
// into MongoDB query documents.
package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
)

// Limits applied to leaf values.
const (
	MaxStringLen      = 500
	MaxArrayItems     = 100
	MaxMultiSelect    = 20
	MaxCompositeDepth = 5
)

var knownOps = map[Op]struct{}{
	OpEq: {}, OpIn: {}, OpContains: {}, OpGte: {}, OpLte: {}, OpGt: {}, OpLt: {},
}

// Node is either a Filter leaf or a *CompositeFilter.
type Node interface {
	// ToQuery compiles the node into a MongoDB filter document.
	ToQuery(r *fields.Resolver) bson.M
	validate(path string, depth int) error
	node()
}

// Filter is a single field comparison.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

func (Filter) node() {}

// ValidationError reports why a filter was rejected and where.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid filter: " + e.Reason
	}
	return fmt.Sprintf("invalid filter at %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (f Filter) validate(path string, _ int) error {
	if strings.TrimSpace(f.Field) == "" {
		return invalid(path, "field is required")
	}
	if _, ok := knownOps[f.Op]; !ok {
		return invalid(path, "unknown operator %q", f.Op)
	}
	if f.Value == nil {
		return invalid(path, "value is required")
	}
	if items, ok := toSlice(f.Value); ok {
		if len(items) == 0 {
			return invalid(path, "empty value list")
		}
		if len(items) > MaxArrayItems {
			return invalid(path, "value list has %d items, max %d", len(items), MaxArrayItems)
		}
		switch f.Op {
		case OpContains, OpGte, OpLte, OpGt, OpLt:
			return invalid(path, "operator %s takes a single value", f.Op)
		}
		for i, item := range items {
			if err := checkScalar(fmt.Sprintf("%s.value[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	}
	if f.Op == OpContains {
		if _, ok := f.Value.(string); !ok {
			return invalid(path, "contains requires a string value")
		}
	}
	return checkScalar(path+".value", f.Value)
}

func checkScalar(path string, v any) error {
	switch t := v.(type) {
	case string:
		if len(t) > MaxStringLen {
			return invalid(path, "string longer than %d characters", MaxStringLen)
		}
		return nil
	case bool, float64, float32, int, int32, int64:
		return nil
	case nil:
		return invalid(path, "null value")
	default:
		return invalid(path, "unsupported value type %T", v)
	}
}

// ToQuery compiles the leaf. Field names go through the resolver; contains
// prefers the lowercase shadow field and falls back to a case-insensitive
// regex on the field itself.
func (f Filter) ToQuery(r *fields.Resolver) bson.M {
	field := r.Resolve(f.Field)
	switch f.Op {
	case OpEq:
		if items, ok := toSlice(f.Value); ok {
			return bson.M{field: bson.M{"$in": items}}
		}
		return bson.M{field: f.Value}
	case OpIn:
		items, ok := toSlice(f.Value)
		if !ok {
			items = []any{f.Value}
		}
		return bson.M{field: bson.M{"$in": items}}
	case OpContains:
		text := fmt.Sprint(f.Value)
		if shadow, ok := r.Shadow(field); ok {
			return bson.M{shadow: bson.M{"$regex": regexp.QuoteMeta(strings.ToLower(text))}}
		}
		return bson.M{field: bson.M{"$regex": regexp.QuoteMeta(text), "$options": "i"}}
	case OpGte, OpLte, OpGt, OpLt:
		return bson.M{field: bson.M{"$" + string(f.Op): f.Value}}
	default:
		return bson.M{}
	}
}

// Compile compiles n, treating a nil node as "match everything".
func Compile(n Node, r *fields.Resolver) bson.M {
	if n == nil {
		return bson.M{}
	}
	return n.ToQuery(r)
}

// toSlice returns v as []any when it is any slice or array other than bytes.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
