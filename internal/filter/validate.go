package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
)

// Bounds for raw query documents.
const (
	MaxRegexLen = 200
	MaxDepth    = 3
)

var (
	logicalOps = map[string]struct{}{"and": {}, "or": {}}
	fieldOps   = map[string]struct{}{
		"eq": {}, "ne": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
		"in": {}, "nin": {}, "exists": {}, "regex": {}, "not": {},
	}
	regexOptions = regexp.MustCompile(`^[imsx]{0,4}$`)
)

// Validator checks untrusted MongoDB-style filter documents against the field
// and operator allow-lists. Any violation rejects the whole document.
type Validator struct {
	resolver *fields.Resolver
}

// NewValidator creates a Validator whose field allow-list is everything the
// resolver knows, aliases included.
func NewValidator(r *fields.Resolver) *Validator {
	return &Validator{resolver: r}
}

// Validate returns a sanitized copy of raw with operators $-prefixed and
// field names resolved to storage fields.
func (v *Validator) Validate(raw map[string]any) (bson.M, error) {
	if raw == nil {
		return bson.M{}, nil
	}
	return v.document(raw, "filter", 1)
}

func (v *Validator) document(doc map[string]any, path string, depth int) (bson.M, error) {
	if depth > MaxDepth {
		return nil, invalid(path, "nesting deeper than %d", MaxDepth)
	}
	out := make(bson.M, len(doc))
	for key, value := range doc {
		op := strings.TrimPrefix(key, "$")
		if _, ok := logicalOps[op]; ok {
			clauses, err := v.clauses(value, path+"."+op, depth)
			if err != nil {
				return nil, err
			}
			if _, dup := out["$"+op]; dup {
				return nil, invalid(path, "operator $%s given more than once", op)
			}
			out["$"+op] = clauses
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, invalid(path, "operator %q not allowed here", key)
		}
		field, ok := v.resolver.Known(key)
		if !ok {
			return nil, invalid(path, "field %q not allowed", key)
		}
		if _, dup := out[field]; dup {
			return nil, invalid(path, "field %q given more than once under different names", field)
		}
		cond, err := v.condition(value, path+"."+key, depth)
		if err != nil {
			return nil, err
		}
		out[field] = cond
	}
	return out, nil
}

func (v *Validator) clauses(value any, path string, depth int) (bson.A, error) {
	items, ok := toSlice(value)
	if !ok || len(items) == 0 {
		return nil, invalid(path, "expects a non-empty array")
	}
	if len(items) > MaxArrayItems {
		return nil, invalid(path, "more than %d clauses", MaxArrayItems)
	}
	out := make(bson.A, 0, len(items))
	for i, item := range items {
		sub, ok := asDocument(item)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s[%d]", path, i), "clause must be an object")
		}
		clean, err := v.document(sub, fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// condition validates the value side of {field: value}: a scalar or list for
// implicit equality, or an operator document.
func (v *Validator) condition(value any, path string, depth int) (any, error) {
	ops, ok := asDocument(value)
	if !ok {
		return checkValue(value, path)
	}
	if len(ops) == 0 {
		return nil, invalid(path, "empty operator document")
	}
	out := make(bson.M, len(ops))
	for key, arg := range ops {
		op := strings.TrimPrefix(key, "$")
		if op == "options" {
			s, ok := arg.(string)
			if !ok || !regexOptions.MatchString(s) {
				return nil, invalid(path, "invalid regex options")
			}
			if _, hasRegex := ops["$regex"]; !hasRegex {
				if _, hasBare := ops["regex"]; !hasBare {
					return nil, invalid(path, "options without regex")
				}
			}
			out["$options"] = s
			continue
		}
		if _, ok := fieldOps[op]; !ok {
			return nil, invalid(path, "operator %q not allowed", key)
		}
		clean, err := v.operand(op, arg, path+"."+op, depth)
		if err != nil {
			return nil, err
		}
		out["$"+op] = clean
	}
	return out, nil
}

func (v *Validator) operand(op string, arg any, path string, depth int) (any, error) {
	switch op {
	case "in", "nin":
		items, ok := toSlice(arg)
		if !ok {
			return nil, invalid(path, "expects an array")
		}
		if len(items) > MaxArrayItems {
			return nil, invalid(path, "array has %d items, max %d", len(items), MaxArrayItems)
		}
		out := make(bson.A, 0, len(items))
		for i, item := range items {
			clean, err := checkScalarValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, clean)
		}
		return out, nil
	case "exists":
		b, ok := arg.(bool)
		if !ok {
			return nil, invalid(path, "expects a boolean")
		}
		return b, nil
	case "regex":
		s, ok := arg.(string)
		if !ok {
			return nil, invalid(path, "expects a string pattern")
		}
		if len(s) > MaxRegexLen {
			return nil, invalid(path, "pattern longer than %d characters", MaxRegexLen)
		}
		if _, err := regexp.Compile(s); err != nil {
			return nil, invalid(path, "pattern does not compile: %v", err)
		}
		return s, nil
	case "not":
		if depth+1 > MaxDepth {
			return nil, invalid(path, "nesting deeper than %d", MaxDepth)
		}
		return v.condition(arg, path, depth+1)
	default:
		return checkValue(arg, path)
	}
}

func checkValue(value any, path string) (any, error) {
	if items, ok := toSlice(value); ok {
		if len(items) > MaxArrayItems {
			return nil, invalid(path, "array has %d items, max %d", len(items), MaxArrayItems)
		}
		out := make(bson.A, 0, len(items))
		for i, item := range items {
			clean, err := checkScalarValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, clean)
		}
		return out, nil
	}
	return checkScalarValue(value, path)
}

func checkScalarValue(value any, path string) (any, error) {
	switch t := value.(type) {
	case nil, bool, float64, float32, int, int32, int64, time.Time:
		return t, nil
	case string:
		if len(t) > MaxStringLen {
			return nil, invalid(path, "string longer than %d characters", MaxStringLen)
		}
		return t, nil
	default:
		return nil, invalid(path, "unsupported value type %T", value)
	}
}

func asDocument(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case bson.M:
		return t, true
	default:
		return nil, false
	}
}
