package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// Normalizer cleans ad hoc filter lists without failing the request:
// offending filters are dropped and logged instead.
type Normalizer struct {
	resolver *fields.Resolver
	logger   *slog.Logger
}

// NewNormalizer creates a Normalizer that groups filters by resolved field.
func NewNormalizer(r *fields.Resolver) *Normalizer {
	return &Normalizer{
		resolver: r,
		logger:   slog.Default().With("component", "filter-normalizer"),
	}
}

// Normalize drops invalid and duplicate filters, keeps the tightest range
// bounds per date field, and folds repeated eq filters on a field into one in
// holding at most MaxMultiSelect values.
// Normalize(Normalize(x)) equals Normalize(x).
func (n *Normalizer) Normalize(filters []Filter) []Filter {
	out := n.dropInvalid(filters, "invalid filter dropped")
	out = dedup(out, n.resolver)
	out = collapseEq(out, n.resolver)
	out = n.mergeRanges(out)
	out = dedup(out, n.resolver)
	return n.dropInvalid(out, "residual conflict dropped")
}

// LimitMultiSelect truncates every list value to its first MaxMultiSelect
// items, preserving order.
func LimitMultiSelect(filters []Filter) []Filter {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		out[i] = f
		if items, ok := toSlice(f.Value); ok && len(items) > MaxMultiSelect {
			clamped := make([]any, MaxMultiSelect)
			copy(clamped, items[:MaxMultiSelect])
			out[i].Value = clamped
		}
	}
	return out
}

func (n *Normalizer) dropInvalid(filters []Filter, msg string) []Filter {
	out := make([]Filter, 0, len(filters))
	for i, f := range filters {
		if err := f.validate(fmt.Sprintf("filters[%d]", i), 0); err != nil {
			n.logger.Warn(msg, "field", f.Field, "op", f.Op, "reason", err.Error())
			continue
		}
		out = append(out, f)
	}
	return out
}

func dedup(filters []Filter, r *fields.Resolver) []Filter {
	seen := make(map[string]struct{}, len(filters))
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		key := r.Resolve(f.Field) + "\x00" + string(f.Op) + "\x00" + canonicalValue(f.Value)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}

// collapseEq turns two or more eq filters on one field into a single in
// filter, placed where the first eq was, holding the ordered union of values
// cut to MaxMultiSelect.
func collapseEq(filters []Filter, r *fields.Resolver) []Filter {
	counts := make(map[string]int)
	for _, f := range filters {
		if f.Op == OpEq {
			counts[r.Resolve(f.Field)]++
		}
	}
	merged := make(map[string]int)
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		field := r.Resolve(f.Field)
		if f.Op != OpEq || counts[field] < 2 {
			out = append(out, f)
			continue
		}
		idx, ok := merged[field]
		if !ok {
			merged[field] = len(out)
			out = append(out, Filter{Field: f.Field, Op: OpIn, Value: appendUnique(nil, f.Value)})
			continue
		}
		out[idx].Value = appendUnique(out[idx].Value.([]any), f.Value)
	}
	return out
}

func appendUnique(dst []any, v any) []any {
	items, ok := toSlice(v)
	if !ok {
		items = []any{v}
	}
	for _, item := range items {
		dup := false
		for _, existing := range dst {
			if canonicalValue(existing) == canonicalValue(item) {
				dup = true
				break
			}
		}
		if !dup {
			if len(dst) == MaxMultiSelect {
				break
			}
			dst = append(dst, item)
		}
	}
	return dst
}

// mergeRanges keeps the greatest gte and the smallest lte per date field.
// When the remaining lower bound exceeds the upper bound the lower bound is
// dropped. Bounds on other fields pass through untouched.
func (n *Normalizer) mergeRanges(filters []Filter) []Filter {
	type bounds struct{ gte, lte []int }
	byField := make(map[string]*bounds)
	for i, f := range filters {
		if f.Op != OpGte && f.Op != OpLte {
			continue
		}
		field := n.resolver.Resolve(f.Field)
		if !record.IsDateField(field) {
			continue
		}
		b, ok := byField[field]
		if !ok {
			b = &bounds{}
			byField[field] = b
		}
		if f.Op == OpGte {
			b.gte = append(b.gte, i)
		} else {
			b.lte = append(b.lte, i)
		}
	}

	drop := make(map[int]struct{})
	for field, b := range byField {
		lo := tightest(filters, b.gte, 1, drop)
		hi := tightest(filters, b.lte, -1, drop)
		if lo < 0 || hi < 0 {
			continue
		}
		if c, ok := compareValues(filters[lo].Value, filters[hi].Value); ok && c > 0 {
			n.logger.Warn("inverted range, dropping lower bound",
				"field", field, "gte", filters[lo].Value, "lte", filters[hi].Value)
			drop[lo] = struct{}{}
		}
	}

	out := make([]Filter, 0, len(filters))
	for i, f := range filters {
		if _, ok := drop[i]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// tightest picks, among the filters at idx, the one whose value is greatest
// (dir=1) or smallest (dir=-1) and marks the others dropped. It returns -1
// when idx is empty or when the values are not mutually comparable, in which
// case nothing is dropped.
func tightest(filters []Filter, idx []int, dir int, drop map[int]struct{}) int {
	if len(idx) == 0 {
		return -1
	}
	best := idx[0]
	for _, i := range idx[1:] {
		c, ok := compareValues(filters[i].Value, filters[best].Value)
		if !ok {
			return -1
		}
		if c*dir > 0 {
			best = i
		}
	}
	for _, i := range idx {
		if i != best {
			drop[i] = struct{}{}
		}
	}
	return best
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// compareValues orders two bound values: numbers numerically, date strings
// chronologically, other strings lexically. ok is false for mixed kinds.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	if ta, ok := parseDate(sa); ok {
		if tb, ok := parseDate(sb); ok {
			return ta.Compare(tb), true
		}
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func canonicalValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
