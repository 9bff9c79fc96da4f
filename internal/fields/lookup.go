package fields

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
)

// Lookup finds the first non-empty value for a logical field in doc. It walks
// the resolver's candidates in order and then scans payload keys with case
// and accents folded.
func (r *Resolver) Lookup(doc map[string]any, logical string) (any, bool) {
	for _, path := range r.Candidates(logical) {
		if v, ok := getPath(doc, path); ok && present(v) {
			return v, true
		}
	}

	payload, ok := asMap(doc[record.FieldPayload])
	if !ok {
		return nil, false
	}
	wanted := map[string]struct{}{Fold(logical): {}}
	internal := r.Resolve(logical)
	wanted[Fold(internal)] = struct{}{}
	for _, k := range payloadKeys[internal] {
		wanted[Fold(k)] = struct{}{}
	}
	for k, v := range payload {
		if _, hit := wanted[Fold(k)]; hit && present(v) {
			return v, true
		}
	}
	return nil, false
}

// LookupString is Lookup with the value rendered as trimmed text.
func (r *Resolver) LookupString(doc map[string]any, logical string) (string, bool) {
	v, ok := r.Lookup(doc, logical)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	default:
		return true
	}
}
