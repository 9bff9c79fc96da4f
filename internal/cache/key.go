package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key derives the cache key for endpoint and filters:
// "<endpoint>:<hash>:<version>". The hash covers a canonical JSON rendering of
// filters in which object keys are sorted, nulls are dropped and arrays are
// order-insensitive, so permuted but equivalent filters share a key.
func Key(endpoint string, filters any, version string) string {
	return fmt.Sprintf("%s:%s:%s", endpoint, Hash(filters), version)
}

// Hash returns the hex encoding of the first 16 bytes of the SHA-256 of the
// canonical form of v.
func Hash(v any) string {
	sum := sha256.Sum256(Canonical(v))
	return hex.EncodeToString(sum[:16])
}

// Canonical renders v as canonical JSON. Values that cannot be encoded hash
// as their fmt representation.
func Canonical(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalize(generic))
	if err != nil {
		return raw
	}
	return out
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if c := canonicalize(child); c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		items := make([]any, 0, len(t))
		encoded := make(map[int]string, len(t))
		for _, child := range t {
			if c := canonicalize(child); c != nil {
				items = append(items, c)
			}
		}
		for i, item := range items {
			b, _ := json.Marshal(item)
			encoded[i] = string(b)
		}
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return encoded[idx[a]] < encoded[idx[b]] })
		sorted := make([]any, len(items))
		for i, j := range idx {
			sorted[i] = items[j]
		}
		return sorted
	default:
		return v
	}
}
