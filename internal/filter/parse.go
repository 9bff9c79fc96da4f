package filter

import (
	"encoding/json"
)

// Request is the simple filter form {filters, originalUrl?}.
type Request struct {
	Filters     []Filter `json:"filters"`
	OriginalURL string   `json:"originalUrl,omitempty"`
}

// Parse reads either the simple or the composite form and returns a
// validated node. The simple form is normalized and clamped before being
// wrapped in an AND; an empty simple form yields a nil node.
func Parse(data []byte, n *Normalizer) (Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Reason: "request body must be a JSON object"}
	}

	if _, ok := probe["operator"]; ok {
		c, err := FromJSON(data)
		if err != nil {
			return nil, err
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
		return c, nil
	}

	raw, ok := probe["filters"]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ValidationError{Path: "filters", Reason: "must be an array"}
	}
	leaves := make([]Filter, 0, len(items))
	for _, item := range items {
		node, err := decodeNode(item)
		if err != nil {
			return nil, err
		}
		leaf, ok := node.(Filter)
		if !ok {
			return nil, &ValidationError{Path: "filters", Reason: "nested composites need the composite form"}
		}
		leaves = append(leaves, leaf)
	}
	return FromFilters(n.Normalize(LimitMultiSelect(leaves))), nil
}
