package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ouvidoriag/ogfinal-sub001/internal/fields"
)

// Operator joins the children of a CompositeFilter.
type Operator string

const (
	And Operator = "AND"
	Or  Operator = "OR"
)

// CompositeFilter is a boolean combination of filters and composites.
type CompositeFilter struct {
	Operator Operator
	Filters  []Node
}

func (*CompositeFilter) node() {}

// NewComposite creates a composite with the given children.
func NewComposite(op Operator, children ...Node) *CompositeFilter {
	return &CompositeFilter{Operator: op, Filters: children}
}

// AddFilter appends a child and returns the composite for chaining.
func (c *CompositeFilter) AddFilter(n Node) *CompositeFilter {
	c.Filters = append(c.Filters, n)
	return c
}

// ValidationResult is the outcome of CompositeFilter.Validate.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate checks the whole tree.
func (c *CompositeFilter) Validate() ValidationResult {
	if err := c.validate("filter", 1); err != nil {
		return ValidationResult{Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// Err returns the validation failure as an error, or nil.
func (c *CompositeFilter) Err() error {
	return c.validate("filter", 1)
}

func (c *CompositeFilter) validate(path string, depth int) error {
	if depth > MaxCompositeDepth {
		return invalid(path, "composite nesting deeper than %d", MaxCompositeDepth)
	}
	if c.Operator != And && c.Operator != Or {
		return invalid(path, "unknown composite operator %q", c.Operator)
	}
	if len(c.Filters) == 0 {
		return invalid(path, "composite needs at least one filter")
	}
	for i, child := range c.Filters {
		if child == nil {
			return invalid(fmt.Sprintf("%s.filters[%d]", path, i), "null filter")
		}
		if err := child.validate(fmt.Sprintf("%s.filters[%d]", path, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// ToQuery compiles the tree. A single child collapses to itself.
func (c *CompositeFilter) ToQuery(r *fields.Resolver) bson.M {
	parts := make([]bson.M, 0, len(c.Filters))
	for _, child := range c.Filters {
		if q := child.ToQuery(r); len(q) > 0 {
			parts = append(parts, q)
		}
	}
	switch len(parts) {
	case 0:
		return bson.M{}
	case 1:
		return parts[0]
	}
	key := "$and"
	if c.Operator == Or {
		key = "$or"
	}
	return bson.M{key: parts}
}

type compositeJSON struct {
	Operator Operator          `json:"operator"`
	Filters  []json.RawMessage `json:"filters"`
}

// MarshalJSON writes {operator, filters}.
func (c *CompositeFilter) MarshalJSON() ([]byte, error) {
	children := make([]json.RawMessage, 0, len(c.Filters))
	for _, child := range c.Filters {
		raw, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		children = append(children, raw)
	}
	return json.Marshal(compositeJSON{Operator: c.Operator, Filters: children})
}

// UnmarshalJSON reads {operator, filters}; children with an "operator" key
// are composites, everything else is a leaf.
func (c *CompositeFilter) UnmarshalJSON(data []byte) error {
	var raw compositeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Reason: "malformed composite: " + err.Error()}
	}
	c.Operator = Operator(strings.ToUpper(string(raw.Operator)))
	c.Filters = make([]Node, 0, len(raw.Filters))
	for i, child := range raw.Filters {
		n, err := decodeNode(child)
		if err != nil {
			return fmt.Errorf("filters[%d]: %w", i, err)
		}
		c.Filters = append(c.Filters, n)
	}
	return nil
}

// ToJSON serializes the composite.
func (c *CompositeFilter) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// FromJSON parses a composite without validating it.
func FromJSON(data []byte) (*CompositeFilter, error) {
	var c CompositeFilter
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeNode(data []byte) (Node, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Reason: "filter must be an object"}
	}
	if _, ok := probe["operator"]; ok {
		var c CompositeFilter
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	}
	var f Filter
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, &ValidationError{Reason: "malformed filter: " + err.Error()}
	}
	f.Value = normalizeNumbers(f.Value)
	return f, nil
}

// normalizeNumbers turns json.Number into int64 when integral, else float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
