package filter

import "github.com/ouvidoriag/ogfinal-sub001/internal/fields"

// Without removes leaves on the storage field named by field from the
// top-level AND of n. OR branches are kept whole since dropping one of their
// children would widen the match. It returns nil when nothing is left.
func Without(n Node, field string, r *fields.Resolver) Node {
	switch t := n.(type) {
	case nil:
		return nil
	case Filter:
		if r.Resolve(t.Field) == field {
			return nil
		}
		return t
	case *CompositeFilter:
		if t.Operator != And {
			return t
		}
		kept := make([]Node, 0, len(t.Filters))
		for _, child := range t.Filters {
			if rest := Without(child, field, r); rest != nil {
				kept = append(kept, rest)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return &CompositeFilter{Operator: And, Filters: kept}
	default:
		return n
	}
}

// FromFilters wraps a flat filter list into an AND composite, or nil when the
// list is empty.
func FromFilters(filters []Filter) Node {
	if len(filters) == 0 {
		return nil
	}
	c := &CompositeFilter{Operator: And, Filters: make([]Node, 0, len(filters))}
	for _, f := range filters {
		c.Filters = append(c.Filters, f)
	}
	return c
}
