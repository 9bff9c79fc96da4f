package cache

import (
	"maps"
	"strings"
	"time"
)

// Endpoint classes with their own freshness requirements.
const (
	ClassDashboard    = "dashboard"
	ClassStatus       = "status"
	ClassOverview     = "overview"
	ClassOrganMonth   = "organ-month"
	ClassTheme        = "theme"
	ClassSubject      = "subject"
	ClassCategory     = "category"
	ClassNeighborhood = "neighborhood"
	ClassPivot        = "pivot"
	ClassDistinct     = "distinct"
)

// DefaultTTL applies to endpoints outside the table.
const DefaultTTL = 60 * time.Second

var defaultTTLs = map[string]time.Duration{
	ClassDashboard:    5 * time.Second,
	ClassStatus:       15 * time.Second,
	ClassOverview:     30 * time.Second,
	ClassOrganMonth:   60 * time.Second,
	ClassTheme:        60 * time.Second,
	ClassSubject:      60 * time.Second,
	ClassCategory:     60 * time.Second,
	ClassNeighborhood: 60 * time.Second,
	ClassPivot:        120 * time.Second,
	ClassDistinct:     300 * time.Second,
}

// TTLTable resolves the time-to-live of an endpoint.
type TTLTable struct {
	ttls     map[string]time.Duration
	fallback time.Duration
}

// NewTTLTable builds the table from the defaults, applying overrides and a
// replacement default when positive.
func NewTTLTable(overrides map[string]time.Duration, def time.Duration) *TTLTable {
	ttls := maps.Clone(defaultTTLs)
	for k, v := range overrides {
		if v > 0 {
			ttls[k] = v
		}
	}
	if def <= 0 {
		def = DefaultTTL
	}
	return &TTLTable{ttls: ttls, fallback: def}
}

// TTL returns the lifetime for endpoint. Sub-endpoints such as
// "distinct.theme" inherit their class's entry.
func (t *TTLTable) TTL(endpoint string) time.Duration {
	if d, ok := t.ttls[endpoint]; ok {
		return d
	}
	if class, _, found := strings.Cut(endpoint, "."); found {
		if d, ok := t.ttls[class]; ok {
			return d
		}
	}
	return t.fallback
}
