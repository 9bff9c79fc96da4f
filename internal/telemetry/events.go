// Package telemetry records how insights queries are served: cache outcome,
// failure class and latency per endpoint. Events travel over Kafka to the
// telemetry service, which aggregates them and snapshots the totals to
// PostgreSQL.
package telemetry

import "time"

// Outcome values mirror the cache outcomes of a query.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeFallback = "fallback"
)

// Failure classes.
const (
	FailureNone       = ""
	FailureInvalid    = "invalid_input"
	FailureTimeout    = "timeout"
	FailureDatastore  = "datastore"
	FailureCompute    = "compute"
	FailureUnexpected = "internal"
)

// QueryEvent describes one insights call.
type QueryEvent struct {
	Endpoint  string    `json:"endpoint"`
	Outcome   string    `json:"outcome"`
	Failure   string    `json:"failure,omitempty"`
	Rows      int       `json:"rows"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Failed reports whether the call returned an error to the client.
func (e QueryEvent) Failed() bool {
	return e.Failure != FailureNone
}
