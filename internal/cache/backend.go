package cache

import (
	"context"
	"errors"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/resilience"
)

// Backend stores serialized cache entries.
type Backend interface {
	// Get returns the stored bytes; found is false on a miss.
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// DeletePattern removes every key matching the glob and returns how many
	// were removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
	Name() string
}

// Guarded wraps a remote backend in a circuit breaker so an unreachable
// store fails fast instead of stalling every request.
type Guarded struct {
	Backend
	cb *resilience.CircuitBreaker
}

// NewGuarded wraps b. Breaker transitions are exported to m.
func NewGuarded(b Backend, m *metrics.Metrics) *Guarded {
	name := "cache-" + b.Name()
	cb := resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	return &Guarded{Backend: b, cb: cb}
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := g.cb.Execute(func() error {
		var err error
		data, found, err = g.Backend.Get(ctx, key)
		return err
	})
	return data, found, err
}

func (g *Guarded) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return g.cb.Execute(func() error {
		return g.Backend.Set(ctx, key, data, ttl)
	})
}

func (g *Guarded) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var n int64
	err := g.cb.Execute(func() error {
		var err error
		n, err = g.Backend.DeletePattern(ctx, pattern)
		return err
	})
	return n, err
}

// State reports the breaker state.
func (g *Guarded) State() resilience.State {
	return g.cb.GetState()
}
