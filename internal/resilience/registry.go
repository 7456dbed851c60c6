package resilience

import (
	"context"
	"sync"
	"time"
)

// Registry hands out one [CircuitBreaker] per provider name, creating and
// hydrating breakers lazily on first use.
type Registry struct {
	maxFailures  int
	resetTimeout time.Duration
	store        RecordStore
	onTransition func(name string, to State)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// RegistryConfig configures breakers created by a [Registry]. The zero values
// fall back to the [CircuitBreakerConfig] defaults.
type RegistryConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Store        RecordStore
	OnTransition func(name string, to State)
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		store:        cfg.Store,
		onTransition: cfg.OnTransition,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating and hydrating it on first use.
// Hydration errors are swallowed: a breaker that cannot load its persisted
// record starts closed.
func (r *Registry) Get(ctx context.Context, name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  r.maxFailures,
		ResetTimeout: r.resetTimeout,
		Store:        r.store,
		OnTransition: r.onTransition,
	})
	_ = cb.Hydrate(ctx)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns the durable view of every breaker created so far.
func (r *Registry) Snapshots() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]Record, 0, len(r.breakers))
	for _, cb := range r.breakers {
		recs = append(recs, cb.Snapshot())
	}
	return recs
}
