// Package resilience provides the circuit breaker and retry primitives that
// guard outbound provider calls.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// Unlike a purely in-memory breaker, its state is mirrored to a [RecordStore]
// on every transition so that an open breaker stays open across restarts.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/fault"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = fault.New(fault.ClassCircuitOpen, "circuit_open", "circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. Exactly
	// one call is allowed through; its success closes the breaker, its failure
	// re-opens it for another full timeout.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ParseState converts a persisted state string back to a [State]. Unknown
// strings map to [StateClosed] so a corrupt record fails towards availability.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Record is the durable snapshot of a breaker, persisted on every state
// transition and inspected by the admin surface.
type Record struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	LastFailureAt   time.Time `json:"last_failure_at,omitempty"`
	LastFailureCode string    `json:"last_failure_code,omitempty"`
	LastResetAt     time.Time `json:"last_reset_at,omitempty"`
	LastResetSource string    `json:"last_reset_source,omitempty"`
	LastResetReason string    `json:"last_reset_reason,omitempty"`
}

// RecordStore persists breaker records across process restarts.
type RecordStore interface {
	LoadBreaker(ctx context.Context, name string) (*Record, error)
	SaveBreaker(ctx context.Context, rec Record) error
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is the provider label used in log messages and the persisted record.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// Store, when non-nil, receives a snapshot after every state transition and
	// seeds the initial state via [CircuitBreaker.Hydrate].
	Store RecordStore

	// OnTransition, when non-nil, is invoked after every state change with the
	// breaker name and the new state. Used to feed metrics.
	OnTransition func(name string, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern with
// durable state. It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	store        RecordStore
	onTransition func(name string, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	lastFailure     time.Time
	lastFailureCode string
	lastResetAt     time.Time
	lastResetSource string
	lastResetReason string
	probeSpent      bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		store:        cfg.Store,
		onTransition: cfg.OnTransition,
		state:        StateClosed,
	}
}

// Hydrate restores breaker state from the configured [RecordStore]. A missing
// record leaves the breaker closed. Call once before serving traffic.
func (cb *CircuitBreaker) Hydrate(ctx context.Context) error {
	if cb.store == nil {
		return nil
	}
	rec, err := cb.store.LoadBreaker(ctx, cb.name)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = ParseState(rec.State)
	cb.consecutiveFail = rec.FailureCount
	cb.openedAt = rec.OpenedAt
	cb.lastFailure = rec.LastFailureAt
	cb.lastFailureCode = rec.LastFailureCode
	cb.lastResetAt = rec.LastResetAt
	cb.lastResetSource = rec.LastResetSource
	cb.lastResetReason = rec.LastResetReason
	return nil
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// probe call is permitted per reset-timeout window.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.transitionLocked(ctx, StateHalfOpen)
			cb.probeSpent = false
			slog.Info("circuit breaker transitioning to half-open",
				"name", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}

	case StateHalfOpen:
		if cb.probeSpent {
			// The probe slot is taken — everyone else fails fast.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.probeSpent = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(ctx, inHalfOpen, err)
	} else {
		cb.recordSuccess(ctx, inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(ctx context.Context, inHalfOpen bool, err error) {
	cb.lastFailure = time.Now()
	cb.lastFailureCode = fault.CodeOf(err)

	if inHalfOpen {
		// The probe failed — re-open for another full timeout.
		cb.consecutiveFail = cb.maxFailures
		cb.openedAt = time.Now()
		cb.transitionLocked(ctx, StateOpen)
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name)
		return
	}

	// Closed state.
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = time.Now()
		cb.transitionLocked(ctx, StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(ctx context.Context, inHalfOpen bool) {
	if inHalfOpen {
		cb.consecutiveFail = 0
		cb.probeSpent = false
		cb.transitionLocked(ctx, StateClosed)
		slog.Info("circuit breaker closed after successful probe",
			"name", cb.name)
		return
	}

	// Closed state — reset the consecutive failure counter on success.
	cb.consecutiveFail = 0
}

// transitionLocked sets the state, persists a snapshot, and fires the
// transition callback. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(ctx context.Context, to State) {
	cb.state = to
	if cb.store != nil {
		if err := cb.store.SaveBreaker(ctx, cb.snapshotLocked()); err != nil {
			slog.Error("failed to persist circuit breaker state",
				"name", cb.name,
				"state", to.String(),
				"error", err)
		}
	}
	if cb.onTransition != nil {
		cb.onTransition(cb.name, to)
	}
}

// snapshotLocked builds a Record from current fields. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) snapshotLocked() Record {
	return Record{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutiveFail,
		OpenedAt:        cb.openedAt,
		LastFailureAt:   cb.lastFailure,
		LastFailureCode: cb.lastFailureCode,
		LastResetAt:     cb.lastResetAt,
		LastResetSource: cb.lastResetSource,
		LastResetReason: cb.lastResetReason,
	}
}

// Snapshot returns the current durable view of the breaker.
func (cb *CircuitBreaker) Snapshot() Record {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all failure
// counters and recording who requested the reset and why.
func (cb *CircuitBreaker) Reset(ctx context.Context, source, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	cb.probeSpent = false
	cb.openedAt = time.Time{}
	cb.lastResetAt = time.Now()
	cb.lastResetSource = source
	cb.lastResetReason = reason
	cb.transitionLocked(ctx, StateClosed)
	slog.Info("circuit breaker reset",
		"name", cb.name,
		"source", source,
		"reason", reason)
}

// ResetIfOlderThan closes the breaker only when it has been open for at least
// minAge and the failure that tripped it was not authoritative (a provider
// auth or bad-request rejection will not heal with time, so those stay open
// until an operator intervenes). Used by the reconciliation loop's self-heal
// pass. Returns true when a reset was performed.
func (cb *CircuitBreaker) ResetIfOlderThan(ctx context.Context, minAge time.Duration, source, reason string) bool {
	cb.mu.Lock()
	if cb.state != StateOpen || cb.openedAt.IsZero() || time.Since(cb.openedAt) < minAge {
		cb.mu.Unlock()
		return false
	}
	switch cb.lastFailureCode {
	case "auth", "bad_request":
		cb.mu.Unlock()
		return false
	}
	cb.mu.Unlock()

	cb.Reset(ctx, source, reason)
	return true
}
