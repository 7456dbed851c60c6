package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// memStore is an in-memory RecordStore for tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]Record)}
}

func (s *memStore) LoadBreaker(_ context.Context, name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[name]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) SaveBreaker(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Name] = rec
	return nil
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	err := cb.Execute(t.Context(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	// 3 consecutive failures should open the breaker.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(t.Context(), func() error { return errTest })
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after %d failures", cb.State(), 3)
	}

	// Next call should be rejected.
	err := cb.Execute(t.Context(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 3,
	})

	// 2 failures, then a success — should not open.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	// Need 3 more consecutive failures to open now.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// State() should now report half-open.
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State())
	}
}

func TestCircuitBreaker_SingleProbeClosesBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// One successful probe closes the breaker.
	calls := 0
	err := cb.Execute(t.Context(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("probe: unexpected error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after a single successful probe", cb.State())
	}
	if calls != 1 {
		t.Fatalf("provider calls = %d, want exactly 1 probe", calls)
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbePerWindow(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})

	_ = cb.Execute(t.Context(), func() error { return errTest })
	time.Sleep(15 * time.Millisecond)

	// A slow probe holds the slot: concurrent calls must fail fast without
	// reaching the provider.
	calls := 0
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(context.Background(), func() error {
			calls++
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	err := cb.Execute(t.Context(), func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call during probe: err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("provider calls = %d, want exactly 1 probe in the window", calls)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// A failure in half-open should re-open.
	err := cb.Execute(t.Context(), func() error { return errTest })
	if err == nil {
		t.Fatal("expected error from failing probe")
	}

	// Should be open again (not half-open since lastFailure was just set).
	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestCircuitBreaker_ResetRecordsProvenance(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Open the breaker.
	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset(t.Context(), "admin", "provider recovered")
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	rec := cb.Snapshot()
	if rec.LastResetSource != "admin" {
		t.Errorf("LastResetSource = %q, want %q", rec.LastResetSource, "admin")
	}
	if rec.LastResetReason != "provider recovered" {
		t.Errorf("LastResetReason = %q, want %q", rec.LastResetReason, "provider recovered")
	}
	if rec.LastResetAt.IsZero() {
		t.Error("LastResetAt should be set after reset")
	}

	// Should work normally again.
	err := cb.Execute(t.Context(), func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestCircuitBreaker_ResetIfOlderThan(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(t.Context(), func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Too fresh to self-heal.
	if cb.ResetIfOlderThan(t.Context(), time.Hour, "reconciler", "self-heal") {
		t.Fatal("reset should be refused for a freshly opened breaker")
	}
	if cb.State() != StateOpen {
		t.Fatal("state should remain open")
	}

	// Old enough.
	if !cb.ResetIfOlderThan(t.Context(), 0, "reconciler", "self-heal") {
		t.Fatal("reset should be performed once the breaker is old enough")
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after self-heal", cb.State())
	}
	if got := cb.Snapshot().LastResetSource; got != "reconciler" {
		t.Errorf("LastResetSource = %q, want %q", got, "reconciler")
	}
}

func TestCircuitBreaker_PersistsTransitions(t *testing.T) {
	store := newMemStore()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "jazz",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		Store:        store,
	})

	_ = cb.Execute(t.Context(), func() error { return errTest })
	_ = cb.Execute(t.Context(), func() error { return errTest })

	rec, err := store.LoadBreaker(t.Context(), "jazz")
	if err != nil {
		t.Fatalf("LoadBreaker() error = %v", err)
	}
	if rec == nil {
		t.Fatal("expected persisted record after opening")
	}
	if rec.State != "open" {
		t.Errorf("persisted state = %q, want %q", rec.State, "open")
	}
	if rec.FailureCount != 2 {
		t.Errorf("persisted failure count = %d, want 2", rec.FailureCount)
	}
}

func TestCircuitBreaker_HydrateRestoresOpenState(t *testing.T) {
	store := newMemStore()
	_ = store.SaveBreaker(t.Context(), Record{
		Name:          "jazz",
		State:         "open",
		FailureCount:  5,
		OpenedAt:      time.Now(),
		LastFailureAt: time.Now(),
	})

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "jazz",
		MaxFailures:  5,
		ResetTimeout: time.Hour,
		Store:        store,
	})
	if err := cb.Hydrate(t.Context()); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	err := cb.Execute(t.Context(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen after hydrating an open record", err)
	}
}

func TestCircuitBreaker_OnTransition(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		OnTransition: func(_ string, to State) {
			transitions = append(transitions, to)
		},
	})

	_ = cb.Execute(t.Context(), func() error { return errTest })
	cb.Reset(t.Context(), "admin", "test")

	want := []State{StateOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestParseState_RoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if got := ParseState(s.String()); got != s {
			t.Errorf("ParseState(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseState("garbage"); got != StateClosed {
		t.Errorf("ParseState(garbage) = %v, want closed", got)
	}
}

func TestRegistry_SharesBreakerPerName(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	a := r.Get(t.Context(), "jazz")
	b := r.Get(t.Context(), "jazz")
	if a != b {
		t.Fatal("Get() should return the same breaker for the same name")
	}
	if c := r.Get(t.Context(), "mock"); c == a {
		t.Fatal("Get() should return distinct breakers per name")
	}

	if got := len(r.Snapshots()); got != 2 {
		t.Errorf("Snapshots() len = %d, want 2", got)
	}
}
