// Package connector implements the per-meeting session lifecycle over a
// conferencing provider adapter:
//
//	(absent) --Join--> joining --provider ok--> connected
//	  joining --retryable fail--> joining (retry)
//	  joining --terminal fail--> dead
//	  connected --live-pull fail x N--> disconnected --Reconnect--> joining
//	  connected --Leave--> leaving --provider ok--> (absent)
//	  disconnected --Leave--> (absent)
//
// Every public operation is serialized per meeting by a TTL-bounded
// operation lock in the broker; a concurrent operation fails fast with a
// busy error instead of racing the provider. All provider calls pass through
// the per-provider circuit breaker and the transient-only retry layer.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/broker"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/connector"
)

// ChunkSink receives live-pulled chunks; the ingest facade implements it so
// pulled media takes exactly the path client-posted media takes.
type ChunkSink interface {
	IngestPulled(ctx context.Context, meetingID string, media []byte, mimeType string) (int64, error)
}

// Config tunes a [Manager].
type Config struct {
	// OpLockTTL bounds how long one lifecycle operation may exclude others.
	// Default: 30s.
	OpLockTTL time.Duration

	// JoinIdempotentTTL makes Join return an existing connected session
	// joined within this window without a provider call. Default: 60s.
	JoinIdempotentTTL time.Duration

	// Retries and RetryBackoff tune the transient-failure retry around each
	// provider call.
	Retries      uint64
	RetryBackoff time.Duration

	// LivePullFailThreshold is the consecutive live-pull failure count that
	// forces a reconnect. Default: 3.
	LivePullFailThreshold int
}

// Manager drives connector sessions. All methods are safe for concurrent
// use; per-meeting serialization comes from the broker operation lock.
type Manager struct {
	provider connector.Provider
	store    *store.Store
	broker   *broker.Broker
	breakers *resilience.Registry
	sink     ChunkSink
	metrics  *observe.Metrics
	cfg      Config
}

// New builds a Manager.
func New(p connector.Provider, st *store.Store, br *broker.Broker, reg *resilience.Registry, sink ChunkSink, metrics *observe.Metrics, cfg Config) (*Manager, error) {
	switch {
	case p == nil:
		return nil, fmt.Errorf("connector: provider is required")
	case st == nil:
		return nil, fmt.Errorf("connector: store is required")
	case br == nil:
		return nil, fmt.Errorf("connector: broker is required")
	case reg == nil:
		return nil, fmt.Errorf("connector: breaker registry is required")
	case sink == nil:
		return nil, fmt.Errorf("connector: chunk sink is required")
	case metrics == nil:
		return nil, fmt.Errorf("connector: metrics are required")
	}
	if cfg.OpLockTTL <= 0 {
		cfg.OpLockTTL = 30 * time.Second
	}
	if cfg.JoinIdempotentTTL <= 0 {
		cfg.JoinIdempotentTTL = time.Minute
	}
	if cfg.LivePullFailThreshold <= 0 {
		cfg.LivePullFailThreshold = 3
	}
	return &Manager{
		provider: p,
		store:    st,
		broker:   br,
		breakers: reg,
		sink:     sink,
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

// Provider returns the adapter's name.
func (m *Manager) Provider() string { return m.provider.Name() }

// ErrBusy is returned when another lifecycle operation holds the meeting's
// operation lock.
var ErrBusy = fault.New(fault.ClassClient, "busy", "another connector operation is in progress for this meeting")

// withOpLock serializes fn against all other lifecycle operations on the
// meeting. The TTL covers a crashed holder; fn finishing releases early.
func (m *Manager) withOpLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	holder := "op-" + uuid.NewString()[:8]
	ok, err := m.broker.AcquireOpLock(ctx, m.provider.Name(), meetingID, holder, m.cfg.OpLockTTL)
	if err != nil {
		return fmt.Errorf("connector: acquire op lock: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	defer func() {
		if err := m.broker.ReleaseOpLock(context.WithoutCancel(ctx), m.provider.Name(), meetingID, holder); err != nil {
			observe.Logger(ctx).Error("release op lock failed",
				"meeting_id", meetingID, "error", err)
		}
	}()
	return fn(ctx)
}

// callProvider runs fn through the circuit breaker and the transient-only
// retry layer. Permanent faults and an open breaker abort immediately.
func (m *Manager) callProvider(ctx context.Context, op string, fn func() error) error {
	cb := m.breakers.Get(ctx, m.provider.Name())
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxRetries:      m.cfg.Retries,
		InitialInterval: m.cfg.RetryBackoff,
	}, func() error {
		return cb.Execute(ctx, fn)
	})

	status := "ok"
	if err != nil {
		status = fault.ClassOf(err).String()
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			m.metrics.RecordProviderError(ctx, m.provider.Name(), op)
		}
	}
	m.metrics.RecordProviderRequest(ctx, m.provider.Name(), op, status)
	return err
}

// Join connects the meeting to the provider. A connected session joined
// within the idempotent window is returned as-is without a provider call; a
// session in any other state is re-joined.
func (m *Manager) Join(ctx context.Context, meetingID string) (*store.ConnectorSession, error) {
	var out *store.ConnectorSession
	err := m.withOpLock(ctx, meetingID, func(ctx context.Context) error {
		var err error
		out, err = m.joinLocked(ctx, meetingID)
		return err
	})
	return out, err
}

// joinLocked performs the join under an already-held op lock.
func (m *Manager) joinLocked(ctx context.Context, meetingID string) (*store.ConnectorSession, error) {
	existing, err := m.store.GetSession(ctx, meetingID, m.provider.Name())
	if err != nil && !fault.IsClient(err) {
		return nil, err
	}
	if existing != nil && existing.State == store.SessionConnected &&
		time.Since(existing.JoinedAt) < m.cfg.JoinIdempotentTTL {
		return existing, nil
	}

	sess := store.ConnectorSession{
		MeetingID: meetingID,
		Provider:  m.provider.Name(),
		State:     store.SessionJoining,
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return nil, err
	}

	var handle *connector.Session
	err = m.callProvider(ctx, "join", func() error {
		var jerr error
		handle, jerr = m.provider.Join(ctx, meetingID)
		return jerr
	})
	if err != nil {
		return nil, m.failJoin(ctx, sess, err)
	}

	now := time.Now().UTC()
	sess.State = store.SessionConnected
	sess.ProviderRef = handle.ProviderRef
	sess.JoinedAt = now
	sess.LastSeen = now
	sess.LastError = ""
	sess.ConsecutiveLivePullFailures = 0
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.store.BindConnector(ctx, meetingID, m.provider.Name()); err != nil {
		return nil, err
	}

	observe.Logger(ctx).Info("connector joined",
		"meeting_id", meetingID, "provider", m.provider.Name(), "provider_ref", handle.ProviderRef)
	return &sess, nil
}

// failJoin records the join failure: terminal provider rejections kill the
// session; retryable exhaustion and an open breaker leave it joining so a
// later attempt (admin or reconciler) can pick it up.
func (m *Manager) failJoin(ctx context.Context, sess store.ConnectorSession, err error) error {
	sess.LastError = truncate(err.Error(), 300)
	if fault.ClassOf(err) == fault.ClassPermanent {
		sess.State = store.SessionDead
	}
	if uerr := m.store.UpsertSession(ctx, sess); uerr != nil {
		observe.Logger(ctx).Error("record join failure failed",
			"meeting_id", sess.MeetingID, "error", uerr)
	}
	observe.Logger(ctx).Warn("connector join failed",
		"meeting_id", sess.MeetingID, "provider", m.provider.Name(),
		"state", string(sess.State), "error", err)
	return err
}

// Leave disconnects the meeting. From connected the provider is told to
// leave; from disconnected or a failed joining state the session record is
// simply dropped.
func (m *Manager) Leave(ctx context.Context, meetingID string) error {
	return m.withOpLock(ctx, meetingID, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, meetingID, m.provider.Name())
		if err != nil {
			return err
		}

		if sess.State == store.SessionConnected {
			sess.State = store.SessionLeaving
			if err := m.store.UpsertSession(ctx, *sess); err != nil {
				return err
			}
			err = m.callProvider(ctx, "leave", func() error {
				return m.provider.Leave(ctx, meetingID, sess.ProviderRef)
			})
			if err != nil {
				sess.LastError = truncate(err.Error(), 300)
				if uerr := m.store.UpsertSession(ctx, *sess); uerr != nil {
					observe.Logger(ctx).Error("record leave failure failed",
						"meeting_id", meetingID, "error", uerr)
				}
				return err
			}
		}

		if err := m.store.DeleteSession(ctx, meetingID, m.provider.Name()); err != nil {
			return err
		}
		observe.Logger(ctx).Info("connector left",
			"meeting_id", meetingID, "provider", m.provider.Name())
		return nil
	})
}

// Reconnect forces a fresh join regardless of the session's current state.
func (m *Manager) Reconnect(ctx context.Context, meetingID string) (*store.ConnectorSession, error) {
	var out *store.ConnectorSession
	err := m.withOpLock(ctx, meetingID, func(ctx context.Context) error {
		var err error
		out, err = m.reconnectLocked(ctx, meetingID)
		return err
	})
	return out, err
}

// reconnectLocked bypasses the idempotent-join shortcut by marking the
// session disconnected first.
func (m *Manager) reconnectLocked(ctx context.Context, meetingID string) (*store.ConnectorSession, error) {
	sess, err := m.store.GetSession(ctx, meetingID, m.provider.Name())
	if err != nil {
		return nil, err
	}
	sess.State = store.SessionDisconnected
	if err := m.store.UpsertSession(ctx, *sess); err != nil {
		return nil, err
	}
	return m.joinLocked(ctx, meetingID)
}

// Status returns the session record without taking the operation lock;
// reads never block lifecycle operations.
func (m *Manager) Status(ctx context.Context, meetingID string) (*store.ConnectorSession, error) {
	return m.store.GetSession(ctx, meetingID, m.provider.Name())
}

// PullResult summarises one live-pull cycle.
type PullResult struct {
	MeetingID     string `json:"meeting_id"`
	Pulled        int    `json:"pulled"`
	Invalid       int    `json:"invalid"`
	Reconnected   bool   `json:"reconnected,omitempty"`
	FailureStreak int    `json:"failure_streak,omitempty"`
}

// LivePull fetches the next chunk batch from a connected session and feeds
// each valid chunk through the ingest path. Invalid chunks are counted, not
// propagated. After the configured consecutive-failure threshold the session
// is forced through a reconnect.
func (m *Manager) LivePull(ctx context.Context, meetingID string, batchLimit int) (*PullResult, error) {
	var out *PullResult
	err := m.withOpLock(ctx, meetingID, func(ctx context.Context) error {
		var err error
		out, err = m.livePullLocked(ctx, meetingID, batchLimit)
		return err
	})
	return out, err
}

func (m *Manager) livePullLocked(ctx context.Context, meetingID string, batchLimit int) (*PullResult, error) {
	sess, err := m.store.GetSession(ctx, meetingID, m.provider.Name())
	if err != nil {
		return nil, err
	}
	if sess.State != store.SessionConnected {
		return nil, fault.New(fault.ClassClient, "not_connected",
			"meeting %s session is %s; live-pull requires connected", meetingID, sess.State)
	}
	if batchLimit <= 0 {
		batchLimit = 16
	}

	var chunks []connector.Chunk
	err = m.callProvider(ctx, "live_pull", func() error {
		var perr error
		chunks, perr = m.provider.PullChunks(ctx, meetingID, sess.ProviderRef, batchLimit)
		return perr
	})
	if err != nil {
		return m.failLivePull(ctx, meetingID, err)
	}

	result := &PullResult{MeetingID: meetingID}
	for _, c := range chunks {
		if !c.Valid() {
			result.Invalid++
			m.metrics.InvalidChunks.Add(ctx, 1, metric.WithAttributes(
				observe.Attr("provider", m.provider.Name())))
			continue
		}
		if _, err := m.sink.IngestPulled(ctx, meetingID, c.Media, c.MIMEType); err != nil {
			return m.failLivePull(ctx, meetingID, err)
		}
		result.Pulled++
	}

	if err := m.store.TouchSession(ctx, meetingID, m.provider.Name()); err != nil {
		return nil, err
	}
	return result, nil
}

// failLivePull records a failed cycle and reconnects once the consecutive
// failure streak reaches the threshold.
func (m *Manager) failLivePull(ctx context.Context, meetingID string, cause error) (*PullResult, error) {
	m.metrics.LivePullFailures.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("provider", m.provider.Name())))

	streak, err := m.store.RecordLivePullFailure(ctx, meetingID, m.provider.Name(), truncate(cause.Error(), 300))
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	observe.Logger(ctx).Warn("live pull failed",
		"meeting_id", meetingID, "provider", m.provider.Name(),
		"failure_streak", streak, "error", cause)

	if streak < m.cfg.LivePullFailThreshold {
		return &PullResult{MeetingID: meetingID, FailureStreak: streak}, cause
	}

	// Threshold reached; the session is presumed stale. Reconnect under the
	// lock we already hold.
	if _, rerr := m.reconnectLocked(ctx, meetingID); rerr != nil {
		return &PullResult{MeetingID: meetingID, FailureStreak: streak}, errors.Join(cause, rerr)
	}
	return &PullResult{MeetingID: meetingID, FailureStreak: streak, Reconnected: true}, cause
}

// Sessions lists non-terminal sessions, optionally only those stale before
// the cutoff.
func (m *Manager) Sessions(ctx context.Context, staleBefore time.Time, limit int) ([]store.ConnectorSession, error) {
	return m.store.ListSessions(ctx, staleBefore, limit)
}

// Breaker returns the provider's circuit breaker for admin inspection and
// reset.
func (m *Manager) Breaker(ctx context.Context) *resilience.CircuitBreaker {
	return m.breakers.Get(ctx, m.provider.Name())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
