// Package reconcile runs the background loop that keeps connector sessions
// honest: stale connected sessions are reconnected, connected sessions are
// live-pulled for media the client never posted, and an old tripped circuit
// breaker is given a second chance when its last failure was not
// authoritative.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/internal/connector"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// Config tunes the loop.
type Config struct {
	// Interval between cycles. Default: 30s.
	Interval time.Duration

	// StaleAfter is how long a session may go without a successful live pull
	// before it is treated as stale and reconnected. Default: 2m.
	StaleAfter time.Duration

	// ReconnectLimit bounds reconnect attempts per cycle.
	ReconnectLimit int

	// LivePullSessions bounds how many connected sessions are pulled per
	// cycle; LivePullBatch bounds chunks per session per cycle.
	LivePullSessions int
	LivePullBatch    int

	// SelfHealBreaker enables the breaker auto-reset, and BreakerMinAge is
	// how long a breaker must have been open before it qualifies.
	SelfHealBreaker bool
	BreakerMinAge   time.Duration
}

// Summary reports what one cycle did; the admin reconcile-now endpoint
// returns it verbatim.
type Summary struct {
	StaleSessions int                    `json:"stale_sessions"`
	Reconnected   int                    `json:"reconnected"`
	ReconnectErrs int                    `json:"reconnect_errors"`
	PulledChunks  int                    `json:"pulled_chunks"`
	PullErrs      int                    `json:"pull_errors"`
	BreakerReset  bool                   `json:"breaker_reset"`
	Pulls         []connector.PullResult `json:"pulls,omitempty"`
}

// Loop owns the periodic reconciliation cycle.
type Loop struct {
	mgr *connector.Manager
	cfg Config
}

// New builds a Loop around the connector manager.
func New(mgr *connector.Manager, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.ReconnectLimit <= 0 {
		cfg.ReconnectLimit = 10
	}
	if cfg.LivePullSessions <= 0 {
		cfg.LivePullSessions = 20
	}
	if cfg.LivePullBatch <= 0 {
		cfg.LivePullBatch = 16
	}
	if cfg.BreakerMinAge <= 0 {
		cfg.BreakerMinAge = 5 * time.Minute
	}
	return &Loop{mgr: mgr, cfg: cfg}
}

// Run cycles until ctx is cancelled. Returns nil on cancellation so an
// errgroup does not treat shutdown as failure.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sum := l.RunOnce(ctx)
			if sum.Reconnected+sum.ReconnectErrs+sum.PulledChunks+sum.PullErrs > 0 || sum.BreakerReset {
				observe.Logger(ctx).Info("reconcile cycle",
					"stale", sum.StaleSessions,
					"reconnected", sum.Reconnected, "reconnect_errors", sum.ReconnectErrs,
					"pulled_chunks", sum.PulledChunks, "pull_errors", sum.PullErrs,
					"breaker_reset", sum.BreakerReset)
			}
		}
	}
}

// RunOnce executes one reconciliation cycle. Per-session failures are
// recorded in the summary, never fatal: the next cycle retries.
func (l *Loop) RunOnce(ctx context.Context) Summary {
	var sum Summary
	l.reconnectStale(ctx, &sum)
	l.pullConnected(ctx, &sum)
	l.healBreaker(ctx, &sum)
	return sum
}

// reconnectStale re-joins sessions that stopped reporting. Sessions stuck in
// joining or disconnected by a crashed operation land here too, once their
// last_seen ages past the cutoff.
func (l *Loop) reconnectStale(ctx context.Context, sum *Summary) {
	cutoff := time.Now().Add(-l.cfg.StaleAfter)
	stale, err := l.mgr.Sessions(ctx, cutoff, l.cfg.ReconnectLimit)
	if err != nil {
		observe.Logger(ctx).Error("reconcile: list stale sessions failed", "error", err)
		return
	}
	sum.StaleSessions = len(stale)

	for _, sess := range stale {
		if sess.State == store.SessionLeaving {
			continue
		}
		if _, err := l.mgr.Reconnect(ctx, sess.MeetingID); err != nil {
			sum.ReconnectErrs++
			if !errors.Is(err, connector.ErrBusy) {
				observe.Logger(ctx).Warn("reconcile: reconnect failed",
					"meeting_id", sess.MeetingID, "error", err)
			}
			continue
		}
		sum.Reconnected++
	}
}

// pullConnected fetches pending media from connected sessions. A busy
// operation lock just means someone else is working the session; skip it.
func (l *Loop) pullConnected(ctx context.Context, sum *Summary) {
	sessions, err := l.mgr.Sessions(ctx, time.Time{}, l.cfg.LivePullSessions)
	if err != nil {
		observe.Logger(ctx).Error("reconcile: list sessions failed", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.State != store.SessionConnected {
			continue
		}
		res, err := l.mgr.LivePull(ctx, sess.MeetingID, l.cfg.LivePullBatch)
		if err != nil {
			if !errors.Is(err, connector.ErrBusy) {
				sum.PullErrs++
			}
			if res != nil {
				sum.Pulls = append(sum.Pulls, *res)
			}
			continue
		}
		sum.PulledChunks += res.Pulled
		sum.Pulls = append(sum.Pulls, *res)
	}
}

// healBreaker resets a long-open breaker so the next provider call probes it.
// The breaker itself refuses the reset when its last failure was an auth or
// bad-request error, since retrying those cannot help.
func (l *Loop) healBreaker(ctx context.Context, sum *Summary) {
	if !l.cfg.SelfHealBreaker {
		return
	}
	cb := l.mgr.Breaker(ctx)
	if cb.ResetIfOlderThan(ctx, l.cfg.BreakerMinAge, "reconciler", "self-heal after open timeout") {
		sum.BreakerReset = true
	}
}
