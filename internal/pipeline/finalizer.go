package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// Finalizer is the implicit finalize signal: a periodic scan that finalizes
// meetings still ingesting after a configured silence following their last
// chunk. The explicit finalize endpoint and WebSocket frame always win — an
// explicitly finalized meeting has left the ingesting status and is skipped
// here.
type Finalizer struct {
	store      *store.Store
	pipe       *Pipeline
	inactivity time.Duration
	interval   time.Duration
	limit      int
}

// NewFinalizer builds a Finalizer. inactivity <= 0 disables the timer; Run
// then returns immediately.
func NewFinalizer(st *store.Store, pipe *Pipeline, inactivity time.Duration) *Finalizer {
	return &Finalizer{
		store:      st,
		pipe:       pipe,
		inactivity: inactivity,
		interval:   15 * time.Second,
		limit:      50,
	}
}

// Run ticks until ctx is cancelled. Always returns nil on cancellation so an
// errgroup does not treat shutdown as failure.
func (f *Finalizer) Run(ctx context.Context) error {
	if f.inactivity <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

// sweep finalizes every ingesting meeting whose last chunk is older than the
// inactivity window. Per-meeting failures are logged and skipped; the next
// tick retries them.
func (f *Finalizer) sweep(ctx context.Context) {
	meetings, err := f.store.ListMeetingsByStatus(ctx, store.StatusIngesting, f.limit)
	if err != nil {
		observe.Logger(ctx).Error("finalizer: list meetings failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-f.inactivity)

	for _, m := range meetings {
		last, err := f.store.LastChunkAt(ctx, m.ID)
		if err != nil {
			observe.Logger(ctx).Error("finalizer: last chunk lookup failed",
				"meeting_id", m.ID, "error", err)
			continue
		}
		if last.IsZero() || last.After(cutoff) {
			continue
		}

		if err := f.pipe.SubmitFinalize(ctx, m.ID, m.Epoch); err != nil {
			observe.Logger(ctx).Error("finalizer: finalize failed",
				"meeting_id", m.ID, "error", err)
			continue
		}
		observe.Logger(ctx).Info("meeting finalized by inactivity",
			"meeting_id", m.ID, "last_chunk_at", last)
	}
}
