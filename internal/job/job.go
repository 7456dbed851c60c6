// Package job defines the canonical record that moves through the queue
// fabric: the envelope, the pipeline step tokens, and the idempotency key
// derivation every stage handler relies on to suppress duplicate side effects
// under at-least-once delivery.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
)

// Step identifies a pipeline stage.
type Step string

const (
	StepSTT       Step = "stt"
	StepEnhancer  Step = "enhancer"
	StepAnalytics Step = "analytics"
	StepDelivery  Step = "delivery"
)

// Queue names, one per pipeline stage.
const (
	QueueSTT       = "q:stt"
	QueueEnhancer  = "q:enhancer"
	QueueAnalytics = "q:analytics"
	QueueDelivery  = "q:delivery"
)

// Queues lists all pipeline queues in forward order.
var Queues = []string{QueueSTT, QueueEnhancer, QueueAnalytics, QueueDelivery}

// QueueFor returns the queue a step's jobs are enqueued on.
func QueueFor(s Step) string {
	return "q:" + string(s)
}

// Envelope is the canonical job record. It is stored serialised in the queue
// fabric, so every field must survive a JSON round trip.
type Envelope struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	MeetingID   string          `json:"meeting_id"`
	Step        Step            `json:"step"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// Epoch is incremented by rebuild so that re-run stages derive fresh
	// idempotency keys and are not suppressed by the previous run's markers.
	Epoch int `json:"epoch"`

	observe.Trace

	EnqueuedAt time.Time `json:"enqueued_at"`

	// VisibleAt delays delivery; the queue will not hand the job to a worker
	// before this instant. Zero means immediately visible.
	VisibleAt time.Time `json:"visible_at,omitempty"`
}

// New builds an envelope for the given step with a fresh job ID, continuing
// the supplied trace with a child span.
func New(meetingID string, step Step, payload json.RawMessage, maxAttempts, epoch int, tr observe.Trace) Envelope {
	return Envelope{
		JobID:       uuid.NewString(),
		Queue:       QueueFor(step),
		MeetingID:   meetingID,
		Step:        step,
		MaxAttempts: maxAttempts,
		Payload:     payload,
		Epoch:       epoch,
		Trace:       tr.Child(),
		EnqueuedAt:  time.Now().UTC(),
	}
}

// IdempotencyKey derives the deterministic digest handlers check before
// producing side effects. It depends only on meeting, step, payload content,
// and epoch: retries of the same job and re-deliveries after a visibility
// expiry all share the key, while a rebuild (new epoch) gets a fresh one.
func (e Envelope) IdempotencyKey() string {
	payloadSum := sha256.Sum256(e.Payload)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d",
		e.MeetingID, e.Step, hex.EncodeToString(payloadSum[:]), e.Epoch))
	return hex.EncodeToString(sum[:])
}

// IdempotencyStore records which keys have already produced side effects.
//
// Stages whose side effects are idempotent upserts check Seen at entry and
// claim with FirstUse only after the work committed, so a crash mid-stage
// redoes the work instead of losing it. Stages with non-repeatable side
// effects (delivery) claim with FirstUse up front.
type IdempotencyStore interface {
	// FirstUse atomically marks key as used and reports whether this call was
	// the first to do so.
	FirstUse(ctx context.Context, key string) (bool, error)

	// Seen reports whether key was already claimed, without claiming it.
	Seen(ctx context.Context, key string) (bool, error)
}
