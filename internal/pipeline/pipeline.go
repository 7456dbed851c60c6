// Package pipeline implements the four staged handlers that turn ingested
// audio chunks into delivered analytics reports:
//
//	q:stt       — transcribe one chunk, assemble the raw transcript
//	q:enhancer  — rewrite the raw transcript via the LLM
//	q:analytics — build the report and scorecard artifacts
//	q:delivery  — send the report per the meeting's delivery recipe
//
// Each handler derives an idempotency key from its envelope and suppresses
// duplicate side effects under at-least-once delivery. In broker mode the
// stages run on worker pools; in inline mode [Pipeline.Dispatch] executes
// them synchronously in the ingest request path, producing identical
// artifacts with no retries.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/provider/delivery"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Enqueuer hands a job envelope to the queue fabric. Nil in [Config] selects
// inline mode, where enqueueing dispatches the handler synchronously.
type Enqueuer interface {
	Enqueue(ctx context.Context, env job.Envelope) error
}

// Config wires a [Pipeline].
type Config struct {
	Store    *store.Store
	Blobs    blob.Store
	STT      stt.Provider
	LLM      llm.Provider
	Delivery delivery.Provider
	Metrics  *observe.Metrics

	// Enqueuer routes stage-to-stage handoffs. Nil runs stages inline.
	Enqueuer Enqueuer

	// MaxAttempts is the delivery attempt budget stamped on every envelope.
	MaxAttempts int
}

// Pipeline owns the stage handlers and their shared dependencies.
type Pipeline struct {
	store    *store.Store
	blobs    blob.Store
	stt      stt.Provider
	llm      llm.Provider
	delivery delivery.Provider
	metrics  *observe.Metrics
	enq      Enqueuer
	attempts int
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case cfg.Blobs == nil:
		return nil, fmt.Errorf("pipeline: blob store is required")
	case cfg.STT == nil:
		return nil, fmt.Errorf("pipeline: stt provider is required")
	case cfg.LLM == nil:
		return nil, fmt.Errorf("pipeline: llm provider is required")
	case cfg.Delivery == nil:
		return nil, fmt.Errorf("pipeline: delivery provider is required")
	case cfg.Metrics == nil:
		return nil, fmt.Errorf("pipeline: metrics are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Pipeline{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		stt:      cfg.STT,
		llm:      cfg.LLM,
		delivery: cfg.Delivery,
		metrics:  cfg.Metrics,
		enq:      cfg.Enqueuer,
		attempts: cfg.MaxAttempts,
	}, nil
}

// Inline reports whether stages execute synchronously.
func (p *Pipeline) Inline() bool { return p.enq == nil }

// STTPayload is the q:stt job body. A chunk job carries the media reference;
// a finalize job carries Finalize=true and no chunk fields.
type STTPayload struct {
	ChunkSeq int64  `json:"chunk_seq"`
	MediaRef string `json:"media_ref,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Finalize bool   `json:"finalize,omitempty"`
}

// StagePayload is the body of enhancer, analytics, and delivery jobs. The
// stages are meeting-level; the envelope already carries the meeting ID, so
// the payload only pins the rebuild epoch into the idempotency key.
type StagePayload struct {
	Epoch int `json:"epoch"`
}

// TranscriptSegment is one transcribed chunk inside the raw transcript.
type TranscriptSegment struct {
	ChunkSeq    int64   `json:"chunk_seq"`
	Text        string  `json:"text"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// RawTranscript is the raw_transcript artifact content.
type RawTranscript struct {
	Segments []TranscriptSegment `json:"segments"`
}

// Transcript is the enhanced_transcript artifact content.
type Transcript struct {
	Text string `json:"text"`
}

// Report is the report artifact content.
type Report struct {
	Markdown string `json:"markdown"`
	Summary  string `json:"summary,omitempty"`
}

// Scorecard is the scorecard artifact content. Scores is the model's JSON
// when it parsed; Raw preserves the reply when it did not.
type Scorecard struct {
	Scores json.RawMessage `json:"scores,omitempty"`
	Raw    string          `json:"raw,omitempty"`
}

// DeliveryRecipe is the meeting-level delivery instruction consumed by the
// delivery stage. An empty Emails list means no delivery.
type DeliveryRecipe struct {
	Emails           []string `json:"emails"`
	Subject          string   `json:"subject,omitempty"`
	AttachTranscript bool     `json:"attach_transcript,omitempty"`
}

// SubmitChunk enqueues the STT job for one persisted chunk. In inline mode
// the chunk is transcribed before SubmitChunk returns.
func (p *Pipeline) SubmitChunk(ctx context.Context, meetingID string, epoch int, chunkSeq int64, mediaRef, mimeType string) error {
	payload, err := json.Marshal(STTPayload{ChunkSeq: chunkSeq, MediaRef: mediaRef, MIMEType: mimeType})
	if err != nil {
		return fmt.Errorf("pipeline: marshal stt payload: %w", err)
	}
	return p.enqueue(ctx, p.newEnvelope(ctx, meetingID, job.StepSTT, payload, epoch))
}

// SubmitFinalize enqueues the finalize marker that moves the meeting from
// chunk ingestion into the meeting-level stages. In inline mode the whole
// downstream pipeline runs before SubmitFinalize returns.
func (p *Pipeline) SubmitFinalize(ctx context.Context, meetingID string, epoch int) error {
	payload, err := json.Marshal(STTPayload{Finalize: true})
	if err != nil {
		return fmt.Errorf("pipeline: marshal finalize payload: %w", err)
	}
	return p.enqueue(ctx, p.newEnvelope(ctx, meetingID, job.StepSTT, payload, epoch))
}

// submitStage enqueues a meeting-level stage job.
func (p *Pipeline) submitStage(ctx context.Context, meetingID string, step job.Step, epoch int) error {
	payload, err := json.Marshal(StagePayload{Epoch: epoch})
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s payload: %w", step, err)
	}
	return p.enqueue(ctx, p.newEnvelope(ctx, meetingID, step, payload, epoch))
}

func (p *Pipeline) newEnvelope(ctx context.Context, meetingID string, step job.Step, payload json.RawMessage, epoch int) job.Envelope {
	tr, ok := observe.TraceFromContext(ctx)
	if !ok {
		tr = observe.NewTrace()
	}
	return job.New(meetingID, step, payload, p.attempts, epoch, tr)
}

// enqueue hands the envelope to the broker, or dispatches it synchronously
// in inline mode.
func (p *Pipeline) enqueue(ctx context.Context, env job.Envelope) error {
	if p.enq != nil {
		return p.enq.Enqueue(ctx, env)
	}
	return p.Dispatch(ctx, env)
}

// Dispatch executes the handler matching the envelope's step. Inline mode's
// execution path; failures surface directly to the caller with no retry.
func (p *Pipeline) Dispatch(ctx context.Context, env job.Envelope) error {
	switch env.Step {
	case job.StepSTT:
		return p.HandleSTT(ctx, env)
	case job.StepEnhancer:
		return p.HandleEnhance(ctx, env)
	case job.StepAnalytics:
		return p.HandleAnalytics(ctx, env)
	case job.StepDelivery:
		return p.HandleDeliver(ctx, env)
	default:
		return fmt.Errorf("pipeline: unknown step %q", env.Step)
	}
}

// completeMeeting moves the meeting to done. Called by the last stage that
// runs for a meeting (analytics without a recipe, delivery otherwise).
func (p *Pipeline) completeMeeting(ctx context.Context, meetingID string) error {
	if err := p.store.UpdateStatus(ctx, meetingID, store.StatusDone, false); err != nil {
		return err
	}
	observe.Logger(ctx).Info("meeting completed", "meeting_id", meetingID)
	return nil
}

// recipe loads and parses the meeting's delivery recipe. A missing or empty
// recipe returns a zero value, not an error.
func (p *Pipeline) recipe(ctx context.Context, meetingID string) (DeliveryRecipe, error) {
	m, err := p.store.GetMeeting(ctx, meetingID, "")
	if err != nil {
		return DeliveryRecipe{}, err
	}
	var r DeliveryRecipe
	if len(m.DeliveryRecipe) > 0 {
		if err := json.Unmarshal(m.DeliveryRecipe, &r); err != nil {
			return DeliveryRecipe{}, fmt.Errorf("pipeline: parse delivery recipe for %s: %w", meetingID, err)
		}
	}
	return r, nil
}

// timed wraps a provider call with the standard request/error metrics and a
// duration log line.
func (p *Pipeline) timed(ctx context.Context, provider, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, provider, op)
	}
	p.metrics.RecordProviderRequest(ctx, provider, op, status)
	observe.Logger(ctx).Debug("provider call",
		"provider", provider, "op", op, "status", status, "duration", time.Since(start))
	return err
}
