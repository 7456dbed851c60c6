package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/blob/fs"
	deliverymock "github.com/MrWong99/parley/pkg/provider/delivery/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

// fixture runs the whole pipeline inline: every stage executes synchronously
// inside AddChunk/Finalize, exactly as in single-process deployments.
type fixture struct {
	store     *store.Store
	pipe      *pipeline.Pipeline
	ingest    *ingest.Ingestor
	stt       *sttmock.Provider
	llm       *llmmock.Provider
	deliverer *deliverymock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `
		DROP TABLE IF EXISTS idempotency_keys, security_audit_events,
			connector_sessions, artifacts, chunks, meetings CASCADE`)
	if err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)

	blobs, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		store:     st,
		stt:       &sttmock.Provider{},
		llm:       &llmmock.Provider{},
		deliverer: &deliverymock.Provider{},
	}
	f.pipe, err = pipeline.New(pipeline.Config{
		Store:    st,
		Blobs:    blobs,
		STT:      f.stt,
		LLM:      f.llm,
		Delivery: f.deliverer,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	f.ingest = ingest.New(st, blobs, f.pipe, metrics)
	return f
}

func (f *fixture) startMeeting(t *testing.T, id string, delivery json.RawMessage) {
	t.Helper()
	_, err := f.ingest.StartMeeting(context.Background(), "", ingest.StartRequest{
		MeetingID: id,
		Delivery:  delivery,
	})
	if err != nil {
		t.Fatalf("StartMeeting(%s): %v", id, err)
	}
}

func (f *fixture) artifact(t *testing.T, meetingID string, kind store.ArtifactKind) *store.Artifact {
	t.Helper()
	a, err := f.store.GetArtifact(context.Background(), meetingID, kind)
	if err != nil {
		t.Fatalf("GetArtifact(%s, %s): %v", meetingID, kind, err)
	}
	return a
}

func TestInlinePipeline_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", nil)

	for _, media := range []string{"first chunk audio", "second chunk audio"} {
		if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte(media), "audio/wav", "http"); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
	if err := f.ingest.Finalize(ctx, "m-1", ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	m, err := f.store.GetMeeting(ctx, "m-1", "")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if m.Status != store.StatusDone {
		t.Errorf("status = %s, want done", m.Status)
	}

	var raw pipeline.RawTranscript
	if err := json.Unmarshal(f.artifact(t, "m-1", store.ArtifactRawTranscript).Content, &raw); err != nil {
		t.Fatalf("decode raw transcript: %v", err)
	}
	if len(raw.Segments) != 2 {
		t.Fatalf("raw segments = %d, want 2", len(raw.Segments))
	}
	if raw.Segments[0].ChunkSeq != 0 || raw.Segments[1].ChunkSeq != 1 {
		t.Errorf("segments out of order: %+v", raw.Segments)
	}

	var enhanced pipeline.Transcript
	if err := json.Unmarshal(f.artifact(t, "m-1", store.ArtifactEnhancedTranscript).Content, &enhanced); err != nil {
		t.Fatalf("decode enhanced transcript: %v", err)
	}
	if enhanced.Text == "" {
		t.Error("enhanced transcript is empty")
	}

	var report pipeline.Report
	if err := json.Unmarshal(f.artifact(t, "m-1", store.ArtifactReport).Content, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Markdown == "" {
		t.Error("report is empty")
	}

	// No delivery recipe: nothing was sent.
	if f.deliverer.SentCount() != 0 {
		t.Errorf("sent %d messages, want 0 without a recipe", f.deliverer.SentCount())
	}
}

func TestInlinePipeline_Delivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", json.RawMessage(`{"emails":["ops@example.com"],"attach_transcript":true}`))

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte("audio"), "audio/wav", "http"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := f.ingest.Finalize(ctx, "m-1", ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if f.deliverer.SentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", f.deliverer.SentCount())
	}
	msg := f.deliverer.Sent[0]
	if len(msg.To) != 1 || msg.To[0] != "ops@example.com" {
		t.Errorf("recipients = %v", msg.To)
	}
	if msg.Subject != "Meeting report: m-1" {
		t.Errorf("subject = %q, want default", msg.Subject)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "transcript.txt" {
		t.Errorf("attachments = %+v, want transcript.txt", msg.Attachments)
	}

	m, err := f.store.GetMeeting(ctx, "m-1", "")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if m.Status != store.StatusDone {
		t.Errorf("status = %s, want done", m.Status)
	}
}

func TestInlinePipeline_ScorecardParsesModelJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.Response = &llm.CompletionResponse{Content: `{"clarity":{"score":4,"rationale":"clear"}}`}
	f.startMeeting(t, "m-1", nil)

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte("audio"), "audio/wav", "http"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := f.ingest.Finalize(ctx, "m-1", ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var sc pipeline.Scorecard
	if err := json.Unmarshal(f.artifact(t, "m-1", store.ArtifactScorecard).Content, &sc); err != nil {
		t.Fatalf("decode scorecard: %v", err)
	}
	if len(sc.Scores) == 0 {
		t.Errorf("scorecard = %+v, want parsed scores", sc)
	}
	if sc.Raw != "" {
		t.Errorf("raw fallback populated alongside parsed scores: %q", sc.Raw)
	}
}

func TestHandleSTT_DuplicateDeliveryIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", nil)

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte("audio"), "audio/wav", "http"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	calls := f.stt.CallCount()

	// Re-deliver the same chunk job, as the broker would after a visibility
	// expiry.
	payload, _ := json.Marshal(pipeline.STTPayload{
		ChunkSeq: 0,
		MediaRef: "meetings/m-1/chunks/0.bin",
		MIMEType: "audio/wav",
	})
	env := job.New("m-1", job.StepSTT, payload, 3, 0, observe.NewTrace())
	if err := f.pipe.HandleSTT(ctx, env); err != nil {
		t.Fatalf("HandleSTT redelivery: %v", err)
	}
	if f.stt.CallCount() != calls {
		t.Errorf("transcribe calls = %d, want %d (duplicate suppressed)", f.stt.CallCount(), calls)
	}
}

func TestHandleDeliver_DuplicateDeliverySendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", json.RawMessage(`{"emails":["ops@example.com"]}`))

	report, _ := json.Marshal(pipeline.Report{Markdown: "# Report"})
	err := f.store.UpsertArtifact(ctx, store.Artifact{
		MeetingID: "m-1", Kind: store.ArtifactReport, Content: report, Epoch: 1,
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	if err := f.store.UpdateStatus(ctx, "m-1", store.StatusIngesting, false); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := f.store.UpdateStatus(ctx, "m-1", store.StatusProcessing, false); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	payload, _ := json.Marshal(pipeline.StagePayload{Epoch: 1})
	env := job.New("m-1", job.StepDelivery, payload, 3, 1, observe.NewTrace())

	if err := f.pipe.HandleDeliver(ctx, env); err != nil {
		t.Fatalf("first HandleDeliver: %v", err)
	}
	if err := f.pipe.HandleDeliver(ctx, env); err != nil {
		t.Fatalf("second HandleDeliver: %v", err)
	}
	if f.deliverer.SentCount() != 1 {
		t.Errorf("sent %d messages, want exactly 1", f.deliverer.SentCount())
	}
}

func TestFinalize_AlreadyDoneIsClientFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", nil)

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte("audio"), "audio/wav", "http"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := f.ingest.Finalize(ctx, "m-1", ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	err := f.ingest.Finalize(ctx, "m-1", "")
	if fault.CodeOf(err) != "meeting_closed" {
		t.Errorf("second Finalize = %v, want meeting_closed", err)
	}
}

func TestAddChunk_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", nil)

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", nil, "audio/wav", "http"); fault.CodeOf(err) != "empty_chunk" {
		t.Errorf("empty chunk error = %v, want empty_chunk", err)
	}
	if _, err := f.ingest.AddChunk(ctx, "missing", "", []byte("a"), "audio/wav", "http"); fault.CodeOf(err) != "meeting_not_found" {
		t.Errorf("missing meeting error = %v, want meeting_not_found", err)
	}

	// Tenancy: a chunk posted under the wrong tenant never sees the meeting.
	f.startMeeting(t, "m-2", nil) // tenant ""
	if _, err := f.ingest.AddChunk(ctx, "m-2", "other-tenant", []byte("a"), "audio/wav", "http"); !fault.IsClient(err) {
		t.Errorf("cross-tenant error = %v, want client fault", err)
	}
}

func TestRebuild_FromAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startMeeting(t, "m-1", nil)

	if _, err := f.ingest.AddChunk(ctx, "m-1", "", []byte("audio"), "audio/wav", "http"); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := f.ingest.Finalize(ctx, "m-1", ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f.llm.Response = &llm.CompletionResponse{Content: "# Report\nRevised summary line"}
	res, err := f.pipe.Rebuild(ctx, "m-1", job.StepAnalytics)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Epoch != 1 {
		t.Errorf("epoch = %d, want 1 after the first rebuild", res.Epoch)
	}

	a := f.artifact(t, "m-1", store.ArtifactReport)
	if a.Epoch != 1 {
		t.Errorf("report epoch = %d, want 1", a.Epoch)
	}
	var report pipeline.Report
	if err := json.Unmarshal(a.Content, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Summary != "Revised summary line" {
		t.Errorf("summary = %q, want the rebuilt content", report.Summary)
	}

	m, err := f.store.GetMeeting(ctx, "m-1", "")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if m.Status != store.StatusDone {
		t.Errorf("status = %s, want done after inline rebuild", m.Status)
	}

	// The enhanced transcript survived: the rebuild started downstream of it.
	f.artifact(t, "m-1", store.ArtifactEnhancedTranscript)
}

func TestRebuild_RejectsInvalidStep(t *testing.T) {
	f := newFixture(t)
	f.startMeeting(t, "m-1", nil)

	_, err := f.pipe.Rebuild(context.Background(), "m-1", job.StepSTT)
	if fault.CodeOf(err) != "invalid_step" {
		t.Errorf("Rebuild from stt = %v, want invalid_step", err)
	}
}

func TestRebuild_RequiresTerminalOrProcessing(t *testing.T) {
	f := newFixture(t)
	f.startMeeting(t, "m-1", nil)

	_, err := f.pipe.Rebuild(context.Background(), "m-1", job.StepAnalytics)
	if fault.CodeOf(err) != "not_rebuildable" {
		t.Errorf("Rebuild of created meeting = %v, want not_rebuildable", err)
	}
}
