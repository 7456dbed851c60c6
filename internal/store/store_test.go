package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLEY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] against a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
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

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustCreateMeeting(t *testing.T, s *store.Store, id, tenant string) {
	t.Helper()
	err := s.CreateMeeting(context.Background(), store.Meeting{ID: id, Tenant: tenant, Mode: store.ModeBatch})
	if err != nil {
		t.Fatalf("CreateMeeting(%s): %v", id, err)
	}
}

func TestMeetingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateMeeting(t, s, "m-1", "acme")

	// Duplicate create is a client fault.
	err := s.CreateMeeting(ctx, store.Meeting{ID: "m-1"})
	if !fault.IsClient(err) {
		t.Errorf("duplicate create error = %v, want client fault", err)
	}

	m, err := s.GetMeeting(ctx, "m-1", "")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if m.Status != store.StatusCreated {
		t.Errorf("status = %s, want created", m.Status)
	}

	// Tenant scoping: wrong tenant reads as not found.
	if _, err := s.GetMeeting(ctx, "m-1", "other"); !fault.IsClient(err) {
		t.Errorf("cross-tenant read error = %v, want client fault", err)
	}
	if _, err := s.GetMeeting(ctx, "m-1", "acme"); err != nil {
		t.Errorf("same-tenant read error = %v", err)
	}
}

func TestUpdateStatus_Monotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	for _, status := range []store.MeetingStatus{
		store.StatusIngesting, store.StatusProcessing, store.StatusDone,
	} {
		if err := s.UpdateStatus(ctx, "m-1", status, false); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
	}

	// done is frozen.
	err := s.UpdateStatus(ctx, "m-1", store.StatusProcessing, false)
	if fault.ClassOf(err) != fault.ClassInvariant {
		t.Errorf("backward transition error = %v, want invariant fault", err)
	}

	// Rebuild unlocks done -> processing.
	if err := s.UpdateStatus(ctx, "m-1", store.StatusProcessing, true); err != nil {
		t.Errorf("rebuild transition error = %v", err)
	}
}

func TestChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	ins, err := s.InsertChunk(ctx, store.Chunk{MeetingID: "m-1", ChunkSeq: 0, MediaRef: "meetings/m-1/chunks/0.bin"})
	if err != nil || !ins {
		t.Fatalf("InsertChunk = (%v, %v), want inserted", ins, err)
	}

	// Chunks are immutable: re-insert is ignored.
	ins, err = s.InsertChunk(ctx, store.Chunk{MeetingID: "m-1", ChunkSeq: 0, MediaRef: "other"})
	if err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	if ins {
		t.Error("duplicate chunk_seq should not insert")
	}

	next, err := s.NextChunkSeq(ctx, "m-1")
	if err != nil {
		t.Fatalf("NextChunkSeq: %v", err)
	}
	if next != 1 {
		t.Errorf("NextChunkSeq = %d, want 1", next)
	}

	chunks, err := s.ListChunks(ctx, "m-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].MediaRef != "meetings/m-1/chunks/0.bin" {
		t.Errorf("chunks = %+v, want the original record", chunks)
	}
}

func TestArtifacts_RoundTripAndRebuildClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	for _, kind := range []store.ArtifactKind{
		store.ArtifactRawTranscript, store.ArtifactEnhancedTranscript, store.ArtifactReport,
	} {
		err := s.UpsertArtifact(ctx, store.Artifact{
			MeetingID: "m-1", Kind: kind, Content: json.RawMessage(`{"v":1}`),
		})
		if err != nil {
			t.Fatalf("UpsertArtifact(%s): %v", kind, err)
		}
	}

	// Write-wins: upsert replaces.
	err := s.UpsertArtifact(ctx, store.Artifact{
		MeetingID: "m-1", Kind: store.ArtifactReport, Content: json.RawMessage(`{"v":2}`), Epoch: 1,
	})
	if err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	a, err := s.GetArtifact(ctx, "m-1", store.ArtifactReport)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if a.Epoch != 1 {
		t.Errorf("epoch = %d, want 1", a.Epoch)
	}

	// Rebuild clears downstream kinds, leaves raw transcript.
	err = s.DeleteArtifacts(ctx, "m-1", store.ArtifactEnhancedTranscript, store.ArtifactReport)
	if err != nil {
		t.Fatalf("DeleteArtifacts: %v", err)
	}
	all, err := s.ListArtifacts(ctx, "m-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(all) != 1 || all[0].Kind != store.ArtifactRawTranscript {
		t.Errorf("artifacts after clear = %+v, want only raw_transcript", all)
	}
}

func TestEpochIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	e1, err := s.IncrementEpoch(ctx, "m-1")
	if err != nil {
		t.Fatalf("IncrementEpoch: %v", err)
	}
	e2, err := s.IncrementEpoch(ctx, "m-1")
	if err != nil {
		t.Fatalf("IncrementEpoch: %v", err)
	}
	if e1 != 1 || e2 != 2 {
		t.Errorf("epochs = %d, %d, want 1, 2", e1, e2)
	}
}

func TestIdempotencyFirstUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.FirstUse(ctx, "key-1")
	if err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	if !first {
		t.Error("first use should report true")
	}

	again, err := s.FirstUse(ctx, "key-1")
	if err != nil {
		t.Fatalf("FirstUse: %v", err)
	}
	if again {
		t.Error("second use should report false")
	}
}

func TestConnectorSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	sess := store.ConnectorSession{
		MeetingID: "m-1",
		Provider:  "jazz",
		State:     store.SessionConnected,
		JoinedAt:  time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	n, err := s.RecordLivePullFailure(ctx, "m-1", "jazz", "timeout")
	if err != nil || n != 1 {
		t.Fatalf("RecordLivePullFailure = (%d, %v), want (1, nil)", n, err)
	}
	n, _ = s.RecordLivePullFailure(ctx, "m-1", "jazz", "timeout")
	if n != 2 {
		t.Errorf("failure count = %d, want 2", n)
	}

	if err := s.TouchSession(ctx, "m-1", "jazz"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, err := s.GetSession(ctx, "m-1", "jazz")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ConsecutiveLivePullFailures != 0 {
		t.Errorf("failures = %d, want 0 after touch", got.ConsecutiveLivePullFailures)
	}

	// Stale listing: everything last seen before the far future is stale.
	stale, err := s.ListSessions(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale sessions = %d, want 1", len(stale))
	}

	// Dead sessions drop out.
	sess.State = store.SessionDead
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	stale, _ = s.ListSessions(ctx, time.Now().Add(time.Hour), 10)
	if len(stale) != 0 {
		t.Errorf("stale sessions = %d, want 0 after death", len(stale))
	}
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, decision := range []string{"allow", "deny"} {
		err := s.AppendAudit(ctx, store.AuditEvent{
			Endpoint: "/api/v1/meetings",
			Method:   "POST",
			Subject:  "user-1",
			AuthType: "api_key",
			Decision: decision,
		})
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	events, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].Decision != "deny" {
		t.Errorf("first event decision = %q, want deny", events[0].Decision)
	}
}

func TestWithMeetingLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateMeeting(t, s, "m-1", "")

	ran := false
	err := s.WithMeetingLock(ctx, "m-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithMeetingLock: %v", err)
	}
	if !ran {
		t.Fatal("fn was not called")
	}

	// Lock is released: a second holder can take it.
	if err := s.WithMeetingLock(ctx, "m-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("second WithMeetingLock: %v", err)
	}
}
