package job

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/parley/internal/observe"
)

func TestQueueFor(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{StepSTT, "q:stt"},
		{StepEnhancer, "q:enhancer"},
		{StepAnalytics, "q:analytics"},
		{StepDelivery, "q:delivery"},
	}
	for _, tt := range tests {
		if got := QueueFor(tt.step); got != tt.want {
			t.Errorf("QueueFor(%q) = %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	tr := observe.NewTrace()
	env := New("m-1", StepSTT, json.RawMessage(`{"chunk_seq":7}`), 3, 0, tr)

	if env.JobID == "" {
		t.Error("JobID should be assigned")
	}
	if env.Queue != QueueSTT {
		t.Errorf("Queue = %q, want %q", env.Queue, QueueSTT)
	}
	if env.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", env.Attempt)
	}
	if env.TraceID != tr.TraceID {
		t.Errorf("TraceID = %q, want %q (must continue the caller's trace)", env.TraceID, tr.TraceID)
	}
	if env.ParentSpanID != tr.SpanID {
		t.Errorf("ParentSpanID = %q, want %q (envelope span must be a child)", env.ParentSpanID, tr.SpanID)
	}
	if env.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt should be set")
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	env := New("m-1", StepEnhancer, json.RawMessage(`{"epoch":1}`), 3, 1, observe.NewTrace())

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.JobID != env.JobID || got.Queue != env.Queue || got.Step != env.Step {
		t.Errorf("round trip changed identity: got %+v, want %+v", got, env)
	}
	if got.TraceID != env.TraceID || got.SpanID != env.SpanID {
		t.Errorf("round trip lost trace: got %q/%q, want %q/%q",
			got.TraceID, got.SpanID, env.TraceID, env.SpanID)
	}
	if got.Epoch != 1 {
		t.Errorf("Epoch = %d, want 1", got.Epoch)
	}
}

func TestIdempotencyKey(t *testing.T) {
	tr := observe.NewTrace()
	base := New("m-1", StepSTT, json.RawMessage(`{"chunk_seq":7}`), 3, 0, tr)

	t.Run("stable across retries", func(t *testing.T) {
		retried := base
		retried.Attempt = 2
		retried.JobID = "different"
		if base.IdempotencyKey() != retried.IdempotencyKey() {
			t.Error("retries of the same work must share the idempotency key")
		}
	})

	t.Run("varies by meeting", func(t *testing.T) {
		other := New("m-2", StepSTT, json.RawMessage(`{"chunk_seq":7}`), 3, 0, tr)
		if base.IdempotencyKey() == other.IdempotencyKey() {
			t.Error("different meetings must not share keys")
		}
	})

	t.Run("varies by step", func(t *testing.T) {
		other := New("m-1", StepEnhancer, json.RawMessage(`{"chunk_seq":7}`), 3, 0, tr)
		if base.IdempotencyKey() == other.IdempotencyKey() {
			t.Error("different steps must not share keys")
		}
	})

	t.Run("varies by payload", func(t *testing.T) {
		other := New("m-1", StepSTT, json.RawMessage(`{"chunk_seq":8}`), 3, 0, tr)
		if base.IdempotencyKey() == other.IdempotencyKey() {
			t.Error("different payloads must not share keys")
		}
	})

	t.Run("varies by epoch", func(t *testing.T) {
		other := New("m-1", StepSTT, json.RawMessage(`{"chunk_seq":7}`), 3, 1, tr)
		if base.IdempotencyKey() == other.IdempotencyKey() {
			t.Error("a rebuild epoch must invalidate prior keys")
		}
	})
}
