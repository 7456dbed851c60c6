package jazz

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parley/internal/fault"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(Config{BaseURL: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Error("New without base URL succeeded")
	}
	if _, err := New(Config{BaseURL: "https://jazz.example.com"}); err == nil {
		t.Error("New without token succeeded")
	}
}

func TestJoin_Success(t *testing.T) {
	var gotAuth, gotPath string
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-42"})
	})

	sess, err := p.Join(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sess.ProviderRef != "sess-42" {
		t.Errorf("provider ref = %q, want sess-42", sess.ProviderRef)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/meetings/m-1/join" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestJoin_MissingSessionIDIsPermanent(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := p.Join(context.Background(), "m-1")
	if fault.ClassOf(err) != fault.ClassPermanent || fault.CodeOf(err) != "invalid_response" {
		t.Errorf("error = %v, want permanent invalid_response", err)
	}
}

func TestJoin_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantClass fault.Class
		wantCode  string
	}{
		{http.StatusUnauthorized, fault.ClassPermanent, "auth"},
		{http.StatusForbidden, fault.ClassPermanent, "auth"},
		{http.StatusNotFound, fault.ClassPermanent, "bad_request"},
		{http.StatusUnprocessableEntity, fault.ClassPermanent, "bad_request"},
		{http.StatusTooManyRequests, fault.ClassTransient, "provider_unavailable"},
		{http.StatusInternalServerError, fault.ClassTransient, "provider_unavailable"},
		{http.StatusBadGateway, fault.ClassTransient, "provider_unavailable"},
	}

	for _, tc := range tests {
		p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := p.Join(context.Background(), "m-1")
		if fault.ClassOf(err) != tc.wantClass || fault.CodeOf(err) != tc.wantCode {
			t.Errorf("status %d: error = %v, want class %s code %s",
				tc.status, err, tc.wantClass, tc.wantCode)
		}
	}
}

func TestJoin_UnreachableIsTransient(t *testing.T) {
	p, err := New(Config{BaseURL: "http://127.0.0.1:1", Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Join(context.Background(), "m-1")
	if !fault.IsTransient(err) || fault.CodeOf(err) != "provider_unreachable" {
		t.Errorf("error = %v, want transient provider_unreachable", err)
	}
}

func TestLeave_GoneSessionIsSuccess(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := p.Leave(context.Background(), "m-1", "sess-42"); err != nil {
		t.Errorf("Leave of an already-dropped session = %v, want nil", err)
	}
}

func TestLeave_AuthFailurePropagates(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := p.Leave(context.Background(), "m-1", "sess-42")
	if fault.CodeOf(err) != "auth" {
		t.Errorf("error = %v, want auth", err)
	}
}

func TestPullChunks_DecodesBatch(t *testing.T) {
	var gotQuery string
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"chunks": []map[string]string{
				{"media_b64": base64.StdEncoding.EncodeToString([]byte("audio-1")), "mime_type": "audio/ogg"},
				{"media_b64": "%%% not base64 %%%"},
				{"media_b64": base64.StdEncoding.EncodeToString([]byte("audio-2")), "mime_type": "audio/ogg"},
			},
		})
	})

	chunks, err := p.PullChunks(context.Background(), "m-1", "sess-42", 16)
	if err != nil {
		t.Fatalf("PullChunks: %v", err)
	}
	if gotQuery != "session_id=sess-42&limit=16" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (invalid one kept as placeholder)", len(chunks))
	}
	if string(chunks[0].Media) != "audio-1" || chunks[0].MIMEType != "audio/ogg" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[1].Valid() {
		t.Error("undecodable chunk should be invalid")
	}
	if string(chunks[2].Media) != "audio-2" {
		t.Errorf("chunk 2 = %+v", chunks[2])
	}
}

func TestPullChunks_EmptyBatch(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"chunks": []any{}})
	})

	chunks, err := p.PullChunks(context.Background(), "m-1", "sess-42", 16)
	if err != nil {
		t.Fatalf("PullChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks = %d, want 0", len(chunks))
	}
}

func TestPullChunks_GarbageBodyIsPermanent(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})

	_, err := p.PullChunks(context.Background(), "m-1", "sess-42", 16)
	if fault.ClassOf(err) != fault.ClassPermanent || fault.CodeOf(err) != "invalid_response" {
		t.Errorf("error = %v, want permanent invalid_response", err)
	}
}
