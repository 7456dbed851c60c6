package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

func testAuditor(t *testing.T) *Auditor {
	t.Helper()
	return testAuditorWithSink(t, nil)
}

func testAuditorWithSink(t *testing.T, sink AuditSink) *Auditor {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return NewAuditor(m, sink)
}

// memSink captures audit events for assertions.
type memSink struct{ events []store.AuditEvent }

func (s *memSink) AppendAudit(_ context.Context, ev store.AuditEvent) error {
	s.events = append(s.events, ev)
	return nil
}

// testRouter mounts a probe handler behind the middleware and reports the
// principal it saw.
func testRouter(a *Authenticator, auditor *Auditor, contour string, scopes ...string) (*gin.Engine, **Principal) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var seen *Principal
	r.GET("/probe", Middleware(a, auditor, contour, scopes...), func(c *gin.Context) {
		seen = PrincipalFrom(c)
		c.Status(http.StatusNoContent)
	})
	return r, &seen
}

func do(r *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/probe", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AllowsAndAttachesPrincipal(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:     config.AuthAPIKey,
		UserKeys: []string{"user-key-1234"},
	})
	r, seen := testRouter(a, testAuditor(t), "user")

	rec := do(r, "X-API-Key", "user-key-1234")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if *seen == nil || (*seen).Role != RoleUser {
		t.Errorf("principal = %+v, want user", *seen)
	}
}

func TestMiddleware_MissingCredentials(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:     config.AuthAPIKey,
		UserKeys: []string{"user-key-1234"},
	})
	r, _ := testRouter(a, testAuditor(t), "user")

	rec := do(r, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "unauthenticated" {
		t.Errorf("code = %q, want unauthenticated", body["code"])
	}
}

func TestMiddleware_MissingScope(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:            config.AuthJWT,
		JWTSharedSecret: testSecret,
	})
	r, _ := testRouter(a, testAuditor(t), "admin", ScopeAdminWrite)

	tok := signToken(t, map[string]any{"sub": "alice", "scope": "parley.admin.read"})
	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMiddleware_ScopeSatisfied(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:            config.AuthJWT,
		JWTSharedSecret: testSecret,
	})
	r, seen := testRouter(a, testAuditor(t), "admin", ScopeAdminRead)

	tok := signToken(t, map[string]any{"sub": "alice", "scope": "parley.admin.read"})
	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if *seen == nil || (*seen).Subject != "alice" {
		t.Errorf("principal = %+v, want alice", *seen)
	}
}

func TestMiddleware_APIKeyUserRejectedUnderTenancy(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:           config.AuthAPIKey,
		UserKeys:       []string{"user-key-1234"},
		EnforceTenancy: true,
	})

	t.Run("user contour", func(t *testing.T) {
		r, _ := testRouter(a, testAuditor(t), "user")
		rec := do(r, "X-API-Key", "user-key-1234")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["code"] != "tenant_required" {
			t.Errorf("code = %q, want tenant_required", body["code"])
		}
	})

	t.Run("other contours unaffected", func(t *testing.T) {
		r, _ := testRouter(a, testAuditor(t), "admin")
		rec := do(r, "X-API-Key", "user-key-1234")
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})
}

func TestMiddleware_ServiceKeyDeniedOnUserContour(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:        config.AuthAPIKey,
		UserKeys:    []string{"user-key-1234"},
		ServiceKeys: []string{"service-key-9999"},
	})

	t.Run("user contour denies and audits", func(t *testing.T) {
		sink := &memSink{}
		r, seen := testRouter(a, testAuditorWithSink(t, sink), "user")

		rec := do(r, "X-API-Key", "service-key-9999")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if *seen != nil {
			t.Errorf("handler ran with principal %+v, want no handler invocation", *seen)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["code"] != "forbidden" {
			t.Errorf("code = %q, want forbidden", body["code"])
		}
		if len(sink.events) != 1 {
			t.Fatalf("audit events = %d, want 1", len(sink.events))
		}
		ev := sink.events[0]
		if ev.Decision != "deny" || ev.Reason != "service_credentials_on_user_route" {
			t.Errorf("audit event = %+v, want deny with service-credentials reason", ev)
		}
	})

	t.Run("same key allowed on internal contour", func(t *testing.T) {
		r, seen := testRouter(a, testAuditor(t), "internal", ScopeWSInternal)
		rec := do(r, "X-API-Key", "service-key-9999")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if *seen == nil || (*seen).Role != RoleService {
			t.Errorf("principal = %+v, want service", *seen)
		}
	})
}

func TestMiddleware_ServiceTokenDeniedOnUserContour(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{
		Mode:            config.AuthJWT,
		JWTSharedSecret: testSecret,
	})
	sink := &memSink{}
	r, _ := testRouter(a, testAuditorWithSink(t, sink), "user")

	tok := signToken(t, map[string]any{
		"sub":        "reporting-bot",
		"token_type": "client_credentials",
	})
	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(sink.events) != 1 || sink.events[0].Decision != "deny" {
		t.Errorf("audit events = %+v, want one deny", sink.events)
	}
}

func TestMiddleware_NoneModePassesEverything(t *testing.T) {
	a := newAuthenticator(t, config.AuthConfig{Mode: config.AuthNone})
	r, seen := testRouter(a, testAuditor(t), "admin", ScopeAdminWrite)

	rec := do(r, "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if *seen == nil || (*seen).Subject != "anonymous" {
		t.Errorf("principal = %+v, want anonymous", *seen)
	}
}

func TestPrincipalFrom_NilWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if p := PrincipalFrom(c); p != nil {
		t.Errorf("PrincipalFrom() = %+v, want nil", p)
	}
}
