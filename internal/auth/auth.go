// Package auth implements request authentication for the three contours of
// the HTTP surface: user routes, service-internal routes, and admin routes.
//
// Three modes exist. "none" admits everyone as an anonymous service principal
// and is for local development only (the readiness gate rejects it in
// production). "api_key" validates the X-API-Key header against two static
// key sets, one for user traffic and one for service traffic. "jwt" validates
// OIDC bearer tokens against a JWKS endpoint, with an optional HS256 shared
// secret for development setups without an identity provider.
//
// Authorization is scope-based: admin reads need [ScopeAdminRead], admin
// writes need [ScopeAdminWrite], and the internal WebSocket contour needs
// [ScopeWSInternal]. A service principal authenticated by API key holds every
// scope; JWT principals carry exactly what their token grants.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/fault"
)

// Role separates end-user traffic from machine-to-machine traffic.
type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
)

// Scopes gating the privileged contours.
const (
	ScopeAdminRead  = "parley.admin.read"
	ScopeAdminWrite = "parley.admin.write"
	ScopeWSInternal = "parley.ws.internal"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	// Subject identifies the caller: the JWT `sub` claim, or a fingerprint
	// of the API key.
	Subject string

	Role   Role
	Tenant string
	Scopes []string

	// AuthType records how the principal authenticated: "none", "api_key",
	// or "jwt". Audit events carry it.
	AuthType string
}

// HasScope reports whether the principal holds the scope. API-key service
// principals hold every scope.
func (p *Principal) HasScope(scope string) bool {
	if p.AuthType == string(config.AuthAPIKey) && p.Role == RoleService {
		return true
	}
	if p.AuthType == string(config.AuthNone) {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ErrUnauthenticated is returned when no acceptable credential accompanies
// the request.
var ErrUnauthenticated = fault.New(fault.ClassClient, "unauthenticated", "missing or invalid credentials")

// Authenticator validates credentials per the configured mode.
type Authenticator struct {
	cfg config.AuthConfig
	jwt *jwtValidator
}

// New builds an Authenticator. In JWT mode with a JWKS URL configured, the
// key set is fetched eagerly and refreshed in the background for the life of
// ctx.
func New(ctx context.Context, cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{cfg: cfg}
	if cfg.Mode == config.AuthJWT {
		v, err := newJWTValidator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.jwt = v
	}
	return a, nil
}

// Authenticate resolves the request's credentials to a Principal. The error
// is always a client fault; the HTTP layer maps its code to a status.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	switch a.cfg.Mode {
	case config.AuthNone:
		return &Principal{
			Subject:  "anonymous",
			Role:     RoleService,
			AuthType: string(config.AuthNone),
		}, nil

	case config.AuthAPIKey:
		return a.authenticateAPIKey(r)

	case config.AuthJWT:
		if p, ok := a.serviceKeyFallback(r); ok {
			return p, nil
		}
		return a.jwt.authenticate(ctx, r)
	}
	return nil, fault.New(fault.ClassInvariant, "auth_misconfigured",
		"unknown auth mode %q", a.cfg.Mode)
}

// authenticateAPIKey matches X-API-Key against the user and service key sets.
// Service keys are checked first so a key listed in both sets grants the
// stronger role.
func (a *Authenticator) authenticateAPIKey(r *http.Request) (*Principal, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return nil, ErrUnauthenticated
	}
	if matchKey(key, a.cfg.ServiceKeys) {
		return &Principal{
			Subject:  keyFingerprint(key),
			Role:     RoleService,
			AuthType: string(config.AuthAPIKey),
		}, nil
	}
	if matchKey(key, a.cfg.UserKeys) {
		return &Principal{
			Subject:  keyFingerprint(key),
			Role:     RoleUser,
			AuthType: string(config.AuthAPIKey),
		}, nil
	}
	return nil, ErrUnauthenticated
}

// serviceKeyFallback lets service callers keep using API keys while user
// traffic migrates to JWT. Off unless explicitly enabled; the loader forces
// it off in production.
func (a *Authenticator) serviceKeyFallback(r *http.Request) (*Principal, bool) {
	if !a.cfg.AllowServiceKeyInJWTMode {
		return nil, false
	}
	key := r.Header.Get("X-API-Key")
	if key == "" || !matchKey(key, a.cfg.ServiceKeys) {
		return nil, false
	}
	return &Principal{
		Subject:  keyFingerprint(key),
		Role:     RoleService,
		AuthType: string(config.AuthAPIKey),
	}, true
}

// matchKey compares key against each candidate in constant time.
func matchKey(key string, candidates []string) bool {
	found := false
	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(key), []byte(c)) == 1 {
			found = true
		}
	}
	return found
}

// keyFingerprint is a loggable identifier for an API key that never exposes
// the key itself.
func keyFingerprint(key string) string {
	if len(key) <= 4 {
		return "key-****"
	}
	return "key-****" + key[len(key)-4:]
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
