package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/fault"
)

// jwtValidator validates OIDC bearer tokens. Signature keys come from the
// JWKS endpoint (RS256/ES256 family) or, for development, an HS256 shared
// secret; both may be active at once.
type jwtValidator struct {
	cfg     config.AuthConfig
	jwks    keyfunc.Keyfunc
	skew    time.Duration
	svcVals map[string]struct{}
}

func newJWTValidator(ctx context.Context, cfg config.AuthConfig) (*jwtValidator, error) {
	v := &jwtValidator{
		cfg:     cfg,
		skew:    time.Duration(cfg.JWTClockSkewSec) * time.Second,
		svcVals: make(map[string]struct{}),
	}
	vals := cfg.ServiceClaimValues
	if len(vals) == 0 {
		vals = []string{"service", "client_credentials", "m2m"}
	}
	for _, val := range vals {
		v.svcVals[val] = struct{}{}
	}

	jwksURL := cfg.OIDCJWKSURL
	if jwksURL == "" && cfg.OIDCIssuerURL != "" {
		jwksURL = strings.TrimSuffix(cfg.OIDCIssuerURL, "/") + "/.well-known/jwks.json"
	}
	if jwksURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("auth: fetch JWKS from %s: %w", jwksURL, err)
		}
		v.jwks = k
	}
	if v.jwks == nil && cfg.JWTSharedSecret == "" {
		return nil, fmt.Errorf("auth: jwt mode needs an OIDC issuer/JWKS URL or a shared secret")
	}
	return v, nil
}

// keyfuncFor routes HS256 tokens to the shared secret and everything else to
// the JWKS.
func (v *jwtValidator) keyfuncFor(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		if v.cfg.JWTSharedSecret == "" {
			return nil, fmt.Errorf("HS256 token but no shared secret configured")
		}
		return []byte(v.cfg.JWTSharedSecret), nil
	}
	if v.jwks == nil {
		return nil, fmt.Errorf("no JWKS configured for %s tokens", t.Method.Alg())
	}
	return v.jwks.Keyfunc(t)
}

func (v *jwtValidator) authenticate(_ context.Context, r *http.Request) (*Principal, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.skew),
	}
	if v.cfg.OIDCIssuerURL != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.OIDCIssuerURL))
	}
	if v.cfg.OIDCAudience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.OIDCAudience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfuncFor, opts...)
	if err != nil || !token.Valid {
		return nil, fault.New(fault.ClassClient, "unauthenticated", "invalid token: %v", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fault.New(fault.ClassClient, "unauthenticated", "token has no sub claim")
	}

	p := &Principal{
		Subject:  sub,
		Role:     RoleUser,
		Scopes:   scopesFromClaims(claims),
		AuthType: string(config.AuthJWT),
	}
	if v.isService(claims) {
		p.Role = RoleService
	}
	if v.cfg.TenantClaim != "" {
		p.Tenant, _ = claims[v.cfg.TenantClaim].(string)
	}
	if v.cfg.EnforceTenancy && p.Role == RoleUser && p.Tenant == "" {
		return nil, fault.New(fault.ClassClient, "tenant_required",
			"tenancy is enforced but the token carries no %q claim", v.cfg.TenantClaim)
	}
	return p, nil
}

// isService matches the configured service claim against the accepted values.
func (v *jwtValidator) isService(claims jwt.MapClaims) bool {
	key := v.cfg.ServiceClaimKey
	if key == "" {
		key = "token_type"
	}
	val, _ := claims[key].(string)
	_, ok := v.svcVals[val]
	return ok
}

// scopesFromClaims reads the OAuth2 space-separated `scope` claim and, as a
// fallback, a `scopes` string array.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	arr, ok := claims["scopes"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
