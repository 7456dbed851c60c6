package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/fault"
)

// principalKey is the gin context key the middleware stores the Principal
// under.
const principalKey = "auth.principal"

// PrincipalFrom returns the authenticated principal the middleware attached,
// or nil on an unauthenticated route.
func PrincipalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// Middleware builds the gin handler guarding one contour. requiredScopes are
// ANDed; an empty list means any authenticated principal passes.
//
// The user contour rejects service principals outright — machine credentials
// belong on the internal and admin contours — and additionally rejects
// API-key users when tenancy is enforced, because an API key carries no
// tenant and every meeting row is tenant-scoped.
func Middleware(a *Authenticator, auditor *Auditor, contour string, requiredScopes ...string) gin.HandlerFunc {
	enforceTenancy := a.cfg.EnforceTenancy

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		endpoint, method := c.FullPath(), c.Request.Method

		p, err := a.Authenticate(ctx, c.Request)
		if err != nil {
			auditor.Record(ctx, contour, endpoint, method, nil, "deny", fault.CodeOf(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":   fault.CodeOf(err),
				"reason": "authentication required",
			})
			return
		}

		// The anonymous principal of mode "none" is nominally a service
		// principal but serves all contours in local development.
		if contour == "user" && p.Role == RoleService &&
			p.AuthType != string(config.AuthNone) {
			auditor.Record(ctx, contour, endpoint, method, p, "deny", "service_credentials_on_user_route")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":   "forbidden",
				"reason": "service credentials are not accepted on user routes",
			})
			return
		}

		if contour == "user" && enforceTenancy &&
			p.Role == RoleUser && p.AuthType == string(config.AuthAPIKey) {
			auditor.Record(ctx, contour, endpoint, method, p, "deny", "api_key_without_tenant")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":   "tenant_required",
				"reason": "tenancy is enforced; user API keys carry no tenant",
			})
			return
		}

		for _, scope := range requiredScopes {
			if !p.HasScope(scope) {
				auditor.Record(ctx, contour, endpoint, method, p, "deny", "missing_scope:"+scope)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"code":   "forbidden",
					"reason": "missing required scope " + scope,
				})
				return
			}
		}

		auditor.Record(ctx, contour, endpoint, method, p, "allow", "")
		c.Set(principalKey, p)
		c.Next()
	}
}
