// Package httpapi assembles the gin router for the three HTTP contours:
//
//   - user routes under /v1/meetings — meeting lifecycle, chunk upload,
//     artifact retrieval, rebuild
//   - service-internal routes under /v1/internal — the trusted chunk path
//     for in-house components
//   - admin routes under /v1/admin — queue and DLQ operations, connector
//     lifecycle, breaker control, readiness, audit
//
// plus the unauthenticated operational endpoints /healthz, /readyz, and
// /metrics. Each contour gets its own auth middleware; handlers translate
// faults to HTTP statuses through the shared error mapper.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/broker"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/connector"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/blob"
)

// Server holds the handler dependencies. Connector and Reconciler are nil
// when no connector provider is configured; their admin routes then answer
// 404 with a connector_not_configured code.
type Server struct {
	Cfg        *config.Config
	Store      *store.Store
	Blobs      blob.Store
	Broker     *broker.Broker
	Ingest     *ingest.Ingestor
	Pipeline   *pipeline.Pipeline
	Connector  *connector.Manager
	Reconciler *reconcile.Loop
	Auth       *auth.Authenticator
	Auditor    *auth.Auditor
	Metrics    *observe.Metrics
	Health     *health.Handler
}

// Router builds the full route tree. Extra route registrars (the WebSocket
// contours) run against the engine after the REST routes are in place.
func (s *Server) Router(extra ...func(*gin.Engine)) *gin.Engine {
	if !s.Cfg.Server.Env.IsProd() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe.Middleware(s.Metrics))

	s.Health.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	userMW := auth.Middleware(s.Auth, s.Auditor, "user")
	internalMW := auth.Middleware(s.Auth, s.Auditor, "internal", auth.ScopeWSInternal)
	adminRead := auth.Middleware(s.Auth, s.Auditor, "admin", auth.ScopeAdminRead)
	adminWrite := auth.Middleware(s.Auth, s.Auditor, "admin", auth.ScopeAdminWrite)

	user := r.Group("/v1/meetings", userMW)
	{
		user.POST("/start", s.startMeeting)
		user.GET("", s.listMeetings)
		user.GET("/:id", s.getMeeting)
		user.POST("/:id/chunks", s.addChunk)
		user.POST("/:id/finalize", s.finalizeMeeting)
		user.GET("/:id/artifacts", s.listArtifacts)
		user.GET("/:id/artifact", s.getArtifact)
		user.POST("/:id/artifacts/rebuild", s.rebuildMeeting)
	}

	internal := r.Group("/v1/internal", internalMW)
	{
		internal.POST("/meetings/:id/chunks", s.addChunkInternal)
	}

	admin := r.Group("/v1/admin")
	{
		admin.GET("/queues/health", adminRead, s.queuesHealth)
		admin.GET("/queues/:queue/dlq", adminRead, s.peekDLQ)
		admin.POST("/queues/:queue/dlq/replay", adminWrite, s.replayDLQ)
		admin.GET("/storage/health", adminRead, s.storageHealth)
		admin.GET("/system/readiness", adminRead, s.readinessReport)
		admin.GET("/audit", adminRead, s.listAudit)

		// The meeting-scoped routes carry a /meetings segment: the router
		// tree cannot mix a path parameter with static siblings.
		conn := admin.Group("/connectors/:provider")
		{
			conn.GET("/sessions", adminRead, s.connectorSessions)
			conn.GET("/circuit-breaker", adminRead, s.breakerStatus)
			conn.POST("/circuit-breaker/reset", adminWrite, s.breakerReset)
			conn.POST("/reconcile", adminWrite, s.reconcileNow)
			conn.GET("/meetings/:id/status", adminRead, s.connectorStatus)
			conn.GET("/meetings/:id/health", adminRead, s.connectorStatus)
			conn.POST("/meetings/:id/join", adminWrite, s.connectorJoin)
			conn.POST("/meetings/:id/leave", adminWrite, s.connectorLeave)
			conn.POST("/meetings/:id/reconnect", adminWrite, s.connectorReconnect)
			conn.POST("/meetings/:id/live-pull", adminWrite, s.connectorLivePull)
		}
	}

	for _, register := range extra {
		register(r)
	}
	return r
}

// tenantOf resolves the request's tenant scope. Service principals and
// unauthenticated dev mode see every tenant (empty string disables the store
// filter); user principals are confined to their own.
func (s *Server) tenantOf(c *gin.Context) string {
	p := auth.PrincipalFrom(c)
	if p == nil || p.Role == auth.RoleService {
		return ""
	}
	return p.Tenant
}

// requireConnector guards connector admin routes when no provider is
// configured, and 404s requests addressed to a provider other than the
// configured one.
func (s *Server) requireConnector(c *gin.Context) bool {
	if s.Connector == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{
			Code:   "connector_not_configured",
			Reason: "no connector provider is configured",
		})
		return false
	}
	if p := c.Param("provider"); p != "" && p != s.Cfg.Connector.Provider {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{
			Code:   "provider_not_found",
			Reason: "no connector configured for provider " + p,
		})
		return false
	}
	return true
}
