package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/readiness"
)

func (s *Server) queuesHealth(c *gin.Context) {
	report := s.Broker.QueuesHealth(c.Request.Context(), job.Queues)
	c.JSON(http.StatusOK, gin.H{"queues": report})
}

func (s *Server) peekDLQ(c *gin.Context) {
	q, err := s.Broker.Queue(c.Param("queue"))
	if err != nil {
		writeError(c, fault.New(fault.ClassClient, "queue_not_found", "%v", err))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := q.PeekDLQ(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "entries": entries})
}

// replayDLQ re-enqueues dead-lettered jobs: one when the body names a job_id,
// the whole DLQ otherwise. Replayed jobs keep their trace and reset their
// attempt counter.
func (s *Server) replayDLQ(c *gin.Context) {
	q, err := s.Broker.Queue(c.Param("queue"))
	if err != nil {
		writeError(c, fault.New(fault.ClassClient, "queue_not_found", "%v", err))
		return
	}

	var req struct {
		JobID string `json:"job_id"`
	}
	// An empty body means replay-all.
	_ = c.ShouldBindJSON(&req)

	if req.JobID != "" {
		if err := q.ReplayDLQ(c.Request.Context(), req.JobID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "replayed": 1})
		return
	}

	n, err := q.ReplayAllDLQ(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "replayed": n})
}

// storageHealth probes the relational store and the blob store.
func (s *Server) storageHealth(c *gin.Context) {
	ctx := c.Request.Context()
	report := gin.H{"database": "ok", "blobs": "ok"}
	healthy := true

	if err := s.Store.Ping(ctx); err != nil {
		report["database"] = "fail: " + err.Error()
		healthy = false
	}
	if err := s.Blobs.Probe(ctx); err != nil {
		report["blobs"] = "fail: " + err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) readinessReport(c *gin.Context) {
	issues := readiness.Evaluate(s.Cfg)
	c.JSON(http.StatusOK, gin.H{
		"env":    s.Cfg.Server.Env,
		"issues": issues,
		"errors": len(readiness.Errors(issues)),
	})
}

func (s *Server) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.Store.ListAudit(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Connector admin ---

func (s *Server) connectorSessions(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	sessions, err := s.Connector.Sessions(c.Request.Context(), time.Time{}, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": s.Connector.Provider(), "sessions": sessions})
}

func (s *Server) connectorStatus(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	sess, err := s.Connector.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) connectorJoin(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	sess, err := s.Connector.Join(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) connectorLeave(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	if err := s.Connector.Leave(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (s *Server) connectorReconnect(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	sess, err := s.Connector.Reconnect(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) connectorLivePull(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "16"))
	res, err := s.Connector.LivePull(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) breakerStatus(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	c.JSON(http.StatusOK, s.Connector.Breaker(c.Request.Context()).Snapshot())
}

// breakerReset force-closes the breaker. The admin's subject lands in the
// breaker record so the next snapshot shows who reset it and why.
func (s *Server) breakerReset(c *gin.Context) {
	if !s.requireConnector(c) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	source := "admin"
	if p := auth.PrincipalFrom(c); p != nil {
		source = "admin:" + p.Subject
	}
	cb := s.Connector.Breaker(c.Request.Context())
	cb.Reset(c.Request.Context(), source, req.Reason)
	c.JSON(http.StatusOK, cb.Snapshot())
}

func (s *Server) reconcileNow(c *gin.Context) {
	if !s.requireConnector(c) || s.Reconciler == nil {
		if s.Reconciler == nil && s.Connector != nil {
			writeError(c, fault.New(fault.ClassClient, "reconciler_not_running",
				"the reconciliation loop is not running"))
		}
		return
	}
	c.JSON(http.StatusOK, s.Reconciler.RunOnce(c.Request.Context()))
}
