// Package ws serves the realtime WebSocket contours. Clients stream base64
// media chunks and receive acks as each chunk enters the pipeline; after the
// finalize frame the connection stays open and pushes transcript and report
// updates as the meeting-level stages land their artifacts.
//
// Two contours exist with identical framing: /v1/ws for user traffic and
// /v1/ws/internal for in-house components holding the internal scope.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// Frame types, inbound and outbound.
const (
	frameChunk    = "chunk"
	frameFinalize = "finalize"

	frameAck        = "ack"
	frameTranscript = "transcript.update"
	frameReport     = "report"
	frameError      = "error"
)

// inFrame is a client message on either contour.
type inFrame struct {
	Type string `json:"type"`

	// Seq is the client's own ordering marker, echoed back on the ack. The
	// server assigns the authoritative chunk sequence.
	Seq      int64  `json:"seq,omitempty"`
	MediaB64 string `json:"media_b64,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// outFrame is a server message.
type outFrame struct {
	Type string `json:"type"`

	Seq      int64 `json:"seq,omitempty"`
	ChunkSeq int64 `json:"chunk_seq,omitempty"`

	// Content carries the artifact body on transcript.update and report
	// frames.
	Content json.RawMessage `json:"content,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// updatePollInterval paces the post-finalize artifact polling, and
// updateTimeout bounds how long a connection waits for the pipeline before
// closing with an error frame.
const (
	updatePollInterval = 2 * time.Second
	updateTimeout      = 10 * time.Minute
)

// Handler serves both WebSocket contours.
type Handler struct {
	Ingest  *ingest.Ingestor
	Store   *store.Store
	Auth    *auth.Authenticator
	Auditor *auth.Auditor
	Metrics *observe.Metrics
}

// Register adds both contours to the router.
func (h *Handler) Register(r *gin.Engine) {
	userMW := auth.Middleware(h.Auth, h.Auditor, "user")
	internalMW := auth.Middleware(h.Auth, h.Auditor, "internal", auth.ScopeWSInternal)

	r.GET("/v1/ws", userMW, h.contour("user"))
	r.GET("/v1/ws/internal", internalMW, h.contour("internal"))
}

// contour returns the gin handler for one contour. The meeting is named by
// the meeting_id query parameter; one connection serves one meeting.
func (h *Handler) contour(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingID := c.Query("meeting_id")
		if meetingID == "" {
			c.JSON(400, gin.H{"code": "missing_meeting_id", "reason": "meeting_id query parameter is required"})
			return
		}

		tenant := ""
		if name == "user" {
			if p := auth.PrincipalFrom(c); p != nil && p.Role == auth.RoleUser {
				tenant = p.Tenant
			}
		}

		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			observe.Logger(c.Request.Context()).Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "session ended")

		attrs := metric.WithAttributes(observe.Attr("contour", name))
		h.Metrics.WSConnections.Add(c.Request.Context(), 1, attrs)
		defer h.Metrics.WSConnections.Add(c.Request.Context(), -1, attrs)

		h.serve(c.Request.Context(), conn, meetingID, tenant)
	}
}

// serve runs the frame loop until the client closes, an unrecoverable error
// occurs, or the post-finalize updates finish.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, meetingID, tenant string) {
	log := observe.Logger(ctx).With("meeting_id", meetingID)

	for {
		var in inFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch in.Type {
		case frameChunk:
			h.handleChunkFrame(ctx, conn, meetingID, tenant, in)

		case frameFinalize:
			if err := h.Ingest.Finalize(ctx, meetingID, tenant); err != nil {
				h.sendError(ctx, conn, err)
				continue
			}
			h.streamUpdates(ctx, conn, meetingID)
			conn.Close(websocket.StatusNormalClosure, "meeting finalized")
			return

		default:
			h.sendError(ctx, conn, fault.New(fault.ClassClient, "unknown_frame",
				"unknown frame type %q", in.Type))
		}
	}
}

func (h *Handler) handleChunkFrame(ctx context.Context, conn *websocket.Conn, meetingID, tenant string, in inFrame) {
	media, err := base64.StdEncoding.DecodeString(in.MediaB64)
	if err != nil {
		h.sendError(ctx, conn, fault.New(fault.ClassClient, "bad_media", "media_b64 is not valid base64"))
		return
	}

	seq, err := h.Ingest.AddChunk(ctx, meetingID, tenant, media, in.MIMEType, "ws")
	if err != nil {
		h.sendError(ctx, conn, err)
		return
	}
	h.send(ctx, conn, outFrame{Type: frameAck, Seq: in.Seq, ChunkSeq: seq})
}

// streamUpdates polls for the enhanced transcript and the report, pushing
// each exactly once as it appears, and returns when the report is sent or the
// meeting reaches a terminal status without one.
func (h *Handler) streamUpdates(ctx context.Context, conn *websocket.Conn, meetingID string) {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	ticker := time.NewTicker(updatePollInterval)
	defer ticker.Stop()

	sentTranscript := false
	for {
		select {
		case <-ctx.Done():
			h.sendError(ctx, conn, fault.New(fault.ClassTransient, "update_timeout",
				"timed out waiting for pipeline results"))
			return
		case <-ticker.C:
		}

		if !sentTranscript {
			if a, err := h.Store.GetArtifact(ctx, meetingID, store.ArtifactEnhancedTranscript); err == nil {
				h.send(ctx, conn, outFrame{Type: frameTranscript, Content: a.Content})
				sentTranscript = true
			}
		}

		if a, err := h.Store.GetArtifact(ctx, meetingID, store.ArtifactReport); err == nil {
			h.send(ctx, conn, outFrame{Type: frameReport, Content: a.Content})
			return
		}

		m, err := h.Store.GetMeeting(ctx, meetingID, "")
		if err != nil {
			h.sendError(ctx, conn, err)
			return
		}
		if m.Status == store.StatusFailed {
			h.sendError(ctx, conn, fault.New(fault.ClassPermanent, "meeting_failed",
				"pipeline failed; see the DLQ for details"))
			return
		}
	}
}

func (h *Handler) send(ctx context.Context, conn *websocket.Conn, f outFrame) {
	if err := wsjson.Write(ctx, conn, f); err != nil {
		observe.Logger(ctx).Debug("websocket write failed", "error", err)
	}
}

func (h *Handler) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	h.send(ctx, conn, outFrame{
		Type:   frameError,
		Code:   fault.CodeOf(err),
		Reason: err.Error(),
	})
}
