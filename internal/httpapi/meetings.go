package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/store"
)

// maxChunkBody bounds a chunk upload body; the ingest layer enforces its own
// limit, this one just keeps the reader from buffering more than that.
const maxChunkBody = 33 << 20

func (s *Server) startMeeting(c *gin.Context) {
	var req ingest.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.New(fault.ClassClient, "bad_request", "invalid body: %v", err))
		return
	}

	m, err := s.Ingest.StartMeeting(c.Request.Context(), s.tenantOf(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	// Auto-join is best effort: a provider outage must not block meeting
	// creation, chunks can still arrive over HTTP or WebSocket.
	autoJoin := s.shouldAutoJoin(m, req.AutoJoinConnector)
	connected := false
	if autoJoin {
		if _, err := s.Connector.Join(c.Request.Context(), m.ID); err != nil {
			observe.Logger(c.Request.Context()).Warn("auto-join failed",
				"meeting_id", m.ID, "error", err)
		} else {
			connected = true
		}
	}

	resp := gin.H{
		"meeting_id":          m.ID,
		"mode":                m.Mode,
		"status":              m.Status,
		"created_at":          m.CreatedAt,
		"connector_auto_join": autoJoin,
		"connector_connected": connected,
	}
	if s.Connector != nil {
		resp["connector_provider"] = s.Cfg.Connector.Provider
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) shouldAutoJoin(m *store.Meeting, override *bool) bool {
	if s.Connector == nil || m.Mode != store.ModeRealtime {
		return false
	}
	if override != nil {
		return *override
	}
	return s.Cfg.Connector.AutoJoin
}

func (s *Server) listMeetings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	meetings, err := s.Store.ListMeetings(c.Request.Context(), s.tenantOf(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": meetings})
}

// meetingResponse flattens the meeting row and, once the pipeline has
// produced them, the enhanced transcript text and the report markdown.
type meetingResponse struct {
	*store.Meeting
	EnhancedTranscript string `json:"enhanced_transcript,omitempty"`
	Report             string `json:"report,omitempty"`
}

func (s *Server) getMeeting(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.Store.GetMeeting(ctx, c.Param("id"), s.tenantOf(c))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := meetingResponse{Meeting: m}
	if a, err := s.Store.GetArtifact(ctx, m.ID, store.ArtifactEnhancedTranscript); err == nil {
		var t pipeline.Transcript
		if json.Unmarshal(a.Content, &t) == nil {
			resp.EnhancedTranscript = t.Text
		}
	}
	if a, err := s.Store.GetArtifact(ctx, m.ID, store.ArtifactReport); err == nil {
		var rep pipeline.Report
		if json.Unmarshal(a.Content, &rep) == nil {
			resp.Report = rep.Markdown
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) addChunk(c *gin.Context) {
	s.handleChunk(c, s.tenantOf(c), "http")
}

// addChunkInternal is the trusted chunk path for in-house components; it
// skips the tenant filter, the caller already proved the internal scope.
func (s *Server) addChunkInternal(c *gin.Context) {
	s.handleChunk(c, "", "internal")
}

func (s *Server) handleChunk(c *gin.Context, tenant, source string) {
	media, mimeType, err := s.chunkMedia(c)
	if err != nil {
		writeError(c, err)
		return
	}

	seq, err := s.Ingest.AddChunk(c.Request.Context(), c.Param("id"), tenant,
		media, mimeType, source)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"chunk_seq": seq})
}

// chunkMedia extracts the chunk bytes from one of the accepted body formats:
// a multipart form with a "media" part, a JSON body referencing a blob
// already uploaded out of band, or raw bytes.
func (s *Server) chunkMedia(c *gin.Context) ([]byte, string, error) {
	switch c.ContentType() {
	case "multipart/form-data":
		fh, err := c.FormFile("media")
		if err != nil {
			return nil, "", fault.New(fault.ClassClient, "bad_request",
				"multipart body needs a media part: %v", err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", fault.New(fault.ClassClient, "bad_request", "open media part: %v", err)
		}
		defer f.Close()
		media, err := io.ReadAll(io.LimitReader(f, maxChunkBody))
		if err != nil {
			return nil, "", fault.New(fault.ClassClient, "bad_request", "read media part: %v", err)
		}
		return media, fh.Header.Get("Content-Type"), nil

	case "application/json":
		var ref struct {
			MediaRef string `json:"media_ref"`
			MIMEType string `json:"mime_type"`
		}
		if err := c.ShouldBindJSON(&ref); err != nil {
			return nil, "", fault.New(fault.ClassClient, "bad_request", "invalid body: %v", err)
		}
		if ref.MediaRef == "" {
			return nil, "", fault.New(fault.ClassClient, "bad_request", "media_ref is required")
		}
		r, err := s.Blobs.Get(c.Request.Context(), ref.MediaRef)
		if err != nil {
			return nil, "", fault.New(fault.ClassClient, "blob_not_found",
				"blob %q is not readable: %v", ref.MediaRef, err)
		}
		defer r.Close()
		media, err := io.ReadAll(io.LimitReader(r, maxChunkBody))
		if err != nil {
			return nil, "", fault.Wrap(fault.ClassTransient, "blob_read_failed", err)
		}
		return media, ref.MIMEType, nil

	default:
		media, err := io.ReadAll(io.LimitReader(c.Request.Body, maxChunkBody))
		if err != nil {
			return nil, "", fault.New(fault.ClassClient, "bad_request", "read body: %v", err)
		}
		return media, c.ContentType(), nil
	}
}

func (s *Server) finalizeMeeting(c *gin.Context) {
	if err := s.Ingest.Finalize(c.Request.Context(), c.Param("id"), s.tenantOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "finalizing"})
}

func (s *Server) listArtifacts(c *gin.Context) {
	meetingID := c.Param("id")
	if _, err := s.Store.GetMeeting(c.Request.Context(), meetingID, s.tenantOf(c)); err != nil {
		writeError(c, err)
		return
	}
	artifacts, err := s.Store.ListArtifacts(c.Request.Context(), meetingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// getArtifact serves one artifact, rendered per the fmt query parameter:
// "json" (default) returns the artifact record, "md" renders the report's
// markdown, "txt" renders a transcript as plain text.
func (s *Server) getArtifact(c *gin.Context) {
	meetingID := c.Param("id")
	kind := store.ArtifactKind(c.Query("kind"))
	if !kind.IsValid() {
		writeError(c, fault.New(fault.ClassClient, "invalid_kind",
			"unknown artifact kind %q", string(kind)))
		return
	}
	if _, err := s.Store.GetMeeting(c.Request.Context(), meetingID, s.tenantOf(c)); err != nil {
		writeError(c, err)
		return
	}
	a, err := s.Store.GetArtifact(c.Request.Context(), meetingID, kind)
	if err != nil {
		writeError(c, err)
		return
	}

	switch format := c.DefaultQuery("fmt", "json"); format {
	case "json":
		c.JSON(http.StatusOK, a)
	case "md":
		if kind != store.ArtifactReport {
			writeError(c, fault.New(fault.ClassClient, "unsupported_format",
				"fmt=md is only available for the report artifact"))
			return
		}
		var report pipeline.Report
		if err := json.Unmarshal(a.Content, &report); err != nil {
			writeError(c, fault.Wrap(fault.ClassInvariant, "artifact_corrupt", err))
			return
		}
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report.Markdown))
	case "txt":
		text, err := artifactText(a)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
	default:
		writeError(c, fault.New(fault.ClassClient, "unsupported_format",
			"unknown fmt %q; use json, md, or txt", format))
	}
}

// artifactText flattens a transcript artifact to plain text.
func artifactText(a *store.Artifact) (string, error) {
	switch a.Kind {
	case store.ArtifactEnhancedTranscript:
		var t pipeline.Transcript
		if err := json.Unmarshal(a.Content, &t); err != nil {
			return "", fault.Wrap(fault.ClassInvariant, "artifact_corrupt", err)
		}
		return t.Text, nil
	case store.ArtifactRawTranscript:
		var raw pipeline.RawTranscript
		if err := json.Unmarshal(a.Content, &raw); err != nil {
			return "", fault.Wrap(fault.ClassInvariant, "artifact_corrupt", err)
		}
		var out []byte
		for _, seg := range raw.Segments {
			out = append(out, seg.Text...)
			out = append(out, '\n')
		}
		return string(out), nil
	default:
		return "", fault.New(fault.ClassClient, "unsupported_format",
			"fmt=txt is only available for transcript artifacts")
	}
}

func (s *Server) rebuildMeeting(c *gin.Context) {
	var req struct {
		FromStep string `json:"from_step"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.New(fault.ClassClient, "bad_request", "invalid body: %v", err))
		return
	}

	// Tenant check up front; Rebuild itself runs tenant-agnostic.
	if _, err := s.Store.GetMeeting(c.Request.Context(), c.Param("id"), s.tenantOf(c)); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.Pipeline.Rebuild(c.Request.Context(), c.Param("id"), job.Step(req.FromStep))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
