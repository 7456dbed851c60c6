// Package ingest is the single normalization path every chunk takes into the
// system, no matter where it came from: the HTTP chunk endpoints, the
// WebSocket contours, and the connector's live-pull all call the same
// [Ingestor]. It assigns the per-meeting chunk sequence under the advisory
// lock, persists the media through the blob store, records the chunk, and
// hands the STT job to the pipeline (queued or inline).
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/blob"
)

// maxChunkBytes bounds a single chunk payload.
const maxChunkBytes = 32 << 20

// Ingestor normalizes chunks into pipeline jobs.
type Ingestor struct {
	store   *store.Store
	blobs   blob.Store
	pipe    *pipeline.Pipeline
	metrics *observe.Metrics
}

// New builds an Ingestor.
func New(st *store.Store, blobs blob.Store, pipe *pipeline.Pipeline, metrics *observe.Metrics) *Ingestor {
	return &Ingestor{store: st, blobs: blobs, pipe: pipe, metrics: metrics}
}

// StartRequest is the body of POST /v1/meetings/start.
type StartRequest struct {
	MeetingID string            `json:"meeting_id,omitempty"`
	Mode      store.MeetingMode `json:"mode,omitempty"`
	Delivery  json.RawMessage   `json:"delivery,omitempty"`

	// AutoJoinConnector overrides the configured default for this meeting.
	AutoJoinConnector *bool `json:"auto_join_connector,omitempty"`
}

// StartMeeting creates the meeting record. Connector auto-join is the
// caller's (the HTTP layer's) follow-up; ingest only persists the record.
func (i *Ingestor) StartMeeting(ctx context.Context, tenant string, req StartRequest) (*store.Meeting, error) {
	if req.MeetingID == "" {
		return nil, fault.New(fault.ClassClient, "missing_meeting_id", "meeting_id is required")
	}
	m := store.Meeting{
		ID:             req.MeetingID,
		Tenant:         tenant,
		Mode:           req.Mode,
		DeliveryRecipe: req.Delivery,
	}
	if err := i.store.CreateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return i.store.GetMeeting(ctx, req.MeetingID, tenant)
}

// AddChunk runs the normalization path for one chunk of media and returns
// the assigned chunk sequence. source tags the metrics: "http", "ws", or
// "live_pull".
func (i *Ingestor) AddChunk(ctx context.Context, meetingID, tenant string, media []byte, mimeType, source string) (int64, error) {
	if len(media) == 0 {
		return 0, fault.New(fault.ClassClient, "empty_chunk", "chunk media is empty")
	}
	if len(media) > maxChunkBytes {
		return 0, fault.New(fault.ClassClient, "chunk_too_large",
			"chunk is %d bytes; limit is %d", len(media), maxChunkBytes)
	}

	m, err := i.store.GetMeeting(ctx, meetingID, tenant)
	if err != nil {
		return 0, err
	}
	if m.Status != store.StatusCreated && m.Status != store.StatusIngesting {
		return 0, fault.New(fault.ClassClient, "meeting_closed",
			"meeting %s is %s and no longer accepts chunks", meetingID, m.Status)
	}

	tr, ok := observe.TraceFromContext(ctx)
	if !ok {
		tr = observe.NewTrace()
		ctx = observe.WithTrace(ctx, tr)
	}

	var seq int64
	var mediaRef string
	err = i.store.WithMeetingLock(ctx, meetingID, func(ctx context.Context) error {
		seq, err = i.store.NextChunkSeq(ctx, meetingID)
		if err != nil {
			return err
		}
		mediaRef = blob.ChunkKey(meetingID, seq)
		if err := i.blobs.Put(ctx, mediaRef, bytes.NewReader(media)); err != nil {
			return fmt.Errorf("ingest: store chunk media: %w", err)
		}
		inserted, err := i.store.InsertChunk(ctx, store.Chunk{
			MeetingID: meetingID,
			ChunkSeq:  seq,
			MediaRef:  mediaRef,
			TraceID:   tr.TraceID,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return fault.New(fault.ClassInvariant, "duplicate_chunk_seq",
				"meeting %s chunk %d already exists under lock", meetingID, seq)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if m.Status == store.StatusCreated {
		if err := i.store.UpdateStatus(ctx, meetingID, store.StatusIngesting, false); err != nil {
			return 0, err
		}
	}

	if err := i.pipe.SubmitChunk(ctx, meetingID, m.Epoch, seq, mediaRef, mimeType); err != nil {
		return 0, err
	}

	i.metrics.ChunksIngested.Add(ctx, 1, metric.WithAttributes(observe.Attr("source", source)))
	observe.Logger(ctx).Info("chunk ingested",
		"meeting_id", meetingID, "chunk_seq", seq, "bytes", len(media), "source", source)
	return seq, nil
}

// Finalize is the explicit finalize signal: it submits the finalize marker
// that drains STT and starts the meeting-level stages. Explicit finalize
// always wins over the inactivity timer; a meeting already processing is a
// no-op so repeated finalize calls are safe.
func (i *Ingestor) Finalize(ctx context.Context, meetingID, tenant string) error {
	m, err := i.store.GetMeeting(ctx, meetingID, tenant)
	if err != nil {
		return err
	}
	switch m.Status {
	case store.StatusProcessing:
		return nil
	case store.StatusDone, store.StatusFailed:
		return fault.New(fault.ClassClient, "meeting_closed",
			"meeting %s is already %s", meetingID, m.Status)
	}
	return i.pipe.SubmitFinalize(ctx, meetingID, m.Epoch)
}

// IngestPulled feeds a connector-pulled chunk through the same path as
// client-posted chunks. It implements the connector manager's ChunkSink.
func (i *Ingestor) IngestPulled(ctx context.Context, meetingID string, media []byte, mimeType string) (int64, error) {
	return i.AddChunk(ctx, meetingID, "", media, mimeType, "live_pull")
}
