package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// HandleSTT processes one q:stt job: a chunk job transcribes its media and
// merges the segment into the raw_transcript artifact; a finalize job waits
// (via transient retry) until every persisted chunk has a segment, then
// promotes the meeting to processing and enqueues the enhancer.
func (p *Pipeline) HandleSTT(ctx context.Context, env job.Envelope) error {
	var payload STTPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fault.Wrap(fault.ClassPermanent, "invalid_payload", err)
	}
	if payload.Finalize {
		return p.finalizeSTT(ctx, env)
	}
	return p.transcribeChunk(ctx, env, payload)
}

func (p *Pipeline) transcribeChunk(ctx context.Context, env job.Envelope, payload STTPayload) error {
	key := env.IdempotencyKey()
	if seen, err := p.store.Seen(ctx, key); err != nil {
		return err
	} else if seen {
		// A previous delivery already merged this segment; the merge below
		// is an idempotent upsert, so a crash between merge and claim only
		// costs a redundant transcription, never a lost segment.
		if done, err := p.segmentExists(ctx, env.MeetingID, payload.ChunkSeq); err != nil {
			return err
		} else if done {
			return nil
		}
	}

	r, err := p.blobs.Get(ctx, payload.MediaRef)
	if err != nil {
		return fault.Wrap(fault.ClassTransient, "blob_read", err)
	}
	media, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fault.Wrap(fault.ClassTransient, "blob_read", err)
	}

	var seg *stt.Segment
	err = p.timed(ctx, p.stt.Name(), "transcribe", func() error {
		var terr error
		seg, terr = p.stt.Transcribe(ctx, stt.Request{
			MeetingID: env.MeetingID,
			ChunkSeq:  payload.ChunkSeq,
			Audio:     media,
			MIMEType:  payload.MIMEType,
		})
		return terr
	})
	if err != nil {
		return err
	}

	err = p.store.WithMeetingLock(ctx, env.MeetingID, func(ctx context.Context) error {
		return p.mergeSegment(ctx, env.MeetingID, env.Epoch, TranscriptSegment{
			ChunkSeq:    seg.ChunkSeq,
			Text:        seg.Text,
			DurationSec: seg.DurationSec,
		})
	})
	if err != nil {
		return err
	}
	if _, err := p.store.FirstUse(ctx, key); err != nil {
		return err
	}

	observe.Logger(ctx).Info("chunk transcribed",
		"meeting_id", env.MeetingID, "chunk_seq", payload.ChunkSeq)
	return nil
}

// mergeSegment folds one segment into raw_transcript, replacing any previous
// segment with the same chunk_seq and keeping the list sorted. Caller holds
// the meeting lock.
func (p *Pipeline) mergeSegment(ctx context.Context, meetingID string, epoch int, seg TranscriptSegment) error {
	var raw RawTranscript
	if a, err := p.store.GetArtifact(ctx, meetingID, store.ArtifactRawTranscript); err == nil {
		if err := json.Unmarshal(a.Content, &raw); err != nil {
			return fmt.Errorf("pipeline: decode raw transcript for %s: %w", meetingID, err)
		}
	} else if !fault.IsClient(err) {
		return err
	}

	replaced := false
	for i := range raw.Segments {
		if raw.Segments[i].ChunkSeq == seg.ChunkSeq {
			raw.Segments[i] = seg
			replaced = true
			break
		}
	}
	if !replaced {
		raw.Segments = append(raw.Segments, seg)
		sort.Slice(raw.Segments, func(i, j int) bool {
			return raw.Segments[i].ChunkSeq < raw.Segments[j].ChunkSeq
		})
	}

	content, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("pipeline: encode raw transcript: %w", err)
	}
	return p.store.UpsertArtifact(ctx, store.Artifact{
		MeetingID: meetingID,
		Kind:      store.ArtifactRawTranscript,
		Content:   content,
		Epoch:     epoch,
	})
}

// segmentExists reports whether raw_transcript already holds a segment for
// chunkSeq.
func (p *Pipeline) segmentExists(ctx context.Context, meetingID string, chunkSeq int64) (bool, error) {
	a, err := p.store.GetArtifact(ctx, meetingID, store.ArtifactRawTranscript)
	if fault.IsClient(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var raw RawTranscript
	if err := json.Unmarshal(a.Content, &raw); err != nil {
		return false, fmt.Errorf("pipeline: decode raw transcript for %s: %w", meetingID, err)
	}
	for _, seg := range raw.Segments {
		if seg.ChunkSeq == chunkSeq {
			return true, nil
		}
	}
	return false, nil
}

// finalizeSTT verifies every persisted chunk has been transcribed and hands
// the meeting to the enhancer. Chunks still in flight make this a transient
// failure so the worker retries with backoff until STT catches up.
func (p *Pipeline) finalizeSTT(ctx context.Context, env job.Envelope) error {
	chunks, err := p.store.ListChunks(ctx, env.MeetingID)
	if err != nil {
		return err
	}

	var raw RawTranscript
	if a, err := p.store.GetArtifact(ctx, env.MeetingID, store.ArtifactRawTranscript); err == nil {
		if err := json.Unmarshal(a.Content, &raw); err != nil {
			return fmt.Errorf("pipeline: decode raw transcript for %s: %w", env.MeetingID, err)
		}
	} else if !fault.IsClient(err) {
		return err
	}

	have := make(map[int64]bool, len(raw.Segments))
	for _, seg := range raw.Segments {
		have[seg.ChunkSeq] = true
	}
	for _, c := range chunks {
		if !have[c.ChunkSeq] {
			return fault.New(fault.ClassTransient, "stt_incomplete",
				"meeting %s: chunk %d not transcribed yet", env.MeetingID, c.ChunkSeq)
		}
	}

	if err := p.store.UpdateStatus(ctx, env.MeetingID, store.StatusProcessing, false); err != nil {
		return err
	}
	return p.submitStage(ctx, env.MeetingID, job.StepEnhancer, env.Epoch)
}
