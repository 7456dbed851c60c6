package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

const enhanceSystemPrompt = `You are a transcript editor. Rewrite the raw ` +
	`speech-to-text transcript of a meeting into clean, readable prose. Fix ` +
	`recognition errors from context, add punctuation and paragraph breaks, ` +
	`and remove filler words. Do not summarise, do not omit content, and do ` +
	`not add commentary. Reply with the rewritten transcript only.`

// HandleEnhance rewrites raw_transcript into enhanced_transcript via the LLM
// and enqueues the analytics stage.
func (p *Pipeline) HandleEnhance(ctx context.Context, env job.Envelope) error {
	key := env.IdempotencyKey()
	if seen, err := p.store.Seen(ctx, key); err != nil {
		return err
	} else if seen {
		if ok, err := p.artifactAtEpoch(ctx, env.MeetingID, store.ArtifactEnhancedTranscript, env.Epoch); err != nil {
			return err
		} else if ok {
			// Work already committed; only the downstream handoff may be
			// outstanding, and duplicates there are deduped by key.
			return p.submitStage(ctx, env.MeetingID, job.StepAnalytics, env.Epoch)
		}
	}

	rawText, err := p.rawTranscriptText(ctx, env.MeetingID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(rawText) == "" {
		return fault.New(fault.ClassPermanent, "empty_transcript",
			"meeting %s has no transcribed speech to enhance", env.MeetingID)
	}

	var resp *llm.CompletionResponse
	err = p.timed(ctx, p.llm.Name(), "enhance", func() error {
		var cerr error
		resp, cerr = p.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: enhanceSystemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: rawText}},
		})
		return cerr
	})
	if err != nil {
		return err
	}

	content, err := json.Marshal(Transcript{Text: resp.Content})
	if err != nil {
		return fmt.Errorf("pipeline: encode enhanced transcript: %w", err)
	}
	err = p.store.WithMeetingLock(ctx, env.MeetingID, func(ctx context.Context) error {
		return p.store.UpsertArtifact(ctx, store.Artifact{
			MeetingID: env.MeetingID,
			Kind:      store.ArtifactEnhancedTranscript,
			Content:   content,
			Epoch:     env.Epoch,
		})
	})
	if err != nil {
		return err
	}
	if _, err := p.store.FirstUse(ctx, key); err != nil {
		return err
	}

	observe.Logger(ctx).Info("transcript enhanced",
		"meeting_id", env.MeetingID, "tokens", resp.Usage.TotalTokens)
	return p.submitStage(ctx, env.MeetingID, job.StepAnalytics, env.Epoch)
}

// rawTranscriptText loads raw_transcript and joins its segments in chunk
// order.
func (p *Pipeline) rawTranscriptText(ctx context.Context, meetingID string) (string, error) {
	a, err := p.store.GetArtifact(ctx, meetingID, store.ArtifactRawTranscript)
	if err != nil {
		return "", err
	}
	var raw RawTranscript
	if err := json.Unmarshal(a.Content, &raw); err != nil {
		return "", fmt.Errorf("pipeline: decode raw transcript for %s: %w", meetingID, err)
	}
	parts := make([]string, 0, len(raw.Segments))
	for _, seg := range raw.Segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// artifactAtEpoch reports whether the artifact exists with the given epoch.
// Stages use it to decide whether a re-delivered job's work already
// committed for the current rebuild generation.
func (p *Pipeline) artifactAtEpoch(ctx context.Context, meetingID string, kind store.ArtifactKind, epoch int) (bool, error) {
	a, err := p.store.GetArtifact(ctx, meetingID, kind)
	if fault.IsClient(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Epoch == epoch, nil
}
