package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

const reportSystemPrompt = `You are a meeting analyst. From the transcript, ` +
	`produce a Markdown report with these sections: Summary, Key Points, ` +
	`Decisions, Action Items (with owners where identifiable), and Risks. ` +
	`Be factual; do not invent content that is not in the transcript. Reply ` +
	`with the Markdown report only.`

const scorecardSystemPrompt = `You are a meeting quality assessor. From the ` +
	`transcript, score the meeting on a 1-5 scale for: clarity, structure, ` +
	`participation, and outcome_orientation. Reply with a single JSON object ` +
	`mapping each criterion to {"score": n, "rationale": "..."} and nothing else.`

// HandleAnalytics builds the report and scorecard artifacts from the
// enhanced transcript, then either enqueues delivery (when the meeting has a
// recipe with recipients) or completes the meeting.
func (p *Pipeline) HandleAnalytics(ctx context.Context, env job.Envelope) error {
	key := env.IdempotencyKey()
	if seen, err := p.store.Seen(ctx, key); err != nil {
		return err
	} else if seen {
		if ok, err := p.artifactAtEpoch(ctx, env.MeetingID, store.ArtifactReport, env.Epoch); err != nil {
			return err
		} else if ok {
			return p.afterAnalytics(ctx, env)
		}
	}

	enhanced, err := p.store.GetArtifact(ctx, env.MeetingID, store.ArtifactEnhancedTranscript)
	if err != nil {
		return err
	}
	var transcript Transcript
	if err := json.Unmarshal(enhanced.Content, &transcript); err != nil {
		return fmt.Errorf("pipeline: decode enhanced transcript for %s: %w", env.MeetingID, err)
	}

	report, err := p.buildReport(ctx, transcript.Text)
	if err != nil {
		return err
	}
	scorecard, err := p.buildScorecard(ctx, transcript.Text)
	if err != nil {
		return err
	}

	reportContent, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("pipeline: encode report: %w", err)
	}
	scorecardContent, err := json.Marshal(scorecard)
	if err != nil {
		return fmt.Errorf("pipeline: encode scorecard: %w", err)
	}

	err = p.store.WithMeetingLock(ctx, env.MeetingID, func(ctx context.Context) error {
		if err := p.store.UpsertArtifact(ctx, store.Artifact{
			MeetingID: env.MeetingID,
			Kind:      store.ArtifactReport,
			Content:   reportContent,
			Epoch:     env.Epoch,
		}); err != nil {
			return err
		}
		return p.store.UpsertArtifact(ctx, store.Artifact{
			MeetingID: env.MeetingID,
			Kind:      store.ArtifactScorecard,
			Content:   scorecardContent,
			Epoch:     env.Epoch,
		})
	})
	if err != nil {
		return err
	}
	if _, err := p.store.FirstUse(ctx, key); err != nil {
		return err
	}

	observe.Logger(ctx).Info("analytics built", "meeting_id", env.MeetingID)
	return p.afterAnalytics(ctx, env)
}

// afterAnalytics routes to delivery or completion depending on the recipe.
func (p *Pipeline) afterAnalytics(ctx context.Context, env job.Envelope) error {
	recipe, err := p.recipe(ctx, env.MeetingID)
	if err != nil {
		return err
	}
	if len(recipe.Emails) == 0 {
		return p.completeMeeting(ctx, env.MeetingID)
	}
	return p.submitStage(ctx, env.MeetingID, job.StepDelivery, env.Epoch)
}

func (p *Pipeline) buildReport(ctx context.Context, transcript string) (Report, error) {
	var resp *llm.CompletionResponse
	err := p.timed(ctx, p.llm.Name(), "report", func() error {
		var cerr error
		resp, cerr = p.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: reportSystemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: transcript}},
		})
		return cerr
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Markdown: resp.Content}
	// First non-heading line doubles as the summary shown in status views.
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			report.Summary = line
			break
		}
	}
	return report, nil
}

func (p *Pipeline) buildScorecard(ctx context.Context, transcript string) (Scorecard, error) {
	var resp *llm.CompletionResponse
	err := p.timed(ctx, p.llm.Name(), "scorecard", func() error {
		var cerr error
		resp, cerr = p.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: scorecardSystemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: transcript}},
		})
		return cerr
	})
	if err != nil {
		return Scorecard{}, err
	}

	trimmed := strings.TrimSpace(resp.Content)
	if json.Valid([]byte(trimmed)) {
		return Scorecard{Scores: json.RawMessage(trimmed)}, nil
	}
	return Scorecard{Raw: resp.Content}, nil
}
