package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/delivery"
)

// HandleDeliver sends the report per the meeting's delivery recipe and
// completes the meeting.
//
// Unlike the artifact stages, the idempotency key is claimed before the
// provider call: a duplicate email is worse than a lost one after a crash in
// the narrow window between send and completion, and the DLQ surfaces that
// window to the operator.
func (p *Pipeline) HandleDeliver(ctx context.Context, env job.Envelope) error {
	first, err := p.store.FirstUse(ctx, env.IdempotencyKey())
	if err != nil {
		return err
	}
	if !first {
		return p.completeMeeting(ctx, env.MeetingID)
	}

	recipe, err := p.recipe(ctx, env.MeetingID)
	if err != nil {
		return err
	}
	if len(recipe.Emails) == 0 {
		// Recipe was cleared after analytics enqueued us.
		return p.completeMeeting(ctx, env.MeetingID)
	}

	reportArtifact, err := p.store.GetArtifact(ctx, env.MeetingID, store.ArtifactReport)
	if err != nil {
		return err
	}
	var report Report
	if err := json.Unmarshal(reportArtifact.Content, &report); err != nil {
		return fmt.Errorf("pipeline: decode report for %s: %w", env.MeetingID, err)
	}

	subject := recipe.Subject
	if subject == "" {
		subject = fmt.Sprintf("Meeting report: %s", env.MeetingID)
	}
	msg := delivery.Message{
		To:       recipe.Emails,
		Subject:  subject,
		TextBody: report.Markdown,
	}
	if recipe.AttachTranscript {
		if a, err := p.store.GetArtifact(ctx, env.MeetingID, store.ArtifactEnhancedTranscript); err == nil {
			var transcript Transcript
			if err := json.Unmarshal(a.Content, &transcript); err == nil {
				msg.Attachments = append(msg.Attachments, delivery.Attachment{
					Filename:    "transcript.txt",
					ContentType: "text/plain; charset=utf-8",
					Data:        []byte(transcript.Text),
				})
			}
		}
	}

	err = p.timed(ctx, p.delivery.Name(), "send", func() error {
		return p.delivery.Send(ctx, msg)
	})
	if err != nil {
		return err
	}

	observe.Logger(ctx).Info("report delivered",
		"meeting_id", env.MeetingID, "recipients", len(recipe.Emails))
	return p.completeMeeting(ctx, env.MeetingID)
}
