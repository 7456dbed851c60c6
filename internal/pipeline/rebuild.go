package pipeline

import (
	"context"
	"strconv"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// RebuildResult reports what a rebuild kicked off.
type RebuildResult struct {
	MeetingID string   `json:"meeting_id"`
	Epoch     int      `json:"epoch"`
	FromStep  job.Step `json:"from_step"`
	JobIDs    []string `json:"job_ids"`
}

// downstreamArtifacts maps each rebuildable step to the artifact kinds it
// and its successors produce; those are cleared before the step re-runs.
var downstreamArtifacts = map[job.Step][]store.ArtifactKind{
	job.StepEnhancer: {
		store.ArtifactEnhancedTranscript,
		store.ArtifactReport,
		store.ArtifactScorecard,
		store.ArtifactComparison,
	},
	job.StepAnalytics: {
		store.ArtifactReport,
		store.ArtifactScorecard,
		store.ArtifactComparison,
	},
	job.StepDelivery: nil,
}

// Rebuild re-runs the pipeline from the given step downstream. It bumps the
// meeting's epoch (invalidating every prior idempotency key), clears the
// downstream artifacts under the meeting lock, moves a terminal meeting back
// to processing, and enqueues the step with the fresh epoch.
//
// The STT stage is not rebuildable: raw transcription is a function of the
// immutable chunks, so re-running it cannot change the raw transcript.
// Rebuilds start at enhancer or later.
func (p *Pipeline) Rebuild(ctx context.Context, meetingID string, from job.Step) (*RebuildResult, error) {
	kinds, ok := downstreamArtifacts[from]
	if !ok {
		return nil, fault.New(fault.ClassClient, "invalid_step",
			"cannot rebuild from step %q; valid steps: enhancer, analytics, delivery", from)
	}

	m, err := p.store.GetMeeting(ctx, meetingID, "")
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusDone && m.Status != store.StatusFailed && m.Status != store.StatusProcessing {
		return nil, fault.New(fault.ClassClient, "not_rebuildable",
			"meeting %s is %s; only processing, done, or failed meetings can be rebuilt", meetingID, m.Status)
	}

	epoch, err := p.store.IncrementEpoch(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	err = p.store.WithMeetingLock(ctx, meetingID, func(ctx context.Context) error {
		return p.store.DeleteArtifacts(ctx, meetingID, kinds...)
	})
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusProcessing {
		if err := p.store.UpdateStatus(ctx, meetingID, store.StatusProcessing, true); err != nil {
			return nil, err
		}
	}

	env := p.newEnvelope(ctx, meetingID, from, mustStagePayload(epoch), epoch)
	if err := p.enqueue(ctx, env); err != nil {
		return nil, err
	}

	observe.Logger(ctx).Info("rebuild started",
		"meeting_id", meetingID, "from_step", string(from), "epoch", epoch)
	return &RebuildResult{
		MeetingID: meetingID,
		Epoch:     epoch,
		FromStep:  from,
		JobIDs:    []string{env.JobID},
	}, nil
}

func mustStagePayload(epoch int) []byte {
	return []byte(`{"epoch":` + strconv.Itoa(epoch) + `}`)
}
