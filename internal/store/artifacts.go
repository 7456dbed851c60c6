package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/parley/internal/fault"
)

// ArtifactKind names the pipeline outputs, one artifact per (meeting, kind).
type ArtifactKind string

const (
	ArtifactRawTranscript      ArtifactKind = "raw_transcript"
	ArtifactEnhancedTranscript ArtifactKind = "enhanced_transcript"
	ArtifactReport             ArtifactKind = "report"
	ArtifactScorecard          ArtifactKind = "scorecard"
	ArtifactComparison         ArtifactKind = "comparison"
)

// ArtifactKinds lists all kinds in pipeline order.
var ArtifactKinds = []ArtifactKind{
	ArtifactRawTranscript,
	ArtifactEnhancedTranscript,
	ArtifactReport,
	ArtifactScorecard,
	ArtifactComparison,
}

// IsValid reports whether k is a known artifact kind.
func (k ArtifactKind) IsValid() bool {
	for _, known := range ArtifactKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Artifact is one pipeline output document.
type Artifact struct {
	MeetingID string          `json:"meeting_id"`
	Kind      ArtifactKind    `json:"kind"`
	Content   json.RawMessage `json:"content"`
	Epoch     int             `json:"epoch"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UpsertArtifact writes an artifact, replacing any previous content.
// Write-wins; stages serialize concurrent writers with the per-meeting
// advisory lock.
func (s *Store) UpsertArtifact(ctx context.Context, a Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (meeting_id, kind, content, epoch, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (meeting_id, kind)
		DO UPDATE SET content = EXCLUDED.content, epoch = EXCLUDED.epoch, updated_at = now()`,
		a.MeetingID, string(a.Kind), a.Content, a.Epoch)
	if err != nil {
		return fmt.Errorf("store: upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact.
func (s *Store) GetArtifact(ctx context.Context, meetingID string, kind ArtifactKind) (*Artifact, error) {
	var a Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT meeting_id, kind, content, epoch, updated_at
		FROM artifacts WHERE meeting_id = $1 AND kind = $2`,
		meetingID, string(kind)).Scan(&a.MeetingID, &a.Kind, &a.Content, &a.Epoch, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.ClassClient, "artifact_not_found",
			"meeting %s has no %s artifact", meetingID, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns all artifacts of a meeting.
func (s *Store) ListArtifacts(ctx context.Context, meetingID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT meeting_id, kind, content, epoch, updated_at
		FROM artifacts WHERE meeting_id = $1 ORDER BY kind`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.MeetingID, &a.Kind, &a.Content, &a.Epoch, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifacts removes the given kinds for a meeting. Rebuild uses it to
// clear downstream artifacts before re-running a stage.
func (s *Store) DeleteArtifacts(ctx context.Context, meetingID string, kinds ...ArtifactKind) error {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM artifacts WHERE meeting_id = $1 AND kind = ANY($2)`, meetingID, names)
	if err != nil {
		return fmt.Errorf("store: delete artifacts: %w", err)
	}
	return nil
}
