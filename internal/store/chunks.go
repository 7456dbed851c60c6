package store

import (
	"context"
	"fmt"
	"time"
)

// Chunk is one ordered fragment of meeting media. The payload lives behind
// the blob interface; only MediaRef is stored here.
type Chunk struct {
	MeetingID  string    `json:"meeting_id"`
	ChunkSeq   int64     `json:"chunk_seq"`
	MediaRef   string    `json:"media_ref"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// InsertChunk persists a chunk record. Chunks are immutable: a second insert
// for the same (meeting_id, chunk_seq) is ignored and reported via the bool.
func (s *Store) InsertChunk(ctx context.Context, c Chunk) (inserted bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chunks (meeting_id, chunk_seq, media_ref, trace_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (meeting_id, chunk_seq) DO NOTHING`,
		c.MeetingID, c.ChunkSeq, c.MediaRef, c.TraceID)
	if err != nil {
		return false, fmt.Errorf("store: insert chunk: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// NextChunkSeq returns the next free sequence number for a meeting. Sequences
// are strictly increasing but gap-tolerant, so this is advisory: clients may
// also supply their own.
func (s *Store) NextChunkSeq(ctx context.Context, meetingID string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(chunk_seq), -1) + 1 FROM chunks WHERE meeting_id = $1`, meetingID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("store: next chunk seq: %w", err)
	}
	return next, nil
}

// ListChunks returns a meeting's chunks ordered by sequence.
func (s *Store) ListChunks(ctx context.Context, meetingID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT meeting_id, chunk_seq, media_ref, received_at, trace_id
		FROM chunks WHERE meeting_id = $1 ORDER BY chunk_seq`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.MeetingID, &c.ChunkSeq, &c.MediaRef, &c.ReceivedAt, &c.TraceID); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastChunkAt returns the received_at of the newest chunk, or the zero time
// when the meeting has none. The inactivity-based finalize check uses it.
func (s *Store) LastChunkAt(ctx context.Context, meetingID string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(received_at) FROM chunks WHERE meeting_id = $1`, meetingID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last chunk at: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
