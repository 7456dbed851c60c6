// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one persisted audio chunk into a transcript segment.
// The pipeline's STT stage feeds chunks in any order (the queue does not
// guarantee ordering across retries), so a Segment carries its chunk sequence
// and the raw-transcript artifact is assembled by sorting on it.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request is one chunk of audio to transcribe.
type Request struct {
	// MeetingID identifies the meeting the chunk belongs to.
	MeetingID string

	// ChunkSeq is the chunk's sequence number within the meeting.
	ChunkSeq int64

	// Audio is the raw media payload.
	Audio []byte

	// MIMEType describes the payload encoding (e.g. "audio/wav",
	// "audio/ogg"). Empty defaults to "audio/wav".
	MIMEType string

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// provider auto-detect, if supported.
	Language string
}

// Segment is the transcription of one chunk.
type Segment struct {
	// ChunkSeq echoes the request's sequence number.
	ChunkSeq int64 `json:"chunk_seq"`

	// Text is the recognised speech.
	Text string `json:"text"`

	// DurationSec is the audio duration as reported by the provider, zero
	// when unknown.
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one chunk of audio into a transcript segment.
	// Errors should be classified (see internal/fault) so the worker can
	// decide between retry and dead-letter.
	Transcribe(ctx context.Context, req Request) (*Segment, error)

	// Name returns the provider's identifier as used in logs and metrics.
	Name() string
}
