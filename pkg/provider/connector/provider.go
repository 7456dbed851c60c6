// Package connector defines the Provider interface for third-party
// conferencing platforms that Parley joins on the server side.
//
// A connector joins a meeting on the provider's infrastructure, periodically
// pulls recorded media chunks from it, and leaves when the meeting ends. The
// lifecycle state machine lives in internal/connector; implementations here
// only speak the provider's API and classify its failures (see
// internal/fault) so the lifecycle manager can decide between retry,
// dead-end, and circuit-breaker accounting.
//
// Implementations must be safe for concurrent use.
package connector

import "context"

// Session is the provider-side handle for a joined meeting.
type Session struct {
	// MeetingID is Parley's meeting identifier.
	MeetingID string

	// ProviderRef is the provider's own session identifier, echoed on every
	// subsequent call.
	ProviderRef string
}

// Chunk is one media fragment pulled from the provider. The provider's
// ordering hint is advisory; Parley assigns its own chunk_seq at ingest.
type Chunk struct {
	// Media is the raw audio payload.
	Media []byte

	// MIMEType describes the payload encoding. Empty defaults to
	// "audio/wav".
	MIMEType string
}

// Valid reports whether the chunk is usable: live-pull counts invalid chunks
// and drops them instead of propagating an error.
func (c Chunk) Valid() bool {
	return len(c.Media) > 0
}

// Provider is the abstraction over any conferencing platform.
type Provider interface {
	// Join connects to the meeting and returns the provider session handle.
	// Errors must be classified: auth and bad-request rejections as
	// permanent, 5xx/429/timeouts as transient.
	Join(ctx context.Context, meetingID string) (*Session, error)

	// Leave disconnects from the meeting. Leaving an already-ended meeting
	// is not an error.
	Leave(ctx context.Context, meetingID, providerRef string) error

	// PullChunks fetches up to max media chunks recorded since the last
	// pull. An empty slice with a nil error means nothing new yet.
	PullChunks(ctx context.Context, meetingID, providerRef string, max int) ([]Chunk, error)

	// Name returns the provider's identifier as used in logs, metrics, and
	// session records.
	Name() string
}
