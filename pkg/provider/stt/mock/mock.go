// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider. Zero values cause
// Transcribe to return a deterministic segment derived from the request; set
// Err to inject failures.
type Provider struct {
	mu sync.Mutex

	// Segment, if non-nil, is returned by every Transcribe call.
	Segment *stt.Segment

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Calls records every request in order.
	Calls []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, req stt.Request) (*stt.Segment, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if p.Segment != nil {
		seg := *p.Segment
		return &seg, nil
	}
	return &stt.Segment{
		ChunkSeq: req.ChunkSeq,
		Text:     fmt.Sprintf("transcript of %s chunk %d", req.MeetingID, req.ChunkSeq),
	}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "mock" }

// CallCount returns how many Transcribe calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
