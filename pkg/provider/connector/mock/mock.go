// Package mock provides a scriptable test double for the connector.Provider
// interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/connector"
)

// Provider is a mock implementation of connector.Provider. Zero values make
// every call succeed; set the error fields to inject failures. Error fields
// are consumed per call via the FailuresLeft counters when those are set,
// which lets tests script "fail N times, then succeed".
type Provider struct {
	mu sync.Mutex

	// JoinErr, LeaveErr, PullErr are returned by the corresponding call.
	JoinErr  error
	LeaveErr error
	PullErr  error

	// JoinFailuresLeft, PullFailuresLeft make the error fields apply only
	// for the next N calls. Zero means the error applies unconditionally.
	JoinFailuresLeft int
	PullFailuresLeft int

	// Chunks is returned by every successful PullChunks call.
	Chunks []connector.Chunk

	// Counters.
	JoinCalls  int
	LeaveCalls int
	PullCalls  int

	nextRef int
}

var _ connector.Provider = (*Provider)(nil)

// Name implements connector.Provider.
func (p *Provider) Name() string { return "mock" }

// Join implements connector.Provider.
func (p *Provider) Join(_ context.Context, meetingID string) (*connector.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.JoinCalls++
	if p.JoinErr != nil {
		if p.JoinFailuresLeft == 0 {
			return nil, p.JoinErr
		}
		p.JoinFailuresLeft--
		err := p.JoinErr
		if p.JoinFailuresLeft == 0 {
			p.JoinErr = nil
		}
		return nil, err
	}
	p.nextRef++
	return &connector.Session{
		MeetingID:   meetingID,
		ProviderRef: fmt.Sprintf("ref-%d", p.nextRef),
	}, nil
}

// Leave implements connector.Provider.
func (p *Provider) Leave(_ context.Context, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.LeaveCalls++
	return p.LeaveErr
}

// PullChunks implements connector.Provider.
func (p *Provider) PullChunks(_ context.Context, _, _ string, max int) ([]connector.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.PullCalls++
	if p.PullErr != nil {
		if p.PullFailuresLeft == 0 {
			return nil, p.PullErr
		}
		p.PullFailuresLeft--
		err := p.PullErr
		if p.PullFailuresLeft == 0 {
			p.PullErr = nil
		}
		return nil, err
	}
	chunks := p.Chunks
	if len(chunks) > max {
		chunks = chunks[:max]
	}
	out := make([]connector.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

// Counts returns the call counters in join, leave, pull order.
func (p *Provider) Counts() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.JoinCalls, p.LeaveCalls, p.PullCalls
}
