// Package mock provides a test double for the delivery.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/delivery"
)

// Provider is a mock implementation of delivery.Provider. Set Err to inject
// failures; read Sent after the test to assert on delivered messages.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Send.
	Err error

	// Sent records every delivered message in order.
	Sent []delivery.Message
}

var _ delivery.Provider = (*Provider)(nil)

// Send implements delivery.Provider.
func (p *Provider) Send(_ context.Context, msg delivery.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.Sent = append(p.Sent, msg)
	return nil
}

// Name implements delivery.Provider.
func (p *Provider) Name() string { return "mock" }

// SentCount returns how many messages were accepted.
func (p *Provider) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sent)
}
