package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrWong99/parley/internal/fault"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the initial call.
	// Default: 3.
	MaxRetries uint64

	// InitialInterval is the first backoff delay. Default: 250ms.
	InitialInterval time.Duration

	// MaxInterval caps the exponential delay. Default: 5s.
	MaxInterval time.Duration
}

// Retry runs fn with exponential backoff, retrying only transient failures.
// Client, permanent, and invariant faults abort immediately, as does an open
// circuit breaker: retrying through a tripped breaker would only hammer it.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !fault.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx))
}
