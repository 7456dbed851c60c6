// Package broker implements the embedded queue fabric on BadgerDB: named
// FIFO queues with at-least-once delivery, per-queue dead-letter queues,
// TTL-bounded operation locks, and the durable circuit-breaker records.
//
// Key layout:
//
//	queue:<name>:item:<seq>   — ready jobs, FIFO by zero-padded sequence
//	queue:<name>:pend:<id>    — reserved jobs with their visibility deadline
//	queue:<name>:dlq:<seq>    — dead-lettered jobs with failure reason
//	lock:op:<provider>:<id>   — connector operation locks (Badger TTL)
//	cb:<provider>             — circuit breaker snapshots
//
// Visibility deadlines are stored inside the pending record rather than as a
// Badger TTL: an expired TTL entry is deleted, which would lose the job
// instead of returning it to the queue.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Config holds the knobs for opening a Broker.
type Config struct {
	// Path is the directory for the Badger files. Required unless InMemory.
	Path string

	// InMemory opens the store without disk persistence. Queues and locks are
	// lost on close; used by tests and throwaway dev setups.
	InMemory bool

	// SyncWrites forces fsync on every commit. A queue that loses acked state
	// on crash re-delivers, so this defaults off and at-least-once covers it.
	SyncWrites bool

	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// Broker owns the Badger instance and hands out named queues.
type Broker struct {
	db *badger.DB

	mu     sync.Mutex
	queues map[string]*Queue
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	l *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

// Open opens the broker at cfg.Path, creating the directory if needed.
func Open(cfg Config) (*Broker, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("broker: path is required for a persistent broker")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("broker: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: open badger: %w", err)
	}
	return &Broker{db: db, queues: make(map[string]*Queue)}, nil
}

// OpenInMemory opens a throwaway broker for tests.
func OpenInMemory() (*Broker, error) {
	return Open(Config{InMemory: true})
}

// Queue returns the named queue, creating its sequence on first use.
func (b *Broker) Queue(name string) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	seq, err := b.db.GetSequence([]byte("seq:queue:"+name), 128)
	if err != nil {
		return nil, fmt.Errorf("broker: sequence for %s: %w", name, err)
	}
	q := &Queue{name: name, db: b.db, seq: seq}
	b.queues[name] = q
	return q, nil
}

// Close releases queue sequences and closes the database.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, q := range b.queues {
		if err := q.seq.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
