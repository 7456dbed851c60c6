package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
)

// conflictRetries bounds optimistic-transaction retries under contention.
const conflictRetries = 8

// Queue is a named FIFO queue with at-least-once delivery. All methods are
// safe for concurrent use.
type Queue struct {
	name string
	db   *badger.DB
	seq  *badger.Sequence
}

// pendingRecord is what a reserved job looks like at rest. Deadline is the
// instant after which the reservation lapses and the job becomes reservable
// again.
type pendingRecord struct {
	Env      job.Envelope `json:"env"`
	WorkerID string       `json:"worker_id"`
	Deadline time.Time    `json:"deadline"`
}

// DLQEntry is a dead-lettered job together with why it got there.
type DLQEntry struct {
	Env      job.Envelope `json:"env"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) itemKey(seq uint64) []byte {
	return fmt.Appendf(nil, "queue:%s:item:%020d", q.name, seq)
}

func (q *Queue) itemPrefix() []byte {
	return fmt.Appendf(nil, "queue:%s:item:", q.name)
}

func (q *Queue) pendKey(jobID string) []byte {
	return fmt.Appendf(nil, "queue:%s:pend:%s", q.name, jobID)
}

func (q *Queue) pendPrefix() []byte {
	return fmt.Appendf(nil, "queue:%s:pend:", q.name)
}

func (q *Queue) dlqKey(seq uint64) []byte {
	return fmt.Appendf(nil, "queue:%s:dlq:%020d", q.name, seq)
}

func (q *Queue) dlqPrefix() []byte {
	return fmt.Appendf(nil, "queue:%s:dlq:", q.name)
}

// update runs fn in a read-write transaction, retrying on optimistic commit
// conflicts.
func (q *Queue) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && i < conflictRetries {
			continue
		}
		return err
	}
}

// Enqueue appends env to the queue. The envelope's Queue field is stamped
// with this queue's name.
func (q *Queue) Enqueue(ctx context.Context, env job.Envelope) error {
	env.Queue = q.name
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue %s: marshal envelope: %w", q.name, err)
	}
	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("queue %s: next sequence: %w", q.name, err)
	}
	return q.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(q.itemKey(n), raw)
	})
}

// Reserve hands the oldest visible job to workerID, moving it to the pending
// set for visibility. Jobs whose reservation lapsed are first returned to the
// queue. Returns (nil, nil) when no job is available.
func (q *Queue) Reserve(ctx context.Context, workerID string, visibility time.Duration) (*job.Envelope, error) {
	if err := q.requeueExpired(ctx); err != nil {
		return nil, err
	}

	var reserved *job.Envelope
	err := q.update(ctx, func(txn *badger.Txn) error {
		reserved = nil
		now := time.Now()

		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.itemPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env job.Envelope
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &env)
			}); err != nil {
				return fmt.Errorf("queue %s: decode item: %w", q.name, err)
			}
			// Delay-queued retries are skipped until their time comes.
			if !env.VisibleAt.IsZero() && env.VisibleAt.After(now) {
				continue
			}

			rec := pendingRecord{
				Env:      env,
				WorkerID: workerID,
				Deadline: now.Add(visibility),
			}
			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("queue %s: marshal pending: %w", q.name, err)
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			if err := txn.Set(q.pendKey(env.JobID), raw); err != nil {
				return err
			}
			reserved = &env
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// requeueExpired sweeps pending records whose deadline passed back onto the
// queue, preserving the envelope (attempt counter included) so another worker
// can pick the job up.
func (q *Queue) requeueExpired(ctx context.Context) error {
	type expired struct {
		key []byte
		env job.Envelope
	}
	var lapsed []expired

	err := q.db.View(func(txn *badger.Txn) error {
		now := time.Now()
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.pendPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec pendingRecord
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("queue %s: decode pending: %w", q.name, err)
			}
			if rec.Deadline.Before(now) {
				lapsed = append(lapsed, expired{key: item.KeyCopy(nil), env: rec.Env})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range lapsed {
		n, err := q.seq.Next()
		if err != nil {
			return fmt.Errorf("queue %s: next sequence: %w", q.name, err)
		}
		env := e.env
		env.VisibleAt = time.Time{}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("queue %s: marshal envelope: %w", q.name, err)
		}
		err = q.update(ctx, func(txn *badger.Txn) error {
			// The record may have been acked since the sweep read it.
			if _, err := txn.Get(e.key); errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			} else if err != nil {
				return err
			}
			if err := txn.Delete(e.key); err != nil {
				return err
			}
			return txn.Set(q.itemKey(n), raw)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Ack commits a reserved job, removing it permanently. Acking a job that is
// no longer pending (its visibility lapsed and it was re-reserved) is a
// no-op: the other reservation owns it now.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	return q.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(q.pendKey(jobID)); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return txn.Delete(q.pendKey(jobID))
	})
}

// Nack reports a retryable failure. The job's attempt counter is incremented
// and it is re-queued with the given delay; once attempts reach the
// envelope's maximum it is dead-lettered instead. The pending record and its
// successor (queue item or DLQ entry) move in one transaction, so a crash
// mid-nack never drops the job. Returns true when the job went to the DLQ.
func (q *Queue) Nack(ctx context.Context, jobID, reason string, delay time.Duration) (dlqed bool, err error) {
	n, err := q.seq.Next()
	if err != nil {
		return false, fmt.Errorf("queue %s: next sequence: %w", q.name, err)
	}
	err = q.update(ctx, func(txn *badger.Txn) error {
		dlqed = false
		rec, err := q.getPending(txn, jobID)
		if err != nil {
			return err
		}
		if err := txn.Delete(q.pendKey(jobID)); err != nil {
			return err
		}

		env := rec.Env
		env.Attempt++
		if env.Attempt >= env.MaxAttempts {
			dlqed = true
			return q.writeDLQ(txn, n, env, reason)
		}

		env.VisibleAt = time.Now().Add(delay)
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("queue %s: marshal envelope: %w", q.name, err)
		}
		return txn.Set(q.itemKey(n), raw)
	})
	if err != nil {
		return false, err
	}
	return dlqed, nil
}

// PushDLQ dead-letters a reserved job immediately, bypassing remaining
// retries. Used for non-retryable failures.
func (q *Queue) PushDLQ(ctx context.Context, jobID, reason string) error {
	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("queue %s: next sequence: %w", q.name, err)
	}
	return q.update(ctx, func(txn *badger.Txn) error {
		rec, err := q.getPending(txn, jobID)
		if err != nil {
			return err
		}
		if err := txn.Delete(q.pendKey(jobID)); err != nil {
			return err
		}
		return q.writeDLQ(txn, n, rec.Env, reason)
	})
}

// getPending reads the pending record for jobID within txn.
func (q *Queue) getPending(txn *badger.Txn, jobID string) (*pendingRecord, error) {
	item, err := txn.Get(q.pendKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fault.New(fault.ClassClient, "unknown_job", "job %s is not pending on %s", jobID, q.name)
	} else if err != nil {
		return nil, err
	}
	var rec pendingRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, fmt.Errorf("queue %s: decode pending: %w", q.name, err)
	}
	return &rec, nil
}

func (q *Queue) writeDLQ(txn *badger.Txn, seq uint64, env job.Envelope, reason string) error {
	entry := DLQEntry{Env: env, Reason: reason, FailedAt: time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue %s: marshal dlq entry: %w", q.name, err)
	}
	return txn.Set(q.dlqKey(seq), raw)
}

// Depth reports the number of jobs ready for reservation, including delayed
// retries that are not yet visible.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.countPrefix(ctx, q.itemPrefix())
}

// PendingDepth reports the number of reserved, unacked jobs.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	return q.countPrefix(ctx, q.pendPrefix())
}

// DLQDepth reports the number of dead-lettered jobs.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	return q.countPrefix(ctx, q.dlqPrefix())
}

func (q *Queue) countPrefix(ctx context.Context, prefix []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// PeekDLQ returns up to limit dead-lettered jobs, oldest first, without
// removing them.
func (q *Queue) PeekDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []DLQEntry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.dlqPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(entries) < limit; it.Next() {
			var entry DLQEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("queue %s: decode dlq entry: %w", q.name, err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// ReplayDLQ moves one dead-lettered job back onto the queue. The attempt
// counter restarts at zero while the trace context is preserved, so the
// replay shows up under the original trace. Returns a client fault when no
// DLQ entry matches jobID.
func (q *Queue) ReplayDLQ(ctx context.Context, jobID string) error {
	var (
		found bool
		key   []byte
		env   job.Envelope
	)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.dlqPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry DLQEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("queue %s: decode dlq entry: %w", q.name, err)
			}
			if entry.Env.JobID == jobID {
				found = true
				key = it.Item().KeyCopy(nil)
				env = entry.Env
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fault.New(fault.ClassClient, "unknown_job", "job %s is not in the DLQ of %s", jobID, q.name)
	}

	env.Attempt = 0
	env.VisibleAt = time.Time{}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue %s: marshal envelope: %w", q.name, err)
	}
	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("queue %s: next sequence: %w", q.name, err)
	}
	return q.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set(q.itemKey(n), raw)
	})
}

// ReplayAllDLQ replays every dead-lettered job and reports how many moved.
func (q *Queue) ReplayAllDLQ(ctx context.Context) (int, error) {
	entries, err := q.PeekDLQ(ctx, int(^uint(0)>>1))
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, entry := range entries {
		if err := q.ReplayDLQ(ctx, entry.Env.JobID); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
