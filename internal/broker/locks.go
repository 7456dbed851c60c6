package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/parley/internal/resilience"
)

// opLockKey is the exclusivity token for connector lifecycle operations on a
// (provider, meeting) pair.
func opLockKey(provider, meetingID string) []byte {
	return fmt.Appendf(nil, "lock:op:%s:%s", provider, meetingID)
}

func breakerKey(name string) []byte {
	return fmt.Appendf(nil, "cb:%s", name)
}

// AcquireOpLock tries to take the operation lock for (provider, meetingID)
// with the given TTL. Returns false when another holder has it. The lock
// auto-releases when the TTL lapses, so a crashed holder cannot wedge the
// session forever.
func (b *Broker) AcquireOpLock(ctx context.Context, provider, meetingID, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := opLockKey(provider, meetingID)
	acquired := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // held by someone else
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(key, []byte(holder)).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	return acquired, err
}

// ReleaseOpLock drops the operation lock if holder still owns it. A lock that
// expired and was re-acquired by someone else is left alone.
func (b *Broker) ReleaseOpLock(ctx context.Context, provider, meetingID, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := opLockKey(provider, meetingID)
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		var owner []byte
		if owner, err = item.ValueCopy(nil); err != nil {
			return err
		}
		if string(owner) != holder {
			return nil
		}
		return txn.Delete(key)
	})
}

// LoadBreaker implements [resilience.RecordStore]. A missing record returns
// (nil, nil).
func (b *Broker) LoadBreaker(ctx context.Context, name string) (*resilience.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *resilience.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(breakerKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			rec = &resilience.Record{}
			return json.Unmarshal(v, rec)
		})
	})
	return rec, err
}

// SaveBreaker implements [resilience.RecordStore].
func (b *Broker) SaveBreaker(ctx context.Context, rec resilience.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broker: marshal breaker record: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(breakerKey(rec.Name), raw)
	})
}
