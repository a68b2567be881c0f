// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/logging"
)

const badgerKeyPrefix = "lock:"

// badgerTTLGrace keeps the badger entry alive past the document expiry.
// Badger expiry has second granularity; the document's ExpiresAt is the
// authoritative deadline.
const badgerTTLGrace = 2 * time.Second

// BadgerBackend stores locks in the embedded store. Badger's serializable
// transactions provide the compare-and-set: a transaction that read the key
// fails with ErrConflict if another transaction wrote it first.
type BadgerBackend struct {
	store *kvstore.Store
}

// NewBadgerBackend creates a backend over store.
func NewBadgerBackend(store *kvstore.Store) *BadgerBackend {
	return &BadgerBackend{store: store}
}

// Name implements Backend.
func (b *BadgerBackend) Name() string { return "badger" }

func badgerKey(key string) []byte {
	return []byte(badgerKeyPrefix + key)
}

// readLock returns nil, nil when the key is absent.
func readLock(txn *badger.Txn, key string) (*Lock, error) {
	var l Lock
	err := kvstore.GetJSON(txn, badgerKey(key), &l)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return &l, nil
}

func writeLock(txn *badger.Txn, l *Lock, now time.Time) error {
	ttl := l.ExpiresAt.Sub(now) + badgerTTLGrace
	return kvstore.SetJSON(txn, badgerKey(l.Key), l, ttl)
}

// TryAcquire implements Backend.
func (b *BadgerBackend) TryAcquire(_ context.Context, want Lock) (bool, *Lock, error) {
	var current *Lock
	acquired := false

	// Raw db.Update: a conflict here means another holder won this round.
	err := b.store.DB().Update(func(txn *badger.Txn) error {
		existing, err := readLock(txn, want.Key)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Expired(want.AcquiredAt) {
			current = existing
			return nil
		}
		if err := writeLock(txn, &want, want.AcquiredAt); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		logging.Trace().Str("key", want.Key).Msg("lock CAS lost to concurrent writer")
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return acquired, current, nil
}

// Release implements Backend.
func (b *BadgerBackend) Release(_ context.Context, key, holder, operationID string) (bool, error) {
	released := false
	err := b.store.Update(func(txn *badger.Txn) error {
		released = false
		existing, err := readLock(txn, key)
		if err != nil || existing == nil {
			return err
		}
		if !ownedBy(existing, holder, operationID) {
			return nil
		}
		if err := txn.Delete(badgerKey(key)); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// ForceRelease implements Backend.
func (b *BadgerBackend) ForceRelease(_ context.Context, key string) (*Lock, error) {
	var prev *Lock
	err := b.store.Update(func(txn *badger.Txn) error {
		var err error
		if prev, err = readLock(txn, key); err != nil || prev == nil {
			return err
		}
		return txn.Delete(badgerKey(key))
	})
	return prev, err
}

// Extend implements Backend.
func (b *BadgerBackend) Extend(_ context.Context, key, holder, operationID string, expiresAt, now time.Time) error {
	return b.store.Update(func(txn *badger.Txn) error {
		existing, err := readLock(txn, key)
		if err != nil {
			return err
		}
		if existing == nil || existing.Expired(now) || !ownedBy(existing, holder, operationID) {
			return ErrNotHeld
		}
		existing.ExpiresAt = expiresAt
		return writeLock(txn, existing, now)
	})
}

// Get implements Backend.
func (b *BadgerBackend) Get(_ context.Context, key string) (*Lock, error) {
	var l *Lock
	err := b.store.View(func(txn *badger.Txn) error {
		var err error
		l, err = readLock(txn, key)
		return err
	})
	return l, err
}

func ownedBy(l *Lock, holder, operationID string) bool {
	if l.HolderID != holder {
		return false
	}
	return operationID == "" || l.OperationID == operationID
}
