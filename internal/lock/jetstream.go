// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package lock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/lateflow/internal/logging"
)

// JetStreamBackend stores locks in a NATS JetStream key-value bucket so
// that workers on different hosts share one lock space. Create and
// revision-checked Update are the compare-and-set primitives.
type JetStreamBackend struct {
	kv jetstream.KeyValue
}

// NewJetStreamBackend creates or updates the lock bucket and returns a
// backend over it. History is 1; expiry is carried by each document.
func NewJetStreamBackend(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStreamBackend, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Lateflow distributed locks",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket %q: %w", bucket, err)
	}
	logging.Info().Str("bucket", bucket).Msg("jetstream lock bucket ready")
	return &JetStreamBackend{kv: kv}, nil
}

// Name implements Backend.
func (j *JetStreamBackend) Name() string { return "jetstream" }

// kvKey encodes business keys (dates, composite ids) into the restricted
// KV key alphabet.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// isCASConflict reports whether err means another writer changed the key
// between our read and write.
func isCASConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// get returns the decoded lock and its revision, or nil when absent.
func (j *JetStreamBackend) get(ctx context.Context, key string) (*Lock, uint64, error) {
	entry, err := j.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get lock: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return nil, 0, fmt.Errorf("decode lock: %w", err)
	}
	return &l, entry.Revision(), nil
}

// TryAcquire implements Backend.
func (j *JetStreamBackend) TryAcquire(ctx context.Context, want Lock) (bool, *Lock, error) {
	existing, rev, err := j.get(ctx, want.Key)
	if err != nil {
		return false, nil, err
	}
	if existing != nil && !existing.Expired(want.AcquiredAt) {
		return false, existing, nil
	}

	data, err := json.Marshal(&want)
	if err != nil {
		return false, nil, fmt.Errorf("encode lock: %w", err)
	}

	if existing == nil {
		_, err = j.kv.Create(ctx, kvKey(want.Key), data)
	} else {
		_, err = j.kv.Update(ctx, kvKey(want.Key), data, rev)
	}
	if isCASConflict(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("write lock: %w", err)
	}
	return true, nil, nil
}

// Release implements Backend.
func (j *JetStreamBackend) Release(ctx context.Context, key, holder, operationID string) (bool, error) {
	existing, rev, err := j.get(ctx, key)
	if err != nil || existing == nil {
		return false, err
	}
	if !ownedBy(existing, holder, operationID) {
		return false, nil
	}
	err = j.kv.Delete(ctx, kvKey(key), jetstream.LastRevision(rev))
	if isCASConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return true, nil
}

// ForceRelease implements Backend.
func (j *JetStreamBackend) ForceRelease(ctx context.Context, key string) (*Lock, error) {
	existing, _, err := j.get(ctx, key)
	if err != nil || existing == nil {
		return nil, err
	}
	if err := j.kv.Delete(ctx, kvKey(key)); err != nil {
		return nil, fmt.Errorf("delete lock: %w", err)
	}
	return existing, nil
}

// Extend implements Backend.
func (j *JetStreamBackend) Extend(ctx context.Context, key, holder, operationID string, expiresAt, now time.Time) error {
	existing, rev, err := j.get(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil || existing.Expired(now) || !ownedBy(existing, holder, operationID) {
		return ErrNotHeld
	}
	existing.ExpiresAt = expiresAt
	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	_, err = j.kv.Update(ctx, kvKey(key), data, rev)
	if isCASConflict(err) {
		return ErrNotHeld
	}
	return err
}

// Get implements Backend.
func (j *JetStreamBackend) Get(ctx context.Context, key string) (*Lock, error) {
	l, _, err := j.get(ctx, key)
	return l, err
}
