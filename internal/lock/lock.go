// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is matched (errors.Is) by every *AcquisitionError.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrNotHeld is returned by Extend when the caller no longer owns the lock.
var ErrNotHeld = errors.New("lock: not held by caller")

// Lock is the document stored per key. At most one non-expired Lock exists
// for a key at any instant.
type Lock struct {
	Key         string    `json:"key"`
	HolderID    string    `json:"holder_id"`
	OperationID string    `json:"operation_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AcquisitionError is returned when max_wait elapses without winning the
// lock, or when the caller's context ends first.
type AcquisitionError struct {
	Key           string
	Holder        string
	CurrentHolder string
	Attempts      int
	Waited        time.Duration
	// Cause is the last backend or context error, if any.
	Cause error
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("lock %q not acquired by %s after %d attempts in %v", e.Key, e.Holder, e.Attempts, e.Waited.Round(time.Millisecond))
	if e.CurrentHolder != "" {
		msg += fmt.Sprintf(" (held by %s)", e.CurrentHolder)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes ErrNotAcquired and the underlying cause.
func (e *AcquisitionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNotAcquired}
	}
	return []error{ErrNotAcquired, e.Cause}
}

// Backend performs single compare-and-set steps against a transactional
// store. Implementations must guarantee that two concurrent TryAcquire calls
// for the same key cannot both report success while the stored lock is
// unexpired.
type Backend interface {
	// TryAcquire writes want if no lock exists for want.Key or the stored
	// lock expired at want.AcquiredAt. When the key is held it returns
	// acquired=false and the current lock (which may be nil when a
	// concurrent writer won the race).
	TryAcquire(ctx context.Context, want Lock) (acquired bool, current *Lock, err error)

	// Release deletes the lock if it is held by holder (and operationID,
	// when non-empty). A missing key is not an error.
	Release(ctx context.Context, key, holder, operationID string) (released bool, err error)

	// ForceRelease deletes the lock regardless of holder and returns what
	// was there, or nil.
	ForceRelease(ctx context.Context, key string) (*Lock, error)

	// Extend moves ExpiresAt for a lock still held by holder/operationID.
	Extend(ctx context.Context, key, holder, operationID string, expiresAt, now time.Time) error

	// Get returns the stored lock or nil. Expired locks are returned as-is.
	Get(ctx context.Context, key string) (*Lock, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// DefaultHolderID returns an id unique to this process instance.
func DefaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}
