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

	"github.com/google/uuid"

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// Config holds manager defaults used when a caller passes zero values.
type Config struct {
	TTL        time.Duration
	MaxWait    time.Duration
	RetryDelay time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        5 * time.Minute,
		MaxWait:    2 * time.Minute,
		RetryDelay: 2 * time.Second,
	}
}

// Manager implements TTL-bounded mutual exclusion over a Backend.
type Manager struct {
	backend Backend
	config  Config
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lock manager.
func NewManager(backend Backend, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxWait < 0 {
		cfg.MaxWait = def.MaxWait
	}
	m := &Manager{backend: backend, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Permit is proof of a won acquisition.
type Permit struct {
	Key         string
	HolderID    string
	OperationID string
	AcquiredAt  time.Time
	ExpiresAt   time.Time

	manager *Manager
}

// Release releases the lock if this permit still owns it.
func (p *Permit) Release(ctx context.Context) error {
	return p.manager.release(ctx, p.Key, p.HolderID, p.OperationID)
}

// Extend pushes the expiry to now+ttl. It fails with ErrNotHeld if the lock
// expired and was taken by someone else.
func (p *Permit) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.manager.config.TTL
	}
	now := p.manager.now()
	expires := now.Add(ttl)
	if err := p.manager.backend.Extend(ctx, p.Key, p.HolderID, p.OperationID, expires, now); err != nil {
		return err
	}
	p.ExpiresAt = expires
	return nil
}

// Acquire blocks until key is won for holder, retrying every RetryDelay.
// A ttl <= 0 uses the configured TTL; a negative maxWait uses the
// configured MaxWait and zero means a single attempt. When maxWait elapses
// the result is an *AcquisitionError.
func (m *Manager) Acquire(ctx context.Context, key, holder string, ttl, maxWait time.Duration) (*Permit, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: key is required")
	}
	if holder == "" {
		return nil, fmt.Errorf("lock: holder is required")
	}
	if ttl <= 0 {
		ttl = m.config.TTL
	}
	if maxWait < 0 {
		maxWait = m.config.MaxWait
	}

	start := m.now()
	deadline := start.Add(maxWait)
	operationID := uuid.New().String()
	backend := m.backend.Name()

	acqErr := &AcquisitionError{Key: key, Holder: holder}
	for {
		acqErr.Attempts++
		now := m.now()
		want := Lock{
			Key:         key,
			HolderID:    holder,
			OperationID: operationID,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(ttl),
		}

		acquired, current, err := m.backend.TryAcquire(ctx, want)
		switch {
		case err != nil:
			acqErr.Cause = err
			logging.Ctx(ctx).Warn().Err(err).Str("key", key).Int("attempt", acqErr.Attempts).Msg("lock attempt failed")
		case acquired:
			waited := m.now().Sub(start)
			metrics.RecordLockAcquire(backend, "acquired", waited)
			logging.Ctx(ctx).Debug().
				Str("key", key).
				Str("holder", holder).
				Str("operation_id", operationID).
				Time("expires_at", want.ExpiresAt).
				Int("attempts", acqErr.Attempts).
				Msg("lock acquired")
			return &Permit{
				Key:         key,
				HolderID:    holder,
				OperationID: operationID,
				AcquiredAt:  want.AcquiredAt,
				ExpiresAt:   want.ExpiresAt,
				manager:     m,
			}, nil
		default:
			metrics.LockContention.WithLabelValues(backend).Inc()
			acqErr.Cause = nil
			if current != nil {
				acqErr.CurrentHolder = current.HolderID
			}
		}

		if m.now().Add(m.config.RetryDelay).After(deadline) {
			acqErr.Waited = m.now().Sub(start)
			result := "timeout"
			if acqErr.Cause != nil {
				result = "error"
			}
			metrics.RecordLockAcquire(backend, result, acqErr.Waited)
			return nil, acqErr
		}

		timer := time.NewTimer(m.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			acqErr.Waited = m.now().Sub(start)
			acqErr.Cause = ctx.Err()
			metrics.RecordLockAcquire(backend, "canceled", acqErr.Waited)
			return nil, acqErr
		case <-timer.C:
		}
	}
}

// Release deletes the lock for key if holder owns it. Releasing a lock that
// is absent, expired-and-taken, or owned by someone else is not an error.
func (m *Manager) Release(ctx context.Context, key, holder string) error {
	return m.release(ctx, key, holder, "")
}

func (m *Manager) release(ctx context.Context, key, holder, operationID string) error {
	released, err := m.backend.Release(ctx, key, holder, operationID)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	if released {
		metrics.LockReleases.WithLabelValues("release").Inc()
		logging.Ctx(ctx).Debug().Str("key", key).Str("holder", holder).Msg("lock released")
	} else {
		metrics.LockReleases.WithLabelValues("not_held").Inc()
		logging.Ctx(ctx).Debug().Str("key", key).Str("holder", holder).Msg("release skipped, lock not held by caller")
	}
	return nil
}

// ForceRelease removes the lock for key regardless of its holder. It is an
// operator escape hatch and is always logged as an override.
func (m *Manager) ForceRelease(ctx context.Context, key, operator string) (*Lock, error) {
	prev, err := m.backend.ForceRelease(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("force release lock %q: %w", key, err)
	}
	metrics.LockReleases.WithLabelValues("force").Inc()

	ev := logging.Override("lock.force_release").Str("key", key).Str("operator", operator)
	if prev != nil {
		ev = ev.Str("previous_holder", prev.HolderID).
			Str("previous_operation_id", prev.OperationID).
			Time("previous_expires_at", prev.ExpiresAt).
			Bool("was_expired", prev.Expired(m.now()))
	}
	ev.Msg("lock force-released")
	return prev, nil
}

// Inspect returns the current lock for key, or nil when the key is free
// (absent or expired).
func (m *Manager) Inspect(ctx context.Context, key string) (*Lock, error) {
	l, err := m.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(m.now()) {
		return nil, nil
	}
	return l, nil
}

// WithLock runs fn while holding key with the configured TTL and MaxWait.
// The release error, if any, is logged; fn's error is returned.
func (m *Manager) WithLock(ctx context.Context, key, holder string, fn func(ctx context.Context) error) error {
	permit, err := m.Acquire(ctx, key, holder, 0, m.config.MaxWait)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a canceled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := permit.Release(relCtx); relErr != nil {
			logging.Ctx(ctx).Warn().Err(relErr).Str("key", key).Msg("lock release failed, TTL will reclaim it")
		}
	}()
	return fn(ctx)
}

// IsAcquisitionError reports whether err is a lock acquisition failure.
func IsAcquisitionError(err error) bool {
	var acqErr *AcquisitionError
	return errors.As(err, &acqErr)
}
