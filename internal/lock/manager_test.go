// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/lateflow/internal/kvstore"
)

// fakeClock is a manually advanced clock shared by the manager under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBadgerManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	store, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(NewBadgerBackend(store), cfg, opts...)
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 10 * time.Millisecond})

	permit, err := mgr.Acquire(ctx, "2026-01-01", "worker-a", 0, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if permit.HolderID != "worker-a" || permit.OperationID == "" {
		t.Errorf("permit = %+v", permit)
	}

	held, err := mgr.Inspect(ctx, "2026-01-01")
	if err != nil || held == nil || held.HolderID != "worker-a" {
		t.Fatalf("Inspect() = %+v, %v", held, err)
	}

	if err := permit.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	// Idempotent: releasing again, or by key, is not an error.
	if err := permit.Release(ctx); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if err := mgr.Release(ctx, "never-locked", "worker-a"); err != nil {
		t.Errorf("Release() of absent key error = %v", err)
	}

	if held, _ := mgr.Inspect(ctx, "2026-01-01"); held != nil {
		t.Errorf("Inspect() after release = %+v, want nil", held)
	}
}

func TestAcquireHeldTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 10 * time.Millisecond})

	if _, err := mgr.Acquire(ctx, "k", "worker-a", 0, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, err := mgr.Acquire(ctx, "k", "worker-b", 0, 50*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Acquire() error = %v, want ErrNotAcquired", err)
	}
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error %T is not *AcquisitionError", err)
	}
	if acqErr.CurrentHolder != "worker-a" {
		t.Errorf("CurrentHolder = %q, want worker-a", acqErr.CurrentHolder)
	}
	if acqErr.Attempts < 2 {
		t.Errorf("Attempts = %d, want retries before giving up", acqErr.Attempts)
	}
	if !IsAcquisitionError(err) {
		t.Error("IsAcquisitionError() = false")
	}
}

func TestHolderCannotReenter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 5 * time.Millisecond})

	if _, err := mgr.Acquire(ctx, "k", "worker-a", 0, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := mgr.Acquire(ctx, "k", "worker-a", 0, 0); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("re-entrant Acquire() error = %v, want ErrNotAcquired", err)
	}
}

func TestExpiredLockIsAcquirableWithoutRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	mgr := newBadgerManager(t, Config{RetryDelay: 5 * time.Millisecond}, WithClock(clock.Now))

	first, err := mgr.Acquire(ctx, "2026-01-01", "crashed-worker", 300*time.Second, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	clock.Advance(299 * time.Second)
	if _, err := mgr.Acquire(ctx, "2026-01-01", "worker-b", 0, 0); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Acquire() before expiry error = %v, want ErrNotAcquired", err)
	}

	clock.Advance(2 * time.Second)
	second, err := mgr.Acquire(ctx, "2026-01-01", "worker-b", 0, 0)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if second.OperationID == first.OperationID {
		t.Error("new holder reused the expired operation id")
	}

	// The crashed holder's late release must not free worker-b's lock.
	if err := first.Release(ctx); err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	held, _ := mgr.Inspect(ctx, "2026-01-01")
	if held == nil || held.HolderID != "worker-b" {
		t.Errorf("Inspect() = %+v, want worker-b still holding", held)
	}
}

func TestConcurrentAcquireMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: 300 * time.Second, RetryDelay: 10 * time.Millisecond})

	var (
		inside    atomic.Int32
		overlap   atomic.Bool
		wins      atomic.Int32
		releaseAt atomic.Int64
		order     = make(chan string, 2)
		wg        sync.WaitGroup
		start     = make(chan struct{})
	)

	worker := func(name string) {
		defer wg.Done()
		<-start
		permit, err := mgr.Acquire(ctx, "2026-01-01", name, 0, 5*time.Second)
		if err != nil {
			t.Errorf("%s: Acquire() error = %v", name, err)
			return
		}
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		if wins.Add(1) == 2 && releaseAt.Load() == 0 {
			t.Errorf("%s acquired before the first holder released", name)
		}
		order <- name
		time.Sleep(100 * time.Millisecond)
		inside.Add(-1)
		releaseAt.Store(time.Now().UnixNano())
		if err := permit.Release(ctx); err != nil {
			t.Errorf("%s: Release() error = %v", name, err)
		}
	}

	wg.Add(2)
	go worker("worker-a")
	go worker("worker-b")
	close(start)
	wg.Wait()
	close(order)

	if overlap.Load() {
		t.Fatal("both workers held the lock at the same time")
	}
	if wins.Load() != 2 {
		t.Fatalf("wins = %d, want 2 (second after release)", wins.Load())
	}
	var got []string
	for name := range order {
		got = append(got, name)
	}
	if len(got) != 2 || got[0] == got[1] {
		t.Errorf("acquisition order = %v", got)
	}
}

func TestForceRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: time.Hour, RetryDelay: 5 * time.Millisecond})

	if _, err := mgr.Acquire(ctx, "stuck", "hung-worker", 0, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	prev, err := mgr.ForceRelease(ctx, "stuck", "ops@example.com")
	if err != nil {
		t.Fatalf("ForceRelease() error = %v", err)
	}
	if prev == nil || prev.HolderID != "hung-worker" {
		t.Errorf("ForceRelease() previous = %+v", prev)
	}

	if _, err := mgr.Acquire(ctx, "stuck", "worker-b", 0, 0); err != nil {
		t.Errorf("Acquire() after force release error = %v", err)
	}

	prev, err = mgr.ForceRelease(ctx, "absent", "ops@example.com")
	if err != nil || prev != nil {
		t.Errorf("ForceRelease() of absent key = %+v, %v", prev, err)
	}
}

func TestPermitExtend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 5 * time.Millisecond}, WithClock(clock.Now))

	permit, err := mgr.Acquire(ctx, "k", "worker-a", 0, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	clock.Advance(50 * time.Second)
	if err := permit.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	clock.Advance(50 * time.Second)
	if _, err := mgr.Acquire(ctx, "k", "worker-b", 0, 0); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Acquire() of extended lock error = %v, want ErrNotAcquired", err)
	}

	clock.Advance(time.Minute)
	if err := permit.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Extend() after expiry error = %v, want ErrNotHeld", err)
	}
}

func TestWithLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 5 * time.Millisecond, MaxWait: 0})

	sentinel := errors.New("processor failed")
	err := mgr.WithLock(ctx, "k", "worker-a", func(ctx context.Context) error {
		held, _ := mgr.Inspect(ctx, "k")
		if held == nil {
			t.Error("lock not held inside WithLock")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("WithLock() error = %v, want fn error", err)
	}
	if held, _ := mgr.Inspect(ctx, "k"); held != nil {
		t.Errorf("lock still held after WithLock: %+v", held)
	}
}

// errBackend fails every TryAcquire.
type errBackend struct {
	BadgerBackend
	err error
}

func (e *errBackend) TryAcquire(context.Context, Lock) (bool, *Lock, error) {
	return false, nil, e.err
}

func TestAcquireBackendErrorSurfacesCause(t *testing.T) {
	t.Parallel()
	storeErr := errors.New("store unavailable")
	mgr := NewManager(&errBackend{err: storeErr}, Config{RetryDelay: 5 * time.Millisecond})

	_, err := mgr.Acquire(context.Background(), "k", "worker-a", time.Minute, 20*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) || !errors.Is(err, storeErr) {
		t.Errorf("Acquire() error = %v, want ErrNotAcquired wrapping the store error", err)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	t.Parallel()
	mgr := newBadgerManager(t, Config{TTL: time.Minute, RetryDelay: 20 * time.Millisecond})
	if _, err := mgr.Acquire(context.Background(), "k", "worker-a", 0, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := mgr.Acquire(ctx, "k", "worker-b", 0, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context deadline", err)
	}
}

func TestAcquireValidatesArguments(t *testing.T) {
	t.Parallel()
	mgr := newBadgerManager(t, Config{})
	if _, err := mgr.Acquire(context.Background(), "", "h", 0, 0); err == nil {
		t.Error("Acquire() with empty key succeeded")
	}
	if _, err := mgr.Acquire(context.Background(), "k", "", 0, 0); err == nil {
		t.Error("Acquire() with empty holder succeeded")
	}
}

func TestDefaultHolderIDUnique(t *testing.T) {
	t.Parallel()
	if DefaultHolderID() == DefaultHolderID() {
		t.Error("DefaultHolderID() returned the same id twice")
	}
}
