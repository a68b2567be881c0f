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

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func newJetStreamManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backend, err := NewJetStreamBackend(ctx, startJetStream(t), "test_locks")
	if err != nil {
		t.Fatalf("NewJetStreamBackend() error = %v", err)
	}
	return NewManager(backend, cfg, opts...)
}

func TestJetStreamAcquireRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newJetStreamManager(t, Config{TTL: time.Minute, RetryDelay: 10 * time.Millisecond})

	permit, err := mgr.Acquire(ctx, "2026-01-01", "worker-a", 0, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := mgr.Acquire(ctx, "2026-01-01", "worker-b", 0, 30*time.Millisecond); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire() error = %v, want ErrNotAcquired", err)
	}
	if err := permit.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := permit.Release(ctx); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	// The key now carries a delete marker; Create must still succeed.
	if _, err := mgr.Acquire(ctx, "2026-01-01", "worker-b", 0, 0); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestJetStreamExpiredLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	mgr := newJetStreamManager(t, Config{RetryDelay: 5 * time.Millisecond}, WithClock(clock.Now))

	if _, err := mgr.Acquire(ctx, "2026-01-01", "crashed", 300*time.Second, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(301 * time.Second)

	permit, err := mgr.Acquire(ctx, "2026-01-01", "worker-b", 0, 0)
	if err != nil {
		t.Fatalf("Acquire() of expired lock error = %v", err)
	}
	if err := permit.Extend(ctx, time.Minute); err != nil {
		t.Errorf("Extend() error = %v", err)
	}

	prev, err := mgr.ForceRelease(ctx, "2026-01-01", "ops")
	if err != nil || prev == nil || prev.HolderID != "worker-b" {
		t.Errorf("ForceRelease() = %+v, %v", prev, err)
	}
}

func TestJetStreamConcurrentAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := newJetStreamManager(t, Config{TTL: time.Minute, RetryDelay: 10 * time.Millisecond})

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			permit, err := mgr.Acquire(ctx, "shared", holder, 0, 10*time.Second)
			if err != nil {
				t.Errorf("%s: Acquire() error = %v", holder, err)
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			_ = permit.Release(ctx)
		}(name)
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two holders were inside the critical section at once")
	}
}

func TestKVKeyEncoding(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"2026-01-01", "player:123/2026-01-01", "with space"} {
		enc := kvKey(key)
		for _, r := range enc {
			ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				t.Errorf("kvKey(%q) = %q contains %q", key, enc, r)
			}
		}
	}
}
