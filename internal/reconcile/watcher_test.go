// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/pending"
)

// scriptedAvailability answers from a per-key flag set by the test.
type scriptedAvailability struct {
	mu        sync.Mutex
	available map[string]bool
	err       error
	calls     int
}

func (s *scriptedAvailability) set(entity string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available == nil {
		s.available = make(map[string]bool)
	}
	s.available[entity] = v
}

func (s *scriptedAvailability) CheckAvailability(_ context.Context, entityID, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.available[entityID], nil
}

type stubCommit struct {
	mu        sync.Mutex
	committed map[string]bool
	err       error
}

func (s *stubCommit) CommitExists(_ context.Context, entityID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.committed[entityID], nil
}

type recordingRerunPublisher struct {
	mu       sync.Mutex
	commands []*eventbus.RerunCommand
	failures int
}

func (r *recordingRerunPublisher) PublishRerun(_ context.Context, cmd *eventbus.RerunCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return eventbus.ErrPublish
	}
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *recordingRerunPublisher) sent() []*eventbus.RerunCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*eventbus.RerunCommand(nil), r.commands...)
}

type fixture struct {
	registry *pending.Registry
	avail    *scriptedAvailability
	commit   *stubCommit
	pub      *recordingRerunPublisher
	watcher  *Watcher
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	store, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		registry: pending.NewRegistry(store, pending.Config{MaxAttempts: maxAttempts}),
		avail:    &scriptedAvailability{},
		commit:   &stubCommit{committed: map[string]bool{}},
		pub:      &recordingRerunPublisher{},
	}
	f.watcher, err = NewWatcher(f.registry, f.avail, f.commit, NewRetryScheduler(f.pub), Config{
		MaxAttempts:  maxAttempts,
		PollInterval: time.Hour,
		MaxAge:       72 * time.Hour,
		BatchSize:    100,
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	return f
}

func (f *fixture) register(t *testing.T, entity string) {
	t.Helper()
	if _, _, err := f.registry.Register(context.Background(), entity, "2026-01-01", "statcast",
		pending.WithProcessor("player_features")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func (f *fixture) status(t *testing.T, entity string) *pending.Item {
	t.Helper()
	it, err := f.registry.Get(context.Background(), entity, "2026-01-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return it
}

func TestLateArrivalTriggersExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 12)
	f.register(t, "X")

	if got := f.status(t, "X"); got.Status != pending.StatusPending {
		t.Fatalf("new item status = %s", got.Status)
	}

	for poll := 1; poll <= 4; poll++ {
		report := f.watcher.RunOnce(ctx)
		if report.Decisions[DecisionStillPending] != 1 {
			t.Fatalf("poll %d decisions = %v", poll, report.Decisions)
		}
	}
	if it := f.status(t, "X"); it.Status != pending.StatusPending || it.AttemptedCount != 4 {
		t.Fatalf("after 4 polls item = %+v", it)
	}

	f.avail.set("X", true)
	report := f.watcher.RunOnce(ctx)
	if report.Decisions[DecisionTriggered] != 1 {
		t.Fatalf("poll 5 decisions = %v", report.Decisions)
	}
	if it := f.status(t, "X"); it.Status != pending.StatusTriggered || it.ResolutionType != pending.ResolutionDataArrived {
		t.Errorf("after poll 5 item = %+v", it)
	}

	// Re-polling a triggered item is a no-op.
	report = f.watcher.RunOnce(ctx)
	if report.Checked != 0 {
		t.Errorf("poll 6 checked %d items", report.Checked)
	}

	sent := f.pub.sent()
	if len(sent) != 1 {
		t.Fatalf("published %d commands, want 1", len(sent))
	}
	cmd := sent[0]
	if cmd.EntityID != "X" || cmd.ScopeDate != "2026-01-01" || !cmd.IsRerun || cmd.Processor != "player_features" {
		t.Errorf("command = %+v", cmd)
	}
	if cmd.MessageID() != "rerun:X:2026-01-01:r0-5" {
		t.Errorf("message id = %q", cmd.MessageID())
	}
}

func TestResetStartsNewRerunIDSpace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 12)
	f.register(t, "X")
	f.avail.set("X", true)

	f.watcher.RunOnce(ctx)
	if _, err := f.registry.Reset(ctx, "X", "2026-01-01", "ops"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	report := f.watcher.RunOnce(ctx)
	if report.Decisions[DecisionTriggered] != 1 {
		t.Fatalf("report after reset = %+v", report)
	}

	sent := f.pub.sent()
	if len(sent) != 2 {
		t.Fatalf("published %d commands, want 2", len(sent))
	}
	if sent[0].Attempt != sent[1].Attempt {
		t.Fatalf("attempts = %d and %d, want equal", sent[0].Attempt, sent[1].Attempt)
	}
	if sent[1].ResetCount != 1 {
		t.Errorf("reset count = %d, want 1", sent[1].ResetCount)
	}
	if sent[0].MessageID() == sent[1].MessageID() {
		t.Errorf("rerun after reset reused message id %q", sent[0].MessageID())
	}
}

func TestUnavailableUntilMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)
	f.register(t, "X")

	var last CycleReport
	for i := 0; i < 3; i++ {
		last = f.watcher.RunOnce(ctx)
	}
	if last.Decisions[DecisionFailedMaxRetries] != 1 {
		t.Errorf("final decisions = %v", last.Decisions)
	}
	it := f.status(t, "X")
	if it.Status != pending.StatusFailedMaxRetries || it.AttemptedCount != 3 {
		t.Errorf("item = %+v", it)
	}

	// Terminal: data arriving later changes nothing.
	f.avail.set("X", true)
	if r := f.watcher.RunOnce(ctx); r.Checked != 0 {
		t.Errorf("terminal item was checked again")
	}
	if len(f.pub.sent()) != 0 {
		t.Error("command published for exhausted item")
	}
}

func TestCommittedItemIsBlockedAndNeverRerun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 12)
	f.register(t, "X")
	f.avail.set("X", true)
	f.commit.committed["X"] = true

	report := f.watcher.RunOnce(ctx)
	if report.Decisions[DecisionBlocked] != 1 {
		t.Fatalf("decisions = %v", report.Decisions)
	}
	it := f.status(t, "X")
	if it.Status != pending.StatusBlocked || it.ResolutionType != pending.ResolutionCommitExists || it.ResolutionNotes == "" {
		t.Errorf("item = %+v", it)
	}

	for i := 0; i < 3; i++ {
		f.watcher.RunOnce(ctx)
	}
	if len(f.pub.sent()) != 0 {
		t.Errorf("published %d commands for a blocked item", len(f.pub.sent()))
	}
}

func TestPublishFailureLeavesItemPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 12)
	f.register(t, "X")
	f.avail.set("X", true)
	f.pub.failures = 1

	report := f.watcher.RunOnce(ctx)
	if report.Decisions[DecisionPublishFailed] != 1 {
		t.Fatalf("decisions = %v", report.Decisions)
	}
	if it := f.status(t, "X"); it.Status != pending.StatusPending {
		t.Fatalf("item after failed publish = %+v", it)
	}

	report = f.watcher.RunOnce(ctx)
	if report.Decisions[DecisionTriggered] != 1 {
		t.Fatalf("retry decisions = %v", report.Decisions)
	}
	if n := len(f.pub.sent()); n != 1 {
		t.Errorf("delivered %d commands, want 1", n)
	}
}

func TestCheckErrorsNeverRerun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("predicate error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 12)
		f.register(t, "X")
		f.avail.set("X", true)
		f.commit.err = errors.New("warehouse unavailable")

		report := f.watcher.RunOnce(ctx)
		if report.Decisions[DecisionCheckError] != 1 {
			t.Fatalf("decisions = %v", report.Decisions)
		}
		it := f.status(t, "X")
		if it.Status != pending.StatusPending || it.AttemptedCount != 1 {
			t.Errorf("item = %+v", it)
		}
		if len(f.pub.sent()) != 0 {
			t.Error("rerun published with unknown commit state")
		}
	})

	t.Run("availability error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 12)
		f.register(t, "X")
		f.avail.err = errors.New("timeout")

		report := f.watcher.RunOnce(ctx)
		if report.Decisions[DecisionCheckError] != 1 || report.Outcomes[0].Error == "" {
			t.Fatalf("report = %+v", report)
		}
	})
}

func TestRetriggerBlocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 12)
	f.register(t, "X")
	f.register(t, "Y")
	f.avail.set("X", true)
	f.commit.committed["X"] = true
	f.watcher.RunOnce(ctx)

	if _, err := f.watcher.Retrigger(ctx, "Y", "2026-01-01", "alice", ""); !errors.Is(err, pending.ErrInvalidTransition) {
		t.Errorf("Retrigger(pending) error = %v", err)
	}
	if _, err := f.watcher.Retrigger(ctx, "Z", "2026-01-01", "alice", ""); !errors.Is(err, pending.ErrNotFound) {
		t.Errorf("Retrigger(missing) error = %v", err)
	}

	it, err := f.watcher.Retrigger(ctx, "X", "2026-01-01", "alice", "consumer approved regeneration")
	if err != nil {
		t.Fatalf("Retrigger() error = %v", err)
	}
	if it.Status != pending.StatusTriggered || it.ResolutionType != pending.ResolutionOperatorOverride {
		t.Errorf("item = %+v", it)
	}

	sent := f.pub.sent()
	if len(sent) != 1 || !sent[0].Override || sent[0].RequestedBy != "alice" || !sent[0].IsRerun {
		t.Fatalf("commands = %+v", sent)
	}

	if _, err := f.watcher.Retrigger(ctx, "X", "2026-01-01", "alice", ""); !errors.Is(err, pending.ErrInvalidTransition) {
		t.Errorf("second Retrigger() error = %v", err)
	}
}

func TestExpiredItemsAreFinalized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := pending.NewRegistry(store, pending.Config{MaxAttempts: 12}, pending.WithClock(clock))
	_, _, _ = reg.Register(ctx, "X", "2026-01-01", "statcast")
	now = now.Add(100 * time.Hour)

	w, err := NewWatcher(reg, &scriptedAvailability{}, &stubCommit{}, NewRetryScheduler(&recordingRerunPublisher{}),
		Config{MaxAttempts: 12, MaxAge: 72 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	report := w.RunOnce(ctx)
	if report.Expired != 1 || report.Checked != 0 {
		t.Errorf("report = %+v", report)
	}
	it, _ := reg.Get(ctx, "X", "2026-01-01")
	if it.Status != pending.StatusFailedMaxRetries || it.ResolutionType != pending.ResolutionExpired {
		t.Errorf("item = %+v", it)
	}
}

func TestNewWatcherRequiresCommitPredicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	if _, err := NewWatcher(f.registry, f.avail, nil, NewRetryScheduler(f.pub), Config{}); err == nil {
		t.Error("NewWatcher() without commit predicate succeeded")
	}
}

func TestWatcherStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	ctx := context.Background()

	if err := f.watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !f.watcher.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	// Second Start is a no-op.
	if err := f.watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.watcher.Stop()
	if f.watcher.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	f.watcher.Stop()
}
