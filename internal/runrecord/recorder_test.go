// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package runrecord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/lateflow/internal/kvstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRecorder(t *testing.T, cfg Config) (*Recorder, *kvstore.Store, *clock) {
	t.Helper()
	store, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{now: time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)}
	return NewRecorder(store, cfg, WithClock(c.Now)), store, c
}

func TestStartAndCompleteRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec, _, c := newRecorder(t, Config{})

	run := rec.StartRun(ctx, StartRequest{ProcessorName: "player_features", DataDate: "2026-01-01", CorrelationID: "corr"})
	if run.Status != StatusRunning || run.RunID == "" || run.TriggerSource != "schedule" {
		t.Fatalf("started = %+v", run)
	}

	stored, err := rec.Get(ctx, run.RunID)
	if err != nil || stored.Status != StatusRunning {
		t.Fatalf("Get() = %+v, %v", stored, err)
	}

	c.Advance(90 * time.Second)
	done := rec.CompleteRun(ctx, run, Completion{Status: StatusPartial, RecordsProcessed: 10, RecordsFailed: 2})
	if done.Status != StatusPartial || done.Duration() != 90*time.Second {
		t.Errorf("completed = %+v", done)
	}
	if run.Status != StatusRunning {
		t.Error("CompleteRun mutated the start record")
	}

	stored, _ = rec.Get(ctx, run.RunID)
	if stored.Status != StatusPartial || stored.RecordsFailed != 2 || stored.CompletedAt == nil {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := rec.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestCompleteRunDerivesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec, _, _ := newRecorder(t, Config{})
	run := rec.StartRun(ctx, StartRequest{ProcessorName: "p", DataDate: "2026-01-01"})

	done := rec.CompleteRun(ctx, run, Completion{RecordsProcessed: 0})
	if done.Status != StatusNoData {
		t.Errorf("status = %s, want no_data", done.Status)
	}
	if rec.CompleteRun(ctx, nil, Completion{}) != nil {
		t.Error("CompleteRun(nil) returned a record")
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		processed, failed int64
		missing           int
		want              Status
	}{
		{0, 0, 0, StatusNoData},
		{0, 5, 0, StatusFailed},
		{10, 1, 0, StatusPartial},
		{10, 0, 3, StatusPartial},
		{10, 0, 0, StatusSuccess},
	}
	for _, tt := range tests {
		if got := DeriveStatus(tt.processed, tt.failed, tt.missing); got != tt.want {
			t.Errorf("DeriveStatus(%d, %d, %d) = %s, want %s", tt.processed, tt.failed, tt.missing, got, tt.want)
		}
	}
}

func TestCheckAlreadyRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec, _, c := newRecorder(t, Config{StalenessThreshold: time.Hour})

	if _, running, err := rec.CheckAlreadyRunning(ctx, "p", "2026-01-01", 0); err != nil || running {
		t.Fatalf("empty store: running=%v err=%v", running, err)
	}

	first := rec.StartRun(ctx, StartRequest{ProcessorName: "p", DataDate: "2026-01-01"})
	got, running, err := rec.CheckAlreadyRunning(ctx, "p", "2026-01-01", 0)
	if err != nil || !running || got.RunID != first.RunID {
		t.Fatalf("CheckAlreadyRunning() = %+v, %v, %v", got, running, err)
	}

	// Other dates and processors are independent.
	if _, running, _ := rec.CheckAlreadyRunning(ctx, "p", "2026-01-02", 0); running {
		t.Error("different date reported running")
	}
	if _, running, _ := rec.CheckAlreadyRunning(ctx, "p2", "2026-01-01", 0); running {
		t.Error("different processor reported running")
	}

	// A stale running record is treated as abandoned.
	c.Advance(2 * time.Hour)
	if _, running, _ := rec.CheckAlreadyRunning(ctx, "p", "2026-01-01", 0); running {
		t.Error("stale run still blocks")
	}
	if _, running, _ := rec.CheckAlreadyRunning(ctx, "p", "2026-01-01", 3*time.Hour); !running {
		t.Error("explicit staleness threshold ignored")
	}

	second := rec.StartRun(ctx, StartRequest{ProcessorName: "p", DataDate: "2026-01-01"})
	rec.CompleteRun(ctx, second, Completion{Status: StatusSuccess, RecordsProcessed: 1})
	if _, running, _ := rec.CheckAlreadyRunning(ctx, "p", "2026-01-01", 0); running {
		t.Error("completed run reported running")
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec, _, c := newRecorder(t, Config{})

	rec.StartRun(ctx, StartRequest{ProcessorName: "a", DataDate: "2026-01-01"})
	c.Advance(time.Minute)
	rec.StartRun(ctx, StartRequest{ProcessorName: "a", DataDate: "2026-01-02"})
	c.Advance(time.Minute)
	rec.StartRun(ctx, StartRequest{ProcessorName: "ab", DataDate: "2026-01-01"})

	tests := []struct {
		processor, date string
		want            int
	}{
		{"", "", 3},
		{"a", "", 2},
		{"a", "2026-01-01", 1},
		{"", "2026-01-01", 2},
		{"zz", "", 0},
	}
	for _, tt := range tests {
		runs, err := rec.ListRuns(ctx, tt.processor, tt.date)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != tt.want {
			t.Errorf("ListRuns(%q, %q) = %d, want %d", tt.processor, tt.date, len(runs), tt.want)
		}
	}

	all, _ := rec.ListRuns(ctx, "", "")
	if all[0].ProcessorName != "ab" {
		t.Errorf("newest first violated: %s", all[0].ProcessorName)
	}
}

func TestRecordingFailuresAreSwallowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec, store, _ := newRecorder(t, Config{})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	run := rec.StartRun(ctx, StartRequest{ProcessorName: "p", DataDate: "2026-01-01"})
	if run == nil || run.RunID == "" {
		t.Fatal("StartRun() returned no record after store failure")
	}
	done := rec.CompleteRun(ctx, run, Completion{Status: StatusSuccess, RecordsProcessed: 1})
	if done == nil || done.Status != StatusSuccess {
		t.Errorf("CompleteRun() = %+v", done)
	}
}
