// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
	"github.com/tomtom215/lateflow/internal/pending"
)

// Decision is the outcome of checking one pending item.
type Decision string

const (
	DecisionStillPending     Decision = "still_pending"
	DecisionTriggered        Decision = "triggered"
	DecisionBlocked          Decision = "blocked"
	DecisionFailedMaxRetries Decision = "failed_max_retries"
	DecisionCheckError       Decision = "check_error"
	DecisionPublishFailed    Decision = "publish_failed"
)

// Registry is the part of *pending.Registry the watcher drives.
type Registry interface {
	Get(ctx context.Context, entityID, scopeDate string) (*pending.Item, error)
	ListPending(ctx context.Context, maxAge time.Duration, attemptCap, limit int) ([]*pending.Item, error)
	IncrementAttempt(ctx context.Context, entityID, scopeDate, note string) (*pending.Item, error)
	MarkTriggered(ctx context.Context, entityID, scopeDate, notes string) (*pending.Item, error)
	MarkBlocked(ctx context.Context, entityID, scopeDate, notes string) (*pending.Item, error)
	MarkOverridden(ctx context.Context, entityID, scopeDate, operator, notes string) (*pending.Item, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
	Counts(ctx context.Context) (map[pending.Status]int, error)
}

// Config configures the watcher.
type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
	MaxAge       time.Duration
	BatchSize    int
	// ChecksPerSecond throttles warehouse checks within a cycle. Zero
	// disables throttling.
	ChecksPerSecond float64
}

// ItemOutcome records the decision for one item in a cycle.
type ItemOutcome struct {
	EntityID  string   `json:"entity_id"`
	ScopeDate string   `json:"scope_date"`
	Decision  Decision `json:"decision"`
	Attempt   int      `json:"attempt"`
	Error     string   `json:"error,omitempty"`
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Checked   int                    `json:"checked"`
	Expired   int                    `json:"expired"`
	Decisions map[Decision]int       `json:"decisions"`
	Outcomes  []ItemOutcome          `json:"outcomes"`
	Pending   map[pending.Status]int `json:"status_counts,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Watcher polls pending items, checks arrival and commit state, and hands
// safe items to the RetryScheduler.
type Watcher struct {
	registry  Registry
	avail     AvailabilityChecker
	commit    CommitPredicate
	scheduler *RetryScheduler
	limiter   *rate.Limiter
	config    Config

	// cycleMu serializes RunOnce between the loop and operator requests.
	cycleMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewWatcher wires the watcher. commit must not be nil: there is no
// implicit definition of a downstream commit.
func NewWatcher(registry Registry, avail AvailabilityChecker, commit CommitPredicate, scheduler *RetryScheduler, cfg Config) (*Watcher, error) {
	if registry == nil || avail == nil || scheduler == nil {
		return nil, errors.New("reconcile: registry, availability checker and scheduler are required")
	}
	if commit == nil {
		return nil, errors.New("reconcile: a commit predicate is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Minute
	}

	limit := rate.Inf
	if cfg.ChecksPerSecond > 0 {
		limit = rate.Limit(cfg.ChecksPerSecond)
	}
	return &Watcher{
		registry:  registry,
		avail:     avail,
		commit:    commit,
		scheduler: scheduler,
		limiter:   rate.NewLimiter(limit, 1),
		config:    cfg,
	}, nil
}

// IsSafeToRerun reports whether no downstream commit exists for the key.
func (w *Watcher) IsSafeToRerun(ctx context.Context, entityID, scopeDate string) (bool, error) {
	exists, err := w.commit.CommitExists(ctx, entityID, scopeDate)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// RunOnce performs one poll cycle over a bounded batch of pending items.
func (w *Watcher) RunOnce(ctx context.Context) CycleReport {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	report := CycleReport{StartedAt: start.UTC(), Decisions: make(map[Decision]int)}
	defer func() {
		report.Duration = time.Since(start)
		metrics.WatcherCycleDuration.Observe(report.Duration.Seconds())
	}()

	expired, err := w.registry.ExpireStale(ctx, w.config.MaxAge)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("expire stale pending items failed")
	}
	report.Expired = expired

	items, err := w.registry.ListPending(ctx, w.config.MaxAge, w.config.MaxAttempts, w.config.BatchSize)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("list pending items failed")
		report.Error = err.Error()
		return report
	}

	for _, item := range items {
		if err := w.limiter.Wait(ctx); err != nil {
			// Canceled mid-cycle; remaining items wait for the next cycle.
			break
		}
		outcome := w.check(ctx, item)
		report.Checked++
		report.Decisions[outcome.Decision]++
		report.Outcomes = append(report.Outcomes, outcome)
		metrics.WatcherDecisions.WithLabelValues(string(outcome.Decision)).Inc()
	}

	if counts, err := w.registry.Counts(ctx); err == nil {
		report.Pending = counts
	}

	logging.Ctx(ctx).Info().
		Int("checked", report.Checked).
		Int("expired", report.Expired).
		Int("triggered", report.Decisions[DecisionTriggered]).
		Int("blocked", report.Decisions[DecisionBlocked]).
		Int("still_pending", report.Decisions[DecisionStillPending]).
		Int("failed", report.Decisions[DecisionFailedMaxRetries]).
		Dur("duration", time.Since(start)).
		Msg("reconcile cycle complete")
	return report
}

func (w *Watcher) check(ctx context.Context, item *pending.Item) ItemOutcome {
	out := ItemOutcome{EntityID: item.EntityID, ScopeDate: item.ScopeDate, Attempt: item.AttemptedCount + 1}
	log := logging.Ctx(ctx).With().
		Str("entity_id", item.EntityID).
		Str("scope_date", item.ScopeDate).
		Int("attempt", out.Attempt).
		Logger()

	available, err := w.avail.CheckAvailability(ctx, item.EntityID, item.ScopeDate, item.Reason)
	if err != nil {
		log.Warn().Err(err).Msg("availability check failed")
		return w.countAttempt(ctx, item, out, DecisionCheckError, err)
	}
	if !available {
		log.Debug().Str("dataset", item.Reason).Msg("dependent dataset not yet available")
		return w.countAttempt(ctx, item, out, DecisionStillPending, nil)
	}

	safe, err := w.IsSafeToRerun(ctx, item.EntityID, item.ScopeDate)
	if err != nil {
		// Unknown commit state is never treated as safe.
		log.Warn().Err(err).Msg("commit predicate failed, not rerunning")
		return w.countAttempt(ctx, item, out, DecisionCheckError, err)
	}
	if !safe {
		note := fmt.Sprintf("dataset %q arrived but a downstream commit exists", item.Reason)
		if _, err := w.registry.MarkBlocked(ctx, item.EntityID, item.ScopeDate, note); err != nil {
			out.Decision, out.Error = DecisionCheckError, err.Error()
			return out
		}
		log.Warn().Str("dataset", item.Reason).Msg("unsafe rerun blocked: downstream commit exists")
		out.Decision = DecisionBlocked
		return out
	}

	if _, err := w.scheduler.Trigger(ctx, item, "", out.Attempt); err != nil {
		return w.countAttempt(ctx, item, out, DecisionPublishFailed, err)
	}
	if _, err := w.registry.MarkTriggered(ctx, item.EntityID, item.ScopeDate,
		fmt.Sprintf("dataset %q arrived on attempt %d", item.Reason, out.Attempt)); err != nil {
		// The command went out; consumers are idempotent on is_rerun.
		log.Error().Err(err).Msg("rerun published but item could not be marked triggered")
		out.Decision, out.Error = DecisionCheckError, err.Error()
		return out
	}
	out.Decision = DecisionTriggered
	return out
}

// countAttempt records an unsuccessful check. Exhausting the cap overrides
// the decision with failed_max_retries.
func (w *Watcher) countAttempt(ctx context.Context, item *pending.Item, out ItemOutcome, decision Decision, cause error) ItemOutcome {
	out.Decision = decision
	if cause != nil {
		out.Error = cause.Error()
	}

	note := ""
	if cause != nil {
		note = fmt.Sprintf("%s: %v", decision, cause)
	}
	_, err := w.registry.IncrementAttempt(ctx, item.EntityID, item.ScopeDate, note)
	switch {
	case errors.Is(err, pending.ErrMaxRetriesExceeded):
		out.Decision = DecisionFailedMaxRetries
	case err != nil:
		logging.Ctx(ctx).Error().Err(err).
			Str("entity_id", item.EntityID).
			Str("scope_date", item.ScopeDate).
			Msg("could not record attempt")
		out.Decision = DecisionCheckError
		out.Error = err.Error()
	}
	return out
}

// Retrigger reruns a blocked item on explicit operator request, bypassing
// the commit-point check. Only blocked items can be re-triggered.
func (w *Watcher) Retrigger(ctx context.Context, entityID, scopeDate, operator, notes string) (*pending.Item, error) {
	item, err := w.registry.Get(ctx, entityID, scopeDate)
	if err != nil {
		return nil, err
	}
	if item.Status != pending.StatusBlocked {
		return item, fmt.Errorf("%w: only blocked items can be re-triggered, %s is %s",
			pending.ErrInvalidTransition, item, item.Status)
	}

	cmd, err := w.scheduler.TriggerOverride(ctx, item, operator)
	if err != nil {
		return item, err
	}
	updated, err := w.registry.MarkOverridden(ctx, entityID, scopeDate, operator, notes)
	if err != nil {
		return item, err
	}

	logging.Override("reconcile.retrigger").
		Str("entity_id", entityID).
		Str("scope_date", scopeDate).
		Str("operator", operator).
		Str("message_id", cmd.MessageID()).
		Str("notes", notes).
		Msg("blocked item re-triggered, commit-point safety check bypassed")
	return updated, nil
}

// Start runs RunOnce every poll interval until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	for w.stopping {
		stopDone := w.stopDone
		w.mu.Unlock()
		<-stopDone
		w.mu.Lock()
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.stopDone = make(chan struct{})
	loopCtx, done := w.ctx, w.stopDone
	w.mu.Unlock()

	go w.loop(loopCtx, done)

	logging.Info().
		Dur("interval", w.config.PollInterval).
		Int("max_attempts", w.config.MaxAttempts).
		Msg("arrival watcher started")
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running || w.stopping {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.stopping = true
	stopDone := w.stopDone
	w.mu.Unlock()

	<-stopDone

	w.mu.Lock()
	w.stopping = false
	w.mu.Unlock()
	logging.Info().Msg("arrival watcher stopped")
}

// IsRunning reports whether the loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Serve runs the loop under a supervisor until ctx is canceled.
func (w *Watcher) Serve(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

func (w *Watcher) String() string {
	return "arrival-watcher"
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx := logging.ContextWithCorrelationID(ctx, logging.GenerateCorrelationID())
			w.RunOnce(cycleCtx)
		}
	}
}
