// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package pending tracks entities whose processing used a degraded fallback
// because a dependent dataset had not arrived yet.
//
// Items are keyed by (entity_id, scope_date). Status transitions are
// monotonic: once an item leaves pending it only returns through an
// explicit operator Reset. Every transition is a compare-and-set on the
// stored status inside one store transaction, so concurrent pollers cannot
// apply conflicting outcomes.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

const keyPrefix = "pending:"

// DefaultMaxAttempts is used when Config.MaxAttempts is not positive.
const DefaultMaxAttempts = 12

// Config configures the registry.
type Config struct {
	MaxAttempts int
}

// Registry is the badger-backed pending item registry.
type Registry struct {
	store       *kvstore.Store
	maxAttempts int
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over store.
func NewRegistry(store *kvstore.Store, cfg Config, opts ...Option) *Registry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	r := &Registry{store: store, maxAttempts: cfg.MaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts returns the configured attempt cap.
func (r *Registry) MaxAttempts() int {
	return r.maxAttempts
}

func itemKey(entityID, scopeDate string) []byte {
	return []byte(keyPrefix + scopeDate + "|" + entityID)
}

func datePrefix(scopeDate string) []byte {
	if scopeDate == "" {
		return []byte(keyPrefix)
	}
	return []byte(keyPrefix + scopeDate + "|")
}

// RegisterOption configures a registration.
type RegisterOption func(*Item)

// WithProcessor records the stage that should rerun the entity.
func WithProcessor(name string) RegisterOption {
	return func(it *Item) { it.Processor = name }
}

// Register creates a pending item for (entityID, scopeDate) if none exists.
// It is an idempotent upsert: an existing item, whatever its status, is
// returned unchanged with created=false.
func (r *Registry) Register(ctx context.Context, entityID, scopeDate, reason string, opts ...RegisterOption) (*Item, bool, error) {
	if entityID == "" || scopeDate == "" {
		return nil, false, fmt.Errorf("pending: entity_id and scope_date are required")
	}

	var (
		out     Item
		created bool
	)
	key := itemKey(entityID, scopeDate)
	err := r.store.Update(func(txn *badger.Txn) error {
		created = false
		err := kvstore.GetJSON(txn, key, &out)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := r.now().UTC()
		out = Item{
			EntityID:    entityID,
			ScopeDate:   scopeDate,
			Status:      StatusPending,
			Reason:      reason,
			FirstSeenAt: now,
			UpdatedAt:   now,
		}
		for _, opt := range opts {
			opt(&out)
		}
		created = true
		return kvstore.SetJSON(txn, key, &out, 0)
	})
	if err != nil {
		return nil, false, fmt.Errorf("register %s/%s: %w", entityID, scopeDate, err)
	}

	if created {
		metrics.PendingTransitions.WithLabelValues(string(StatusPending)).Inc()
		logging.Ctx(ctx).Info().
			Str("entity_id", entityID).
			Str("scope_date", scopeDate).
			Str("reason", reason).
			Msg("registered pending item")
	}
	return &out, created, nil
}

// Get returns the item for (entityID, scopeDate) or ErrNotFound.
func (r *Registry) Get(_ context.Context, entityID, scopeDate string) (*Item, error) {
	var it Item
	err := r.store.View(func(txn *badger.Txn) error {
		return kvstore.GetJSON(txn, itemKey(entityID, scopeDate), &it)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *Registry) scan(scopeDate string, keep func(*Item) bool) ([]*Item, error) {
	var out []*Item
	err := r.store.View(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, datePrefix(scopeDate), func(_, val []byte) error {
			var it Item
			if err := json.Unmarshal(val, &it); err != nil {
				return err
			}
			if keep(&it) {
				out = append(out, &it)
			}
			return nil
		})
	})
	return out, err
}

// ListPending returns pending items still eligible for a check: first seen
// within maxAge (when positive) and below attemptCap attempts (the registry
// cap when attemptCap is not positive). Items checked least recently come
// first; limit bounds the batch when positive.
func (r *Registry) ListPending(_ context.Context, maxAge time.Duration, attemptCap, limit int) ([]*Item, error) {
	if attemptCap <= 0 || attemptCap > r.maxAttempts {
		attemptCap = r.maxAttempts
	}
	now := r.now()
	items, err := r.scan("", func(it *Item) bool {
		if it.Status != StatusPending || it.AttemptedCount >= attemptCap {
			return false
		}
		return maxAge <= 0 || now.Sub(it.FirstSeenAt) <= maxAge
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastCheckedAt.Equal(items[j].LastCheckedAt) {
			return items[i].LastCheckedAt.Before(items[j].LastCheckedAt)
		}
		return items[i].FirstSeenAt.Before(items[j].FirstSeenAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ListByStatus returns items filtered by status and scope date. Empty
// filters match everything. Results are ordered by scope date, then
// entity id.
func (r *Registry) ListByStatus(_ context.Context, status Status, scopeDate string) ([]*Item, error) {
	items, err := r.scan(scopeDate, func(it *Item) bool {
		return status == "" || it.Status == status
	})
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return items, nil
}

// Counts returns the number of items per status and refreshes the
// pending-items gauge.
func (r *Registry) Counts(_ context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	if _, err := r.scan("", func(it *Item) bool {
		counts[it.Status]++
		return false
	}); err != nil {
		return nil, err
	}

	gauge := make(map[string]int, len(counts))
	for s, n := range counts {
		gauge[string(s)] = n
	}
	metrics.UpdatePendingGauges(gauge)
	return counts, nil
}

// update applies fn to the stored item atomically. fn may be called more
// than once on conflict and must only mutate the item it is given.
func (r *Registry) update(entityID, scopeDate string, fn func(it *Item, now time.Time) error) (*Item, error) {
	var out Item
	key := itemKey(entityID, scopeDate)
	err := r.store.Update(func(txn *badger.Txn) error {
		var it Item
		if err := kvstore.GetJSON(txn, key, &it); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		now := r.now().UTC()
		if err := fn(&it, now); err != nil {
			out = it
			return err
		}
		out = it
		return kvstore.SetJSON(txn, key, &it, 0)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrInvalidTransition) {
			return &out, err
		}
		return nil, fmt.Errorf("update %s/%s: %w", entityID, scopeDate, err)
	}
	return &out, nil
}

func invalid(it *Item, to Status) error {
	return fmt.Errorf("%w: %s -> %s for %s/%s", ErrInvalidTransition, it.Status, to, it.EntityID, it.ScopeDate)
}

// IncrementAttempt records one more unsuccessful availability check. When
// the attempt count reaches the cap the item becomes failed_max_retries and
// the returned error is ErrMaxRetriesExceeded alongside the updated item.
func (r *Registry) IncrementAttempt(ctx context.Context, entityID, scopeDate, note string) (*Item, error) {
	exhausted := false
	it, err := r.update(entityID, scopeDate, func(it *Item, now time.Time) error {
		exhausted = false
		if it.Status != StatusPending {
			return invalid(it, StatusPending)
		}
		if it.AttemptedCount < r.maxAttempts {
			it.AttemptedCount++
		}
		it.LastCheckedAt = now
		it.UpdatedAt = now
		if note != "" {
			it.ResolutionNotes = note
		}
		if it.AttemptedCount >= r.maxAttempts {
			it.resolve(now, StatusFailedMaxRetries, ResolutionMaxAttempts,
				fmt.Sprintf("dependency %q unavailable after %d attempts", it.Reason, it.AttemptedCount))
			exhausted = true
		}
		return nil
	})
	if err != nil {
		return it, err
	}

	if exhausted {
		metrics.PendingTransitions.WithLabelValues(string(StatusFailedMaxRetries)).Inc()
		logging.Ctx(ctx).Error().
			Str("entity_id", entityID).
			Str("scope_date", scopeDate).
			Int("attempted_count", it.AttemptedCount).
			Str("reason", it.Reason).
			Msg("pending item exhausted retries, operator intervention required")
		return it, ErrMaxRetriesExceeded
	}
	return it, nil
}

// MarkTriggered moves a pending item to triggered after its rerun command
// was published. It also counts the successful check as an attempt.
func (r *Registry) MarkTriggered(ctx context.Context, entityID, scopeDate, notes string) (*Item, error) {
	return r.resolvePending(ctx, entityID, scopeDate, StatusTriggered, ResolutionDataArrived, notes)
}

// MarkBlocked moves a pending item to blocked because a downstream commit
// already exists. No rerun is ever issued for a blocked item unless an
// operator overrides it.
func (r *Registry) MarkBlocked(ctx context.Context, entityID, scopeDate, notes string) (*Item, error) {
	return r.resolvePending(ctx, entityID, scopeDate, StatusBlocked, ResolutionCommitExists, notes)
}

func (r *Registry) resolvePending(ctx context.Context, entityID, scopeDate string, to Status, resolutionType, notes string) (*Item, error) {
	it, err := r.update(entityID, scopeDate, func(it *Item, now time.Time) error {
		if it.Status != StatusPending {
			return invalid(it, to)
		}
		if it.AttemptedCount < r.maxAttempts {
			it.AttemptedCount++
		}
		it.LastCheckedAt = now
		it.resolve(now, to, resolutionType, notes)
		return nil
	})
	if err != nil {
		return it, err
	}
	metrics.PendingTransitions.WithLabelValues(string(to)).Inc()
	logging.Ctx(ctx).Info().
		Str("entity_id", entityID).
		Str("scope_date", scopeDate).
		Str("status", string(to)).
		Str("resolution_type", resolutionType).
		Msg("pending item resolved")
	return it, nil
}

// MarkFailed finalizes a pending item as failed_max_retries without waiting
// for the attempt cap.
func (r *Registry) MarkFailed(ctx context.Context, entityID, scopeDate, notes string) (*Item, error) {
	return r.resolvePending(ctx, entityID, scopeDate, StatusFailedMaxRetries, ResolutionMaxAttempts, notes)
}

// MarkOverridden moves a blocked item to triggered on explicit operator
// request, bypassing the commit-point check.
func (r *Registry) MarkOverridden(ctx context.Context, entityID, scopeDate, operator, notes string) (*Item, error) {
	it, err := r.update(entityID, scopeDate, func(it *Item, now time.Time) error {
		if it.Status != StatusBlocked {
			return invalid(it, StatusTriggered)
		}
		it.resolve(now, StatusTriggered, ResolutionOperatorOverride,
			joinNotes(fmt.Sprintf("re-triggered by %s", operator), notes))
		return nil
	})
	if err != nil {
		return it, err
	}
	metrics.PendingTransitions.WithLabelValues(string(StatusTriggered)).Inc()
	return it, nil
}

// Reset returns a terminal item to pending with attempts cleared. It is the
// only way back to pending and is logged as an operator override.
func (r *Registry) Reset(ctx context.Context, entityID, scopeDate, operator string) (*Item, error) {
	var from Status
	it, err := r.update(entityID, scopeDate, func(it *Item, now time.Time) error {
		from = it.Status
		if it.Status == StatusPending {
			return invalid(it, StatusPending)
		}
		it.Status = StatusPending
		it.AttemptedCount = 0
		it.ResetCount++
		it.ResolutionType = ResolutionOperatorReset
		it.ResolutionNotes = joinNotes(fmt.Sprintf("reset from %s by %s", from, operator), it.ResolutionNotes)
		it.ResolvedAt = time.Time{}
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return it, err
	}
	metrics.PendingTransitions.WithLabelValues(string(StatusPending)).Inc()
	logging.Override("pending.reset").
		Str("entity_id", entityID).
		Str("scope_date", scopeDate).
		Str("from_status", string(from)).
		Str("operator", operator).
		Msg("pending item reset to pending")
	return it, nil
}

// ExpireStale finalizes pending items first seen longer than maxAge ago as
// failed_max_retries with resolution "expired". It returns how many items
// were expired.
func (r *Registry) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	now := r.now()
	stale, err := r.scan("", func(it *Item) bool {
		return it.Status == StatusPending && now.Sub(it.FirstSeenAt) > maxAge
	})
	if err != nil {
		return 0, fmt.Errorf("scan stale: %w", err)
	}

	expired := 0
	for _, s := range stale {
		_, err := r.update(s.EntityID, s.ScopeDate, func(it *Item, now time.Time) error {
			if it.Status != StatusPending {
				return invalid(it, StatusFailedMaxRetries)
			}
			it.resolve(now, StatusFailedMaxRetries, ResolutionExpired,
				fmt.Sprintf("still pending after %v", maxAge))
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		metrics.PendingTransitions.WithLabelValues(string(StatusFailedMaxRetries)).Inc()
		logging.Ctx(ctx).Error().
			Str("entity_id", s.EntityID).
			Str("scope_date", s.ScopeDate).
			Dur("max_age", maxAge).
			Msg("pending item expired")
	}
	return expired, nil
}

func joinNotes(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
