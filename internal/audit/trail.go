// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

const keyPrefix = "audit:"

// ErrNotFound is returned by Get for unknown event ids.
var ErrNotFound = errors.New("audit: event not found")

// Config configures a Trail.
type Config struct {
	// Retention expires events after this long. Zero keeps them forever.
	Retention time.Duration
}

// Trail records and queries audit events in the badger store.
type Trail struct {
	store  *kvstore.Store
	config Config
	now    func() time.Time
	newID  func() (uuid.UUID, error)
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail creates a trail over store.
func NewTrail(store *kvstore.Store, cfg Config, opts ...Option) *Trail {
	t := &Trail{store: store, config: cfg, now: time.Now, newID: uuid.NewV7}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func eventKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Record assigns an id and timestamp if unset, stores the event and mirrors
// it to the override log.
func (t *Trail) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		id, err := t.newID()
		if err != nil {
			return fmt.Errorf("audit: generate id: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}

	err := t.store.Update(func(txn *badger.Txn) error {
		return kvstore.SetJSON(txn, eventKey(e.ID), e, t.config.Retention)
	})
	if err != nil {
		metrics.AuditEvents.WithLabelValues(string(e.Action), "store_error").Inc()
		return fmt.Errorf("audit: record %s: %w", e.Action, err)
	}
	metrics.AuditEvents.WithLabelValues(string(e.Action), string(e.Outcome)).Inc()

	logging.Override(string(e.Action)).
		Str("audit_id", e.ID).
		Str("operator", e.Operator).
		Str("target_type", e.Target.Type).
		Str("target_id", e.Target.ID).
		Str("outcome", string(e.Outcome)).
		Str("request_id", e.RequestID).
		Msg("operator intervention recorded")
	return nil
}

// Get returns one event.
func (t *Trail) Get(ctx context.Context, id string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e Event
	err := t.store.View(func(txn *badger.Txn) error {
		return kvstore.GetJSON(txn, eventKey(id), &e)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Query returns matching events newest first.
func (t *Trail) Query(ctx context.Context, f QueryFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var out []Event
	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= the seek key, so seek
		// past every possible id under the prefix.
		seek := append([]byte(keyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
				// Keys are time ordered, nothing older can match.
				return nil
			}
			if f.matches(&e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return out, nil
}
