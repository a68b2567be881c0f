// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package audit keeps a durable trail of operator interventions.
//
// Every manual action that bypasses the automatic coordination path is
// recorded here alongside the structured override log line:
//   - lock.force_release: a lock removed regardless of its holder
//   - pending.retrigger: a blocked item rerun past the commit-point check
//   - pending.reset: a resolved item returned to pending
//
// Events live in the shared badger store under the "audit:" prefix. Keys
// embed a UUIDv7, so key order is record order and Query can walk the
// prefix backwards for newest-first listings. A positive retention lets
// badger expire old events.
//
//	trail := audit.NewTrail(store, audit.Config{Retention: 90 * 24 * time.Hour})
//	trail.Record(ctx, &audit.Event{
//	    Action:   audit.ActionLockForceRelease,
//	    Operator: "alice",
//	    Target:   audit.Target{Type: "lock", ID: key},
//	    Outcome:  audit.OutcomeSuccess,
//	})
//	events, err := trail.Query(ctx, audit.QueryFilter{Operator: "alice", Limit: 50})
//
// Recording is synchronous. An operator endpoint answers only after its
// event is stored, so a successful response always has an audit entry.
package audit
