// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package lock provides exclusive, TTL-bounded locks keyed by a business
// identifier (typically a scope date).
//
// A lock moves UNLOCKED -> LOCKED on a won compare-and-set and back to
// UNLOCKED on release or TTL expiry. There are no other states. TTL expiry
// is the only automatic recovery path for a crashed holder, so the TTL
// should cover a normal critical section while bounding recovery time.
//
// Two backends are provided:
//   - BadgerBackend: the embedded store, for single-host deployments
//   - JetStreamBackend: a NATS KV bucket shared by a fleet of workers
//
// Usage:
//
//	mgr := lock.NewManager(lock.NewBadgerBackend(store), lock.Config{TTL: 5 * time.Minute})
//	permit, err := mgr.Acquire(ctx, "2026-01-01", holderID, 0, time.Minute)
//	if lock.IsAcquisitionError(err) {
//	    // back off; another worker is writing this date
//	}
//	defer permit.Release(ctx)
package lock
