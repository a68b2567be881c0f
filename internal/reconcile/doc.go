// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

/*
Package reconcile finalizes pending items once their missing dataset
arrives.

Each Watcher cycle expires items older than the max age, then walks a
bounded batch of pending items, least recently checked first:

	unavailable                      -> attempt counted, stays pending
	unavailable, cap reached         -> failed_max_retries
	available, commit exists         -> blocked (never rerun)
	available, no commit             -> rerun published, then triggered
	check or predicate error         -> attempt counted, stays pending
	available, publish fails         -> attempt counted, stays pending

An item is marked triggered only after its rerun command was accepted by the
bus, so a failed publish is retried on the next cycle.

"Downstream commit exists" has exactly one definition per deployment: the
configured CommitPredicate. WarehouseCommitPredicate supports two explicit
modes, row_exists and flag, and refuses to start without one. A predicate
error is never read as "safe".

Operators can re-trigger a blocked item with Watcher.Retrigger. The override
bypasses the commit check and is logged with operator_override=true.
*/
package reconcile
