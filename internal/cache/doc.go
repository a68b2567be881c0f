// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package cache provides the bounded deduplication set used by message
// consumers.
//
// JetStream delivers at least once, so a rerun command can arrive again
// after it already completed (ack lost, consumer restart, publisher
// retry). Dedup remembers completed message ids for a TTL and evicts the
// least recently used id once capacity is reached, which keeps memory
// flat under sustained redelivery. The durable guard against duplicate
// work is still the run recorder; Dedup only saves the round trip.
package cache
