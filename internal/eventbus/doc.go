// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

/*
Package eventbus carries pipeline messages over NATS JetStream via Watermill.

Two message kinds exist:

  - Envelope: the completion event a processor emits after a run, published
    on "<completion_topic_prefix>.<processor_name>".
  - RerunCommand: a request to reprocess one entity for one scope date,
    always tagged is_rerun=true, published on the rerun topic.

EventPublisher validates both before any network call. Completion delivery
is advisory: transport failures are logged and swallowed because the
scheduled reconciliation sweep is the correctness mechanism. Rerun publish
failures are returned so the reconciler leaves the item pending and retries
on the next cycle.

Rerun commands carry a deterministic Nats-Msg-Id
(rerun:<entity>:<scope_date>:r<reset_count>-<attempt>) so JetStream's
duplicate window collapses re-sends of the same attempt. Delivery is still at least once and
consumers must be idempotent.

Bus wires the transport for a process. In "nats" mode it optionally starts
an EmbeddedServer, ensures the stream exists, and builds a circuit-breaking
publisher and a durable subscriber. In "memory" mode a Watermill gochannel
serves both roles. RerunListener dispatches rerun commands to a handler and
runs as a supervised service.
*/
package eventbus
