// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package stage runs a processing stage inside the coordination protocol.
//
// Stage.Run checks for a concurrent run of the same processor and date,
// records the run start, scopes the work with change detection, holds the
// lock around the processor's write, registers entities whose dependency
// was missing, records the terminal status and finally publishes the
// completion event. Reruns skip change detection and the concurrent-run
// check because they target a single entity.
//
// RerunConsumer is the bus-facing side: it turns rerun commands into
// Stage.Run calls tagged as reruns.
package stage
