// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package services adapts components whose lifecycle is not already
// context-driven into suture.Service implementations. Components that
// expose Serve(ctx) (the arrival watcher, the badger GC loop, the rerun
// listener) are added to the tree directly.
package services
