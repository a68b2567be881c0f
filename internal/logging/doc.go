// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package logging provides the process-wide zerolog logger used by every
// Lateflow component.
//
// # Quick Start
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("scope_date", "2026-01-01").Msg("reconcile cycle started")
//	logging.Ctx(ctx).Warn().Err(err).Msg("publish failed, relying on reconciliation sweep")
//
// # Configuration
//
// Environment variables read at package init (before config is loaded):
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, console (default: json)
//   - LOG_CALLER: true/false (default: false)
//
// # Operator overrides
//
// Force-releasing a lock and re-triggering a blocked item bypass safety
// checks. They are logged through Override so every such entry carries
// operator_override=true at warn level:
//
//	logging.Override("lock.force_release").Str("key", key).Str("previous_holder", h).Msg("lock force-released")
//
// # Adapters
//
// NewSlogLogger bridges slog consumers (sutureslog) into zerolog. The event
// bus carries its own watermill.LoggerAdapter built on Component.
package logging
