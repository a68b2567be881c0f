// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

/*
Command lateflowd runs the lateflow coordination plane: the arrival watcher
that reconciles late-arriving dependencies, badger value log GC, and the
operator HTTP API.

	RootSupervisor ("lateflowd")
	├── store-layer      badger GC
	├── reconcile-layer  arrival watcher
	├── messaging-layer  rerun listener (only when stages are linked in)
	└── api-layer        operator API on server.host:server.port

Configuration is loaded via koanf v2: defaults, then an optional YAML file
(--config, CONFIG_PATH, ./config.yaml, /etc/lateflow/config.yaml), then
environment variables. Reconciliation refuses to start without COMMIT_MODE.

	export BUS_MODE=nats NATS_EMBEDDED=true
	export COMMIT_MODE=row_exists COMMIT_TABLE=analytics.predictions \
	       COMMIT_KEY_COLUMN=player_id COMMIT_SCOPE_COLUMN=game_date
	lateflowd serve

	lateflowd check --config /etc/lateflow/config.yaml

SIGINT and SIGTERM stop the tree; in-flight watcher cycles finish and the
HTTP server drains within server.shutdown_timeout.
*/
package main

import (
	"os"

	"github.com/tomtom215/lateflow/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error().Err(err).Msg("lateflowd failed")
		os.Exit(1)
	}
}
