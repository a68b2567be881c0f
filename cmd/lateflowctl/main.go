// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Command lateflowctl is the operator CLI for a running lateflowd. It talks
// to the /api/v1 operator API and covers the manual interventions the
// coordination plane supports:
//
//	lateflowctl locks show statcast_enrichment:2026-04-01
//	lateflowctl locks release statcast_enrichment:2026-04-01 --operator alice
//	lateflowctl pending list --status blocked
//	lateflowctl pending retrigger 660271 2026-04-01 --operator alice --notes "late statcast"
//	lateflowctl pending reset 660271 2026-04-01 --operator alice
//	lateflowctl runs list --processor statcast_enrichment --date 2026-04-01
//	lateflowctl reconcile run
//	lateflowctl audit list --operator alice --since 24h
//
// The server defaults to $LATEFLOW_SERVER or http://127.0.0.1:8471.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
