// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package metrics holds the Prometheus instrumentation shared by all
// Lateflow components. Metrics register with the default registry through
// promauto and are served by the operator API at /metrics.
//
// Alerting starting points:
//
//	lateflow_pending_items{status="failed_max_retries"} > 0
//	rate(lateflow_change_detection_fail_open_total[1h]) > 0
//	lateflow_circuit_breaker_state == 2
package metrics
