// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lock manager
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_lock_acquisitions_total",
			Help: "Lock acquisition outcomes",
		},
		[]string{"backend", "result"}, // "acquired", "timeout", "error"
	)

	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lateflow_lock_wait_seconds",
			Help:    "Time spent waiting for a lock, including the winning attempt",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_lock_contention_total",
			Help: "Acquisition attempts that found the lock held by another holder",
		},
		[]string{"backend"},
	)

	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_lock_releases_total",
			Help: "Lock releases by kind",
		},
		[]string{"kind"}, // "release", "force", "not_held"
	)

	// Change detection
	ChangeDetectionEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_change_detection_entities_total",
			Help: "Entities examined by change detection, by outcome",
		},
		[]string{"entity_type", "outcome"}, // "changed", "skipped"
	)

	ChangeDetectionEfficiency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lateflow_change_detection_efficiency_ratio",
			Help: "Fraction of entities skipped on the last detection pass (skipped / total)",
		},
		[]string{"entity_type"},
	)

	ChangeDetectionFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_change_detection_fail_open_total",
			Help: "Detection passes that fell back to the full entity universe",
		},
		[]string{"entity_type"},
	)

	// Warehouse
	WarehouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lateflow_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	WarehouseQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_warehouse_query_errors_total",
			Help: "Failed warehouse queries",
		},
		[]string{"operation"},
	)

	// Pending registry and arrival watcher
	PendingItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lateflow_pending_items",
			Help: "Pending registry items by status",
		},
		[]string{"status"},
	)

	PendingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_pending_transitions_total",
			Help: "Pending item status transitions",
		},
		[]string{"to"},
	)

	WatcherDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_watcher_decisions_total",
			Help: "Arrival watcher per-item decisions",
		},
		[]string{"decision"},
	)

	WatcherCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lateflow_watcher_cycle_duration_seconds",
			Help:    "Duration of one arrival watcher poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bus
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_events_published_total",
			Help: "Bus publish outcomes by message kind",
		},
		[]string{"kind", "result"}, // kind: "completion", "rerun"; result: "success", "failed", "invalid", "skipped"
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lateflow_publish_duration_seconds",
			Help:    "Latency of bus publishes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lateflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	RerunCommandsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_rerun_commands_consumed_total",
			Help: "Rerun commands handled by the consumer",
		},
		[]string{"result"}, // "processed", "invalid", "failed"
	)

	// Run recorder
	RunsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_runs_recorded_total",
			Help: "Run records written by status",
		},
		[]string{"processor", "status"},
	)

	RunRecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_run_record_failures_total",
			Help: "Run record writes that failed and were swallowed",
		},
		[]string{"operation"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lateflow_run_duration_seconds",
			Help:    "Stage run duration from start_run to complete_run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"processor"},
	)

	// Operator API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_http_requests_total",
			Help: "Operator API requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lateflow_http_request_duration_seconds",
			Help:    "Operator API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Embedded store
	StoreGCRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_store_gc_runs_total",
			Help: "Value log GC runs",
		},
		[]string{"result"}, // "rewritten", "nothing", "error"
	)

	// Audit trail
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lateflow_audit_events_total",
			Help: "Operator interventions recorded in the audit trail",
		},
		[]string{"action", "outcome"}, // outcome also "store_error"
	)

	// Rerun dedup
	RerunDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lateflow_rerun_duplicates_total",
			Help: "Redelivered rerun commands acknowledged without running",
		},
	)
)

// RecordLockAcquire records the outcome and wait time of one acquire call.
func RecordLockAcquire(backend, result string, waited time.Duration) {
	LockAcquisitions.WithLabelValues(backend, result).Inc()
	LockWaitDuration.WithLabelValues(backend).Observe(waited.Seconds())
}

// RecordChangeDetection records one detection pass.
func RecordChangeDetection(entityType string, total, skipped int, failedOpen bool) {
	ChangeDetectionEntities.WithLabelValues(entityType, "changed").Add(float64(total - skipped))
	ChangeDetectionEntities.WithLabelValues(entityType, "skipped").Add(float64(skipped))
	if total > 0 {
		ChangeDetectionEfficiency.WithLabelValues(entityType).Set(float64(skipped) / float64(total))
	} else {
		ChangeDetectionEfficiency.WithLabelValues(entityType).Set(0)
	}
	if failedOpen {
		ChangeDetectionFailOpen.WithLabelValues(entityType).Inc()
	}
}

// RecordWarehouseQuery records a warehouse query.
func RecordWarehouseQuery(operation string, duration time.Duration, err error) {
	WarehouseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		WarehouseQueryErrors.WithLabelValues(operation).Inc()
	}
}

// UpdatePendingGauges replaces the per-status pending gauges.
func UpdatePendingGauges(counts map[string]int) {
	for status, n := range counts {
		PendingItems.WithLabelValues(status).Set(float64(n))
	}
}

// RecordPublish records one bus publish attempt.
func RecordPublish(kind, result string, duration time.Duration) {
	EventsPublished.WithLabelValues(kind, result).Inc()
	if duration > 0 {
		PublishDuration.Observe(duration.Seconds())
	}
}

// RecordRun records a terminal run status.
func RecordRun(processor, status string, duration time.Duration) {
	RunsRecorded.WithLabelValues(processor, status).Inc()
	if duration > 0 {
		RunDuration.WithLabelValues(processor).Observe(duration.Seconds())
	}
}
