// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package config

import (
	"time"
)

// Config holds all Lateflow configuration.
//
// Loading order (koanf v2):
//  1. Defaults from defaultConfig
//  2. Optional YAML file (CONFIG_PATH, ./config.yaml, /etc/lateflow/config.yaml)
//  3. Mapped environment variables (see envMappings)
//
// There is deliberately no default for Reconcile.Commit.Mode; see CommitConfig.
type Config struct {
	Logging         LoggingConfig         `koanf:"logging"`
	Store           StoreConfig           `koanf:"store"`
	Warehouse       WarehouseConfig       `koanf:"warehouse"`
	Bus             BusConfig             `koanf:"bus"`
	Lock            LockConfig            `koanf:"lock"`
	ChangeDetection ChangeDetectionConfig `koanf:"change_detection"`
	Reconcile       ReconcileConfig       `koanf:"reconcile"`
	Runs            RunsConfig            `koanf:"runs"`
	Audit           AuditConfig           `koanf:"audit"`
	Server          ServerConfig          `koanf:"server"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig configures the embedded BadgerDB store that backs the pending
// registry, run records and (with lock.backend=badger) locks.
type StoreConfig struct {
	Path           string        `koanf:"path"`
	InMemory       bool          `koanf:"in_memory"`
	SyncWrites     bool          `koanf:"sync_writes"`
	GCInterval     time.Duration `koanf:"gc_interval"`
	GCDiscardRatio float64       `koanf:"gc_discard_ratio"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
}

// WarehouseConfig configures read-only DuckDB access to the analytical
// warehouse used by change detection, availability checks and the commit
// predicate.
type WarehouseConfig struct {
	Path      string `koanf:"path"`
	ReadOnly  bool   `koanf:"read_only"`
	Threads   int    `koanf:"threads"`
	MaxMemory string `koanf:"max_memory"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	// Mode is "nats" for JetStream or "memory" for an in-process channel bus.
	Mode           string        `koanf:"mode"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	StreamName     string        `koanf:"stream_name"`
	StreamSubjects []string      `koanf:"stream_subjects"`
	StreamMaxAge   time.Duration `koanf:"stream_max_age"`
	// DuplicateWindow bounds JetStream Nats-Msg-Id deduplication.
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	CompletionTopicPrefix string `koanf:"completion_topic_prefix"`
	RerunTopic            string `koanf:"rerun_topic"`
	ConsumerName          string `koanf:"consumer_name"`

	// SkipDownstream suppresses completion events, for bulk backfills.
	SkipDownstream bool `koanf:"skip_downstream"`

	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker around bus publishes.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
}

// LockConfig configures the distributed lock manager.
type LockConfig struct {
	// Backend is "badger" (single node) or "jetstream" (fleet, NATS KV).
	Backend    string        `koanf:"backend"`
	TTL        time.Duration `koanf:"ttl"`
	MaxWait    time.Duration `koanf:"max_wait"`
	RetryDelay time.Duration `koanf:"retry_delay"`
	Bucket     string        `koanf:"bucket"`
}

// ChangeDetectionConfig maps entity types to the projections compared by
// the change detector.
type ChangeDetectionConfig struct {
	EntityTypes map[string]EntityTypeConfig `koanf:"entity_types"`
}

// EntityTypeConfig describes one upstream/downstream projection pair.
type EntityTypeConfig struct {
	UpstreamTable   string   `koanf:"upstream_table"`
	DownstreamTable string   `koanf:"downstream_table"`
	KeyColumn       string   `koanf:"key_column"`
	ScopeColumn     string   `koanf:"scope_column"`
	TrackedFields   []string `koanf:"tracked_fields"`
}

// ReconcileConfig configures the pending registry and arrival watcher.
type ReconcileConfig struct {
	Enabled         bool          `koanf:"enabled"`
	MaxAttempts     int           `koanf:"max_attempts"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	MaxAge          time.Duration `koanf:"max_age"`
	BatchSize       int           `koanf:"batch_size"`
	ChecksPerSecond float64       `koanf:"checks_per_second"`

	// Datasets are the dependent datasets whose late arrival is tracked,
	// keyed by the reason recorded at registration.
	Datasets       map[string]DatasetConfig `koanf:"datasets"`
	DefaultDataset string                   `koanf:"default_dataset"`

	Commit CommitConfig `koanf:"commit"`
}

// DatasetConfig defines the completeness signal for one dependent dataset.
type DatasetConfig struct {
	Table       string `koanf:"table"`
	KeyColumn   string `koanf:"key_column"`
	ScopeColumn string `koanf:"scope_column"`
	MinRows     int64  `koanf:"min_rows"`
}

// CommitConfig defines the single commit-point predicate consulted before
// any rerun. Mode must be set explicitly:
//   - row_exists: any row for (entity, scope) in Table means committed
//   - flag: a row whose FlagColumn is TRUE means committed
type CommitConfig struct {
	Mode        string `koanf:"mode"`
	Table       string `koanf:"table"`
	KeyColumn   string `koanf:"key_column"`
	ScopeColumn string `koanf:"scope_column"`
	FlagColumn  string `koanf:"flag_column"`
}

// RunsConfig configures the run recorder.
type RunsConfig struct {
	StalenessThreshold time.Duration `koanf:"staleness_threshold"`
	Retention          time.Duration `koanf:"retention"`
}

// AuditConfig configures the operator intervention trail.
type AuditConfig struct {
	// Retention expires audit events after this long. Zero keeps them.
	Retention time.Duration `koanf:"retention"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Commit predicate modes.
const (
	CommitModeRowExists = "row_exists"
	CommitModeFlag      = "flag"
)

// Bus modes.
const (
	BusModeNATS   = "nats"
	BusModeMemory = "memory"
)

// Lock backends.
const (
	LockBackendBadger    = "badger"
	LockBackendJetStream = "jetstream"
)
