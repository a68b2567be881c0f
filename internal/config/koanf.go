// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/lateflow/config.yaml",
	"/etc/lateflow/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:           "/data/lateflow",
			SyncWrites:     true,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
			CloseTimeout:   30 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Path:      "/data/warehouse.duckdb",
			ReadOnly:  true,
			Threads:   0, // 0 = DuckDB default
			MaxMemory: "1GB",
		},
		Bus: BusConfig{
			Mode:                  BusModeNATS,
			URL:                   "nats://127.0.0.1:4222",
			EmbeddedServer:        true,
			StoreDir:              "/data/nats/jetstream",
			StreamName:            "PIPELINE",
			StreamSubjects:        []string{"pipeline.>"},
			StreamMaxAge:          7 * 24 * time.Hour,
			DuplicateWindow:       2 * time.Hour,
			CompletionTopicPrefix: "pipeline.completed",
			RerunTopic:            "pipeline.rerun",
			ConsumerName:          "lateflow-rerun",
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      3,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
		},
		Lock: LockConfig{
			Backend:    LockBackendBadger,
			TTL:        5 * time.Minute,
			MaxWait:    2 * time.Minute,
			RetryDelay: 2 * time.Second,
			Bucket:     "lateflow_locks",
		},
		Reconcile: ReconcileConfig{
			Enabled:         true,
			MaxAttempts:     12,
			PollInterval:    30 * time.Minute,
			MaxAge:          72 * time.Hour,
			BatchSize:       100,
			ChecksPerSecond: 10,
		},
		Runs: RunsConfig{
			StalenessThreshold: 2 * time.Hour,
			Retention:          30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Retention: 365 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8471,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are keys that accept comma-separated env values.
var sliceConfigPaths = []string{
	"bus.stream_subjects",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf keys.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"store_path":        "store.path",
	"store_in_memory":   "store.in_memory",
	"store_sync_writes": "store.sync_writes",
	"store_gc_interval": "store.gc_interval",

	"duckdb_path":       "warehouse.path",
	"duckdb_read_only":  "warehouse.read_only",
	"duckdb_threads":    "warehouse.threads",
	"duckdb_max_memory": "warehouse.max_memory",

	"bus_mode":            "bus.mode",
	"nats_url":            "bus.url",
	"nats_embedded":       "bus.embedded_server",
	"nats_store_dir":      "bus.store_dir",
	"nats_stream":         "bus.stream_name",
	"nats_subjects":       "bus.stream_subjects",
	"rerun_topic":         "bus.rerun_topic",
	"skip_downstream":     "bus.skip_downstream",
	"bus_breaker_enabled": "bus.breaker.enabled",

	"lock_backend":     "lock.backend",
	"lock_ttl":         "lock.ttl",
	"lock_max_wait":    "lock.max_wait",
	"lock_retry_delay": "lock.retry_delay",
	"lock_bucket":      "lock.bucket",

	"reconcile_enabled":    "reconcile.enabled",
	"max_attempts":         "reconcile.max_attempts",
	"poll_interval":        "reconcile.poll_interval",
	"pending_max_age":      "reconcile.max_age",
	"reconcile_batch_size": "reconcile.batch_size",
	"reconcile_check_rate": "reconcile.checks_per_second",
	"commit_mode":          "reconcile.commit.mode",
	"commit_table":         "reconcile.commit.table",
	"commit_key_column":    "reconcile.commit.key_column",
	"commit_scope_column":  "reconcile.commit.scope_column",
	"commit_flag_column":   "reconcile.commit.flag_column",

	"run_staleness_threshold": "runs.staleness_threshold",
	"run_retention":           "runs.retention",
	"audit_retention":         "audit.retention",

	"http_enabled": "server.enabled",
	"http_host":    "server.host",
	"http_port":    "server.port",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
