// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package config

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern accepts plain or schema-qualified SQL identifiers.
// Table and column names from configuration are interpolated into
// warehouse queries, so nothing else is allowed through.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks that the configuration is complete and coherent.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateLogging,
		c.validateStore,
		c.validateBus,
		c.validateLock,
		c.validateChangeDetection,
		c.validateReconcile,
		c.validateRuns,
		c.validateAudit,
		c.validateServer,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory=true")
	}
	if c.Store.GCDiscardRatio <= 0 || c.Store.GCDiscardRatio >= 1 {
		return fmt.Errorf("store.gc_discard_ratio must be in (0, 1), got %v", c.Store.GCDiscardRatio)
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Mode {
	case BusModeMemory:
	case BusModeNATS:
		if c.Bus.URL == "" && !c.Bus.EmbeddedServer {
			return fmt.Errorf("NATS_URL is required when the embedded server is disabled")
		}
		if c.Bus.StreamName == "" {
			return fmt.Errorf("bus.stream_name is required for bus.mode=nats")
		}
		if len(c.Bus.StreamSubjects) == 0 {
			return fmt.Errorf("bus.stream_subjects must list at least one subject")
		}
	default:
		return fmt.Errorf("BUS_MODE must be %q or %q, got %q", BusModeNATS, BusModeMemory, c.Bus.Mode)
	}
	if c.Bus.RerunTopic == "" || c.Bus.CompletionTopicPrefix == "" {
		return fmt.Errorf("bus.rerun_topic and bus.completion_topic_prefix are required")
	}
	return nil
}

func (c *Config) validateLock() error {
	switch c.Lock.Backend {
	case LockBackendBadger:
	case LockBackendJetStream:
		if c.Bus.Mode != BusModeNATS {
			return fmt.Errorf("lock.backend=jetstream requires bus.mode=nats")
		}
		if c.Lock.Bucket == "" {
			return fmt.Errorf("lock.bucket is required for lock.backend=jetstream")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendBadger, LockBackendJetStream, c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.Lock.RetryDelay <= 0 {
		return fmt.Errorf("LOCK_RETRY_DELAY must be positive")
	}
	if c.Lock.MaxWait < 0 {
		return fmt.Errorf("LOCK_MAX_WAIT must not be negative")
	}
	return nil
}

func (c *Config) validateChangeDetection() error {
	for name, et := range c.ChangeDetection.EntityTypes {
		if len(et.TrackedFields) == 0 {
			return fmt.Errorf("change_detection.entity_types.%s: tracked_fields must not be empty", name)
		}
		idents := append([]string{et.UpstreamTable, et.DownstreamTable, et.KeyColumn, et.ScopeColumn}, et.TrackedFields...)
		if err := checkIdentifiers("change_detection.entity_types."+name, idents...); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateReconcile() error {
	r := c.Reconcile
	if !r.Enabled {
		return nil
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", r.MaxAttempts)
	}
	if r.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if r.BatchSize < 1 {
		return fmt.Errorf("reconcile.batch_size must be at least 1")
	}
	if r.ChecksPerSecond <= 0 {
		return fmt.Errorf("reconcile.checks_per_second must be positive")
	}
	for name, ds := range r.Datasets {
		if ds.MinRows < 1 {
			return fmt.Errorf("reconcile.datasets.%s: min_rows must be at least 1", name)
		}
		if err := checkIdentifiers("reconcile.datasets."+name, ds.Table, ds.KeyColumn, ds.ScopeColumn); err != nil {
			return err
		}
	}
	if r.DefaultDataset != "" {
		if _, ok := r.Datasets[r.DefaultDataset]; !ok {
			return fmt.Errorf("reconcile.default_dataset %q is not a configured dataset", r.DefaultDataset)
		}
	}
	return c.validateCommit()
}

// validateCommit refuses to start without an explicit commit-point
// definition. Falling back to either mode would silently pick one of two
// different notions of "already delivered".
func (c *Config) validateCommit() error {
	cm := c.Reconcile.Commit
	switch cm.Mode {
	case "":
		return fmt.Errorf("COMMIT_MODE is required when reconciliation is enabled (%q or %q)", CommitModeRowExists, CommitModeFlag)
	case CommitModeRowExists:
		return checkIdentifiers("reconcile.commit", cm.Table, cm.KeyColumn, cm.ScopeColumn)
	case CommitModeFlag:
		return checkIdentifiers("reconcile.commit", cm.Table, cm.KeyColumn, cm.ScopeColumn, cm.FlagColumn)
	default:
		return fmt.Errorf("COMMIT_MODE must be %q or %q, got %q", CommitModeRowExists, CommitModeFlag, cm.Mode)
	}
}

func (c *Config) validateRuns() error {
	if c.Runs.StalenessThreshold <= 0 {
		return fmt.Errorf("RUN_STALENESS_THRESHOLD must be positive")
	}
	return nil
}

func (c *Config) validateAudit() error {
	if c.Audit.Retention < 0 {
		return fmt.Errorf("AUDIT_RETENTION must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func checkIdentifiers(section string, idents ...string) error {
	for _, id := range idents {
		if !identifierPattern.MatchString(id) {
			return fmt.Errorf("%s: %q is not a valid identifier", section, id)
		}
	}
	return nil
}
