// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package runrecord records the lifecycle of processing runs.
//
// A run is written as running before work starts and rewritten once with a
// terminal status when it finishes. Other workers consult
// CheckAlreadyRunning to avoid launching duplicate work for the same
// (processor, data date); a running record older than the staleness
// threshold is treated as abandoned.
//
// Recording is an observability side path. StartRun and CompleteRun log and
// swallow store failures so they never abort the processing they describe.
package runrecord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// Status is a run lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusNoData  Status = "no_data"
)

// Terminal reports whether s is a completed status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed, StatusNoData:
		return true
	}
	return false
}

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("runrecord: run not found")

// Record is one processor run.
type Record struct {
	RunID            string     `json:"run_id"`
	ProcessorName    string     `json:"processor_name"`
	Status           Status     `json:"status"`
	DataDate         string     `json:"data_date"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RecordsProcessed int64      `json:"records_processed"`
	RecordsFailed    int64      `json:"records_failed"`
	CorrelationID    string     `json:"correlation_id"`
	TriggerSource    string     `json:"trigger_source"`
	ParentProcessor  string     `json:"parent_processor,omitempty"`
	IsRerun          bool       `json:"is_rerun,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
}

// Duration returns the run duration, or zero while running.
func (r *Record) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StartRequest describes a run about to begin.
type StartRequest struct {
	ProcessorName   string
	DataDate        string
	CorrelationID   string
	TriggerSource   string
	ParentProcessor string
	IsRerun         bool
}

// Completion is the terminal state of a run.
type Completion struct {
	Status           Status
	RecordsProcessed int64
	RecordsFailed    int64
	ErrorDetail      string
}

// DeriveStatus picks a terminal status from run counts. missing counts
// entities that used a degraded fallback because a dependency was absent.
func DeriveStatus(processed, failed int64, missing int) Status {
	switch {
	case processed == 0 && failed == 0:
		return StatusNoData
	case processed == 0:
		return StatusFailed
	case failed > 0 || missing > 0:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// Config configures the recorder.
type Config struct {
	// StalenessThreshold is the default age after which a running record
	// no longer blocks new runs.
	StalenessThreshold time.Duration
	// Retention expires records after this long. Zero keeps them forever.
	Retention time.Duration
}

// Recorder stores run records in badger.
type Recorder struct {
	store  *kvstore.Store
	config Config
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder.
func NewRecorder(store *kvstore.Store, cfg Config, opts ...Option) *Recorder {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 2 * time.Hour
	}
	r := &Recorder{store: store, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func recordKey(processor, date, runID string) []byte {
	return []byte("run:" + processor + ":" + date + ":" + runID)
}

func indexKey(runID string) []byte {
	return []byte("runid:" + runID)
}

func listPrefix(processor, date string) []byte {
	switch {
	case processor == "":
		return []byte("run:")
	case date == "":
		return []byte("run:" + processor + ":")
	default:
		return []byte("run:" + processor + ":" + date + ":")
	}
}

func (r *Recorder) write(rec *Record) error {
	return r.store.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.ProcessorName, rec.DataDate, rec.RunID)
		if err := kvstore.SetJSON(txn, key, rec, r.config.Retention); err != nil {
			return err
		}
		e := badger.NewEntry(indexKey(rec.RunID), key)
		if r.config.Retention > 0 {
			e = e.WithTTL(r.config.Retention)
		}
		return txn.SetEntry(e)
	})
}

// StartRun writes a running record synchronously and returns it. A store
// failure is logged and the in-memory record is still returned.
func (r *Recorder) StartRun(ctx context.Context, req StartRequest) *Record {
	rec := &Record{
		RunID:           uuid.NewString(),
		ProcessorName:   req.ProcessorName,
		Status:          StatusRunning,
		DataDate:        req.DataDate,
		StartedAt:       r.now().UTC(),
		CorrelationID:   req.CorrelationID,
		TriggerSource:   req.TriggerSource,
		ParentProcessor: req.ParentProcessor,
		IsRerun:         req.IsRerun,
	}
	if rec.TriggerSource == "" {
		rec.TriggerSource = "schedule"
	}

	if err := r.write(rec); err != nil {
		metrics.RunRecordFailures.WithLabelValues("start").Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("processor", rec.ProcessorName).
			Str("data_date", rec.DataDate).
			Msg("failed to record run start, continuing")
		return rec
	}

	logging.Ctx(ctx).Debug().
		Str("run_id", rec.RunID).
		Str("processor", rec.ProcessorName).
		Str("data_date", rec.DataDate).
		Msg("run started")
	return rec
}

// CompleteRun writes the terminal record. A running status in c is replaced
// by one derived from the counts. Store failures are logged and swallowed.
func (r *Recorder) CompleteRun(ctx context.Context, rec *Record, c Completion) *Record {
	if rec == nil {
		return nil
	}
	if !c.Status.Terminal() {
		c.Status = DeriveStatus(c.RecordsProcessed, c.RecordsFailed, 0)
	}

	done := r.now().UTC()
	out := *rec
	out.Status = c.Status
	out.CompletedAt = &done
	out.RecordsProcessed = c.RecordsProcessed
	out.RecordsFailed = c.RecordsFailed
	out.ErrorDetail = c.ErrorDetail

	metrics.RecordRun(out.ProcessorName, string(out.Status), out.Duration())
	if err := r.write(&out); err != nil {
		metrics.RunRecordFailures.WithLabelValues("complete").Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("run_id", out.RunID).
			Str("processor", out.ProcessorName).
			Msg("failed to record run completion, continuing")
		return &out
	}

	logging.Ctx(ctx).Info().
		Str("run_id", out.RunID).
		Str("processor", out.ProcessorName).
		Str("data_date", out.DataDate).
		Str("status", string(out.Status)).
		Int64("records_processed", out.RecordsProcessed).
		Int64("records_failed", out.RecordsFailed).
		Dur("duration", out.Duration()).
		Msg("run completed")
	return &out
}

// CheckAlreadyRunning returns the newest non-stale running record for
// (processor, dataDate). staleness <= 0 uses the configured threshold.
func (r *Recorder) CheckAlreadyRunning(_ context.Context, processor, dataDate string, staleness time.Duration) (*Record, bool, error) {
	if staleness <= 0 {
		staleness = r.config.StalenessThreshold
	}
	cutoff := r.now().Add(-staleness)

	runs, err := r.scan(listPrefix(processor, dataDate), func(rec *Record) bool {
		return rec.Status == StatusRunning && rec.StartedAt.After(cutoff)
	})
	if err != nil {
		return nil, false, fmt.Errorf("check running %s/%s: %w", processor, dataDate, err)
	}
	if len(runs) == 0 {
		return nil, false, nil
	}
	return runs[0], true, nil
}

// ListRuns returns runs newest first, filtered by processor and date.
// Either filter may be empty.
func (r *Recorder) ListRuns(_ context.Context, processor, dataDate string) ([]*Record, error) {
	prefix := listPrefix(processor, dataDate)
	runs, err := r.scan(prefix, func(rec *Record) bool {
		return dataDate == "" || rec.DataDate == dataDate
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Get returns a run by id.
func (r *Recorder) Get(_ context.Context, runID string) (*Record, error) {
	var rec Record
	err := r.store.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(indexKey(runID))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		return kvstore.GetJSON(txn, key, &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Recorder) scan(prefix []byte, keep func(*Record) bool) ([]*Record, error) {
	var out []*Record
	err := r.store.View(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, prefix, func(_, val []byte) error {
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, err
}
