// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/lateflow/internal/changedetect"
	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/lock"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/pending"
	"github.com/tomtom215/lateflow/internal/runrecord"
)

// ErrAlreadyRunning is returned when a non-stale run exists for the same
// processor and scope date.
var ErrAlreadyRunning = errors.New("stage: run already in progress")

// MissingDependency names an entity processed with a degraded fallback
// because Dataset had not arrived.
type MissingDependency struct {
	EntityID string
	Dataset  string
}

// Work is the scoped unit handed to a Processor.
type Work struct {
	ScopeDate string
	// EntityIDs lists the entities to process. When All is set it is nil
	// and the whole scope must be processed.
	EntityIDs []string
	Changes   []changedetect.ChangeSet
	All       bool
	// FailedOpen is set when change detection fell back to the universe.
	FailedOpen    bool
	IsRerun       bool
	CorrelationID string
}

// Output is what a Processor reports after writing.
type Output struct {
	RecordsProcessed int64
	RecordsFailed    int64
	Missing          []MissingDependency
	OutputReference  string
	Metadata         map[string]string
}

// Processor performs the business write for one stage.
type Processor interface {
	Process(ctx context.Context, work *Work) (*Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, work *Work) (*Output, error)

func (f ProcessorFunc) Process(ctx context.Context, work *Work) (*Output, error) {
	return f(ctx, work)
}

// Request starts one run.
type Request struct {
	ScopeDate string
	// EntityIDs bypasses change detection when set.
	EntityIDs       []string
	IsRerun         bool
	TriggerSource   string
	ParentProcessor string
	CorrelationID   string
	// Force skips the concurrent-run check.
	Force bool
}

// Result describes a finished run.
type Result struct {
	RunID  string
	Status runrecord.Status
	// Entities is the number of scoped entities, 0 for a full-scope run.
	Entities   int
	// Registered counts pending items created by this run.
	Registered int
	Skipped    bool
	Envelope   *eventbus.Envelope
	Detection  *changedetect.Result
}

// Config configures a Stage.
type Config struct {
	Name       string
	Phase      eventbus.Phase
	EntityType string
	// LockKey maps a scope date to the lock key guarding the write. The
	// default is "<name>:<scope_date>".
	LockKey     func(scopeDate string) string
	LockTTL     time.Duration
	LockMaxWait time.Duration
	// Staleness overrides the recorder's staleness threshold.
	Staleness time.Duration
}

// Deps are the coordination components a stage uses. Detector, Locks and
// Registry are optional.
type Deps struct {
	Detector  *changedetect.Detector
	Locks     *lock.Manager
	Registry  *pending.Registry
	Recorder  *runrecord.Recorder
	Publisher *eventbus.EventPublisher
	HolderID  string
}

// Stage runs a Processor inside the coordination protocol.
type Stage struct {
	cfg       Config
	processor Processor
	deps      Deps
}

// New validates cfg and returns a stage.
func New(cfg Config, processor Processor, deps Deps) (*Stage, error) {
	if cfg.Name == "" {
		return nil, errors.New("stage: name is required")
	}
	if processor == nil {
		return nil, errors.New("stage: processor is required")
	}
	if deps.Recorder == nil || deps.Publisher == nil {
		return nil, errors.New("stage: recorder and publisher are required")
	}
	if cfg.Phase == "" {
		cfg.Phase = eventbus.PhaseFeature
	}
	if cfg.LockKey == nil {
		name := cfg.Name
		cfg.LockKey = func(scopeDate string) string { return name + ":" + scopeDate }
	}
	if deps.HolderID == "" {
		deps.HolderID = lock.DefaultHolderID()
	}
	return &Stage{cfg: cfg, processor: processor, deps: deps}, nil
}

// Name returns the processor name.
func (s *Stage) Name() string {
	return s.cfg.Name
}

// Run executes one run: concurrent-run check, run start, change detection,
// locked write, pending registration, run completion and completion event.
func (s *Stage) Run(ctx context.Context, req Request) (*Result, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = logging.GenerateCorrelationID()
	}
	ctx = logging.ContextWithCorrelationID(ctx, req.CorrelationID)
	if req.TriggerSource == "" {
		req.TriggerSource = "schedule"
		if req.IsRerun {
			req.TriggerSource = "rerun"
		}
	}
	log := logging.Ctx(ctx).With().Str("processor", s.cfg.Name).Str("scope_date", req.ScopeDate).Logger()

	if !req.IsRerun && !req.Force {
		existing, running, err := s.deps.Recorder.CheckAlreadyRunning(ctx, s.cfg.Name, req.ScopeDate, s.cfg.Staleness)
		if err != nil {
			log.Warn().Err(err).Msg("concurrent-run check failed, continuing")
		} else if running {
			log.Info().Str("run_id", existing.RunID).Msg("run already in progress, skipping")
			return &Result{RunID: existing.RunID, Status: runrecord.StatusRunning, Skipped: true}, ErrAlreadyRunning
		}
	}

	run := s.deps.Recorder.StartRun(ctx, runrecord.StartRequest{
		ProcessorName:   s.cfg.Name,
		DataDate:        req.ScopeDate,
		CorrelationID:   req.CorrelationID,
		TriggerSource:   req.TriggerSource,
		ParentProcessor: req.ParentProcessor,
		IsRerun:         req.IsRerun,
	})
	res := &Result{RunID: run.RunID}

	work, err := s.scope(ctx, req, res)
	if err != nil {
		s.finish(ctx, req, run, res, &Output{}, err)
		return res, err
	}
	if !work.All && len(work.EntityIDs) == 0 {
		log.Info().Msg("no changed entities, nothing to process")
		s.finish(ctx, req, run, res, &Output{}, nil)
		return res, nil
	}

	out, err := s.write(ctx, req, work)
	if err != nil {
		s.finish(ctx, req, run, res, &Output{}, err)
		return res, err
	}
	if out == nil {
		out = &Output{}
	}
	res.Entities = len(work.EntityIDs)
	s.finish(ctx, req, run, res, out, nil)
	return res, nil
}

func (s *Stage) scope(ctx context.Context, req Request, res *Result) (*Work, error) {
	work := &Work{ScopeDate: req.ScopeDate, IsRerun: req.IsRerun, CorrelationID: req.CorrelationID}
	if len(req.EntityIDs) > 0 || req.IsRerun {
		work.EntityIDs = req.EntityIDs
		return work, nil
	}
	if s.deps.Detector == nil || s.cfg.EntityType == "" {
		work.All = true
		return work, nil
	}

	det, err := s.deps.Detector.Detect(ctx, s.cfg.EntityType, req.ScopeDate)
	res.Detection = det
	switch {
	case errors.Is(err, changedetect.ErrQuery):
		logging.Ctx(ctx).Warn().Err(err).Str("processor", s.cfg.Name).Msg("change detection unavailable, processing full scope")
		work.All = true
		work.FailedOpen = true
		return work, nil
	case err != nil:
		return nil, err
	}
	work.EntityIDs = det.EntityIDs()
	work.Changes = det.Changes
	work.FailedOpen = det.FailedOpen
	return work, nil
}

func (s *Stage) write(ctx context.Context, req Request, work *Work) (*Output, error) {
	if s.deps.Locks == nil {
		return s.processor.Process(ctx, work)
	}

	permit, err := s.deps.Locks.Acquire(ctx, s.cfg.LockKey(req.ScopeDate), s.deps.HolderID, s.cfg.LockTTL, s.lockMaxWait())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := permit.Release(context.WithoutCancel(ctx)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("lock_key", permit.Key).Msg("lock release failed, TTL will reclaim it")
		}
	}()
	return s.processor.Process(ctx, work)
}

func (s *Stage) lockMaxWait() time.Duration {
	if s.cfg.LockMaxWait == 0 {
		return -1
	}
	return s.cfg.LockMaxWait
}

// finish registers missing dependencies, completes the run record and
// publishes the completion event. Entities registered as pending are
// announced later by their rerun, so a run with missing dependencies does
// not publish.
func (s *Stage) finish(ctx context.Context, req Request, run *runrecord.Record, res *Result, out *Output, runErr error) {
	res.Registered = s.registerMissing(ctx, req, out.Missing)

	completion := runrecord.Completion{
		Status:           runrecord.DeriveStatus(out.RecordsProcessed, out.RecordsFailed, len(out.Missing)),
		RecordsProcessed: out.RecordsProcessed,
		RecordsFailed:    out.RecordsFailed,
	}
	if runErr != nil {
		completion.Status = runrecord.StatusFailed
		completion.ErrorDetail = runErr.Error()
	}
	res.Status = s.deps.Recorder.CompleteRun(ctx, run, completion).Status

	if len(out.Missing) > 0 {
		return
	}

	env, err := s.deps.Publisher.PublishCompletion(ctx, eventbus.Completion{
		ProcessorName:   s.cfg.Name,
		Phase:           s.cfg.Phase,
		ExecutionID:     run.RunID,
		CorrelationID:   req.CorrelationID,
		ScopeDate:       req.ScopeDate,
		OutputReference: out.OutputReference,
		Status:          eventbus.RunStatus(res.Status),
		RecordCount:     out.RecordsProcessed,
		Trigger: eventbus.TriggerLineage{
			Source:          req.TriggerSource,
			ParentProcessor: req.ParentProcessor,
			IsRerun:         req.IsRerun,
		},
		ErrorDetail: completion.ErrorDetail,
		Metadata:    out.Metadata,
	})
	if err != nil {
		// Best effort; the reconciliation sweep covers lost events.
		logging.Ctx(ctx).Debug().Err(err).Msg("completion event not published")
		return
	}
	res.Envelope = env
}

func (s *Stage) registerMissing(ctx context.Context, req Request, missing []MissingDependency) int {
	if len(missing) == 0 {
		return 0
	}
	if s.deps.Registry == nil {
		logging.Ctx(ctx).Error().Int("missing", len(missing)).Str("processor", s.cfg.Name).
			Msg("missing dependencies reported but no pending registry configured")
		return 0
	}

	registered := 0
	for _, m := range missing {
		item, created, err := s.deps.Registry.Register(ctx, m.EntityID, req.ScopeDate, m.Dataset, pending.WithProcessor(s.cfg.Name))
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).
				Str("entity_id", m.EntityID).
				Str("dataset", m.Dataset).
				Msg("failed to register pending item")
			continue
		}
		if !created {
			if item.Status.Terminal() {
				// A resolved item means the dependency went missing again.
				logging.Ctx(ctx).Warn().
					Str("entity_id", m.EntityID).
					Str("scope_date", req.ScopeDate).
					Str("dataset", m.Dataset).
					Str("status", string(item.Status)).
					Bool("is_rerun", req.IsRerun).
					Msg("dependency still missing for an already resolved pending item")
			}
			continue
		}
		registered++
	}
	return registered
}

// String identifies the stage in logs.
func (s *Stage) String() string {
	return fmt.Sprintf("stage(%s)", s.cfg.Name)
}
