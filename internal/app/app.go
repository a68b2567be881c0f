// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package app wires lateflow's components from configuration. Every
// dependency is constructed here and passed explicitly; no package keeps
// process-wide state other than the logger and the Prometheus registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"

	"github.com/tomtom215/lateflow/internal/api"
	"github.com/tomtom215/lateflow/internal/audit"
	"github.com/tomtom215/lateflow/internal/changedetect"
	"github.com/tomtom215/lateflow/internal/config"
	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/kvstore"
	"github.com/tomtom215/lateflow/internal/lock"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/pending"
	"github.com/tomtom215/lateflow/internal/reconcile"
	"github.com/tomtom215/lateflow/internal/runrecord"
	"github.com/tomtom215/lateflow/internal/stage"
	"github.com/tomtom215/lateflow/internal/supervisor"
	"github.com/tomtom215/lateflow/internal/supervisor/services"
	"github.com/tomtom215/lateflow/internal/warehouse"
)

// Version is reported by the health endpoint. It is set by the binaries.
var Version = "dev"

// App holds the constructed components.
type App struct {
	cfg *config.Config

	Store     *kvstore.Store
	Warehouse *warehouse.DB
	Bus       *eventbus.Bus

	Locks     *lock.Manager
	Detector  *changedetect.Detector
	Registry  *pending.Registry
	Recorder  *runrecord.Recorder
	Audit     *audit.Trail
	Publisher *eventbus.EventPublisher
	// Watcher is nil when reconciliation is disabled.
	Watcher *reconcile.Watcher

	stages []*stage.Stage
}

// New opens the store, warehouse and bus and builds every component on
// top of them. On error everything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.open(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("cleanup after failed start")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.cfg
	var err error
	a.Store, err = kvstore.Open(kvstore.Config{
		Path:           cfg.Store.Path,
		InMemory:       cfg.Store.InMemory,
		SyncWrites:     cfg.Store.SyncWrites,
		GCInterval:     cfg.Store.GCInterval,
		GCDiscardRatio: cfg.Store.GCDiscardRatio,
		CloseTimeout:   cfg.Store.CloseTimeout,
	})
	if err != nil {
		return err
	}

	a.Warehouse, err = warehouse.Open(warehouse.Config{
		Path:      cfg.Warehouse.Path,
		ReadOnly:  cfg.Warehouse.ReadOnly,
		Threads:   cfg.Warehouse.Threads,
		MaxMemory: cfg.Warehouse.MaxMemory,
	})
	if err != nil {
		return err
	}

	a.Bus, err = eventbus.Open(ctx, cfg.Bus)
	if err != nil {
		return err
	}

	backend, err := a.lockBackend(ctx)
	if err != nil {
		return err
	}
	a.Locks = lock.NewManager(backend, lock.Config{
		TTL:        cfg.Lock.TTL,
		MaxWait:    cfg.Lock.MaxWait,
		RetryDelay: cfg.Lock.RetryDelay,
	})

	a.Detector, err = changedetect.New(a.Warehouse, entityTypes(cfg.ChangeDetection))
	if err != nil {
		return err
	}

	a.Registry = pending.NewRegistry(a.Store, pending.Config{MaxAttempts: cfg.Reconcile.MaxAttempts})
	a.Recorder = runrecord.NewRecorder(a.Store, runrecord.Config{
		StalenessThreshold: cfg.Runs.StalenessThreshold,
		Retention:          cfg.Runs.Retention,
	})
	a.Audit = audit.NewTrail(a.Store, audit.Config{Retention: cfg.Audit.Retention})
	a.Publisher = eventbus.NewEventPublisher(a.Bus.Publisher, eventbus.EventPublisherConfig{
		CompletionTopicPrefix: cfg.Bus.CompletionTopicPrefix,
		RerunTopic:            cfg.Bus.RerunTopic,
		SkipDownstream:        cfg.Bus.SkipDownstream,
	})

	if cfg.Reconcile.Enabled {
		if a.Watcher, err = a.newWatcher(); err != nil {
			return err
		}
	}

	logging.Info().
		Str("bus_mode", cfg.Bus.Mode).
		Str("lock_backend", backend.Name()).
		Strs("entity_types", a.Detector.EntityTypes()).
		Bool("reconcile", a.Watcher != nil).
		Msg("lateflow components initialized")
	return nil
}

func (a *App) lockBackend(ctx context.Context) (lock.Backend, error) {
	if a.cfg.Lock.Backend != config.LockBackendJetStream {
		return lock.NewBadgerBackend(a.Store), nil
	}
	if a.Bus.JetStream == nil {
		return nil, errors.New("lock.backend=jetstream requires a NATS bus")
	}
	return lock.NewJetStreamBackend(ctx, a.Bus.JetStream, a.cfg.Lock.Bucket)
}

func entityTypes(cfg config.ChangeDetectionConfig) []changedetect.EntityType {
	types := make([]changedetect.EntityType, 0, len(cfg.EntityTypes))
	for name, et := range cfg.EntityTypes {
		types = append(types, changedetect.EntityType{
			Name:            name,
			UpstreamTable:   et.UpstreamTable,
			DownstreamTable: et.DownstreamTable,
			KeyColumn:       et.KeyColumn,
			ScopeColumn:     et.ScopeColumn,
			TrackedFields:   et.TrackedFields,
		})
	}
	return types
}

func (a *App) newWatcher() (*reconcile.Watcher, error) {
	rc := a.cfg.Reconcile

	names := make([]string, 0, len(rc.Datasets))
	for name := range rc.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	datasets := make([]reconcile.Dataset, 0, len(names))
	for _, name := range names {
		ds := rc.Datasets[name]
		datasets = append(datasets, reconcile.Dataset{
			Name:        name,
			Table:       ds.Table,
			KeyColumn:   ds.KeyColumn,
			ScopeColumn: ds.ScopeColumn,
			MinRows:     ds.MinRows,
		})
	}
	avail, err := reconcile.NewWarehouseAvailability(a.Warehouse, datasets, rc.DefaultDataset)
	if err != nil {
		return nil, err
	}

	commit, err := reconcile.NewWarehouseCommitPredicate(a.Warehouse, reconcile.CommitConfig{
		Mode:        rc.Commit.Mode,
		Table:       rc.Commit.Table,
		KeyColumn:   rc.Commit.KeyColumn,
		ScopeColumn: rc.Commit.ScopeColumn,
		FlagColumn:  rc.Commit.FlagColumn,
	})
	if err != nil {
		return nil, err
	}

	return reconcile.NewWatcher(a.Registry, avail, commit, reconcile.NewRetryScheduler(a.Publisher), reconcile.Config{
		MaxAttempts:     rc.MaxAttempts,
		PollInterval:    rc.PollInterval,
		MaxAge:          rc.MaxAge,
		BatchSize:       rc.BatchSize,
		ChecksPerSecond: rc.ChecksPerSecond,
	})
}

// NewStage builds a stage over the shared components and subscribes it to
// rerun commands. The first stage registered receives commands that name
// no processor.
func (a *App) NewStage(cfg stage.Config, processor stage.Processor) (*stage.Stage, error) {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = a.cfg.Lock.TTL
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = a.cfg.Runs.StalenessThreshold
	}
	s, err := stage.New(cfg, processor, stage.Deps{
		Detector:  a.Detector,
		Locks:     a.Locks,
		Registry:  a.Registry,
		Recorder:  a.Recorder,
		Publisher: a.Publisher,
	})
	if err != nil {
		return nil, err
	}
	a.stages = append(a.stages, s)
	return s, nil
}

// Handler returns the operator API.
func (a *App) Handler() http.Handler {
	deps := api.Deps{
		Locks:   a.Locks,
		Pending: a.Registry,
		Runs:    a.Recorder,
		Audit:   a.Audit,
		HealthChecks: map[string]api.HealthCheck{
			"warehouse": a.Warehouse.Ping,
			"bus":       a.Bus.Healthy,
		},
		Version: Version,
	}
	if a.Watcher != nil {
		deps.Reconciler = a.Watcher
	}
	return api.NewRouter(api.NewHandler(deps), a.cfg.Server.WriteTimeout).Setup()
}

// Build assembles the supervisor tree: store GC, the watcher, the rerun
// listener (when stages are registered) and the operator API.
func (a *App) Build() (*supervisor.SupervisorTree, error) {
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	if !a.cfg.Store.InMemory {
		tree.AddStoreService(kvstore.NewGCService(a.Store, a.cfg.Store.GCInterval))
	}
	if a.Watcher != nil {
		tree.AddReconcileService(a.Watcher)
	}
	if len(a.stages) > 0 {
		consumer := stage.NewRerunConsumer(a.stages[0].Name(), a.stages...)
		tree.AddMessagingService(eventbus.NewRerunListener(a.Bus.Subscriber, a.cfg.Bus.RerunTopic, consumer.Handle))
	}
	if a.cfg.Server.Enabled {
		server := &http.Server{
			Addr:              net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port)),
			Handler:           a.Handler(),
			ReadTimeout:       a.cfg.Server.ReadTimeout,
			ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
			WriteTimeout:      a.cfg.Server.WriteTimeout,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, a.cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", server.Addr).Msg("operator API configured")
	}
	return tree, nil
}

// Run serves the supervisor tree until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	tree, err := a.Build()
	if err != nil {
		return err
	}
	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service did not stop within the shutdown timeout")
	}
	return err
}

// Close releases the bus, warehouse and store, in that order.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Warehouse != nil {
		if err := a.Warehouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close warehouse: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
