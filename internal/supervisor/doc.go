// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

/*
Package supervisor provides process supervision for lateflowd using suture v4.

The tree isolates failures by layer:

	RootSupervisor ("lateflowd")
	├── StoreSupervisor ("store-layer")
	│   └── GCService (badger value log GC)
	├── ReconcileSupervisor ("reconcile-layer")
	│   └── Watcher (arrival watcher poll loop)
	├── MessagingSupervisor ("messaging-layer")
	│   └── RerunListener (rerun commands -> stage runs)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService (operator API)

A crashing rerun consumer is restarted without interrupting the watcher or
the operator API. Supervisor events are logged through sutureslog over the
zerolog slog bridge in internal/logging.

Services implement suture.Service: Serve(ctx) blocks until ctx is canceled
and returns a non-nil error to request a restart. suture.ErrDoNotRestart and
suture.ErrTerminateSupervisorTree are honored as usual.
*/
package supervisor
