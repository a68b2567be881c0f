// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

/*
Package api provides the operator HTTP surface of lateflowd.

All routes live under /api/v1 and answer with the standard APIResponse
envelope:

	GET    /api/v1/health
	GET    /api/v1/locks/{key}
	DELETE /api/v1/locks/{key}?operator=NAME
	GET    /api/v1/pending?status=&date=
	GET    /api/v1/pending/{entity}/{date}
	POST   /api/v1/pending/{entity}/{date}/retrigger
	POST   /api/v1/pending/{entity}/{date}/reset
	GET    /api/v1/runs?processor=&date=
	GET    /api/v1/runs/{id}
	POST   /api/v1/reconcile/run
	GET    /api/v1/audit?action=&operator=&target=&since=&limit=

Prometheus metrics are served at /metrics.

Force-release, retrigger and reset require an operator name. Each attempt,
successful or not, is written to the audit trail when one is configured,
and the components they call log it with operator_override=true.
*/
package api
