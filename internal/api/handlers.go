// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/lateflow/internal/audit"
	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/lock"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/pending"
	"github.com/tomtom215/lateflow/internal/reconcile"
	"github.com/tomtom215/lateflow/internal/runrecord"
	"github.com/tomtom215/lateflow/internal/validation"
)

// LockService is the operator view of the lock manager.
type LockService interface {
	Inspect(ctx context.Context, key string) (*lock.Lock, error)
	ForceRelease(ctx context.Context, key, operator string) (*lock.Lock, error)
}

// PendingService is the operator view of the pending registry.
type PendingService interface {
	Get(ctx context.Context, entityID, scopeDate string) (*pending.Item, error)
	ListByStatus(ctx context.Context, status pending.Status, scopeDate string) ([]*pending.Item, error)
	Reset(ctx context.Context, entityID, scopeDate, operator string) (*pending.Item, error)
	Counts(ctx context.Context) (map[pending.Status]int, error)
}

// Reconciler is the operator view of the arrival watcher.
type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.CycleReport
	Retrigger(ctx context.Context, entityID, scopeDate, operator, notes string) (*pending.Item, error)
	IsRunning() bool
}

// RunService is the operator view of the run recorder.
type RunService interface {
	ListRuns(ctx context.Context, processor, dataDate string) ([]*runrecord.Record, error)
	Get(ctx context.Context, runID string) (*runrecord.Record, error)
}

// AuditTrail records operator interventions.
type AuditTrail interface {
	Record(ctx context.Context, e *audit.Event) error
	Query(ctx context.Context, f audit.QueryFilter) ([]audit.Event, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the components the handlers operate on. Any may be nil, in
// which case its routes answer 503.
type Deps struct {
	Locks        LockService
	Pending      PendingService
	Reconciler   Reconciler
	Runs         RunService
	Audit        AuditTrail
	HealthChecks map[string]HealthCheck
	Version      string
}

// Handler serves the operator endpoints.
type Handler struct {
	deps Deps
}

// NewHandler creates a handler over deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version,omitempty"`
	WatcherRunning bool                   `json:"watcher_running"`
	Checks         map[string]string      `json:"checks,omitempty"`
	Pending        map[pending.Status]int `json:"pending,omitempty"`
}

// Health reports dependency probes and pending counts. Any failed probe
// turns the response into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Version: h.deps.Version, Checks: map[string]string{}}
	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.deps.Reconciler != nil {
		resp.WatcherRunning = h.deps.Reconciler.IsRunning()
	}
	if h.deps.Pending != nil {
		if counts, err := h.deps.Pending.Counts(ctx); err == nil {
			resp.Pending = counts
		}
	}

	if resp.Status != "healthy" {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "one or more dependencies are unhealthy", resp)
		return
	}
	rw.Success(resp)
}

// GetLock shows the current holder of a lock. A free key answers 200 with
// a null body.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Locks == nil {
		rw.ServiceUnavailable("lock manager not configured")
		return
	}
	key := pathParam(r, "key")
	if key == "" {
		rw.BadRequest("lock key is required")
		return
	}
	l, err := h.deps.Locks.Inspect(r.Context(), key)
	if err != nil {
		rw.InternalError(err)
		return
	}
	rw.Success(l)
}

// ForceReleaseLock removes a lock regardless of its holder.
func (h *Handler) ForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Locks == nil {
		rw.ServiceUnavailable("lock manager not configured")
		return
	}
	params := LockParams{Key: pathParam(r, "key"), Operator: r.URL.Query().Get("operator")}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ValidationError(verr)
		return
	}
	prev, err := h.deps.Locks.ForceRelease(r.Context(), params.Key, params.Operator)
	if err == nil && prev == nil {
		err = errLockNotHeld
	}
	h.audit(r, &audit.Event{
		Action:   audit.ActionLockForceRelease,
		Operator: params.Operator,
		Target:   audit.Target{Type: "lock", ID: params.Key},
	}, prev, err)

	switch {
	case errors.Is(err, errLockNotHeld):
		rw.NotFound("lock " + params.Key + " is not held")
	case err != nil:
		rw.InternalError(err)
	default:
		rw.Success(prev)
	}
}

// ListPending lists items filtered by status and scope date.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Pending == nil {
		rw.ServiceUnavailable("pending registry not configured")
		return
	}
	q := r.URL.Query()
	params := ListPendingParams{Status: q.Get("status"), Date: q.Get("date")}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ValidationError(verr)
		return
	}
	items, err := h.deps.Pending.ListByStatus(r.Context(), pending.Status(params.Status), params.Date)
	if err != nil {
		rw.InternalError(err)
		return
	}
	if items == nil {
		items = []*pending.Item{}
	}
	rw.List(items, len(items))
}

// pathParam returns the decoded route parameter. chi matches on the raw
// path when one is set, so escaped separators such as %2F arrive encoded.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

func itemKey(r *http.Request) (ItemKeyParams, *validation.RequestValidationError) {
	p := ItemKeyParams{EntityID: pathParam(r, "entity"), ScopeDate: pathParam(r, "date")}
	return p, validation.ValidateStruct(&p)
}

// GetPending shows one pending item.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Pending == nil {
		rw.ServiceUnavailable("pending registry not configured")
		return
	}
	key, verr := itemKey(r)
	if verr != nil {
		rw.ValidationError(verr)
		return
	}
	item, err := h.deps.Pending.Get(r.Context(), key.EntityID, key.ScopeDate)
	if err != nil {
		h.pendingError(rw, err)
		return
	}
	rw.Success(item)
}

// RetriggerPending reruns a blocked item, bypassing the commit-point check.
func (h *Handler) RetriggerPending(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Reconciler == nil {
		rw.ServiceUnavailable("reconciliation not enabled")
		return
	}
	key, body, ok := h.operatorCall(rw, r)
	if !ok {
		return
	}
	item, err := h.deps.Reconciler.Retrigger(r.Context(), key.EntityID, key.ScopeDate, body.Operator, body.Notes)
	h.auditItem(r, audit.ActionPendingRetrigger, key, body, err)
	if err != nil {
		h.pendingError(rw, err)
		return
	}
	rw.Success(item)
}

// ResetPending returns a resolved item to pending with a fresh attempt
// budget.
func (h *Handler) ResetPending(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Pending == nil {
		rw.ServiceUnavailable("pending registry not configured")
		return
	}
	key, body, ok := h.operatorCall(rw, r)
	if !ok {
		return
	}
	item, err := h.deps.Pending.Reset(r.Context(), key.EntityID, key.ScopeDate, body.Operator)
	h.auditItem(r, audit.ActionPendingReset, key, body, err)
	if err != nil {
		h.pendingError(rw, err)
		return
	}
	rw.Success(item)
}

func (h *Handler) operatorCall(rw *ResponseWriter, r *http.Request) (ItemKeyParams, OperatorRequest, bool) {
	var body OperatorRequest
	key, verr := itemKey(r)
	if verr != nil {
		rw.ValidationError(verr)
		return key, body, false
	}
	if err := decodeBody(r, &body); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return key, body, false
	}
	if verr := validation.ValidateStruct(&body); verr != nil {
		rw.ValidationError(verr)
		return key, body, false
	}
	return key, body, true
}

func (h *Handler) pendingError(rw *ResponseWriter, err error) {
	switch {
	case errors.Is(err, pending.ErrNotFound):
		rw.NotFound(err.Error())
	case errors.Is(err, pending.ErrInvalidTransition):
		rw.Conflict(err.Error())
	case errors.Is(err, eventbus.ErrPublish):
		rw.Error(http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	default:
		rw.InternalError(err)
	}
}

// ListRuns lists run records for a processor and date, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Runs == nil {
		rw.ServiceUnavailable("run recorder not configured")
		return
	}
	q := r.URL.Query()
	params := ListRunsParams{Processor: q.Get("processor"), Date: q.Get("date")}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ValidationError(verr)
		return
	}
	runs, err := h.deps.Runs.ListRuns(r.Context(), params.Processor, params.Date)
	if err != nil {
		rw.InternalError(err)
		return
	}
	if runs == nil {
		runs = []*runrecord.Record{}
	}
	rw.List(runs, len(runs))
}

// GetRun shows one run record.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Runs == nil {
		rw.ServiceUnavailable("run recorder not configured")
		return
	}
	rec, err := h.deps.Runs.Get(r.Context(), pathParam(r, "id"))
	switch {
	case errors.Is(err, runrecord.ErrNotFound):
		rw.NotFound(err.Error())
	case err != nil:
		rw.InternalError(err)
	default:
		rw.Success(rec)
	}
}

// RunReconcile runs one watcher cycle synchronously and returns its report.
func (h *Handler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Reconciler == nil {
		rw.ServiceUnavailable("reconciliation not enabled")
		return
	}
	rw.Success(h.deps.Reconciler.RunOnce(r.Context()))
}

var errLockNotHeld = errors.New("lock is not held")

// audit fills in outcome and request metadata and records e. A nil trail
// is a no-op. A recording failure is logged and does not change the
// response, because the action itself has already been applied.
func (h *Handler) audit(r *http.Request, e *audit.Event, previous any, actionErr error) {
	if h.deps.Audit == nil {
		return
	}
	e.Outcome = audit.OutcomeSuccess
	if actionErr != nil {
		e.Outcome = audit.OutcomeFailure
		e.Error = actionErr.Error()
	}
	e.Source = audit.SourceFromRequest(r)
	e.RequestID = chimiddleware.GetReqID(r.Context())
	if previous != nil && actionErr == nil {
		if raw, err := json.Marshal(previous); err == nil {
			e.Previous = raw
		}
	}
	if err := h.deps.Audit.Record(r.Context(), e); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).
			Str("action", string(e.Action)).
			Str("operator", e.Operator).
			Msg("Failed to record audit event")
	}
}

func (h *Handler) auditItem(r *http.Request, action audit.Action, key ItemKeyParams, body OperatorRequest, err error) {
	h.audit(r, &audit.Event{
		Action:   action,
		Operator: body.Operator,
		Target:   audit.Target{Type: "pending_item", ID: key.EntityID + "/" + key.ScopeDate},
		Notes:    body.Notes,
	}, nil, err)
}

// ListAudit lists recorded operator interventions, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Audit == nil {
		rw.ServiceUnavailable("audit trail not configured")
		return
	}
	q := r.URL.Query()
	params := ListAuditParams{
		Action:   q.Get("action"),
		Operator: q.Get("operator"),
		Target:   q.Get("target"),
		Since:    q.Get("since"),
		Limit:    q.Get("limit"),
	}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ValidationError(verr)
		return
	}
	filter, err := params.filter()
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		rw.InternalError(err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	rw.List(events, len(events))
}
