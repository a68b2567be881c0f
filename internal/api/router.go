// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the chi route tree for a Handler.
type Router struct {
	handler *Handler
	timeout time.Duration
}

// NewRouter creates a router. A zero timeout defaults to 60s, enough for a
// synchronous reconcile cycle.
func NewRouter(handler *Handler, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Router{handler: handler, timeout: timeout}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(CorrelationID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger())
	r.Use(PrometheusMetrics())

	r.Handle("/metrics", promhttp.Handler())

	h := router.handler
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(router.timeout))
		// Long pending and audit listings compress well.
		r.Use(chimiddleware.Compress(5, "application/json"))

		r.Get("/health", h.Health)

		r.Route("/locks", func(r chi.Router) {
			r.Get("/{key}", h.GetLock)
			r.Delete("/{key}", h.ForceReleaseLock)
		})

		r.Route("/pending", func(r chi.Router) {
			r.Get("/", h.ListPending)
			r.Get("/{entity}/{date}", h.GetPending)
			r.Post("/{entity}/{date}/retrigger", h.RetriggerPending)
			r.Post("/{entity}/{date}/reset", h.ResetPending)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{id}", h.GetRun)
		})

		r.Post("/reconcile/run", h.RunReconcile)
		r.Get("/audit", h.ListAudit)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).NotFound("no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
