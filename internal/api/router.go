// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/excubitor/internal/middleware"
)

// Router assembles the management API.
type Router struct {
	handlers *Handlers
	chimw    *ChiMiddleware
}

// NewRouter creates a router over the given handlers and middleware
// factory.
func NewRouter(handlers *Handlers, chimw *ChiMiddleware) *Router {
	return &Router{handlers: handlers, chimw: chimw}
}

// Setup wires all routes. Mutating endpoints sit behind the admin token;
// health and metrics stay open for probes and scrapers.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chimw.CORS())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handlers.HealthLive)
		r.Get("/ready", router.handlers.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chimw.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(middleware.Compression)

		r.Get("/stats", router.handlers.Stats)
		r.Get("/mitigations", router.handlers.ListMitigations)
		r.Get("/cases", router.handlers.ListCases)
		r.Get("/cases/{id}", router.handlers.GetCase)

		r.Group(func(r chi.Router) {
			r.Use(router.chimw.RequireAdmin())
			r.Delete("/mitigations/{actor}", router.handlers.DeleteMitigation)
			r.Post("/cases/{id}/feedback", router.handlers.SubmitFeedback)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
