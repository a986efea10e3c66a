// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package api provides the relay's HTTP surface using the chi router: the
// WebSocket endpoint, the internal notification intake, health probes, and
// Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/middleware"
	"github.com/chatterstack/relay/internal/notify"
	"github.com/chatterstack/relay/internal/registry"
)

// Router assembles the HTTP handler tree.
type Router struct {
	cfg       *config.Config
	wsHandler http.Handler
	bridge    *notify.Bridge
	registry  *registry.Registry
}

// NewRouter creates a Router over the given components.
func NewRouter(cfg *config.Config, wsHandler http.Handler, bridge *notify.Bridge, reg *registry.Registry) *Router {
	return &Router{cfg: cfg, wsHandler: wsHandler, bridge: bridge, registry: reg}
}

// Handler builds the full route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if len(rt.cfg.Security.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.cfg.Security.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Probes and metrics stay outside rate limiting so monitoring never
	// gets throttled.
	r.Get("/healthz", rt.healthLive)
	r.Get("/readyz", rt.healthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Prometheus)
		if !rt.cfg.Security.RateLimitDisabled {
			reqs := rt.cfg.Security.RateLimitReqs
			window := rt.cfg.Security.RateLimitWindow
			if reqs <= 0 {
				reqs = 120
			}
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(reqs, window))
		}

		r.Get("/ws", rt.wsHandler.ServeHTTP)
		r.Post("/internal/credit-update", rt.creditUpdate)
	})

	return r
}
