// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package main is the entry point for the ChatterStack relay server.
//
// The relay sits between browser chat widgets and the inference backend.
// It terminates WebSocket connections from end users, forwards their
// queries to the inference API's SSE streaming endpoint, and relays
// answer chunks back frame by frame. It also accepts billing
// notifications (over HTTP and optionally NATS) and pushes credit
// balance updates to whichever connections the affected user holds.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables and optional config file (Koanf v2)
//  2. Connection registry: tracks live WebSocket connections per user
//  3. Upstream client: circuit-broken HTTP client for the inference API
//  4. Query relay: per-query stream consumption and event fan-out
//  5. Notification bridge: billing events to online users
//  6. NATS subscriber (optional): event bus intake for billing events
//  7. HTTP server: WebSocket endpoint, internal API, health and metrics
//
// Everything long-lived runs under a suture supervision tree; a crashing
// subscriber restarts without dropping client connections.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (RELAY_ prefix)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// Required settings:
//   - RELAY_UPSTREAM_BASE_URL: inference API root, e.g. http://inference:8000
//   - RELAY_SECURITY_JWT_SECRET: 32+ character HS256 secret shared with the
//     platform's auth service
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Cancels in-flight queries (each emits a terminal cancelled event)
//   - Drains the supervision tree within the shutdown timeout
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatterstack/relay/internal/api"
	"github.com/chatterstack/relay/internal/auth"
	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/notify"
	"github.com/chatterstack/relay/internal/registry"
	"github.com/chatterstack/relay/internal/relay"
	"github.com/chatterstack/relay/internal/supervisor"
	"github.com/chatterstack/relay/internal/supervisor/services"
	"github.com/chatterstack/relay/internal/upstream"
	"github.com/chatterstack/relay/internal/ws"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("upstream_url", cfg.Upstream.BaseURL).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Str("addr", cfg.Server.Addr()).
		Msg("Starting relay server")

	verifier, err := auth.NewJWTVerifier(cfg.Security.JWTSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT verifier")
	}

	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (RELAY_SECURITY_RATE_LIMIT_DISABLED=true)")
	}
	if cfg.Security.InternalAPISecret == "" {
		logging.Warn().Msg("Internal API secret not set; the credit-update endpoint will refuse all requests")
	}

	// Context canceled on SIGINT/SIGTERM; everything hangs off it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	client := upstream.New(&cfg.Upstream)
	rel := relay.New(client, reg, &cfg.Relay)
	wsHandler := ws.NewHandler(reg, rel, verifier, &cfg.Relay, cfg.Security.CORSOrigins)
	bridge := notify.NewBridge(reg)

	router := api.NewRouter(cfg, wsHandler, bridge, reg)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Bridge zerolog to slog for sutureslog compatibility
	slogLogger := slog.New(logging.NewSlogHandler())

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(slogLogger, treeCfg)

	tree.AddMessagingService(services.NewRegistryService(reg))

	if cfg.NATS.Enabled {
		handler, err := notify.NewNATSHandler(cfg.NATS.URL)
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := handler.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing NATS connection")
			}
		}()

		sub := notify.NewSubscriber(bridge, handler, &cfg.NATS)
		tree.AddMessagingService(services.NewNotifyService(sub))
		logging.Info().Str("subject", cfg.NATS.Subject).Msg("NATS billing subscriber added to supervisor tree")
	}

	tree.AddAPIService(services.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel; it closes once the supervisor has stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// In-flight queries each get a terminal cancelled event before we exit.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := rel.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Relay shutdown timed out; some query workers may not have exited")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Relay stopped gracefully")
}
