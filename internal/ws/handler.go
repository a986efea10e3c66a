// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package ws upgrades HTTP requests to WebSocket connections, authenticates
// them, and bridges frames between clients and the relay. A connection is
// admitted to the registry only after its credentials verify; everything
// before that is refused at the HTTP layer.
package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatterstack/relay/internal/auth"
	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/metrics"
	"github.com/chatterstack/relay/internal/registry"
	"github.com/chatterstack/relay/internal/relay"
)

// EventConnected acknowledges a successful admission. First frame on every
// connection.
const EventConnected = "connected"

// connectedPayload is the data of the connected event.
type connectedPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// Handler serves the WebSocket endpoint.
type Handler struct {
	registry *registry.Registry
	relay    *relay.Relay
	verifier auth.Verifier
	upgrader websocket.Upgrader

	sendBuffer     int
	maxMessageSize int64
}

// NewHandler creates the WebSocket endpoint handler. allowedOrigins uses the
// same values as the CORS configuration; "*" admits any origin and an empty
// list falls back to same-host checking.
func NewHandler(reg *registry.Registry, rel *relay.Relay, verifier auth.Verifier, cfg *config.RelayConfig, allowedOrigins []string) *Handler {
	sendBuffer := defaultSendBuffer
	maxMessage := int64(defaultMaxMessage)
	if cfg != nil {
		if cfg.SendBufferSize > 0 {
			sendBuffer = cfg.SendBufferSize
		}
		if cfg.MaxMessageSize > 0 {
			maxMessage = cfg.MaxMessageSize
		}
	}

	h := &Handler{
		registry:       reg,
		relay:          rel,
		verifier:       verifier,
		sendBuffer:     sendBuffer,
		maxMessageSize: maxMessage,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker builds the upgrade origin policy from the allowed list.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's default: same-host only
	}
	exact := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		exact[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := exact[strings.TrimRight(origin, "/")]
		return ok
	}
}

// ServeHTTP authenticates and upgrades the request, then hands the
// connection to its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, err := h.verifier.Verify(token)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNoCredentials) {
			logging.Debug().Str("remote", r.RemoteAddr).Msg("websocket request without credentials")
		} else {
			logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket authentication failed")
		}
		http.Error(w, "unauthorized", status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		id:             uuid.NewString(),
		userID:         userID,
		bearer:         token,
		conn:           conn,
		send:           make(chan registry.Message, h.sendBuffer),
		relay:          h.relay,
		registry:       h.registry,
		maxMessageSize: h.maxMessageSize,
		done:           make(chan struct{}),
	}

	if err := h.registry.Admit(client.id, userID, client); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		logging.Error().Err(err).Str("conn_id", client.id).Msg("registry admission failed")
		_ = conn.Close()
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("admitted").Inc()

	client.Send(registry.Message{
		Type: EventConnected,
		Data: connectedPayload{ConnID: client.id, UserID: userID},
	})
	client.start()
}

// bearerToken extracts credentials from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
