// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/notify"
	"github.com/chatterstack/relay/internal/validation"
)

// internalSecretHeader authenticates platform-internal callers.
const internalSecretHeader = "X-Internal-Secret"

// healthLive reports process liveness.
func (rt *Router) healthLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// healthReady reports readiness along with connection counts.
func (rt *Router) healthReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"connections": rt.registry.CountConnections(),
	})
}

// creditUpdateResponse reports what happened to an intake notification.
type creditUpdateResponse struct {
	Delivered int  `json:"delivered"`
	Online    bool `json:"online"`
}

// creditUpdate receives a balance-change notification from the billing
// service and pushes it to the target user's connections. Offline users
// are a 200 with delivered=0: the notification is ephemeral, not queued,
// and the caller needs no retry.
func (rt *Router) creditUpdate(w http.ResponseWriter, r *http.Request) {
	if !rt.authorizeInternal(r) {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid internal credentials")
		return
	}

	var update notify.CreditUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if verr := validation.ValidateStruct(&update); verr != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Error())
		return
	}

	delivered := rt.bridge.HandleCreditUpdate(update, "http")
	respondJSON(w, http.StatusOK, creditUpdateResponse{
		Delivered: delivered,
		Online:    delivered > 0,
	})
}

// authorizeInternal checks the shared-secret header in constant time.
func (rt *Router) authorizeInternal(r *http.Request) bool {
	secret := rt.cfg.Security.InternalAPISecret
	if secret == "" {
		logging.Warn().Msg("internal endpoint called but no internal secret configured")
		return false
	}
	provided := r.Header.Get(internalSecretHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
