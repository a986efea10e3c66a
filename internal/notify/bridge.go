// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package notify pushes out-of-band platform events to connected users.
// Events arrive over the internal HTTP endpoint or the NATS billing
// subject; either way they fan out to every live connection of the target
// user. Offline users are a silent drop: notifications are ephemeral and
// nothing is queued.
package notify

import (
	"github.com/goccy/go-json"

	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/metrics"
)

// EventCreditsUpdated tells a user their credit balance changed.
const EventCreditsUpdated = "credits:updated"

// CreditUpdate is a balance-change notification from the billing system.
type CreditUpdate struct {
	UserID     string          `json:"userId" validate:"required"`
	NewBalance float64         `json:"newBalance"`
	Change     float64         `json:"change"`
	Reason     string          `json:"reason"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// creditsPayload is the client-facing shape of a credit update. The user ID
// is dropped: the event only ever reaches that user's own connections.
type creditsPayload struct {
	NewBalance float64         `json:"new_balance"`
	Change     float64         `json:"change"`
	Reason     string          `json:"reason,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// UserSender delivers an event to all of a user's connections. Satisfied by
// the connection registry.
type UserSender interface {
	SendToUser(userID, event string, payload interface{}) int
}

// Bridge forwards platform notifications to connected users.
type Bridge struct {
	sender UserSender
}

// NewBridge creates a Bridge delivering through the given sender.
func NewBridge(sender UserSender) *Bridge {
	return &Bridge{sender: sender}
}

// HandleCreditUpdate delivers a balance change to the target user. source
// labels the intake path ("http" or "nats") for metrics. Returns the number
// of connections reached; zero means the user was offline and the event was
// dropped.
func (b *Bridge) HandleCreditUpdate(update CreditUpdate, source string) int {
	delivered := b.sender.SendToUser(update.UserID, EventCreditsUpdated, creditsPayload{
		NewBalance: update.NewBalance,
		Change:     update.Change,
		Reason:     update.Reason,
		Details:    update.Details,
	})

	if delivered == 0 {
		metrics.NotificationsDropped.Inc()
		logging.Debug().
			Str("user_id", update.UserID).
			Str("source", source).
			Msg("credit update for offline user dropped")
		return 0
	}

	metrics.NotificationsDelivered.WithLabelValues(source).Inc()
	logging.Info().
		Str("user_id", update.UserID).
		Str("source", source).
		Str("reason", update.Reason).
		Int("connections", delivered).
		Msg("credit update delivered")
	return delivered
}
