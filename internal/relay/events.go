// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package relay

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/chatterstack/relay/internal/stream"
)

// Outbound event types delivered to client connections during a query.
const (
	EventTyping  = "typing"
	EventChunk   = "chunk"
	EventDone    = "done"
	EventError   = "error"
	EventBilling = "billing"
)

// Code classifies a query failure for the client.
type Code string

const (
	// CodeInvalidRequest rejects a malformed or unauthorized submission.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeInsufficientCredits means the account cannot pay for the query.
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"

	// CodeAgentNotFound means the referenced agent does not exist.
	CodeAgentNotFound Code = "AGENT_NOT_FOUND"

	// CodeServerError covers upstream refusals other than credits and
	// unknown agents.
	CodeServerError Code = "SERVER_ERROR"

	// CodeNetworkError covers transport failures reaching or reading the
	// inference service.
	CodeNetworkError Code = "NETWORK_ERROR"

	// CodeCancelled terminates a query stopped by the client or by its
	// connection going away.
	CodeCancelled Code = "CANCELLED"

	// CodeQueryError is a failure the inference service reported inside
	// the stream itself.
	CodeQueryError Code = "QUERY_ERROR"
)

// classifyStatus maps an upstream pre-stream refusal status to a Code.
func classifyStatus(status int) Code {
	switch status {
	case http.StatusPaymentRequired:
		return CodeInsufficientCredits
	case http.StatusNotFound:
		return CodeAgentNotFound
	default:
		return CodeServerError
	}
}

// TypingPayload toggles the client's typing indicator for a query.
type TypingPayload struct {
	QueryID string `json:"query_id"`
	Status  bool   `json:"is_typing"`
}

// ChunkPayload carries one piece of incremental answer text.
type ChunkPayload struct {
	QueryID string `json:"query_id"`
	Text    string `json:"text"`
}

// DonePayload is the terminal success event. Sources pass through opaquely
// from the inference service.
type DonePayload struct {
	QueryID string          `json:"query_id"`
	Answer  string          `json:"answer"`
	Sources json.RawMessage `json:"sources,omitempty"`
	Usage   *stream.Usage   `json:"usage,omitempty"`
}

// ErrorPayload is the terminal failure event.
type ErrorPayload struct {
	QueryID string `json:"query_id,omitempty"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// BillingPayload reports credits consumed by a query. Informational, not
// terminal.
type BillingPayload struct {
	QueryID     string  `json:"query_id"`
	CreditsUsed float64 `json:"credits_used"`
}
