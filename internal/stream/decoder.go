// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package stream decodes the upstream inference service's incremental event
// stream. The wire format is SSE-flavored: each significant line is
// "data: <payload>", where the payload is either the terminal sentinel
// "[DONE]" or a JSON record. Bytes arrive in arbitrary-sized pieces, so the
// decoder buffers partial lines until a terminator shows up.
//
// The decoder is deliberately permissive: payloads that fail to decode are
// surfaced as literal chunk text rather than dropped, so format drift
// upstream degrades output instead of failing queries.
package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// dataPrefix marks significant lines; everything else is ignored.
const dataPrefix = "data:"

// doneSentinel terminates the stream regardless of buffered content.
const doneSentinel = "[DONE]"

// Kind identifies the decoded event variant.
type Kind int

const (
	// KindChunk is one piece of incremental answer text.
	KindChunk Kind = iota

	// KindCompletion carries the final answer payload. The consumer must
	// hold it until KindEndOfStream arrives: "done" is only ever emitted to
	// the client once the sentinel confirms the stream is finished.
	KindCompletion

	// KindError is an upstream-signaled failure.
	KindError

	// KindBilling reports credits consumed by the query. Informational,
	// not terminal.
	KindBilling

	// KindEndOfStream is the "[DONE]" sentinel.
	KindEndOfStream
)

// ErrorKind distinguishes upstream failure shapes.
type ErrorKind int

const (
	// ErrorKindQuery is a generic upstream query failure.
	ErrorKindQuery ErrorKind = iota

	// ErrorKindBilling is a credit-deduction failure.
	ErrorKindBilling
)

// Usage mirrors the upstream token accounting attached to completions.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the final-answer payload of a completion-shaped record.
// Sources pass through opaquely; the relay does not interpret them.
type Completion struct {
	Answer  string          `json:"answer"`
	Sources json.RawMessage `json:"sources,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Event is one decoded unit of the upstream stream.
type Event struct {
	Kind Kind

	// Text is the chunk content (KindChunk).
	Text string

	// Completion is the final answer payload (KindCompletion).
	Completion *Completion

	// ErrMessage and ErrKind describe the failure (KindError).
	ErrMessage string
	ErrKind    ErrorKind

	// CreditsUsed reports billing consumption (KindBilling).
	CreditsUsed float64
}

// record is the union of all JSON payload shapes the upstream emits.
type record struct {
	Type        string          `json:"type"`
	Content     string          `json:"content"`
	Token       string          `json:"token"`
	Answer      string          `json:"answer"`
	Sources     json.RawMessage `json:"sources"`
	TokenUsage  *Usage          `json:"token_usage"`
	Error       string          `json:"error"`
	CreditsUsed float64         `json:"credits_used"`
}

// Decoder incrementally decodes events from an upstream byte stream.
// Not safe for concurrent use; each query owns its own Decoder.
type Decoder struct {
	r *bufio.Reader

	// pendingErr holds a read error whose preceding partial line still
	// produced an event.
	pendingErr error
}

// NewDecoder wraps the upstream response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next decoded event. It blocks on the underlying reader
// until a full significant line is available. Returns io.EOF when the
// stream ends, or the transport error that interrupted it. A read abort
// caused by cancellation surfaces as the context error from the transport.
func (d *Decoder) Next() (Event, error) {
	if d.pendingErr != nil {
		err := d.pendingErr
		d.pendingErr = nil
		return Event{}, err
	}

	for {
		line, err := d.r.ReadString('\n')

		if line != "" {
			if ev, ok := d.decodeLine(line); ok {
				if err != nil {
					// Deliver the event now, the error on the next call.
					d.pendingErr = err
				}
				return ev, nil
			}
		}

		if err != nil {
			return Event{}, err
		}
	}
}

// decodeLine classifies one complete line. Returns ok=false for
// insignificant lines (blank, comments, non-data fields).
func (d *Decoder) decodeLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return Event{}, false
	}
	if payload == doneSentinel {
		return Event{Kind: KindEndOfStream}, true
	}

	ev := decodeRecord(payload)
	if ev.Kind == KindChunk && ev.Text == "" {
		// Recognized record with no content (keep-alive); nothing to forward.
		return Event{}, false
	}
	return ev, true
}

// decodeRecord classifies one JSON payload. Undecodable or unrecognized
// payloads degrade to literal chunk text rather than being dropped.
func decodeRecord(payload string) Event {
	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Event{Kind: KindChunk, Text: payload}
	}

	switch rec.Type {
	case "chunk":
		return Event{Kind: KindChunk, Text: rec.Content}

	case "done":
		return Event{Kind: KindCompletion, Completion: &Completion{
			Answer:  rec.Answer,
			Sources: rec.Sources,
			Usage:   rec.TokenUsage,
		}}

	case "error":
		return Event{Kind: KindError, ErrMessage: rec.Error, ErrKind: ErrorKindQuery}

	case "billing_error":
		return Event{Kind: KindError, ErrMessage: rec.Error, ErrKind: ErrorKindBilling}

	case "billing":
		return Event{Kind: KindBilling, CreditsUsed: rec.CreditsUsed}
	}

	// No type tag: chunk-shaped and legacy single-field token records.
	if rec.Content != "" {
		return Event{Kind: KindChunk, Text: rec.Content}
	}
	if rec.Token != "" {
		return Event{Kind: KindChunk, Text: rec.Token}
	}

	// Decoded but unrecognized; fall back to the raw payload.
	return Event{Kind: KindChunk, Text: payload}
}
