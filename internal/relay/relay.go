// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package relay runs queries against the inference service and forwards
// their streamed results to client connections as typed events.
//
// Every submitted query produces exactly one terminal event: done, or error
// with a classifying code. Chunk, typing and billing events are
// informational and may precede the terminal. Cancellation races stream
// completion through an atomic check-and-delete on the in-flight record:
// whichever side takes the record decides the outcome, and the consume
// goroutine is the only emitter of terminals.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/metrics"
	"github.com/chatterstack/relay/internal/stream"
	"github.com/chatterstack/relay/internal/upstream"
	"github.com/chatterstack/relay/internal/validation"
)

// EventSink delivers one event to a single client connection. Satisfied by
// the connection registry. A false return means the connection is gone or
// its buffer rejected the frame; delivery is best-effort either way.
type EventSink interface {
	SendToConn(connID, event string, payload interface{}) bool
}

// SubmitRequest describes one query submission from a client connection.
type SubmitRequest struct {
	ConnID  string `validate:"required"`
	UserID  string `validate:"required"`
	QueryID string `validate:"required,max=128"`
	Agent   upstream.AgentRef
	Query   string `validate:"required"`
	K       int    `validate:"gte=0,lte=100"`

	// Bearer is the client's own token, forwarded so upstream bills the
	// right account.
	Bearer string
}

// inflight is the record of a running query. Present in the maps exactly
// while the query can still be cancelled; taking it out is the atomic
// decision point between cancellation and natural termination.
type inflight struct {
	connID  string
	queryID string
	userID  string
	cancel  context.CancelFunc
}

// Relay dispatches queries and tracks them by query ID. IDs are unique
// across the whole relay, not per connection; byConn is a secondary index
// for teardown.
type Relay struct {
	opener upstream.Opener
	sink   EventSink

	defaultK int
	maxQuery int

	mu      sync.Mutex
	queries map[string]*inflight
	byConn  map[string]map[string]struct{}

	wg sync.WaitGroup
}

// New creates a Relay. The zero values of cfg's tuning knobs fall back to
// safe defaults.
func New(opener upstream.Opener, sink EventSink, cfg *config.RelayConfig) *Relay {
	defaultK := 5
	maxQuery := 8192
	if cfg != nil {
		if cfg.DefaultResultLimit > 0 {
			defaultK = cfg.DefaultResultLimit
		}
		if cfg.MaxQueryLength > 0 {
			maxQuery = cfg.MaxQueryLength
		}
	}
	return &Relay{
		opener:   opener,
		sink:     sink,
		defaultK: defaultK,
		maxQuery: maxQuery,
		queries:  make(map[string]*inflight),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Submit validates the request, registers the query and starts streaming.
// The query ID must be unique among all currently tracked queries; a
// duplicate from any connection is rejected. Rejections emit an error event
// with CodeInvalidRequest and register nothing. Acceptance emits
// typing(true) before the first chunk can arrive.
func (r *Relay) Submit(req SubmitRequest) {
	if err := r.validate(&req); err != nil {
		r.sink.SendToConn(req.ConnID, EventError, ErrorPayload{
			QueryID: req.QueryID,
			Code:    CodeInvalidRequest,
			Message: err.Error(),
		})
		metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return
	}
	if req.K == 0 {
		req.K = r.defaultK
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &inflight{connID: req.ConnID, queryID: req.QueryID, userID: req.UserID, cancel: cancel}

	r.mu.Lock()
	if _, dup := r.queries[req.QueryID]; dup {
		r.mu.Unlock()
		cancel()
		r.sink.SendToConn(req.ConnID, EventError, ErrorPayload{
			QueryID: req.QueryID,
			Code:    CodeInvalidRequest,
			Message: "query id already in flight",
		})
		metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return
	}
	r.queries[req.QueryID] = q
	conn, ok := r.byConn[req.ConnID]
	if !ok {
		conn = make(map[string]struct{})
		r.byConn[req.ConnID] = conn
	}
	conn[req.QueryID] = struct{}{}
	r.mu.Unlock()

	metrics.InflightQueries.Inc()
	r.sink.SendToConn(req.ConnID, EventTyping, TypingPayload{QueryID: req.QueryID, Status: true})

	logging.Info().
		Str("conn_id", req.ConnID).
		Str("user_id", req.UserID).
		Str("query_id", req.QueryID).
		Str("agent", req.Agent.String()).
		Int("k", req.K).
		Msg("query submitted")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, req)
	}()
}

// validate checks structural validity and relay-level limits.
func (r *Relay) validate(req *SubmitRequest) error {
	if verr := validation.ValidateStruct(req); verr != nil {
		return verr
	}
	if req.Agent.ID == "" && req.Agent.Name == "" {
		return errors.New("agent reference is required")
	}
	if len(req.Query) > r.maxQuery {
		return fmt.Errorf("query exceeds maximum length of %d characters", r.maxQuery)
	}
	return nil
}

// Cancel stops a running query. Unknown or already-finished queries are a
// silent no-op, so a client cancel racing natural completion is harmless.
func (r *Relay) Cancel(connID, queryID string) {
	q, ok := r.take(connID, queryID)
	if !ok {
		return
	}
	q.cancel()
	logging.Info().
		Str("conn_id", connID).
		Str("query_id", queryID).
		Msg("query cancelled by client")
}

// DisconnectCleanup cancels every query owned by a connection. Called as
// the first step of connection teardown, before registry removal, so no
// orphaned stream keeps reading for a connection that no longer exists.
// Returns the number of queries cancelled.
func (r *Relay) DisconnectCleanup(connID string) int {
	r.mu.Lock()
	ids := r.byConn[connID]
	cancelled := make([]*inflight, 0, len(ids))
	for queryID := range ids {
		if q, ok := r.queries[queryID]; ok {
			delete(r.queries, queryID)
			cancelled = append(cancelled, q)
		}
	}
	delete(r.byConn, connID)
	r.mu.Unlock()

	for _, q := range cancelled {
		q.cancel()
		metrics.InflightQueries.Dec()
	}
	if len(cancelled) > 0 {
		logging.Info().
			Str("conn_id", connID).
			Int("queries_cancelled", len(cancelled)).
			Msg("cancelled in-flight queries for disconnected connection")
	}
	return len(cancelled)
}

// CountInflight returns the number of running queries for a connection.
func (r *Relay) CountInflight(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn[connID])
}

// Shutdown cancels all in-flight queries and waits for their goroutines,
// bounded by ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*inflight, 0, len(r.queries))
	for key, q := range r.queries {
		delete(r.queries, key)
		all = append(all, q)
	}
	r.byConn = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, q := range all {
		q.cancel()
		metrics.InflightQueries.Dec()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// take removes the in-flight record if it is still present and owned by
// connID. The caller that gets true owns the query's outcome; everyone else
// lost the race. A connID mismatch means some other connection holds this
// query ID, which is never this caller's to take.
func (r *Relay) take(connID, queryID string) (*inflight, bool) {
	r.mu.Lock()
	q, ok := r.queries[queryID]
	if !ok || q.connID != connID {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.queries, queryID)
	if conn, ok := r.byConn[connID]; ok {
		delete(conn, queryID)
		if len(conn) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.mu.Unlock()
	metrics.InflightQueries.Dec()
	return q, true
}

// run opens the stream and consumes it to the terminal event. It is the
// only function that emits terminals for its query.
func (r *Relay) run(ctx context.Context, req SubmitRequest) {
	start := time.Now()

	body, err := r.opener.OpenStream(ctx, req.Agent, req.Bearer, req.Query, req.K)
	if err != nil {
		code, msg := classifyOpenError(err)
		r.finishError(req, start, code, msg)
		return
	}
	defer func() { _ = body.Close() }()

	dec := stream.NewDecoder(body)
	var pending *stream.Completion
	var accum strings.Builder

	for {
		ev, err := dec.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// Cancellation aborted the read; the canceller already took
				// the record.
				r.finishError(req, start, CodeCancelled, "query cancelled")
			case errors.Is(err, io.EOF):
				r.finishDegraded(req, start, pending, accum.String())
			default:
				r.finishError(req, start, CodeNetworkError, "stream interrupted: "+err.Error())
			}
			return
		}

		switch ev.Kind {
		case stream.KindChunk:
			accum.WriteString(ev.Text)
			r.sink.SendToConn(req.ConnID, EventChunk, ChunkPayload{QueryID: req.QueryID, Text: ev.Text})
			metrics.ChunksRelayed.Inc()

		case stream.KindCompletion:
			// Held until the end-of-stream sentinel confirms completion.
			pending = ev.Completion

		case stream.KindBilling:
			r.sink.SendToConn(req.ConnID, EventBilling, BillingPayload{
				QueryID:     req.QueryID,
				CreditsUsed: ev.CreditsUsed,
			})

		case stream.KindError:
			code := CodeQueryError
			if ev.ErrKind == stream.ErrorKindBilling {
				code = CodeInsufficientCredits
			}
			r.finishError(req, start, code, ev.ErrMessage)
			return

		case stream.KindEndOfStream:
			if pending == nil {
				pending = &stream.Completion{Answer: accum.String()}
			}
			r.finishDone(req, start, pending)
			return
		}
	}
}

// finishDone emits the done terminal if this goroutine still owns the
// query. Losing the take means a cancel won; the terminal becomes
// CodeCancelled instead.
func (r *Relay) finishDone(req SubmitRequest, start time.Time, comp *stream.Completion) {
	if _, owned := r.take(req.ConnID, req.QueryID); !owned {
		r.emitCancelled(req, start)
		return
	}
	r.sink.SendToConn(req.ConnID, EventDone, DonePayload{
		QueryID: req.QueryID,
		Answer:  comp.Answer,
		Sources: comp.Sources,
		Usage:   comp.Usage,
	})
	r.sink.SendToConn(req.ConnID, EventTyping, TypingPayload{QueryID: req.QueryID, Status: false})
	metrics.ObserveQuery("done", start)
	logging.Info().
		Str("conn_id", req.ConnID).
		Str("query_id", req.QueryID).
		Dur("duration", time.Since(start)).
		Msg("query completed")
}

// finishDegraded handles a stream that ended without the terminating
// sentinel. The accumulated text, possibly empty, still reaches the client
// as a done; the client already saw every chunk, so inventing a failure
// here would contradict what it rendered.
func (r *Relay) finishDegraded(req SubmitRequest, start time.Time, pending *stream.Completion, accumulated string) {
	if pending == nil {
		pending = &stream.Completion{Answer: accumulated}
	}
	logging.Warn().
		Str("conn_id", req.ConnID).
		Str("query_id", req.QueryID).
		Msg("stream ended without terminator, completing from received content")
	r.finishDone(req, start, pending)
}

// finishError emits the error terminal, or CodeCancelled if a cancel took
// the query first.
func (r *Relay) finishError(req SubmitRequest, start time.Time, code Code, msg string) {
	if _, owned := r.take(req.ConnID, req.QueryID); !owned {
		r.emitCancelled(req, start)
		return
	}
	r.sink.SendToConn(req.ConnID, EventError, ErrorPayload{QueryID: req.QueryID, Code: code, Message: msg})
	r.sink.SendToConn(req.ConnID, EventTyping, TypingPayload{QueryID: req.QueryID, Status: false})
	if code == CodeCancelled {
		metrics.ObserveQuery("cancelled", start)
	} else {
		metrics.ObserveQuery("error", start)
		metrics.UpstreamErrors.WithLabelValues(string(code)).Inc()
	}
	logging.Warn().
		Str("conn_id", req.ConnID).
		Str("query_id", req.QueryID).
		Str("code", string(code)).
		Str("message", msg).
		Msg("query failed")
}

// emitCancelled is the lost-the-race terminal. The record is already gone,
// so this emits directly without taking.
func (r *Relay) emitCancelled(req SubmitRequest, start time.Time) {
	r.sink.SendToConn(req.ConnID, EventError, ErrorPayload{
		QueryID: req.QueryID,
		Code:    CodeCancelled,
		Message: "query cancelled",
	})
	r.sink.SendToConn(req.ConnID, EventTyping, TypingPayload{QueryID: req.QueryID, Status: false})
	metrics.ObserveQuery("cancelled", start)
}

// classifyOpenError maps a stream-open failure to a client error code.
func classifyOpenError(err error) (Code, string) {
	var statusErr *upstream.StatusError
	switch {
	case errors.As(err, &statusErr):
		code := classifyStatus(statusErr.StatusCode)
		msg := statusErr.Body
		if msg == "" {
			switch code {
			case CodeInsufficientCredits:
				msg = "insufficient credits"
			case CodeAgentNotFound:
				msg = "agent not found"
			default:
				msg = fmt.Sprintf("upstream returned status %d", statusErr.StatusCode)
			}
		}
		return code, msg

	case errors.Is(err, context.Canceled):
		return CodeCancelled, "query cancelled"

	case errors.Is(err, upstream.ErrUnavailable):
		return CodeServerError, "inference service unavailable"

	default:
		return CodeNetworkError, "could not reach inference service"
	}
}
