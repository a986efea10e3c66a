// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package upstream opens streaming query requests against the inference
// service. The client guards stream opens with a circuit breaker so a dead
// or overloaded inference backend fails fast instead of stacking blocked
// connections.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/metrics"
)

// maxErrorBodyBytes caps how much of an error response body is retained.
const maxErrorBodyBytes = 4096

// ErrUnavailable is returned when the circuit breaker rejects the request
// without contacting the inference service.
var ErrUnavailable = errors.New("inference service unavailable")

// AgentRef addresses an agent either by numeric ID or by public name.
// ID takes precedence when both are set.
type AgentRef struct {
	ID   string
	Name string
}

// Path returns the stream endpoint path for the referenced agent.
func (a AgentRef) Path() string {
	if a.ID != "" {
		return "/agents/id/" + url.PathEscape(a.ID) + "/query/stream"
	}
	return "/agents/" + url.PathEscape(a.Name) + "/query/stream"
}

func (a AgentRef) String() string {
	if a.ID != "" {
		return "id:" + a.ID
	}
	return a.Name
}

// StatusError is a non-2xx response received before any stream bytes. The
// body is the upstream's error payload, truncated.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// queryRequest is the JSON body of a stream-open request.
type queryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// Opener is the subset of Client the relay depends on.
type Opener interface {
	OpenStream(ctx context.Context, agent AgentRef, bearer, query string, k int) (io.ReadCloser, error)
}

// Client opens query streams against the inference service.
//
// Safe for concurrent use. The HTTP client carries no overall timeout:
// streams stay open for the life of a query, and cancellation happens
// through the per-query context.
type Client struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[*http.Response]
}

// New creates a Client from the upstream configuration.
func New(cfg *config.UpstreamConfig) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	maxFailures := uint32(5)
	if cfg.BreakerMaxFailures > 0 {
		maxFailures = uint32(cfg.BreakerMaxFailures)
	}
	openInterval := cfg.BreakerOpenInterval
	if openInterval <= 0 {
		openInterval = 30 * time.Second
	}

	cbName := "inference-stream"
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     openInterval,

		// Trip on consecutive transport failures. Upstream error statuses
		// (402, 404, 4xx) are not breaker failures: the service answered.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},

		// Caller cancellation is not an upstream fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	metrics.BreakerState.WithLabelValues(cbName).Set(0)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
				MaxIdleConnsPerHost:   32,
			},
		},
		cb: cb,
	}
}

// OpenStream issues the streaming query request and returns the response
// body once upstream has committed to streaming (2xx headers received).
//
// A non-2xx status is drained, closed and returned as *StatusError; the
// caller classifies it (402 credits, 404 unknown agent, everything else a
// server-side failure). Transport errors pass through wrapped, and a tripped
// breaker returns ErrUnavailable. The stream stays tied to ctx: canceling it
// aborts the read mid-stream.
func (c *Client) OpenStream(ctx context.Context, agent AgentRef, bearer, query string, k int) (io.ReadCloser, error) {
	body, err := json.Marshal(queryRequest{Query: query, K: k})
	if err != nil {
		return nil, fmt.Errorf("encode query request: %w", err)
	}

	resp, err := c.cb.Execute(func() (*http.Response, error) {
		return c.do(ctx, agent, bearer, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Str("agent", agent.String()).Msg("stream open rejected by circuit breaker")
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return nil, err
	}

	metrics.RecordUpstreamStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		logging.Warn().
			Str("agent", agent.String()).
			Int("status", resp.StatusCode).
			Msg("stream open refused by upstream")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	return resp.Body, nil
}

// do builds and sends one stream-open request. Runs inside the breaker, so
// its error return is what the breaker counts as failure.
func (c *Client) do(ctx context.Context, agent AgentRef, bearer string, body []byte) (*http.Response, error) {
	reqURL := c.baseURL + agent.Path()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Surface the bare context error so callers can errors.Is on it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return resp, nil
}

// readErrorBody extracts the upstream error message from a refusal response.
// JSON bodies with a detail or error field reduce to that field.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
