// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

func newTestClient(baseURL string) *Client {
	return New(&config.UpstreamConfig{
		BaseURL:        baseURL,
		ConnectTimeout: 2 * time.Second,
	})
}

func TestAgentRefPath(t *testing.T) {
	tests := []struct {
		name string
		ref  AgentRef
		want string
	}{
		{"by name", AgentRef{Name: "support-bot"}, "/agents/support-bot/query/stream"},
		{"by id", AgentRef{ID: "42"}, "/agents/id/42/query/stream"},
		{"id wins over name", AgentRef{ID: "42", Name: "support-bot"}, "/agents/id/42/query/stream"},
		{"name needing escape", AgentRef{Name: "my bot"}, "/agents/my%20bot/query/stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenStreamSendsRequest(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.OpenStream(context.Background(), AgentRef{Name: "support-bot"}, "tok123", "what is the refund policy", 5)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()

	if gotPath != "/agents/support-bot/query/stream" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("accept = %q", gotAccept)
	}
	if gotBody["query"] != "what is the refund policy" {
		t.Errorf("body query = %v", gotBody["query"])
	}
	if gotBody["k"] != float64(5) {
		t.Errorf("body k = %v", gotBody["k"])
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(raw), "[DONE]") {
		t.Errorf("stream body = %q", raw)
	}
}

func TestOpenStreamStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
	}{
		{"payment required", http.StatusPaymentRequired, `{"detail": "Insufficient credits"}`, "Insufficient credits"},
		{"agent not found", http.StatusNotFound, `{"detail": "Agent not found"}`, "Agent not found"},
		{"error field", http.StatusInternalServerError, `{"error": "model crashed"}`, "model crashed"},
		{"plain text body", http.StatusBadGateway, "bad gateway", "bad gateway"},
		{"empty body", http.StatusServiceUnavailable, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).OpenStream(context.Background(), AgentRef{ID: "7"}, "", "q", 3)

			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if statusErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", statusErr.StatusCode, tt.status)
			}
			if statusErr.Body != tt.wantDetail {
				t.Errorf("body = %q, want %q", statusErr.Body, tt.wantDetail)
			}
		})
	}
}

func TestOpenStreamTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := newTestClient(srv.URL).OpenStream(context.Background(), AgentRef{Name: "a"}, "", "q", 3)
	if err == nil {
		t.Fatal("expected transport error")
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		t.Errorf("transport failure should not be a StatusError, got %v", err)
	}
}

func TestOpenStreamCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv.URL).OpenStream(ctx, AgentRef{Name: "a"}, "", "q", 3)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestOpenStreamBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(&config.UpstreamConfig{
		BaseURL:             srv.URL,
		ConnectTimeout:      time.Second,
		BreakerMaxFailures:  2,
		BreakerOpenInterval: time.Minute,
	})

	for i := 0; i < 2; i++ {
		if _, err := c.OpenStream(context.Background(), AgentRef{Name: "a"}, "", "q", 3); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	_, err := c.OpenStream(context.Background(), AgentRef{Name: "a"}, "", "q", 3)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error after trip = %v, want ErrUnavailable", err)
	}
}

func TestOpenStreamUpstreamRefusalDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(&config.UpstreamConfig{
		BaseURL:             srv.URL,
		ConnectTimeout:      time.Second,
		BreakerMaxFailures:  2,
		BreakerOpenInterval: time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := c.OpenStream(context.Background(), AgentRef{Name: "a"}, "", "q", 3)
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("attempt %d: error = %v, want *StatusError", i, err)
		}
	}
}
