// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package relay

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/upstream"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// sinkEvent is one delivery captured by the recording sink.
type sinkEvent struct {
	connID  string
	event   string
	payload interface{}
}

// recordingSink captures deliveries and lets tests wait for them.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
	ch     chan sinkEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan sinkEvent, 128)}
}

func (s *recordingSink) SendToConn(connID, event string, payload interface{}) bool {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{connID: connID, event: event, payload: payload})
	s.mu.Unlock()
	s.ch <- sinkEvent{connID: connID, event: event, payload: payload}
	return true
}

// await blocks until an event of the given type arrives or the test times out.
func (s *recordingSink) await(t *testing.T, event string) sinkEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.event == event {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event; got %v", event, s.types())
		}
	}
}

// awaitTerminal blocks until a done or error event arrives.
func (s *recordingSink) awaitTerminal(t *testing.T) sinkEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.event == EventDone || ev.event == EventError {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event; got %v", s.types())
		}
	}
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.event
	}
	return out
}

func (s *recordingSink) countTerminals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.event == EventDone || ev.event == EventError {
			n++
		}
	}
	return n
}

// openerFunc adapts a function to the upstream.Opener interface.
type openerFunc func(ctx context.Context, agent upstream.AgentRef, bearer, query string, k int) (io.ReadCloser, error)

func (f openerFunc) OpenStream(ctx context.Context, agent upstream.AgentRef, bearer, query string, k int) (io.ReadCloser, error) {
	return f(ctx, agent, bearer, query, k)
}

// staticOpener serves the same stream body for every query.
func staticOpener(body string) upstream.Opener {
	return openerFunc(func(context.Context, upstream.AgentRef, string, string, int) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

// hangingStream serves its initial bytes, then blocks until the query
// context is cancelled.
type hangingStream struct {
	ctx  context.Context
	data []byte
}

func (h *hangingStream) Read(p []byte) (int, error) {
	if len(h.data) > 0 {
		n := copy(p, h.data)
		h.data = h.data[n:]
		return n, nil
	}
	<-h.ctx.Done()
	return 0, h.ctx.Err()
}

func (h *hangingStream) Close() error { return nil }

func hangingOpener(initial string) upstream.Opener {
	return openerFunc(func(ctx context.Context, _ upstream.AgentRef, _, _ string, _ int) (io.ReadCloser, error) {
		return &hangingStream{ctx: ctx, data: []byte(initial)}, nil
	})
}

func submitReq(connID, queryID string) SubmitRequest {
	return SubmitRequest{
		ConnID:  connID,
		UserID:  "user-1",
		QueryID: queryID,
		Agent:   upstream.AgentRef{Name: "support-bot"},
		Query:   "what is the refund policy",
	}
}

const happyStream = `data: {"type": "chunk", "content": "Refunds are"}
data: {"type": "chunk", "content": " allowed within 30 days."}
data: {"type": "done", "answer": "Refunds are allowed within 30 days.", "token_usage": {"total_tokens": 9}}
data: {"type": "billing", "credits_used": 0.5}
data: [DONE]
`

func TestSubmitRelaysFullStream(t *testing.T) {
	sink := newRecordingSink()
	r := New(staticOpener(happyStream), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	typing := sink.await(t, EventTyping)
	if p := typing.payload.(TypingPayload); !p.Status || p.QueryID != "q1" {
		t.Errorf("first typing payload = %+v", p)
	}

	terminal := sink.awaitTerminal(t)
	if terminal.event != EventDone {
		t.Fatalf("terminal = %s, want done", terminal.event)
	}
	done := terminal.payload.(DonePayload)
	if done.Answer != "Refunds are allowed within 30 days." {
		t.Errorf("answer = %q", done.Answer)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", done.Usage)
	}

	stop := sink.await(t, EventTyping)
	if p := stop.payload.(TypingPayload); p.Status {
		t.Errorf("final typing payload = %+v, want status false", p)
	}

	types := sink.types()
	chunks, billing := 0, 0
	for _, typ := range types {
		switch typ {
		case EventChunk:
			chunks++
		case EventBilling:
			billing++
		}
	}
	if chunks != 2 {
		t.Errorf("chunks relayed = %d, want 2 (events: %v)", chunks, types)
	}
	if billing != 1 {
		t.Errorf("billing events = %d, want 1", billing)
	}
	if n := sink.countTerminals(); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
	if n := r.CountInflight("c1"); n != 0 {
		t.Errorf("inflight after completion = %d, want 0", n)
	}
}

func TestSubmitInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"empty query", func(r *SubmitRequest) { r.Query = "" }},
		{"empty query id", func(r *SubmitRequest) { r.QueryID = "" }},
		{"no agent reference", func(r *SubmitRequest) { r.Agent = upstream.AgentRef{} }},
		{"negative k", func(r *SubmitRequest) { r.K = -1 }},
		{"oversized query", func(r *SubmitRequest) { r.Query = strings.Repeat("a", 9000) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newRecordingSink()
			r := New(staticOpener(happyStream), sink, nil)

			req := submitReq("c1", "q1")
			tt.mutate(&req)
			r.Submit(req)

			ev := sink.awaitTerminal(t)
			if ev.event != EventError {
				t.Fatalf("terminal = %s, want error", ev.event)
			}
			if p := ev.payload.(ErrorPayload); p.Code != CodeInvalidRequest {
				t.Errorf("code = %s, want %s", p.Code, CodeInvalidRequest)
			}
			if n := r.CountInflight("c1"); n != 0 {
				t.Errorf("inflight after rejection = %d, want 0", n)
			}
		})
	}
}

func TestSubmitDuplicateQueryID(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(""), sink, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	r.Submit(submitReq("c1", "q1"))
	sink.await(t, EventTyping)

	r.Submit(submitReq("c1", "q1"))
	ev := sink.awaitTerminal(t)
	if p := ev.payload.(ErrorPayload); p.Code != CodeInvalidRequest {
		t.Errorf("code = %s, want %s", p.Code, CodeInvalidRequest)
	}
	if n := r.CountInflight("c1"); n != 1 {
		t.Errorf("inflight = %d, want 1 (original query untouched)", n)
	}
}

func TestSubmitDuplicateQueryIDAcrossConnections(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(""), sink, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	r.Submit(submitReq("c1", "dup-id"))
	sink.await(t, EventTyping)

	// Query IDs are unique relay-wide, so a second connection reusing the
	// ID is rejected just like a same-connection duplicate.
	r.Submit(submitReq("c2", "dup-id"))
	ev := sink.awaitTerminal(t)
	if ev.connID != "c2" {
		t.Errorf("rejection delivered to %s, want c2", ev.connID)
	}
	if p := ev.payload.(ErrorPayload); p.Code != CodeInvalidRequest {
		t.Errorf("code = %s, want %s", p.Code, CodeInvalidRequest)
	}
	if n := r.CountInflight("c1"); n != 1 {
		t.Errorf("inflight for c1 = %d, want 1 (original query untouched)", n)
	}
	if n := r.CountInflight("c2"); n != 0 {
		t.Errorf("inflight for c2 = %d, want 0", n)
	}
}

func TestCancelFromOtherConnectionIsNoop(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(""), sink, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	r.Submit(submitReq("c1", "q1"))
	sink.await(t, EventTyping)

	// c2 does not own q1; its cancel must not touch c1's query.
	r.Cancel("c2", "q1")

	time.Sleep(50 * time.Millisecond)
	if n := r.CountInflight("c1"); n != 1 {
		t.Errorf("inflight for c1 = %d, want 1", n)
	}
	if n := sink.countTerminals(); n != 0 {
		t.Errorf("terminal events = %d, want 0", n)
	}
}

func TestOpenFailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode Code
	}{
		{"payment required", &upstream.StatusError{StatusCode: http.StatusPaymentRequired, Body: "Insufficient credits"}, CodeInsufficientCredits},
		{"agent not found", &upstream.StatusError{StatusCode: http.StatusNotFound, Body: "Agent not found"}, CodeAgentNotFound},
		{"upstream 500", &upstream.StatusError{StatusCode: http.StatusInternalServerError}, CodeServerError},
		{"breaker open", upstream.ErrUnavailable, CodeServerError},
		{"transport failure", io.ErrUnexpectedEOF, CodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newRecordingSink()
			opener := openerFunc(func(context.Context, upstream.AgentRef, string, string, int) (io.ReadCloser, error) {
				return nil, tt.err
			})
			r := New(opener, sink, nil)

			r.Submit(submitReq("c1", "q1"))

			ev := sink.awaitTerminal(t)
			if ev.event != EventError {
				t.Fatalf("terminal = %s, want error", ev.event)
			}
			if p := ev.payload.(ErrorPayload); p.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", p.Code, tt.wantCode)
			}
			if n := sink.countTerminals(); n != 1 {
				t.Errorf("terminal events = %d, want exactly 1", n)
			}
		})
	}
}

func TestUpstreamErrorRecordTerminatesQuery(t *testing.T) {
	body := `data: {"type": "chunk", "content": "partial"}
data: {"type": "error", "error": "retrieval index offline"}
data: [DONE]
`
	sink := newRecordingSink()
	r := New(staticOpener(body), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	ev := sink.awaitTerminal(t)
	if ev.event != EventError {
		t.Fatalf("terminal = %s, want error", ev.event)
	}
	p := ev.payload.(ErrorPayload)
	if p.Code != CodeQueryError {
		t.Errorf("code = %s, want %s", p.Code, CodeQueryError)
	}
	if p.Message != "retrieval index offline" {
		t.Errorf("message = %q", p.Message)
	}

	// The trailing sentinel after the error record must not produce a done.
	time.Sleep(50 * time.Millisecond)
	if n := sink.countTerminals(); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestBillingErrorRecordMapsToInsufficientCredits(t *testing.T) {
	body := `data: {"type": "billing_error", "error": "credit deduction failed"}
`
	sink := newRecordingSink()
	r := New(staticOpener(body), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	ev := sink.awaitTerminal(t)
	if ev.event != EventError {
		t.Fatalf("terminal = %s, want error", ev.event)
	}
	p := ev.payload.(ErrorPayload)
	if p.Code != CodeInsufficientCredits {
		t.Errorf("code = %s, want %s", p.Code, CodeInsufficientCredits)
	}
}

func TestStreamEndWithoutSentinelCompletesFromChunks(t *testing.T) {
	body := `data: {"type": "chunk", "content": "partial "}
data: {"type": "chunk", "content": "answer"}
`
	sink := newRecordingSink()
	r := New(staticOpener(body), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	ev := sink.awaitTerminal(t)
	if ev.event != EventDone {
		t.Fatalf("terminal = %s, want done", ev.event)
	}
	if p := ev.payload.(DonePayload); p.Answer != "partial answer" {
		t.Errorf("answer = %q, want accumulated chunks", p.Answer)
	}
}

func TestStreamEndWithNoContentSynthesizesEmptyDone(t *testing.T) {
	sink := newRecordingSink()
	r := New(staticOpener(""), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	ev := sink.awaitTerminal(t)
	if ev.event != EventDone {
		t.Fatalf("terminal = %s, want done", ev.event)
	}
	if p := ev.payload.(DonePayload); p.Answer != "" {
		t.Errorf("answer = %q, want empty", p.Answer)
	}
	if n := sink.countTerminals(); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestSentinelWithoutCompletionSynthesizesDone(t *testing.T) {
	body := `data: {"type": "chunk", "content": "only chunks"}
data: [DONE]
`
	sink := newRecordingSink()
	r := New(staticOpener(body), sink, nil)

	r.Submit(submitReq("c1", "q1"))

	ev := sink.awaitTerminal(t)
	if ev.event != EventDone {
		t.Fatalf("terminal = %s, want done", ev.event)
	}
	if p := ev.payload.(DonePayload); p.Answer != "only chunks" {
		t.Errorf("answer = %q", p.Answer)
	}
}

func TestConcurrentQueriesInterleaveWithoutCrossContamination(t *testing.T) {
	readers := make(map[string]*io.PipeReader)
	writers := make(map[string]*io.PipeWriter)
	for _, stream := range []string{"alpha", "beta"} {
		pr, pw := io.Pipe()
		readers[stream] = pr
		writers[stream] = pw
	}
	opener := openerFunc(func(_ context.Context, _ upstream.AgentRef, _, query string, _ int) (io.ReadCloser, error) {
		return readers[query], nil
	})

	sink := newRecordingSink()
	r := New(opener, sink, nil)

	reqA := submitReq("c1", "qa")
	reqA.Query = "alpha"
	reqB := submitReq("c1", "qb")
	reqB.Query = "beta"
	r.Submit(reqA)
	r.Submit(reqB)

	feed := func(stream, line string) {
		t.Helper()
		if _, err := io.WriteString(writers[stream], line); err != nil {
			t.Fatalf("write to %s stream: %v", stream, err)
		}
	}
	expectChunk := func(queryID, text string) {
		t.Helper()
		ev := sink.await(t, EventChunk)
		p := ev.payload.(ChunkPayload)
		if p.QueryID != queryID || p.Text != text {
			t.Fatalf("chunk = {%s %q}, want {%s %q}", p.QueryID, p.Text, queryID, text)
		}
	}

	// Alternate chunks between the two streams. Each chunk must reach its
	// own query while the other query is still open, so delivery is fully
	// interleaved and never mixed across query IDs.
	feed("alpha", `data: {"type": "chunk", "content": "a1"}`+"\n")
	expectChunk("qa", "a1")
	feed("beta", `data: {"type": "chunk", "content": "b1"}`+"\n")
	expectChunk("qb", "b1")
	feed("alpha", `data: {"type": "chunk", "content": "a2"}`+"\n")
	expectChunk("qa", "a2")
	feed("beta", `data: {"type": "chunk", "content": "b2"}`+"\n")
	expectChunk("qb", "b2")

	feed("alpha", "data: [DONE]\n")
	term := sink.awaitTerminal(t)
	if term.event != EventDone {
		t.Fatalf("alpha terminal = %s, want done", term.event)
	}
	if p := term.payload.(DonePayload); p.QueryID != "qa" || p.Answer != "a1a2" {
		t.Errorf("alpha done = {%s %q}, want {qa a1a2}", p.QueryID, p.Answer)
	}

	feed("beta", "data: [DONE]\n")
	term = sink.awaitTerminal(t)
	if term.event != EventDone {
		t.Fatalf("beta terminal = %s, want done", term.event)
	}
	if p := term.payload.(DonePayload); p.QueryID != "qb" || p.Answer != "b1b2" {
		t.Errorf("beta done = {%s %q}, want {qb b1b2}", p.QueryID, p.Answer)
	}

	if n := sink.countTerminals(); n != 2 {
		t.Errorf("terminal events = %d, want 2", n)
	}
}

func TestCancelStopsQuery(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(`data: {"type": "chunk", "content": "thinking"}`+"\n"), sink, nil)

	r.Submit(submitReq("c1", "q1"))
	sink.await(t, EventChunk)

	r.Cancel("c1", "q1")

	ev := sink.awaitTerminal(t)
	if ev.event != EventError {
		t.Fatalf("terminal = %s, want error", ev.event)
	}
	if p := ev.payload.(ErrorPayload); p.Code != CodeCancelled {
		t.Errorf("code = %s, want %s", p.Code, CodeCancelled)
	}
	if n := r.CountInflight("c1"); n != 0 {
		t.Errorf("inflight after cancel = %d, want 0", n)
	}
}

func TestCancelUnknownQueryIsNoop(t *testing.T) {
	sink := newRecordingSink()
	r := New(staticOpener(happyStream), sink, nil)

	r.Cancel("c1", "never-submitted")

	select {
	case ev := <-sink.ch:
		t.Errorf("unexpected event %s after no-op cancel", ev.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	sink := newRecordingSink()
	r := New(staticOpener(happyStream), sink, nil)

	r.Submit(submitReq("c1", "q1"))
	sink.awaitTerminal(t)

	r.Cancel("c1", "q1")

	time.Sleep(50 * time.Millisecond)
	if n := sink.countTerminals(); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestExactlyOneTerminalUnderCancelRace(t *testing.T) {
	for i := 0; i < 25; i++ {
		sink := newRecordingSink()
		r := New(staticOpener(happyStream), sink, nil)

		r.Submit(submitReq("c1", "q1"))
		go r.Cancel("c1", "q1")

		sink.awaitTerminal(t)
		_ = r.Shutdown(context.Background())

		if n := sink.countTerminals(); n != 1 {
			t.Fatalf("iteration %d: terminal events = %d, want exactly 1 (%v)", i, n, sink.types())
		}
	}
}

func TestDisconnectCleanupCancelsAllQueriesForConnection(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(""), sink, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	r.Submit(submitReq("c1", "q1"))
	r.Submit(submitReq("c1", "q2"))
	r.Submit(submitReq("c1", "q3"))
	r.Submit(submitReq("c2", "q4"))

	waitInflight(t, r, "c1", 3)

	if got := r.DisconnectCleanup("c1"); got != 3 {
		t.Errorf("DisconnectCleanup(c1) = %d, want 3", got)
	}
	if n := r.CountInflight("c1"); n != 0 {
		t.Errorf("inflight for c1 = %d, want 0", n)
	}
	if n := r.CountInflight("c2"); n != 1 {
		t.Errorf("inflight for c2 = %d, want 1 (other connections untouched)", n)
	}

	// Repeat cleanup is a no-op
	if got := r.DisconnectCleanup("c1"); got != 0 {
		t.Errorf("second DisconnectCleanup(c1) = %d, want 0", got)
	}
}

func TestShutdownCancelsEverything(t *testing.T) {
	sink := newRecordingSink()
	r := New(hangingOpener(""), sink, nil)

	r.Submit(submitReq("c1", "q1"))
	r.Submit(submitReq("c2", "q2"))
	waitInflight(t, r, "c1", 1)
	waitInflight(t, r, "c2", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := r.CountInflight("c1") + r.CountInflight("c2"); n != 0 {
		t.Errorf("inflight after shutdown = %d, want 0", n)
	}
}

func TestDefaultKApplied(t *testing.T) {
	var gotK int
	var mu sync.Mutex
	opener := openerFunc(func(_ context.Context, _ upstream.AgentRef, _, _ string, k int) (io.ReadCloser, error) {
		mu.Lock()
		gotK = k
		mu.Unlock()
		return io.NopCloser(strings.NewReader("data: [DONE]\n")), nil
	})

	sink := newRecordingSink()
	r := New(opener, sink, &config.RelayConfig{DefaultResultLimit: 7})

	r.Submit(submitReq("c1", "q1"))
	sink.awaitTerminal(t)

	mu.Lock()
	defer mu.Unlock()
	if gotK != 7 {
		t.Errorf("k = %d, want default 7", gotK)
	}
}

// waitInflight polls until the connection reaches the expected in-flight
// count. Submission registers synchronously, but tests that go through
// goroutine startup need the poll.
func waitInflight(t *testing.T, r *Relay, connID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.CountInflight(connID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("inflight for %s = %d, want %d", connID, r.CountInflight(connID), want)
}
