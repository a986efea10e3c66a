// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package ws

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/registry"
	"github.com/chatterstack/relay/internal/relay"
	"github.com/chatterstack/relay/internal/upstream"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	defaultMaxMessage = 64 * 1024 // 64 KB
	defaultSendBuffer = 256
)

// Inbound message types accepted from clients.
const (
	msgQuerySubmit = "query:submit"
	msgQueryCancel = "query:cancel"
	msgPing        = "ping"
	msgPong        = "pong"
)

// inboundMessage is the envelope of a client frame.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// submitPayload is the data of a query:submit frame. Agent references an
// agent by public name; AgentID addresses it directly and wins when both
// are present.
type submitPayload struct {
	QueryID string `json:"query_id"`
	Agent   string `json:"agent"`
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	K       int    `json:"k"`
}

// cancelPayload is the data of a query:cancel frame.
type cancelPayload struct {
	QueryID string `json:"query_id"`
}

// Client owns one WebSocket connection: a read pump that dispatches inbound
// frames and a write pump that drains the outbound buffer. It satisfies
// registry.Sender, so the registry and relay deliver events through it.
type Client struct {
	id     string
	userID string

	// bearer is the client's verified token, forwarded on upstream queries
	// so billing lands on the right account.
	bearer string

	conn *websocket.Conn
	send chan registry.Message

	relay    *relay.Relay
	registry *registry.Registry

	maxMessageSize int64

	closeOnce sync.Once
	done      chan struct{}
}

// Send enqueues one outbound frame without blocking. Reports false when the
// connection is closing or its buffer is full.
func (c *Client) Send(msg registry.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		logging.Warn().
			Str("conn_id", c.id).
			Str("event", msg.Type).
			Msg("send buffer full, dropping frame")
		return false
	}
}

// Close asks the connection to shut down. Idempotent and non-blocking; the
// write pump notices and sends the close frame.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// start launches both pumps.
func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump dispatches inbound frames until the connection dies, then runs
// teardown. Teardown order matters: in-flight queries are cancelled first,
// registry removal second, so no query ever outlives its connection's
// registration.
func (c *Client) readPump() {
	defer func() {
		cancelled := c.relay.DisconnectCleanup(c.id)
		c.registry.Remove(c.id)
		c.Close()
		_ = c.conn.Close()
		logging.Info().
			Str("conn_id", c.id).
			Str("user_id", c.userID).
			Int("queries_cancelled", cancelled).
			Msg("connection closed")
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.dispatch(raw)
	}
}

// dispatch handles one inbound frame. Malformed frames produce an error
// event instead of killing the connection.
func (c *Client) dispatch(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "malformed message")
		return
	}

	switch msg.Type {
	case msgQuerySubmit:
		var p submitPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError("", "malformed query submission")
			return
		}
		c.relay.Submit(relay.SubmitRequest{
			ConnID:  c.id,
			UserID:  c.userID,
			QueryID: p.QueryID,
			Agent:   upstream.AgentRef{ID: p.AgentID, Name: p.Agent},
			Query:   p.Query,
			K:       p.K,
			Bearer:  c.bearer,
		})

	case msgQueryCancel:
		var p cancelPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.QueryID == "" {
			c.sendError("", "malformed cancel request")
			return
		}
		c.relay.Cancel(c.id, p.QueryID)

	case msgPing:
		c.Send(registry.Message{Type: msgPong})

	default:
		logging.Debug().
			Str("conn_id", c.id).
			Str("type", msg.Type).
			Msg("ignoring unknown message type")
		c.sendError("", "unknown message type: "+msg.Type)
	}
}

func (c *Client) sendError(queryID, message string) {
	c.Send(registry.Message{
		Type: relay.EventError,
		Data: relay.ErrorPayload{QueryID: queryID, Code: relay.CodeInvalidRequest, Message: message},
	})
}

// writePump drains the outbound buffer and keeps the connection alive with
// pings. Exits on write failure, Close, or a closed send path; the read
// pump's deadline then expires and runs teardown.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"))
			}
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("write failed, closing connection")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
