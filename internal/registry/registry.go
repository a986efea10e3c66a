// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package registry tracks authenticated connections and groups them into
// per-user rooms for targeted delivery. A user may hold any number of
// simultaneous connections; a room is exactly the set of that user's live
// connections and is pruned when it empties.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/chatterstack/relay/internal/logging"
	"github.com/chatterstack/relay/internal/metrics"
)

// ErrConnConflict is returned when a connection ID is re-admitted under a
// different user. Lifecycle ordering makes this a programming error.
var ErrConnConflict = errors.New("connection already admitted for a different user")

// Message is one event frame delivered to a client connection.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Sender is the outbound half of a client connection. Send must not block:
// it reports false when the connection's buffer is full or closed, and the
// caller treats that as a failed best-effort delivery. Close asks the
// connection to shut down.
type Sender interface {
	Send(msg Message) bool
	Close()
}

type entry struct {
	userID string
	sender Sender
}

// Registry is the connection registry. Admit, Remove and the send operations
// are safe for concurrent use; Remove is synchronous so connection teardown
// can order query cancellation before room membership is dropped.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]map[string]struct{}

	// broadcast carries SendToAll frames to the run loop, mirroring the
	// delivery path used for per-user sends but decoupled from callers.
	broadcast chan Message
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:     make(map[string]*entry),
		rooms:     make(map[string]map[string]struct{}),
		broadcast: make(chan Message, 256),
	}
}

// Admit registers a connection under the user's room. Calling Admit twice
// with the same connection and user is a no-op; a second call with a
// different user returns ErrConnConflict.
func (r *Registry) Admit(connID, userID string, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		if existing.userID != userID {
			return ErrConnConflict
		}
		return nil
	}

	r.conns[connID] = &entry{userID: userID, sender: sender}
	room, ok := r.rooms[userID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[userID] = room
		metrics.OnlineUsers.Inc()
	}
	room[connID] = struct{}{}

	metrics.ActiveConnections.Set(float64(len(r.conns)))
	logging.Info().
		Str("conn_id", connID).
		Str("user_id", userID).
		Int("total_connections", len(r.conns)).
		Msg("connection admitted")
	return nil
}

// Remove drops the connection from its room. No-op if the connection is not
// registered. Empty rooms are pruned.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	if room, ok := r.rooms[e.userID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, e.userID)
			metrics.OnlineUsers.Dec()
		}
	}

	metrics.ActiveConnections.Set(float64(len(r.conns)))
	logging.Info().
		Str("conn_id", connID).
		Str("user_id", e.userID).
		Int("total_connections", len(r.conns)).
		Msg("connection removed")
}

// SendToConn delivers one event to a single connection. Returns false if the
// connection is unknown or its buffer rejected the frame.
func (r *Registry) SendToConn(connID, event string, payload interface{}) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.sender.Send(Message{Type: event, Data: payload})
}

// SendToUser delivers an event to every live connection in the user's room.
// Delivery attempts are independent: one slow or half-closed connection
// never blocks its siblings. A room with zero members is a silent no-op;
// the user is simply offline. Returns the number of successful deliveries.
func (r *Registry) SendToUser(userID, event string, payload interface{}) int {
	msg := Message{Type: event, Data: payload}

	r.mu.RLock()
	room := r.rooms[userID]
	targets := make([]Sender, 0, len(room))
	for connID := range room {
		if e, ok := r.conns[connID]; ok {
			targets = append(targets, e.sender)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(msg) {
			delivered++
		}
	}
	if len(targets) > 0 && delivered == 0 {
		logging.Warn().Str("user_id", userID).Str("event", event).Msg("all room deliveries failed")
	}
	return delivered
}

// SendToAll enqueues an event for every registered connection regardless of
// room. The frame is dropped with a warning if the broadcast buffer is full.
func (r *Registry) SendToAll(event string, payload interface{}) {
	select {
	case r.broadcast <- Message{Type: event, Data: payload}:
	default:
		logging.Warn().Str("event", event).Msg("broadcast channel full, dropping message")
	}
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID]) > 0
}

// CountOnline returns the number of live connections in the user's room.
func (r *Registry) CountOnline(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID])
}

// CountConnections returns the total number of registered connections.
func (r *Registry) CountConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserForConn returns the owning user of a connection, if registered.
func (r *Registry) UserForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// RunWithContext drains the broadcast channel until the context is canceled,
// then closes every registered connection. Designed for suture supervision:
// the registry keeps accepting Admit/Remove/SendToUser calls while this loop
// runs, and a supervisor restart does not lose registry state.
func (r *Registry) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			logging.Info().
				Str("component", "registry-hub").
				Msg("registry hub stopped")
			return ctx.Err()

		case msg := <-r.broadcast:
			r.deliverBroadcast(msg)
		}
	}
}

// deliverBroadcast fans one frame out to every connection, best-effort.
func (r *Registry) deliverBroadcast(msg Message) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e.sender)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Send(msg)
	}
}

// closeAll closes every registered connection and resets membership.
func (r *Registry) closeAll() {
	r.mu.Lock()
	targets := make([]Sender, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e.sender)
	}
	r.conns = make(map[string]*entry)
	r.rooms = make(map[string]map[string]struct{})
	metrics.ActiveConnections.Set(0)
	metrics.OnlineUsers.Set(0)
	r.mu.Unlock()

	for _, s := range targets {
		s.Close()
	}
	logging.Info().Int("clients_closed", len(targets)).Msg("closed all connections during shutdown")
}
