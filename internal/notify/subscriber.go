// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/chatterstack/relay/internal/config"
	"github.com/chatterstack/relay/internal/logging"
)

// MessageHandler abstracts the message source so the subscriber can run
// against NATS in production and an in-memory channel in tests.
type MessageHandler interface {
	// Subscribe subscribes to a subject and returns a channel of raw
	// message payloads. The channel closes when the subscription ends.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	// Close releases the underlying connection.
	Close() error
}

// natsHandler is the production MessageHandler backed by a NATS connection.
type natsHandler struct {
	conn *nats.Conn
}

// NewNATSHandler connects to the NATS server and returns a MessageHandler.
func NewNATSHandler(url string) (MessageHandler, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &natsHandler{conn: conn}, nil
}

func (h *natsHandler) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := h.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				out <- msg.Data
			}
		}
	}()
	return out, nil
}

func (h *natsHandler) Close() error {
	h.conn.Close()
	return nil
}

// Subscriber consumes billing events from the message bus and delivers them
// through the bridge. Designed for suture supervision via Serve.
type Subscriber struct {
	bridge  *Bridge
	handler MessageHandler
	subject string
}

// NewSubscriber creates a Subscriber for the configured billing subject.
func NewSubscriber(bridge *Bridge, handler MessageHandler, cfg *config.NATSConfig) *Subscriber {
	subject := "billing.credits.updated"
	if cfg != nil && cfg.Subject != "" {
		subject = cfg.Subject
	}
	return &Subscriber{bridge: bridge, handler: handler, subject: subject}
}

// Serve subscribes and processes messages until the context is canceled.
// A supervisor restart resubscribes from scratch.
func (s *Subscriber) Serve(ctx context.Context) error {
	messages, err := s.handler.Subscribe(ctx, s.subject)
	if err != nil {
		return err
	}
	logging.Info().Str("subject", s.subject).Msg("billing notification subscriber started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().
				Str("component", "notify-subscriber").
				Msg("billing notification subscriber stopped")
			return ctx.Err()
		case data, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.subject)
			}
			s.handleMessage(data)
		}
	}
}

// handleMessage decodes and delivers one bus message. Undecodable payloads
// are logged and skipped; one bad producer must not stall the stream.
func (s *Subscriber) handleMessage(data []byte) {
	var update CreditUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		logging.Warn().Err(err).Msg("undecodable billing event, skipping")
		return
	}
	if update.UserID == "" {
		logging.Warn().Msg("billing event without user id, skipping")
		return
	}
	s.bridge.HandleCreditUpdate(update, "nats")
}
