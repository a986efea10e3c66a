// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package services

import (
	"context"

	"github.com/chatterstack/relay/internal/notify"
)

// NotifyService runs the billing notification subscriber under
// supervision. A crash or broker hiccup resubscribes on restart.
type NotifyService struct {
	subscriber *notify.Subscriber
}

// NewNotifyService wraps the subscriber.
func NewNotifyService(sub *notify.Subscriber) *NotifyService {
	return &NotifyService{subscriber: sub}
}

// Serve implements suture.Service.
func (s *NotifyService) Serve(ctx context.Context) error {
	return s.subscriber.Serve(ctx)
}

// String identifies the service in supervision logs.
func (s *NotifyService) String() string {
	return "billing-subscriber"
}
