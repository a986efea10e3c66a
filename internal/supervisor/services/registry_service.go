// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package services

import (
	"context"

	"github.com/chatterstack/relay/internal/registry"
)

// RegistryService runs the connection registry's broadcast loop under
// supervision. Registry state lives in the Registry itself, so a restart
// of this service does not drop connections.
type RegistryService struct {
	registry *registry.Registry
}

// NewRegistryService wraps the registry.
func NewRegistryService(reg *registry.Registry) *RegistryService {
	return &RegistryService{registry: reg}
}

// Serve implements suture.Service.
func (s *RegistryService) Serve(ctx context.Context) error {
	return s.registry.RunWithContext(ctx)
}

// String identifies the service in supervision logs.
func (s *RegistryService) String() string {
	return "connection-registry"
}
