// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package auth verifies the bearer credentials presented during the
// WebSocket handshake. The relay never issues tokens; the platform's auth
// service signs them and the relay only validates signature and expiry.
package auth

import (
	"errors"
)

// Verification errors.
var (
	// ErrNoCredentials indicates no token was presented.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials indicates the token failed validation.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrExpiredCredentials indicates the token is past its expiry.
	ErrExpiredCredentials = errors.New("expired credentials")
)

// Verifier validates an opaque bearer credential and yields a user identity.
type Verifier interface {
	// Verify returns the user ID the credential belongs to, or one of the
	// package's verification errors.
	Verify(token string) (userID string, err error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(token string) (string, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(token string) (string, error) {
	return f(token)
}
