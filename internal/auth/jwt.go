// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims issued by the platform's auth service.
// The user's MongoDB document ID travels in the "userId" claim; Subject is
// accepted as a fallback for tokens minted by newer issuers.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed platform tokens.
// It implements the Verifier interface.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for HMAC-SHA256 signed tokens.
// The secret must match the one used by the auth service; config validation
// enforces a 32-character minimum before this constructor runs.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required but was empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify validates the token's signature and expiry and extracts the user ID.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrNoCredentials
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		// Restrict to HMAC to prevent algorithm confusion attacks
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredCredentials
		}
		return "", ErrInvalidCredentials
	}
	if !token.Valid {
		return "", ErrInvalidCredentials
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrInvalidCredentials
	}

	return userID, nil
}

// Sign mints a token for the given user ID, valid for ttl.
// Only tests and local tooling use this; production tokens come from the
// auth service.
func (v *JWTVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
