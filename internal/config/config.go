// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration for the relay service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Security SecurityConfig `koanf:"security"`
	Relay    RelayConfig    `koanf:"relay"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig holds settings for the upstream inference service.
type UpstreamConfig struct {
	// BaseURL is the root of the inference API, e.g. http://inference:8000.
	BaseURL string `koanf:"base_url"`

	// ConnectTimeout bounds dialing and response-header wait. Streaming reads
	// are unbounded by design; cancellation is per-query.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// Breaker settings for the circuit breaker guarding stream opens.
	BreakerMaxFailures  int           `koanf:"breaker_max_failures"`
	BreakerOpenInterval time.Duration `koanf:"breaker_open_interval"`
}

// SecurityConfig holds authentication and HTTP-surface security settings.
type SecurityConfig struct {
	// JWTSecret is the HS256 secret shared with the platform's auth service.
	JWTSecret string `koanf:"jwt_secret"`

	// InternalAPISecret guards the internal notification intake endpoint.
	InternalAPISecret string `koanf:"internal_api_secret"`

	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// RelayConfig holds tuning knobs for the query relay and connections.
type RelayConfig struct {
	// SendBufferSize is the per-connection outbound message buffer.
	SendBufferSize int `koanf:"send_buffer_size"`

	// MaxMessageSize bounds inbound WebSocket frames in bytes.
	MaxMessageSize int64 `koanf:"max_message_size"`

	// DefaultResultLimit is the retrieval k used when a query omits it.
	DefaultResultLimit int `koanf:"default_result_limit"`

	// MaxQueryLength bounds query text length in characters.
	MaxQueryLength int `koanf:"max_query_length"`
}

// NATSConfig holds settings for the billing notification subscriber.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// Subject carries billing balance-change events.
	Subject string `koanf:"subject"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for internal consistency.
// It is called by Load after all sources are merged.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be a valid http(s) URL, got %q", c.Upstream.BaseURL)
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters, got %d", len(c.Security.JWTSecret))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is true")
	}

	if c.Relay.SendBufferSize < 1 {
		return fmt.Errorf("relay.send_buffer_size must be positive, got %d", c.Relay.SendBufferSize)
	}
	if c.Relay.DefaultResultLimit < 1 {
		return fmt.Errorf("relay.default_result_limit must be positive, got %d", c.Relay.DefaultResultLimit)
	}

	return nil
}
