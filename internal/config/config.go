// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package config loads and validates agent configuration from layered
// sources: built-in defaults, an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the agent.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	HTTP     HTTPConfig     `koanf:"http"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Coalesce CoalesceConfig `koanf:"coalesce"`
	Token    TokenConfig    `koanf:"token"`
	Store    StoreConfig    `koanf:"store"`
	Queue    QueueConfig    `koanf:"queue"`
	Sync     SyncConfig     `koanf:"sync"`
	Fanout   FanoutConfig   `koanf:"fanout"`
	Server   ServerConfig   `koanf:"server"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// HTTPConfig configures the resilient HTTP client.
type HTTPConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	Timeout        time.Duration `koanf:"timeout" validate:"min=1s"`
	RetryAttempts  int           `koanf:"retry_attempts" validate:"min=0,max=10"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"min=1ms"`
	ClientVersion  string        `koanf:"client_version"`
	SigningSecret  string        `koanf:"signing_secret"`

	// SignInRoute is the client-side route a 401 redirects to; the
	// original path is preserved in its callbackUrl query parameter.
	SignInRoute string `koanf:"sign_in_route"`

	// RateLimitPerSecond throttles outgoing requests when > 0.
	RateLimitPerSecond float64 `koanf:"rate_limit_per_second" validate:"min=0"`
	RateLimitBurst     int     `koanf:"rate_limit_burst" validate:"min=0"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold uint32 `koanf:"threshold" validate:"min=1"`

	// Timeout is how long the circuit stays open before a probe.
	Timeout time.Duration `koanf:"timeout" validate:"min=100ms"`

	// MaxRequests bounds concurrent probes in half-open state.
	MaxRequests uint32 `koanf:"max_requests" validate:"min=1"`
}

// CoalesceConfig configures request coalescing and batching.
type CoalesceConfig struct {
	Enabled           bool          `koanf:"enabled"`
	ResultTTL         time.Duration `koanf:"result_ttl" validate:"min=0"`
	BatchWindow       time.Duration `koanf:"batch_window" validate:"min=0"`
	MaxBatchSize      int           `koanf:"max_batch_size" validate:"min=1"`
	CompressThreshold int           `koanf:"compress_threshold" validate:"min=0"`
	ConnectionPooling bool          `koanf:"connection_pooling"`
}

// TokenConfig configures the token store.
type TokenConfig struct {
	RefreshPath string        `koanf:"refresh_path"`
	ExpirySkew  time.Duration `koanf:"expiry_skew" validate:"min=0"`
}

// StoreConfig configures the durable Badger store.
type StoreConfig struct {
	Path        string `koanf:"path" validate:"required"`
	SyncWrites  bool   `koanf:"sync_writes"`
	Compression bool   `koanf:"compression"`
	InMemory    bool   `koanf:"in_memory"`
}

// QueueConfig configures offline activity records.
type QueueConfig struct {
	MaxRetries int `koanf:"max_retries" validate:"min=1"`
}

// SyncConfig configures the sync manager and its background loop.
type SyncConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"min=1s"`
	RetryDelay time.Duration `koanf:"retry_delay" validate:"min=1ms"`
	MaxRetries int           `koanf:"max_retries" validate:"min=1"`
}

// FanoutConfig configures the cache synchronizer transport.
type FanoutConfig struct {
	// Transport selects the adapter: "nats" or "inproc".
	Transport         string        `koanf:"transport" validate:"oneof=nats inproc"`
	NATSURL           string        `koanf:"nats_url"`
	Topic             string        `koanf:"topic" validate:"required"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=1s"`
	PeerTimeout       time.Duration `koanf:"peer_timeout" validate:"min=1s"`
	ConflictWindow    time.Duration `koanf:"conflict_window" validate:"min=0"`
	MaxReconnects     int           `koanf:"max_reconnects"`
	ReconnectWait     time.Duration `koanf:"reconnect_wait"`
}

// ServerConfig configures the local status API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// Default returns a Config with production defaults. Defaults are
// applied first, then overridden by config file and env vars.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		HTTP: HTTPConfig{
			BaseURL:            "http://127.0.0.1:8080",
			Timeout:            30 * time.Second,
			RetryAttempts:      3,
			RetryBaseDelay:     1 * time.Second,
			ClientVersion:      "pulsewire/1.0",
			SigningSecret:      "",
			SignInRoute:        "/auth/signin",
			RateLimitPerSecond: 0, // disabled
			RateLimitBurst:     10,
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Timeout:     60 * time.Second,
			MaxRequests: 3,
		},
		Coalesce: CoalesceConfig{
			Enabled:           true,
			ResultTTL:         5 * time.Second,
			BatchWindow:       50 * time.Millisecond,
			MaxBatchSize:      10,
			CompressThreshold: 1024,
			ConnectionPooling: true,
		},
		Token: TokenConfig{
			RefreshPath: "/auth/refresh",
			ExpirySkew:  30 * time.Second,
		},
		Store: StoreConfig{
			Path:        "/data/pulsewire",
			SyncWrites:  true,
			Compression: false,
			InMemory:    false,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
		},
		Sync: SyncConfig{
			Interval:   30 * time.Second,
			RetryDelay: 1 * time.Second,
			MaxRetries: 3,
		},
		Fanout: FanoutConfig{
			Transport:         "inproc",
			NATSURL:           "nats://127.0.0.1:4222",
			Topic:             "pulsewire.cache",
			HeartbeatInterval: 5 * time.Second,
			PeerTimeout:       30 * time.Second,
			ConflictWindow:    1 * time.Second,
			MaxReconnects:     -1, // retry forever
			ReconnectWait:     2 * time.Second,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7410,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
	}
}

// Validate checks struct tags plus cross-field rules that tags cannot
// express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Fanout.Transport == "nats" && c.Fanout.NATSURL == "" {
		return fmt.Errorf("config validation: fanout.nats_url required when transport is nats")
	}
	if c.Fanout.PeerTimeout < c.Fanout.HeartbeatInterval {
		return fmt.Errorf("config validation: fanout.peer_timeout must be >= heartbeat_interval")
	}
	if !strings.HasPrefix(c.Token.RefreshPath, "/") {
		return fmt.Errorf("config validation: token.refresh_path must be absolute, got %q", c.Token.RefreshPath)
	}
	if !strings.HasPrefix(c.HTTP.SignInRoute, "/") {
		return fmt.Errorf("config validation: http.sign_in_route must be absolute, got %q", c.HTTP.SignInRoute)
	}
	return nil
}
