// Package config centralizes environment-driven configuration for the
// transport core. Every knob has a default suitable for development; nothing
// is required.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full tunable surface. Zero values are replaced by defaults
// during decoding.
type Config struct {
	// BufferSize bounds each subscription's live delivery buffer.
	BufferSize int `env:"STREAMPLEX_BUFFER_SIZE,default=64"`
	// EventReplayLimit bounds the per-session replay buffer in the store.
	EventReplayLimit int `env:"STREAMPLEX_EVENT_REPLAY_LIMIT,default=256"`
	// HeartbeatInterval is the idle interval between SSE keep-alive frames.
	HeartbeatInterval time.Duration `env:"STREAMPLEX_HEARTBEAT_INTERVAL,default=15s"`
	// MaxConcurrentStreams caps live SSE streams across all sessions.
	MaxConcurrentStreams int `env:"STREAMPLEX_MAX_CONCURRENT_STREAMS,default=1024"`
	// SessionExpiry is the idle window after which a session is removed.
	SessionExpiry time.Duration `env:"STREAMPLEX_SESSION_EXPIRY,default=30m"`
	// CleanupInterval is the cadence of the expiry sweep.
	CleanupInterval time.Duration `env:"STREAMPLEX_CLEANUP_INTERVAL,default=60s"`
	// StrictLifecycle gates non-handshake operations until the client's
	// initialized acknowledgment.
	StrictLifecycle bool `env:"STREAMPLEX_STRICT_LIFECYCLE,default=false"`
	// AllowedOrigins is the CORS allow list, comma separated. Empty disables
	// CORS headers entirely.
	AllowedOrigins []string `env:"STREAMPLEX_ALLOWED_ORIGINS"`
}

// Default returns the development defaults without consulting the
// environment.
func Default() Config {
	return Config{
		BufferSize:           64,
		EventReplayLimit:     256,
		HeartbeatInterval:    15 * time.Second,
		MaxConcurrentStreams: 1024,
		SessionExpiry:        30 * time.Minute,
		CleanupInterval:      60 * time.Second,
	}
}

// FromEnv decodes configuration from the process environment and validates
// it.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would break delivery or expiry invariants.
func (c Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: buffer size must be positive, got %d", c.BufferSize)
	}
	if c.EventReplayLimit <= 0 {
		return fmt.Errorf("config: event replay limit must be positive, got %d", c.EventReplayLimit)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("config: max concurrent streams must be positive, got %d", c.MaxConcurrentStreams)
	}
	if c.SessionExpiry <= 0 {
		return fmt.Errorf("config: session expiry must be positive, got %s", c.SessionExpiry)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	if c.CleanupInterval > c.SessionExpiry {
		return fmt.Errorf("config: cleanup interval %s exceeds session expiry %s", c.CleanupInterval, c.SessionExpiry)
	}
	return nil
}
