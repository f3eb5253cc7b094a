// Package config loads the service configuration from the environment,
// optionally seeded by a .env file. Options are read once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"PUBSUB_ADDR" envDefault:":8080"`

	// Authentication
	APIKeys []string `env:"PUBSUB_API_KEYS" envSeparator:"," envDefault:"plivo-test-key,demo-key,test-123"`

	// Broker tuning
	SubscriberQueueSize   int `env:"PUBSUB_SUBSCRIBER_QUEUE_SIZE" envDefault:"50"`
	DefaultRingBufferSize int `env:"PUBSUB_DEFAULT_RING_BUFFER_SIZE" envDefault:"100"`
	MaxRingBufferSize     int `env:"PUBSUB_MAX_RING_BUFFER_SIZE" envDefault:"10000"`
	SlowConsumerThreshold int `env:"PUBSUB_SLOW_CONSUMER_THRESHOLD" envDefault:"3"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"PUBSUB_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Inbound frame rate limiting (off by default)
	FrameRateLimitEnabled bool    `env:"PUBSUB_FRAME_RATE_LIMIT_ENABLED" envDefault:"false"`
	FrameRateBurst        int     `env:"PUBSUB_FRAME_RATE_BURST" envDefault:"100"`
	FrameRatePerSec       float64 `env:"PUBSUB_FRAME_RATE_PER_SEC" envDefault:"50"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PUBSUB_ADDR is required")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("PUBSUB_API_KEYS must contain at least one key")
	}
	if c.SubscriberQueueSize < 1 {
		return fmt.Errorf("PUBSUB_SUBSCRIBER_QUEUE_SIZE must be > 0, got %d", c.SubscriberQueueSize)
	}
	if c.DefaultRingBufferSize < 1 {
		return fmt.Errorf("PUBSUB_DEFAULT_RING_BUFFER_SIZE must be > 0, got %d", c.DefaultRingBufferSize)
	}
	if c.MaxRingBufferSize < c.DefaultRingBufferSize {
		return fmt.Errorf("PUBSUB_MAX_RING_BUFFER_SIZE (%d) must be >= PUBSUB_DEFAULT_RING_BUFFER_SIZE (%d)",
			c.MaxRingBufferSize, c.DefaultRingBufferSize)
	}
	if c.SlowConsumerThreshold < 0 {
		return fmt.Errorf("PUBSUB_SLOW_CONSUMER_THRESHOLD must be >= 0, got %d", c.SlowConsumerThreshold)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("PUBSUB_SHUTDOWN_TIMEOUT must be > 0, got %s", c.ShutdownTimeout)
	}
	if c.FrameRateLimitEnabled {
		if c.FrameRateBurst < 1 {
			return fmt.Errorf("PUBSUB_FRAME_RATE_BURST must be > 0, got %d", c.FrameRateBurst)
		}
		if c.FrameRatePerSec <= 0 {
			return fmt.Errorf("PUBSUB_FRAME_RATE_PER_SEC must be > 0, got %f", c.FrameRatePerSec)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("api_keys", len(c.APIKeys)).
		Int("subscriber_queue_size", c.SubscriberQueueSize).
		Int("default_ring_buffer_size", c.DefaultRingBufferSize).
		Int("max_ring_buffer_size", c.MaxRingBufferSize).
		Int("slow_consumer_threshold", c.SlowConsumerThreshold).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Bool("frame_rate_limit_enabled", c.FrameRateLimitEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
