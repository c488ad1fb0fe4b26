package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration, read from environment variables
// with an optional .env file for local development.
type Config struct {
	// Listener
	ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:"127.0.0.1:2356"`

	// Upstream credentials (OAuth1, all required)
	ConsumerKey       string `env:"TWITTER_CONSUMER_KEY"`
	ConsumerSecret    string `env:"TWITTER_CONSUMER_SECRET"`
	AccessToken       string `env:"TWITTER_ACCESS_TOKEN"`
	AccessTokenSecret string `env:"TWITTER_ACCESS_TOKEN_SECRET"`

	// Restart the upstream consumer whenever the requested follows change,
	// as opposed to only when new follows are added.
	AlwaysRestart bool `env:"TWITTER_ALWAYS_RESTART" envDefault:"false"`

	// Optional JSON file of follow ids seeded at startup and written back
	// on shutdown.
	FollowsCache string `env:"TWITTER_FOLLOWS_CACHE"`

	// Send every tweet to every session regardless of its filter.
	DebugFanout bool `env:"RELAY_DEBUG_FANOUT" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: environment variables > .env file > defaults.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("RELAY_LISTEN_ADDR is required")
	}

	if c.ConsumerKey == "" || c.ConsumerSecret == "" || c.AccessToken == "" || c.AccessTokenSecret == "" {
		return fmt.Errorf("twitter credentials must be configured (TWITTER_CONSUMER_KEY, TWITTER_CONSUMER_SECRET, TWITTER_ACCESS_TOKEN, TWITTER_ACCESS_TOKEN_SECRET)")
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr).
		Bool("always_restart", c.AlwaysRestart).
		Str("follows_cache", c.FollowsCache).
		Bool("debug_fanout", c.DebugFanout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
