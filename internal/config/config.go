// Package config loads the runtime's environment-driven configuration
// surface. Loading/watching an on-disk config file is an external
// concern (see project docs); this package only parses environment
// variables (optionally seeded from a .env file) and validates them.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// BreakerProfile holds the three tunables of a named circuit breaker.
type BreakerProfile struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// Config holds every environment-driven setting the runtime reads.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if unset
type Config struct {
	// Token lifecycle
	TokenRefreshThresholdSeconds     int           `env:"TOKEN_REFRESH_THRESHOLD_SECONDS" envDefault:"3600"`
	TokenRefreshSafetyBufferSeconds  int           `env:"TOKEN_REFRESH_SAFETY_BUFFER_SECONDS" envDefault:"300"`
	TokenValidationMinInterval       time.Duration `env:"TOKEN_MANAGER_VALIDATION_MIN_INTERVAL" envDefault:"30s"`
	TokenBackgroundBaseSleep         time.Duration `env:"TOKEN_MANAGER_BACKGROUND_BASE_SLEEP" envDefault:"60s"`
	TokenPeriodicValidationInterval  time.Duration `env:"TOKEN_MANAGER_PERIODIC_VALIDATION_INTERVAL" envDefault:"1800s"`

	// Cache
	BroadcasterCachePath string `env:"TWITCH_BROADCASTER_CACHE" envDefault:"broadcaster_ids.cache.json"`
	CacheMaxEntries      int    `env:"TWITCH_BROADCASTER_CACHE_MAX_ENTRIES" envDefault:"1000"`

	// EventSub / WebSocket
	EventSubURL                   string        `env:"EVENTSUB_WS_URL" envDefault:"wss://eventsub.wss.twitch.tv/ws"`
	EventSubMaxBackoff            time.Duration `env:"EVENTSUB_MAX_BACKOFF" envDefault:"120s"`
	EventSubSubscribe401Threshold int           `env:"EVENTSUB_SUBSCRIBE_401_THRESHOLD" envDefault:"2"`
	EventSubSubCheckInterval      time.Duration `env:"EVENTSUB_SUB_CHECK_INTERVAL_SECONDS" envDefault:"300s"`
	WebSocketHeartbeatInterval    time.Duration `env:"WEBSOCKET_HEARTBEAT_INTERVAL" envDefault:"30s"`
	WebSocketMessageTimeout       time.Duration `env:"WEBSOCKET_MESSAGE_TIMEOUT" envDefault:"5s"`
	WebSocketStaleThreshold       time.Duration `env:"WEBSOCKET_STALE_THRESHOLD" envDefault:"60s"`

	// Channel resolver
	ChannelResolveBatchSize  int `env:"CHANNEL_RESOLVE_BATCH_SIZE" envDefault:"100"`
	ChannelResolveConcurrent int `env:"CHANNEL_RESOLVE_MAX_CONCURRENT_BATCHES" envDefault:"3"`

	// Subscription manager
	SubscribeMaxConcurrent int `env:"EVENTSUB_SUBSCRIBE_MAX_CONCURRENT" envDefault:"10"`

	// Circuit breakers
	BreakerDefaultFailureThreshold int           `env:"CB_DEFAULT_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerDefaultRecoveryTimeout  time.Duration `env:"CB_DEFAULT_RECOVERY_TIMEOUT" envDefault:"300s"`
	BreakerDefaultSuccessThreshold int           `env:"CB_DEFAULT_SUCCESS_THRESHOLD" envDefault:"3"`

	BreakerWebSocketFailureThreshold int           `env:"CB_WEBSOCKET_FAILURE_THRESHOLD" envDefault:"3"`
	BreakerWebSocketRecoveryTimeout  time.Duration `env:"CB_WEBSOCKET_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerWebSocketSuccessThreshold int           `env:"CB_WEBSOCKET_SUCCESS_THRESHOLD" envDefault:"2"`

	BreakerAPIFailureThreshold int           `env:"CB_API_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerAPIRecoveryTimeout  time.Duration `env:"CB_API_RECOVERY_TIMEOUT" envDefault:"60s"`
	BreakerAPISuccessThreshold int           `env:"CB_API_SUCCESS_THRESHOLD" envDefault:"3"`

	BreakerIdleEvictionInterval time.Duration `env:"CB_IDLE_EVICTION_INTERVAL" envDefault:"1h"`

	// Health / Supervisor
	HealthProbeInterval time.Duration `env:"HEALTH_MONITOR_INTERVAL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Twitch application and bot account credentials
	TwitchClientID        string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret     string `env:"TWITCH_CLIENT_SECRET"`
	TwitchBotUsername      string `env:"TWITCH_BOT_USERNAME"`
	TwitchBotAccessToken   string `env:"TWITCH_BOT_ACCESS_TOKEN"`
	TwitchBotRefreshToken  string `env:"TWITCH_BOT_REFRESH_TOKEN"`
	TwitchPrimaryChannel   string `env:"TWITCH_PRIMARY_CHANNEL"`

	// HTTP (/metrics, /health)
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// DefaultProfile returns the breaker configuration for the "default" breaker.
func (c *Config) DefaultProfile() BreakerProfile {
	return BreakerProfile{
		FailureThreshold: c.BreakerDefaultFailureThreshold,
		RecoveryTimeout:  c.BreakerDefaultRecoveryTimeout,
		SuccessThreshold: c.BreakerDefaultSuccessThreshold,
	}
}

// WebSocketProfile returns the breaker configuration for WebSocket operations.
func (c *Config) WebSocketProfile() BreakerProfile {
	return BreakerProfile{
		FailureThreshold: c.BreakerWebSocketFailureThreshold,
		RecoveryTimeout:  c.BreakerWebSocketRecoveryTimeout,
		SuccessThreshold: c.BreakerWebSocketSuccessThreshold,
	}
}

// APIProfile returns the breaker configuration for Helix/OAuth HTTP calls.
func (c *Config) APIProfile() BreakerProfile {
	return BreakerProfile{
		FailureThreshold: c.BreakerAPIFailureThreshold,
		RecoveryTimeout:  c.BreakerAPIRecoveryTimeout,
		SuccessThreshold: c.BreakerAPISuccessThreshold,
	}
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
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

// Validate checks the loaded configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.TokenRefreshThresholdSeconds <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_THRESHOLD_SECONDS must be > 0, got %d", c.TokenRefreshThresholdSeconds)
	}
	if c.TokenRefreshSafetyBufferSeconds < 0 {
		return fmt.Errorf("TOKEN_REFRESH_SAFETY_BUFFER_SECONDS must be >= 0, got %d", c.TokenRefreshSafetyBufferSeconds)
	}
	if c.BroadcasterCachePath == "" {
		return fmt.Errorf("TWITCH_BROADCASTER_CACHE is required")
	}
	if c.ChannelResolveBatchSize <= 0 || c.ChannelResolveBatchSize > 100 {
		return fmt.Errorf("CHANNEL_RESOLVE_BATCH_SIZE must be in (0,100], got %d", c.ChannelResolveBatchSize)
	}
	if c.ChannelResolveConcurrent <= 0 {
		return fmt.Errorf("CHANNEL_RESOLVE_MAX_CONCURRENT_BATCHES must be > 0, got %d", c.ChannelResolveConcurrent)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	if c.TwitchClientID == "" {
		return fmt.Errorf("TWITCH_CLIENT_ID is required")
	}
	if c.TwitchClientSecret == "" {
		return fmt.Errorf("TWITCH_CLIENT_SECRET is required")
	}
	if c.TwitchBotUsername == "" {
		return fmt.Errorf("TWITCH_BOT_USERNAME is required")
	}
	if c.TwitchBotAccessToken == "" {
		return fmt.Errorf("TWITCH_BOT_ACCESS_TOKEN is required")
	}
	if c.TwitchBotRefreshToken == "" {
		return fmt.Errorf("TWITCH_BOT_REFRESH_TOKEN is required")
	}
	if c.TwitchPrimaryChannel == "" {
		return fmt.Errorf("TWITCH_PRIMARY_CHANNEL is required")
	}

	return nil
}
