// Package config loads broker configuration from the environment, an
// optional .env file, and an optional YAML application manifest.
// Priority: environment > .env file > defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tomnagengast/revurb-sub002/internal/apps"
)

// Scaling drivers.
const (
	DriverRedis = "redis"
	DriverNATS  = "nats"
	DriverKafka = "kafka"
)

// Config holds all broker configuration.
type Config struct {
	// Server
	Host string `env:"REVERB_SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"REVERB_SERVER_PORT" envDefault:"8080"`
	Path string `env:"REVERB_SERVER_PATH" envDefault:""`

	// Single-application credentials. Ignored when AppsFile is set.
	AppID           string   `env:"REVERB_APP_ID"`
	AppKey          string   `env:"REVERB_APP_KEY"`
	AppSecret       string   `env:"REVERB_APP_SECRET"`
	AllowedOrigins  []string `env:"REVERB_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	PingInterval    int      `env:"REVERB_APP_PING_INTERVAL" envDefault:"30"`
	ActivityTimeout int      `env:"REVERB_APP_ACTIVITY_TIMEOUT" envDefault:"30"`
	MaxConnections  int      `env:"REVERB_APP_MAX_CONNECTIONS" envDefault:"0"`
	MaxMessageSize  int      `env:"REVERB_APP_MAX_MESSAGE_SIZE" envDefault:"10000"`

	// Multi-application manifest (YAML, `apps:` list).
	AppsFile string `env:"REVERB_APPS_FILE"`

	// HTTP API
	MaxRequestSize int64 `env:"REVERB_MAX_REQUEST_SIZE" envDefault:"10000"`

	// Horizontal scaling
	ScalingEnabled bool     `env:"REVERB_SCALING_ENABLED" envDefault:"false"`
	ScalingChannel string   `env:"REVERB_SCALING_CHANNEL" envDefault:"revurb"`
	ScalingDriver  string   `env:"REVERB_SCALING_DRIVER" envDefault:"redis"`
	RedisURL       string   `env:"REVERB_REDIS_URL" envDefault:"redis://localhost:6379"`
	NATSURL        string   `env:"REVERB_NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers   []string `env:"REVERB_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`

	// Handshake rate limiting (token buckets, per IP and global)
	RateLimitEnabled     bool    `env:"REVERB_RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitIPRate      float64 `env:"REVERB_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	RateLimitIPBurst     int     `env:"REVERB_RATE_LIMIT_IP_BURST" envDefault:"10"`
	RateLimitGlobalRate  float64 `env:"REVERB_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`
	RateLimitGlobalBurst int     `env:"REVERB_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`

	// Logging
	LogLevel  string `env:"REVERB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"REVERB_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
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

// Validate checks configuration for errors that would only surface later.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("REVERB_SERVER_PORT must be 1-65535, got %d", c.Port)
	}

	if c.AppsFile == "" && (c.AppID == "" || c.AppKey == "" || c.AppSecret == "") {
		return fmt.Errorf("REVERB_APP_ID, REVERB_APP_KEY, and REVERB_APP_SECRET are required unless REVERB_APPS_FILE is set")
	}

	switch c.ScalingDriver {
	case DriverRedis, DriverNATS, DriverKafka:
	default:
		return fmt.Errorf("REVERB_SCALING_DRIVER must be one of: redis, nats, kafka (got: %s)", c.ScalingDriver)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("REVERB_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("REVERB_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr is the listen address for the combined WebSocket and HTTP listener.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type appsManifest struct {
	Apps []apps.Application `yaml:"apps"`
}

// Applications materializes the tenant list, either from the YAML manifest or
// from the single-app environment variables. Per-app zero values fall back to
// the environment defaults.
func (c *Config) Applications() ([]apps.Application, error) {
	if c.AppsFile == "" {
		return []apps.Application{{
			ID:              c.AppID,
			Key:             c.AppKey,
			Secret:          c.AppSecret,
			PingInterval:    c.PingInterval,
			ActivityTimeout: c.ActivityTimeout,
			AllowedOrigins:  c.AllowedOrigins,
			MaxMessageSize:  c.MaxMessageSize,
			MaxConnections:  c.MaxConnections,
		}}, nil
	}

	raw, err := os.ReadFile(c.AppsFile)
	if err != nil {
		return nil, fmt.Errorf("reading apps file %s: %w", c.AppsFile, err)
	}

	var manifest appsManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing apps file %s: %w", c.AppsFile, err)
	}
	if len(manifest.Apps) == 0 {
		return nil, fmt.Errorf("apps file %s declares no applications", c.AppsFile)
	}

	for i := range manifest.Apps {
		app := &manifest.Apps[i]
		if app.PingInterval == 0 {
			app.PingInterval = c.PingInterval
		}
		if app.ActivityTimeout == 0 {
			app.ActivityTimeout = c.ActivityTimeout
		}
		if app.MaxMessageSize == 0 {
			app.MaxMessageSize = c.MaxMessageSize
		}
		if len(app.AllowedOrigins) == 0 {
			app.AllowedOrigins = []string{"*"}
		}
	}

	return manifest.Apps, nil
}

// LogConfig logs the effective configuration. Secrets stay out of the log.
func (c *Config) LogConfig(logger zerolog.Logger, appCount int) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("path", c.Path).
		Int("applications", appCount).
		Bool("scaling_enabled", c.ScalingEnabled).
		Str("scaling_driver", c.ScalingDriver).
		Str("scaling_channel", c.ScalingChannel).
		Int64("max_request_size", c.MaxRequestSize).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
