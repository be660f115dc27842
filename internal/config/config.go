// Package config loads domaind's configuration from a .env file, process
// environment, and CLI flags, in that ascending priority order, mirroring
// the teacher's caarlos0/env + godotenv + Overrides-struct pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ConfigSource selects how FixedInstance/Model/Engine bootstrap data is
// discovered at startup (spec §6's --config-source flag).
type ConfigSource string

const (
	SourceFile  ConfigSource = "file"
	SourceCloud ConfigSource = "cloud"
)

type Config struct {
	Bind string `env:"BIND" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"7400"`

	ConfigSource ConfigSource `env:"CONFIG_SOURCE" envDefault:"file"`
	ConfigFile   string       `env:"CONFIG_FILE" envDefault:"domaind.json"`
	CloudURL     string       `env:"CLOUD_URL"`
	APIKey       string       `env:"API_KEY"`

	DatabaseFile string `env:"DATABASE_FILE" envDefault:"./domaind.db"`
	MediaRoot    string `env:"MEDIA_ROOT" envDefault:"./media"`

	NATSURL string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	PacketCacheMaxRetention time.Duration `env:"PACKET_CACHE_MAX_RETENTION_MS" envDefault:"60s"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	ICEServers string `env:"ICE_SERVERS"` // comma-separated STUN/TURN URLs for the WebRTC broker

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Addr is the listen address built from Bind and Port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// Validate checks cross-field requirements the env tags alone can't express.
func (c *Config) Validate() error {
	switch c.ConfigSource {
	case SourceFile:
		if c.ConfigFile == "" {
			return fmt.Errorf("--config-file is required when --config-source=file")
		}
	case SourceCloud:
		if c.CloudURL == "" {
			return fmt.Errorf("--cloud-url is required when --config-source=cloud")
		}
	default:
		return fmt.Errorf("invalid --config-source %q: must be file or cloud", c.ConfigSource)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars, per
// spec §6's CLI flag set mirrored onto this struct one field at a time.
type Overrides struct {
	EnvFile                 string
	Bind                     string
	Port                     int
	ConfigSource             string
	ConfigFile               string
	CloudURL                 string
	APIKey                   string
	DatabaseFile             string
	MediaRoot                string
	NATSURL                  string
	PacketCacheMaxRetentionMs int
	LogLevel                 string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.Bind != "" {
		cfg.Bind = overrides.Bind
	}
	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.ConfigSource != "" {
		cfg.ConfigSource = ConfigSource(overrides.ConfigSource)
	}
	if overrides.ConfigFile != "" {
		cfg.ConfigFile = overrides.ConfigFile
	}
	if overrides.CloudURL != "" {
		cfg.CloudURL = overrides.CloudURL
	}
	if overrides.APIKey != "" {
		cfg.APIKey = overrides.APIKey
	}
	if overrides.DatabaseFile != "" {
		cfg.DatabaseFile = overrides.DatabaseFile
	}
	if overrides.MediaRoot != "" {
		cfg.MediaRoot = overrides.MediaRoot
	}
	if overrides.NATSURL != "" {
		cfg.NATSURL = overrides.NATSURL
	}
	if overrides.PacketCacheMaxRetentionMs != 0 {
		cfg.PacketCacheMaxRetention = time.Duration(overrides.PacketCacheMaxRetentionMs) * time.Millisecond
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
