// Package config loads the server's typed configuration, following the
// teacher's pkg/config layering: an optional .env file, an optional YAML
// override, then envdecode struct-tag environment overrides on top (§4.9,
// §6 "Server env").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ingest HTTP listener.
type ServerConfig struct {
	Host          string `yaml:"host" env:"SERVER_HOST"`
	Port          int    `yaml:"port" env:"SERVER_PORT"`
	EnforceHTTPS  bool   `yaml:"enforce_https" env:"EM_ENFORCE_HTTPS"`
}

// DatabaseConfig controls the Postgres store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

// RedisConfig controls the rate limiter and task queue backing store.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// IngestConfig controls the ingest pipeline's bounded parameters (§4.6).
type IngestConfig struct {
	ReplayWindowSeconds      int `yaml:"replay_window_seconds" env:"EM_REPLAY_WINDOW_SECONDS"`
	MaxPayloadBytes          int `yaml:"max_payload_bytes" env:"EM_MAX_PAYLOAD_BYTES"`
	MaxEventsPerBatch        int `yaml:"max_events_per_batch" env:"EM_MAX_EVENTS_PER_BATCH"`
	MaxComputeSeconds        int `yaml:"max_ingest_compute_seconds" env:"EM_MAX_INGEST_COMPUTE_SECONDS"`
}

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// ReplayWindow returns the configured replay window as a time.Duration.
func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.Ingest.ReplayWindowSeconds) * time.Second
}

// ComputeTimeout returns the configured per-task compute wall-clock cap.
func (c Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Ingest.MaxComputeSeconds) * time.Second
}

// New returns a Config populated with the spec's documented defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8443,
			EnforceHTTPS: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Ingest: IngestConfig{
			ReplayWindowSeconds: 300,
			MaxPayloadBytes:     1 << 20, // 1MiB
			MaxEventsPerBatch:   500,
			MaxComputeSeconds:   3,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE or configs/server.yaml), then environment overrides,
// in that priority order (lowest to highest).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/server.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the presence of the server's hard dependencies.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database DSN is required (DATABASE_URL)")
	}
	if c.Ingest.ReplayWindowSeconds <= 0 {
		return fmt.Errorf("replay_window_seconds must be positive")
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive")
	}
	return nil
}
