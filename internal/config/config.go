// Package config loads the network server's YAML configuration file,
// applying environment variable overrides on top of it, following the
// same Load/applyEnvOverrides shape used throughout this codebase's
// ancestry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig names the running process for logging and metrics.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig configures the ops-only HTTP surface (internal/httpapi).
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the Postgres-backed Store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig configures the gateway ingestion transport boundary.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LogConfig configures the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// EngineConfig carries the frame engine's max_lost_after_reset (passed to
// every engine.Ingest call as engine.Config; read once at startup, with no
// reload) plus the transport-layer concurrency bound (SPEC_FULL.md §5).
type EngineConfig struct {
	MaxLostAfterReset    uint32 `yaml:"max_lost_after_reset"`
	MaxConcurrentIngests int64  `yaml:"max_concurrent_ingests"`
}

// Load reads filename as YAML and applies environment overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{Name: "framengine", Version: "dev"},
		API:    APIConfig{Host: "0.0.0.0", Port: 8080},
		NATS:   NATSConfig{URL: "nats://127.0.0.1:4222", ClientID: "framengine", MaxReconnects: -1, ReconnectInterval: 2 * time.Second},
		Log:    LogConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{MaxLostAfterReset: 16384, MaxConcurrentIngests: 32},
	}
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}
