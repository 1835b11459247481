// Package config loads server configuration from a TOML file with sane
// defaults when the file is absent.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Rollover  RolloverConfig  `toml:"rollover"`
	Notify    NotifyConfig    `toml:"notify"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RolloverConfig struct {
	Enabled       bool   `toml:"enabled"`
	CheckInterval string `toml:"check_interval"` // Go duration string
}

type NotifyConfig struct {
	Buffer int `toml:"buffer"`
}

type TelemetryConfig struct {
	MetricsEnabled bool `toml:"metrics_enabled"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "savings.db"},
		Rollover: RolloverConfig{
			Enabled:       true,
			CheckInterval: "1h",
		},
		Notify:    NotifyConfig{Buffer: 256},
		Telemetry: TelemetryConfig{MetricsEnabled: true},
	}
}

// Load reads the config file at path. A missing file returns defaults; a
// malformed file is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if _, err := cfg.CheckIntervalDuration(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CheckIntervalDuration parses the rollover check interval.
func (c Config) CheckIntervalDuration() (time.Duration, error) {
	if c.Rollover.CheckInterval == "" {
		return time.Hour, nil
	}
	d, err := time.ParseDuration(c.Rollover.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid rollover.check_interval %q: %w", c.Rollover.CheckInterval, err)
	}
	return d, nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
