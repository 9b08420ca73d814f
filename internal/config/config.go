// Package config loads engram configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engram configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Conversation store
	Memory MemoryConfig `yaml:"memory"`

	// Session detection
	Session SessionConfig `yaml:"session"`

	// Temporal correlation
	Correlation CorrelationConfig `yaml:"correlation"`

	// Ambient capture
	Ambient AmbientConfig `yaml:"ambient"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// MemoryConfig configures the bounded conversation store.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Maximum stored conversations; the oldest is evicted FIFO past this.
	MaxConversations int `yaml:"max_conversations"`
}

// SessionConfig configures workspace session detection.
type SessionConfig struct {
	// Idle gap in seconds after which a session is considered stale.
	IdleThresholdSec int `yaml:"idle_threshold_sec"`
	// TTL for the in-process current-session cache.
	CacheTTL string `yaml:"cache_ttl"`
}

// CorrelationConfig configures the temporal correlation engine.
type CorrelationConfig struct {
	// Symmetric window in seconds around each turn.
	WindowSec int `yaml:"window_sec"`
}

// AmbientConfig configures best-effort ambient capture.
type AmbientConfig struct {
	// Hard wall-clock timeout for external VCS calls.
	VCSTimeout string `yaml:"vcs_timeout"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "engram",
		Version: "0.3.0",

		Memory: MemoryConfig{
			DatabasePath:     "data/engram.db",
			MaxConversations: 20,
		},

		Session: SessionConfig{
			IdleThresholdSec: 7200,
			CacheTTL:         "5m",
		},

		Correlation: CorrelationConfig{
			WindowSec: 3600,
		},

		Ambient: AmbientConfig{
			VCSTimeout: "5s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("ENGRAM_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
}

// GetVCSTimeout returns the ambient capture timeout as a duration.
func (c *Config) GetVCSTimeout() time.Duration {
	d, err := time.ParseDuration(c.Ambient.VCSTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetSessionCacheTTL returns the session cache TTL as a duration.
func (c *Config) GetSessionCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Session.CacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Memory.MaxConversations <= 0 {
		return fmt.Errorf("memory.max_conversations must be positive, got %d", c.Memory.MaxConversations)
	}
	if c.Session.IdleThresholdSec <= 0 {
		return fmt.Errorf("session.idle_threshold_sec must be positive, got %d", c.Session.IdleThresholdSec)
	}
	if c.Correlation.WindowSec <= 0 {
		return fmt.Errorf("correlation.window_sec must be positive, got %d", c.Correlation.WindowSec)
	}
	if c.Memory.DatabasePath == "" {
		return fmt.Errorf("memory.database_path must not be empty")
	}
	return nil
}
