package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "engram", cfg.Name)
	assert.Equal(t, 20, cfg.Memory.MaxConversations)
	assert.Equal(t, 7200, cfg.Session.IdleThresholdSec)
	assert.Equal(t, 3600, cfg.Correlation.WindowSec)
	assert.Equal(t, 5*time.Second, cfg.GetVCSTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetSessionCacheTTL())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Memory.MaxConversations, cfg.Memory.MaxConversations)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  database_path: /tmp/custom.db
  max_conversations: 5
session:
  idle_threshold_sec: 600
correlation:
  window_sec: 120
ambient:
  vcs_timeout: 2s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Memory.DatabasePath)
	assert.Equal(t, 5, cfg.Memory.MaxConversations)
	assert.Equal(t, 600, cfg.Session.IdleThresholdSec)
	assert.Equal(t, 120, cfg.Correlation.WindowSec)
	assert.Equal(t, 2*time.Second, cfg.GetVCSTimeout())
	// Unset fields keep their defaults.
	assert.Equal(t, "engram", cfg.Name)
	require.NoError(t, cfg.Validate())
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ENGRAM_DB", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Memory.DatabasePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-positive max conversations", func(c *Config) { c.Memory.MaxConversations = 0 }},
		{"non-positive idle threshold", func(c *Config) { c.Session.IdleThresholdSec = -1 }},
		{"non-positive window", func(c *Config) { c.Correlation.WindowSec = 0 }},
		{"empty database path", func(c *Config) { c.Memory.DatabasePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Memory.MaxConversations = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Memory.MaxConversations)
}

func TestBadDurationFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ambient.VCSTimeout = "not-a-duration"
	cfg.Session.CacheTTL = "also wrong"
	assert.Equal(t, 5*time.Second, cfg.GetVCSTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetSessionCacheTTL())
}
