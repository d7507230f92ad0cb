package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_Defaults tests that an empty environment yields the defaults
func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_PORT", "OBSERVER_BUFFER", "TOMBSTONE_RETENTION", "PRUNE_INTERVAL",
		"WS_WRITE_TIMEOUT", "WS_PONG_TIMEOUT", "SHUTDOWN_TIMEOUT", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 64, cfg.ObserverBuffer)
	assert.Equal(t, 10*time.Minute, cfg.TombstoneRetention)
	assert.Equal(t, time.Minute, cfg.PruneInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

// TestLoadConfig_Overrides tests that environment values win over defaults
func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("OBSERVER_BUFFER", "8")
	t.Setenv("TOMBSTONE_RETENTION", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.ServerPort)
	assert.Equal(t, 8, cfg.ObserverBuffer)
	assert.Equal(t, 30*time.Second, cfg.TombstoneRetention)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

// TestLoadConfig_Invalid tests that malformed values are rejected
func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("TOMBSTONE_RETENTION", "not-a-duration")

	_, err := LoadConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOMBSTONE_RETENTION")
}
