package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort         string
	ObserverBuffer     int
	TombstoneRetention time.Duration
	PruneInterval      time.Duration
	WriteTimeout       time.Duration
	PongTimeout        time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
	}

	var err error
	if cfg.ObserverBuffer, err = getEnvInt("OBSERVER_BUFFER", 64); err != nil {
		return nil, err
	}
	if cfg.TombstoneRetention, err = getEnvDuration("TOMBSTONE_RETENTION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PruneInterval, err = getEnvDuration("PRUNE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PongTimeout, err = getEnvDuration("WS_PONG_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if err = cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
