// Package config provides configuration for the roundtable server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DatabaseURL   string
	TranscriptDir string
	PresetDir     string

	// Run defaults
	HistoryWindow int
	DefaultRounds int

	// Timeouts
	AgentTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:      getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:   getEnv("DATABASE_URL", "file:roundtable.db?cache=shared&mode=rwc"),
		TranscriptDir: getEnv("TRANSCRIPT_DIR", "outputs"),
		PresetDir:     getEnv("PRESET_DIR", "presets"),
		HistoryWindow: getEnvInt("HISTORY_WINDOW", DefaultHistoryWindow),
		DefaultRounds: getEnvInt("DEFAULT_ROUNDS", 10),
		AgentTimeout:  time.Duration(getEnvInt("AGENT_TIMEOUT_MS", 300000)) * time.Millisecond,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
