// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// ShortCode is the USSD code dialed to open a banking session.
	ShortCode string

	ADB    ADBConfig
	Engine EngineConfig
}

// ADBConfig configures the device bridge.
type ADBConfig struct {
	Path          string
	Serial        string
	TargetPackage string
	PollInterval  time.Duration
}

// EngineConfig carries the engine timing knobs.
type EngineConfig struct {
	DebounceWindow  time.Duration
	SettleDelay     time.Duration
	SubmitInterval  time.Duration
	PostInjectDelay time.Duration
	SubmitCooldown  time.Duration
	SessionTimeout  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/pilot.db"),
		ShortCode:   getEnv("USSD_SHORT_CODE", "*99#"),
		ADB: ADBConfig{
			Path:          getEnv("ADB_PATH", "adb"),
			Serial:        getEnv("ADB_SERIAL", ""),
			TargetPackage: getEnv("USSD_TARGET_PACKAGE", "com.android.phone"),
			PollInterval:  getEnvMillis("ADB_POLL_INTERVAL_MS", 500),
		},
		Engine: EngineConfig{
			DebounceWindow:  getEnvMillis("ENGINE_DEBOUNCE_MS", 100),
			SettleDelay:     getEnvMillis("ENGINE_SETTLE_MS", 200),
			SubmitInterval:  getEnvMillis("ENGINE_SUBMIT_INTERVAL_MS", 300),
			PostInjectDelay: getEnvMillis("ENGINE_POST_INJECT_MS", 300),
			SubmitCooldown:  getEnvMillis("ENGINE_COOLDOWN_MS", 300),
			SessionTimeout:  getEnvMillis("ENGINE_SESSION_TIMEOUT_MS", 120_000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ShortCode == "" {
		return fmt.Errorf("USSD_SHORT_CODE cannot be empty")
	}
	if c.ADB.PollInterval <= 0 {
		return fmt.Errorf("ADB_POLL_INTERVAL_MS must be > 0")
	}
	if c.Engine.DebounceWindow < 0 || c.Engine.SettleDelay < 0 {
		return fmt.Errorf("engine timings must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
