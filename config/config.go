// Package config provides centralized configuration for the bandrec toolkit.
// Values come from environment variables (optionally loaded from a .env file)
// with sensible defaults, and are validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings for device access, storage and the
// acquisition loop.
type Config struct {
	// Device settings
	DeviceID          string        // FRENZ_ID
	ProductKey        string        // FRENZ_KEY
	ConnectTimeout    time.Duration `validate:"gt=0"`
	ReconnectAttempts int           `validate:"gte=1"`
	ReconnectDelay    time.Duration `validate:"gt=0"`
	MaxReconnectDelay time.Duration `validate:"gt=0"`

	// Storage settings
	DataDir           string        `validate:"required"`
	BufferCeiling     time.Duration `validate:"gt=0"` // max unflushed duration before a forced flush
	AutoFlushInterval time.Duration `validate:"gt=0"`

	// Acquisition settings
	PollInterval time.Duration `validate:"gt=0"`
	StopGrace    time.Duration `validate:"gt=0"` // how long Stop waits for workers to join

	// Logging
	LogFile string
	Debug   bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; existing environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DeviceID:          os.Getenv("FRENZ_ID"),
		ProductKey:        os.Getenv("FRENZ_KEY"),
		ConnectTimeout:    getEnvDuration("CONNECTION_TIMEOUT", 30*time.Second),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 3),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", time.Second),
		MaxReconnectDelay: getEnvDuration("MAX_RECONNECT_DELAY", 30*time.Second),

		DataDir:           getEnv("DATA_DIR", "./data"),
		BufferCeiling:     getEnvDuration("BUFFER_CEILING", 5*time.Minute),
		AutoFlushInterval: getEnvDuration("AUTO_FLUSH_INTERVAL", 5*time.Minute),

		PollInterval: getEnvDuration("POLL_INTERVAL", 10*time.Millisecond),
		StopGrace:    getEnvDuration("STOP_GRACE", 5*time.Second),

		LogFile: getEnv("LOG_FILE", "./bandrec.log"),
		Debug:   getEnvBool("DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("invalid configuration: MAX_RECONNECT_DELAY (%s) below RECONNECT_DELAY (%s)",
			c.MaxReconnectDelay, c.ReconnectDelay)
	}
	return nil
}

// HasCredentials reports whether a device id and product key are configured.
func (c *Config) HasCredentials() bool {
	return c.DeviceID != "" && c.ProductKey != ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getEnvDuration accepts either a Go duration string ("30s", "5m") or a bare
// number of seconds, matching how the original env files were written.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
