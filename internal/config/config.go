// Package config loads server configuration from an optional YAML file,
// a .env file, and environment variables. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingProviderKey is returned when no LLM provider credential is
// configured and local-provider mode is off.
var ErrMissingProviderKey = errors.New("no provider API key configured")

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	Loop     LoopConfig     `yaml:"loop"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig selects and credentials the LLM provider.
type ProviderConfig struct {
	// APIKey authorizes requests. Required unless Local is set.
	APIKey string `yaml:"api_key"`
	// BaseURL defaults to the OpenRouter endpoint.
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used by agents that do not pin one.
	DefaultModel string `yaml:"default_model"`
	// Local runs without a remote provider, for development and tests.
	Local bool `yaml:"local"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Path is the sqlite database file. Empty means in-memory stores.
	Path string `yaml:"path"`
}

// LoopConfig bounds a single conversation turn.
type LoopConfig struct {
	MaxSteps       int           `yaml:"max_steps"`
	MaxToolCalls   int           `yaml:"max_tool_calls"`
	MaxWallTime    time.Duration `yaml:"max_wall_time"`
	MaxCost        float64       `yaml:"max_cost"`
	MaxRetries     int           `yaml:"max_retries"`
	LLMCallTimeout time.Duration `yaml:"llm_call_timeout"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8283",
			ShutdownTimeout: 30 * time.Second,
		},
		Provider: ProviderConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openai/gpt-4o-mini",
		},
		Loop: LoopConfig{
			MaxSteps:       20,
			MaxToolCalls:   30,
			MaxWallTime:    120 * time.Second,
			MaxCost:        1.0,
			MaxRetries:     3,
			LLMCallTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Provider.APIKey == "" && !c.Provider.Local {
		return ErrMissingProviderKey
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Loop.MaxSteps <= 0 || c.Loop.MaxToolCalls <= 0 {
		return fmt.Errorf("loop limits must be positive")
	}
	return nil
}
