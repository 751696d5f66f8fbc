package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration in ascending precedence: defaults, the
// YAML file at path (optional, skipped when empty or absent), a .env
// file in the working directory, then environment variables.
func Load(path string) (*Config, error) {
	// Populate the process environment first so env overrides below
	// see values from .env as well.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "EVERMIND_ADDR")
	setDuration(&cfg.Server.ShutdownTimeout, "EVERMIND_SHUTDOWN_TIMEOUT")

	setString(&cfg.Provider.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.Provider.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Provider.BaseURL, "EVERMIND_BASE_URL")
	setString(&cfg.Provider.DefaultModel, "EVERMIND_MODEL")
	setBool(&cfg.Provider.Local, "EVERMIND_LOCAL_PROVIDER")

	setString(&cfg.Storage.Path, "EVERMIND_DB_PATH")

	setInt(&cfg.Loop.MaxSteps, "EVERMIND_MAX_STEPS")
	setInt(&cfg.Loop.MaxToolCalls, "EVERMIND_MAX_TOOL_CALLS")
	setDuration(&cfg.Loop.MaxWallTime, "EVERMIND_MAX_WALL_TIME")
	setFloat(&cfg.Loop.MaxCost, "EVERMIND_MAX_COST")

	setString(&cfg.Logging.Level, "EVERMIND_LOG_LEVEL")
	setString(&cfg.Logging.Format, "EVERMIND_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
