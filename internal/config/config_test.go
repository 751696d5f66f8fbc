package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EVERMIND_ADDR", "EVERMIND_SHUTDOWN_TIMEOUT",
		"OPENROUTER_API_KEY", "OPENAI_API_KEY",
		"EVERMIND_BASE_URL", "EVERMIND_MODEL", "EVERMIND_LOCAL_PROVIDER",
		"EVERMIND_DB_PATH",
		"EVERMIND_MAX_STEPS", "EVERMIND_MAX_TOOL_CALLS",
		"EVERMIND_MAX_WALL_TIME", "EVERMIND_MAX_COST",
		"EVERMIND_LOG_LEVEL", "EVERMIND_LOG_FORMAT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8283" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Loop.MaxSteps != 20 || cfg.Loop.MaxWallTime != 120*time.Second {
		t.Fatalf("loop defaults = %+v", cfg.Loop)
	}
	if cfg.Provider.BaseURL != "https://openrouter.ai/api/v1" {
		t.Fatalf("base url = %q", cfg.Provider.BaseURL)
	}
}

func TestLoadFatalWithoutProviderKey(t *testing.T) {
	clearEnv(t)

	_, err := Load("")
	if !errors.Is(err, ErrMissingProviderKey) {
		t.Fatalf("err = %v, want ErrMissingProviderKey", err)
	}
}

func TestLoadLocalProviderSkipsKeyCheck(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVERMIND_LOCAL_PROVIDER", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Provider.Local {
		t.Fatal("local provider flag must be set")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "evermind.yaml")
	data := []byte("server:\n  addr: \":9000\"\nloop:\n  max_steps: 5\nstorage:\n  path: /tmp/evermind.db\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Loop.MaxSteps != 5 {
		t.Fatalf("max_steps = %d", cfg.Loop.MaxSteps)
	}
	if cfg.Storage.Path != "/tmp/evermind.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Loop.MaxToolCalls != 30 {
		t.Fatalf("max_tool_calls = %d", cfg.Loop.MaxToolCalls)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("EVERMIND_ADDR", ":7777")
	t.Setenv("EVERMIND_MAX_STEPS", "9")

	path := filepath.Join(t.TempDir(), "evermind.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("addr = %q, env must win over file", cfg.Server.Addr)
	}
	if cfg.Loop.MaxSteps != 9 {
		t.Fatalf("max_steps = %d", cfg.Loop.MaxSteps)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-test")

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "k"
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad log level must fail validation")
	}
}
