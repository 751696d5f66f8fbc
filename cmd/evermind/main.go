// Package main is the evermind CLI: a stateful conversational-agent
// server with hierarchical memory, bounded tool-calling turns, and
// versioned agent configuration.
//
// Start the server:
//
//	evermind serve --config evermind.yaml
//
// Configuration comes from the YAML file, a .env file, and environment
// variables (OPENROUTER_API_KEY, EVERMIND_ADDR, EVERMIND_DB_PATH, ...);
// environment variables take precedence.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/assembler"
	"github.com/evermind-ai/evermind/internal/config"
	"github.com/evermind-ai/evermind/internal/embeddings"
	"github.com/evermind-ai/evermind/internal/gateway"
	"github.com/evermind-ai/evermind/internal/memory"
	"github.com/evermind-ai/evermind/internal/providers/openrouter"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/internal/summarize"
	"github.com/evermind-ai/evermind/internal/tokens"
	"github.com/evermind-ai/evermind/internal/usage"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "evermind",
		Short:         "Stateful conversational-agent server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("evermind %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("starting evermind",
		"version", version,
		"model", cfg.Provider.DefaultModel,
		"storage", storageLabel(cfg.Storage.Path))

	server := gateway.NewServer(*deps)
	return server.Start(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
}

// buildDeps wires stores, the provider, and shared services. The
// returned cleanup closes every store that was opened.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Deps, func(), error) {
	var (
		agentStore   agents.Store
		sessionStore sessions.Store
		usageStore   usage.Store
		memoryStore  memory.Store
		assocStore   memory.AssocStore
		closers      []func() error
	)

	if path := cfg.Storage.Path; path != "" {
		// All stores share one handle so WAL and the busy timeout apply
		// uniformly and the single-writer limit holds across them.
		db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		closers = append(closers, db.Close)

		as, err := agents.NewSQLiteStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open agent store: %w", err)
		}
		ss, err := sessions.NewSQLiteStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		us, err := usage.NewSQLiteStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open usage store: %w", err)
		}
		ms, err := memory.NewSQLiteStoreWithDB(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		assocs, err := memory.NewSQLiteAssocStore(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open association store: %w", err)
		}

		agentStore, sessionStore, usageStore = as, ss, us
		memoryStore, assocStore = ms, assocs
	} else {
		agentStore = agents.NewMemoryStore()
		sessionStore = sessions.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		memoryStore = memory.NewMemStore()
		assocStore = memory.NewMemAssocStore()
	}
	cleanup := func() {
		for _, close := range closers {
			if err := close(); err != nil {
				logger.Warn("store close failed", "error", err)
			}
		}
	}

	apiKey := cfg.Provider.APIKey
	if apiKey == "" && cfg.Provider.Local {
		apiKey = "local"
	}
	provider, err := openrouter.New(openrouter.Config{
		APIKey:       apiKey,
		BaseURL:      cfg.Provider.BaseURL,
		DefaultModel: cfg.Provider.DefaultModel,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	tracker, err := usage.NewTracker(ctx, usageStore, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load usage history: %w", err)
	}

	registry := agents.NewRegistry(agentStore, logger)
	counter := tokens.NewCounter()
	gate := memory.NewRetentionGate(memory.DefaultRetentionConfig())
	learner := memory.NewLearner(memoryStore, assocStore, memory.DefaultLearnerConfig(), logger)

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.MaxSteps = cfg.Loop.MaxSteps
	loopCfg.MaxToolCalls = cfg.Loop.MaxToolCalls
	loopCfg.MaxWallTime = cfg.Loop.MaxWallTime
	loopCfg.MaxCost = cfg.Loop.MaxCost
	loopCfg.MaxRetries = cfg.Loop.MaxRetries
	loopCfg.LLMCallTimeout = cfg.Loop.LLMCallTimeout

	deps := &gateway.Deps{
		Agents:     registry,
		Sessions:   sessionStore,
		Provider:   provider,
		Tracker:    tracker,
		Assembler:  assembler.New(counter, assembler.DefaultConfig(), logger),
		Summarizer: summarize.New(provider, sessionStore, cfg.Provider.DefaultModel, logger),
		Memory: func(agentID string) *memory.Hierarchy {
			return memory.NewHierarchy(agentID, memoryStore, gate, embedder,
				memory.DefaultHierarchyConfig(), logger)
		},
		Learner:    learner,
		Credits:    &usage.OpenRouterFetcher{APIKey: cfg.Provider.APIKey},
		LoopConfig: loopCfg,
		Logger:     logger,
	}
	return deps, cleanup, nil
}

func newEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	if cfg.Provider.Local || cfg.Provider.APIKey == "" {
		return embeddings.NewLocal(0), nil
	}
	return embeddings.New(embeddings.Config{
		Provider: "openai",
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
	})
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func storageLabel(path string) string {
	if path == "" {
		return "in-memory"
	}
	return path
}
