// Package gateway exposes the agent server over HTTP: agent and config
// management, chat (plain and SSE streaming), conversation history,
// context usage, and cost reporting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/assembler"
	"github.com/evermind-ai/evermind/internal/memory"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/internal/usage"
)

// Deps are the services the gateway serves.
type Deps struct {
	Agents   *agents.Registry
	Sessions sessions.Store
	Provider agent.LLMProvider
	Tracker  *usage.Tracker

	Assembler  *assembler.Assembler
	Summarizer agent.Summarizer

	// Memory builds the per-agent memory hierarchy.
	Memory func(agentID string) *memory.Hierarchy
	// Learner is shared across agents; the association graph is keyed
	// by item id.
	Learner *memory.Learner

	// Credits fetches the provider-side balance. Optional.
	Credits *usage.OpenRouterFetcher

	LoopConfig agent.LoopConfig
	Logger     *slog.Logger
}

// agentRuntime is the per-agent state the gateway keeps alive between
// requests: the reasoning loop and the memory hierarchy it works with.
type agentRuntime struct {
	loop   *agent.Loop
	memory *memory.Hierarchy
}

// Server is the HTTP front end. Agent runtimes are created lazily per
// agent and reused, so session serialization works across requests.
type Server struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*agentRuntime

	httpServer *http.Server
}

// NewServer builds the gateway.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.LoopConfig.MaxSteps <= 0 {
		deps.LoopConfig = agent.DefaultLoopConfig()
	}
	return &Server{
		deps:     deps,
		logger:   logger,
		runtimes: make(map[string]*agentRuntime),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /models", s.handleModels)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /agents/{id}/config", s.handleGetConfig)
	mux.HandleFunc("PUT /agents/{id}/config", s.handlePutConfig)
	mux.HandleFunc("GET /agents/{id}/versions", s.handleListVersions)
	mux.HandleFunc("POST /agents/{id}/versions/{vid}/rollback", s.handleRollback)
	mux.HandleFunc("GET /agents/{id}/system-prompt", s.handleGetSystemPrompt)
	mux.HandleFunc("PUT /agents/{id}/system-prompt", s.handlePutSystemPrompt)

	mux.HandleFunc("GET /agents/{id}/memory/blocks", s.handleListBlocks)
	mux.HandleFunc("PUT /agents/{id}/memory/blocks/{label}", s.handlePutBlock)

	mux.HandleFunc("POST /agents/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /agents/{id}/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /agents/{id}/new-chat", s.handleNewChat)

	mux.HandleFunc("GET /conversation/{session}", s.handleConversation)
	mux.HandleFunc("POST /conversation/{session}/clear", s.handleClearConversation)
	mux.HandleFunc("POST /conversation/{session}/summarize", s.handleSummarize)

	mux.HandleFunc("GET /context/usage", s.handleContextUsage)
	mux.HandleFunc("GET /costs/statistics", s.handleCostStatistics)
	mux.HandleFunc("GET /costs/openrouter", s.handleCostOpenRouter)

	return mux
}

// Start serves HTTP on addr until the context is canceled, then drains
// in-flight requests for up to shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway shutdown error", "error", err)
		return err
	}
	s.logger.Info("gateway stopped")
	return nil
}

// loopFor returns the reasoning loop for an agent, building the runtime
// on first use.
func (s *Server) loopFor(agentID string) *agent.Loop {
	return s.runtimeFor(agentID).loop
}

// memoryFor returns the agent's live memory hierarchy.
func (s *Server) memoryFor(agentID string) *memory.Hierarchy {
	return s.runtimeFor(agentID).memory
}

func (s *Server) runtimeFor(agentID string) *agentRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.runtimes[agentID]; ok {
		return rt
	}

	hierarchy := s.deps.Memory(agentID)
	hierarchy.SetLearner(s.deps.Learner)
	registry := agent.NewToolRegistry(s.logger)
	if err := agent.RegisterBuiltins(registry, agent.BuiltinDeps{
		AgentID: agentID,
		Agents:  s.deps.Agents,
		Memory:  hierarchy,
		Learner: s.deps.Learner,
	}); err != nil {
		// Builtin schemas are static; a failure here is a programming
		// error surfaced at first chat rather than process start.
		s.logger.Error("builtin tool registration failed", "agent_id", agentID, "error", err)
	}

	loop := agent.NewLoop(agentID, agent.LoopDeps{
		Provider:   s.deps.Provider,
		Tools:      registry,
		Agents:     s.deps.Agents,
		Sessions:   s.deps.Sessions,
		Assembler:  s.deps.Assembler,
		Summarizer: s.deps.Summarizer,
		Tracker:    s.deps.Tracker,
		Memory:     hierarchy,
		Logger:     s.logger,
	}, s.deps.LoopConfig)

	rt := &agentRuntime{loop: loop, memory: hierarchy}
	s.runtimes[agentID] = rt
	return rt
}

// defaultSessionID is the session used when a chat request does not name
// one. Each agent gets its own.
func defaultSessionID(agentID string) string {
	return "default-" + agentID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
