package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/evermind-ai/evermind/pkg/models"
)

// SideEffect classifies what a tool handler touches. Pure and read tools
// are safe to retry; write and external tools are not.
type SideEffect string

const (
	SideEffectPure     SideEffect = "pure"
	SideEffectRead     SideEffect = "read"
	SideEffectWrite    SideEffect = "write"
	SideEffectExternal SideEffect = "external"
)

// DefaultToolTimeout bounds a single handler invocation.
const DefaultToolTimeout = 30 * time.Second

// Handler executes a tool with schema-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registered capability the model may invoke.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Timeout     time.Duration
	SideEffect  SideEffect
	Terminal    bool
	Handler     Handler

	compiled *jsonschema.Schema
}

var toolDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "evermind_tool_dispatches_total",
	Help: "Tool dispatches by tool name and outcome.",
}, []string{"tool", "status"})

// ToolRegistry holds the tools available to the reasoning loop. Reads
// vastly outnumber writes; mutations take the registry-wide lock.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register compiles the tool's schema and adds it to the registry.
// Registration is idempotent by name; a re-register replaces.
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return E(KindInvalidRequest, "tool name is required")
	}
	if tool.Handler == nil {
		return E(KindInvalidRequest, "tool handler is required")
	}
	if len(tool.Schema) == 0 {
		tool.Schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(tool.Name+".json", string(tool.Schema))
	if err != nil {
		return Wrap(KindInvalidRequest, fmt.Sprintf("invalid schema for tool %q", tool.Name), err)
	}
	tool.compiled = compiled
	if tool.Timeout <= 0 {
		tool.Timeout = DefaultToolTimeout
	}
	if tool.SideEffect == "" {
		tool.SideEffect = SideEffectPure
	}

	r.mu.Lock()
	r.tools[tool.Name] = tool
	r.mu.Unlock()
	return nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Schemas returns all tool schemas sorted by name, so context assembly
// sees the same bytes on every call.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates the call's arguments and runs the handler under its
// timeout. Failures come back as IsError results rather than Go errors,
// so the model can see them and recover.
func (r *ToolRegistry) Dispatch(ctx context.Context, call models.ToolCall) *models.ToolResult {
	start := time.Now()
	result := r.dispatch(ctx, call)
	result.ToolCallID = call.ID
	result.DurationMs = time.Since(start).Milliseconds()

	status := "ok"
	if result.IsError {
		status = "error"
	}
	toolDispatches.WithLabelValues(call.Name, status).Inc()
	r.logger.Info("tool dispatched",
		"tool", call.Name,
		"duration_ms", result.DurationMs,
		"status", status)
	return result
}

func (r *ToolRegistry) dispatch(ctx context.Context, call models.ToolCall) *models.ToolResult {
	tool, ok := r.Get(call.Name)
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		var decoded any
		if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
		if err := tool.compiled.Validate(decoded); err != nil {
			return errorResult(fmt.Sprintf("arguments for %s failed validation: %v", call.Name, err))
		}
		if m, ok := decoded.(map[string]any); ok {
			args = m
		}
	} else {
		if err := tool.compiled.Validate(map[string]any{}); err != nil {
			return errorResult(fmt.Sprintf("arguments for %s failed validation: %v", call.Name, err))
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		content, err := tool.Handler(toolCtx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return errorResult(fmt.Sprintf("%s cancelled: %v", call.Name, ctx.Err()))
		}
		return errorResult(fmt.Sprintf("%s timed out after %s", call.Name, tool.Timeout))
	case out := <-done:
		if out.err != nil {
			return errorResult(fmt.Sprintf("%s failed: %v", call.Name, out.err))
		}
		return &models.ToolResult{Content: out.content}
	}
}

func errorResult(message string) *models.ToolResult {
	return &models.ToolResult{Content: message, IsError: true}
}
