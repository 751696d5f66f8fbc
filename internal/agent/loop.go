package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/assembler"
	"github.com/evermind-ai/evermind/internal/memory"
	"github.com/evermind-ai/evermind/internal/retry"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/internal/usage"
	"github.com/evermind-ai/evermind/pkg/models"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evermind_turns_total",
		Help: "Completed turns by outcome.",
	}, []string{"status"})
	providerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evermind_provider_retries_total",
		Help: "Provider calls retried after a transient failure.",
	})
)

// EventKind tags a streamed turn event.
type EventKind string

const (
	EventThinkingDelta EventKind = "thinking_delta"
	EventContentDelta  EventKind = "content_delta"
	EventToolCall      EventKind = "tool_call"
	EventToolResult    EventKind = "tool_result"
	EventDone          EventKind = "done"
	EventError         EventKind = "error"
)

// Event is one streamed frame of an in-progress turn.
type Event struct {
	Kind       EventKind          `json:"-"`
	Text       string             `json:"text,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	Usage      *models.TurnUsage  `json:"usage,omitempty"`
	ErrorKind  Kind               `json:"kind,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// EventFn receives turn events as they happen. May be nil.
type EventFn func(Event)

// Summarizer compacts a conversation prefix into a summary message.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string, upToSeq int64) (string, error)
}

// LoopConfig bounds one user turn. Every bound is enforced regardless of
// what the model requests.
type LoopConfig struct {
	MaxSteps       int
	MaxToolCalls   int
	MaxWallTime    time.Duration
	MaxCost        float64
	MaxRetries     int
	LLMCallTimeout time.Duration

	AutoSummarize bool
	// KeepRecent is how many trailing messages auto-summarization leaves
	// out of the compacted prefix.
	KeepRecent   int
	MemoryTopK   int
	HistoryLimit int
}

// DefaultLoopConfig returns the standard bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxSteps:       20,
		MaxToolCalls:   30,
		MaxWallTime:    120 * time.Second,
		MaxCost:        1.0,
		MaxRetries:     3,
		LLMCallTimeout: 60 * time.Second,
		AutoSummarize:  true,
		KeepRecent:     10,
		MemoryTopK:     5,
		HistoryLimit:   500,
	}
}

// LoopDeps are the services one agent's reasoning loop runs against.
type LoopDeps struct {
	Provider   LLMProvider
	Tools      *ToolRegistry
	Agents     *agents.Registry
	Sessions   sessions.Store
	Assembler  *assembler.Assembler
	Summarizer Summarizer
	Tracker    *usage.Tracker
	Memory     *memory.Hierarchy
	Logger     *slog.Logger
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Message       *models.Message     `json:"message"`
	Usage         models.TurnUsage    `json:"usage"`
	ReasoningTime time.Duration       `json:"reasoning_time"`
	Breakdown     assembler.Breakdown `json:"breakdown"`
}

// Loop drives bounded tool-calling turns for a single agent. Turns on
// the same session are serialized; turns on different sessions run
// concurrently.
type Loop struct {
	agentID string
	deps    LoopDeps
	cfg     LoopConfig
	locker  *sessions.Locker
	logger  *slog.Logger
}

// NewLoop creates the reasoning loop for an agent.
func NewLoop(agentID string, deps LoopDeps, cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg = DefaultLoopConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		agentID: agentID,
		deps:    deps,
		cfg:     cfg,
		locker:  sessions.NewLocker(cfg.MaxWallTime),
		logger:  logger.With("agent_id", agentID),
	}
}

// modelResponse is one accumulated assistant response.
type modelResponse struct {
	content   string
	thinking  string
	toolCalls []models.ToolCall
	record    *models.UsageRecord
	reasoning time.Duration
}

// assembly pairs the assembler output with the raw history it came from.
type assembly struct {
	result  *assembler.Result
	history []*models.Message
}

// Run processes one user message through to a terminal assistant
// message. The turn runs on a detached context with its own wall-time
// budget, so a client disconnect does not cancel it. Turn-level failures
// (bounds, provider errors after retries) come back as a normal
// TurnResult whose message has Kind=error; only pre-flight validation
// returns a Go error.
func (l *Loop) Run(ctx context.Context, sessionID, userText string, emit EventFn) (*TurnResult, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if userText == "" {
		return nil, E(KindInvalidRequest, "message is required")
	}

	config, err := l.deps.Agents.GetConfig(ctx, l.agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			return nil, Wrap(KindInvalidRequest, "unknown agent", err)
		}
		return nil, Wrap(KindStorageError, "load agent config", err)
	}

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.MaxWallTime)
	defer cancel()

	unlock, err := l.locker.Lock(turnCtx, sessionID)
	if err != nil {
		return nil, Wrap(KindStorageError, "acquire session", err)
	}
	defer unlock()

	if _, err := l.deps.Sessions.GetOrCreate(turnCtx, sessionID, l.agentID); err != nil {
		return nil, Wrap(KindStorageError, "open session", err)
	}

	userMsg := &models.Message{
		SessionID:   sessionID,
		AgentID:     l.agentID,
		Role:        models.RoleUser,
		Content:     userText,
		MessageType: models.MessageTypeInbox,
	}
	if err := l.deps.Sessions.Append(turnCtx, userMsg); err != nil {
		return nil, Wrap(KindStorageError, "append user message", err)
	}

	result := &TurnResult{}

	asm, err := l.assemble(turnCtx, sessionID, config, userText)
	if err != nil {
		if errors.Is(err, assembler.ErrContextOverflowFixed) {
			return l.failTurn(turnCtx, sessionID, result, KindContextOverflowFixed,
				"the fixed context exceeds the model's window", emit)
		}
		return nil, Wrap(KindStorageError, "assemble context", err)
	}
	result.Breakdown = asm.result.Breakdown

	if asm.result.Breakdown.NeedsSummarization && l.cfg.AutoSummarize && l.deps.Summarizer != nil {
		if upToSeq, ok := l.summarizeCutoff(asm.history); ok {
			if _, err := l.deps.Summarizer.Summarize(turnCtx, sessionID, upToSeq); err != nil {
				l.logger.Warn("auto-summarization failed, continuing with full history",
					"session_id", sessionID, "error", err)
			} else if re, err := l.assemble(turnCtx, sessionID, config, userText); err == nil {
				asm = re
				result.Breakdown = re.result.Breakdown
			}
		}
	}

	messages := asm.result.Messages
	steps := 0
	toolCalls := 0

	for {
		if steps >= l.cfg.MaxSteps {
			return l.failTurn(turnCtx, sessionID, result, KindStepLimit,
				fmt.Sprintf("turn exceeded %d reasoning steps", l.cfg.MaxSteps), emit)
		}
		steps++
		result.Usage.Steps = steps

		resp, err := l.callModel(turnCtx, config, messages, emit)
		if err != nil {
			if turnCtx.Err() != nil {
				return l.failTurn(turnCtx, sessionID, result, KindTurnTimeout,
					"turn exceeded its wall-time budget", emit)
			}
			return l.failTurn(turnCtx, sessionID, result, KindOf(err), errMessage(err), emit)
		}
		result.ReasoningTime += resp.reasoning
		if resp.record != nil {
			resp.record.SessionID = sessionID
			resp.record.AgentID = l.agentID
			resp.record.ToolCallsMade = len(resp.toolCalls)
			result.Usage.Add(resp.record)
			if l.deps.Tracker != nil {
				if err := l.deps.Tracker.Record(turnCtx, resp.record); err != nil {
					l.logger.Warn("usage record failed", "error", err)
				}
			}
		}
		if l.cfg.MaxCost > 0 && result.Usage.Cost > l.cfg.MaxCost {
			return l.failTurn(turnCtx, sessionID, result, KindBudgetExceeded,
				fmt.Sprintf("turn exceeded its $%.2f budget", l.cfg.MaxCost), emit)
		}

		if len(resp.toolCalls) == 0 {
			final := &models.Message{
				SessionID:   sessionID,
				AgentID:     l.agentID,
				Role:        models.RoleAssistant,
				Content:     resp.content,
				MessageType: models.MessageTypeInbox,
				Thinking:    resp.thinking,
			}
			return l.persistFinal(turnCtx, sessionID, result, final, emit)
		}

		toolCalls += len(resp.toolCalls)
		if toolCalls > l.cfg.MaxToolCalls {
			return l.failTurn(turnCtx, sessionID, result, KindToolLimit,
				fmt.Sprintf("turn exceeded %d tool calls", l.cfg.MaxToolCalls), emit)
		}

		// A lone terminal call becomes the final assistant message
		// directly; no intermediate tool-call exchange is logged.
		if len(resp.toolCalls) == 1 && l.isTerminal(resp.toolCalls[0].Name) {
			toolResult := l.deps.Tools.Dispatch(turnCtx, resp.toolCalls[0])
			emit(Event{Kind: EventToolResult, ToolResult: toolResult})
			final := &models.Message{
				SessionID:   sessionID,
				AgentID:     l.agentID,
				Role:        models.RoleAssistant,
				Content:     toolResult.Content,
				MessageType: models.MessageTypeInbox,
				Thinking:    resp.thinking,
			}
			return l.persistFinal(turnCtx, sessionID, result, final, emit)
		}

		assistantMsg := &models.Message{
			SessionID:   sessionID,
			AgentID:     l.agentID,
			Role:        models.RoleAssistant,
			Content:     resp.content,
			MessageType: models.MessageTypeInbox,
			Thinking:    resp.thinking,
			ToolCalls:   resp.toolCalls,
		}
		if err := l.deps.Sessions.Append(turnCtx, assistantMsg); err != nil {
			return l.failTurn(turnCtx, sessionID, result, KindStorageError, "failed to persist tool calls", emit)
		}

		// Every call gets exactly one result message, in model order.
		var terminalText string
		terminal := false
		for _, call := range resp.toolCalls {
			toolResult := l.deps.Tools.Dispatch(turnCtx, call)
			emit(Event{Kind: EventToolResult, ToolResult: toolResult})

			toolMsg := &models.Message{
				SessionID:   sessionID,
				AgentID:     l.agentID,
				Role:        models.RoleTool,
				Content:     toolResult.Content,
				MessageType: models.MessageTypeInbox,
				ToolResult:  toolResult,
			}
			if err := l.deps.Sessions.Append(turnCtx, toolMsg); err != nil {
				return l.failTurn(turnCtx, sessionID, result, KindStorageError, "failed to persist tool result", emit)
			}
			if l.isTerminal(call.Name) && !toolResult.IsError {
				terminal = true
				terminalText = toolResult.Content
			}
		}

		if terminal {
			final := &models.Message{
				SessionID:   sessionID,
				AgentID:     l.agentID,
				Role:        models.RoleAssistant,
				Content:     terminalText,
				MessageType: models.MessageTypeInbox,
			}
			return l.persistFinal(turnCtx, sessionID, result, final, emit)
		}

		re, err := l.assemble(turnCtx, sessionID, config, userText)
		if err != nil {
			return l.failTurn(turnCtx, sessionID, result, KindStorageError, "failed to reassemble context", emit)
		}
		messages = re.result.Messages
	}
}

// assemble loads session history and memory context and builds the model
// input. When the newest stored message is the pending user message it
// is emitted last; after tool exchanges the history already ends with a
// tool result and is passed through as-is.
func (l *Loop) assemble(ctx context.Context, sessionID string, config *models.AgentConfig, userText string) (*assembly, error) {
	history, _, err := l.deps.Sessions.Messages(ctx, sessionID, l.cfg.HistoryLimit, 0)
	if err != nil {
		return nil, err
	}

	var memoryContext string
	if l.deps.Memory != nil && userText != "" {
		results, err := l.deps.Memory.Search(ctx, userText, l.cfg.MemoryTopK, "")
		if err != nil {
			l.logger.Warn("memory search failed", "error", err)
		} else {
			lines := make([]string, 0, len(results))
			for _, res := range results {
				lines = append(lines, res.Item.Content)
			}
			memoryContext = assembler.FormatMemoryContext(lines)
		}
	}

	in := &assembler.Input{
		Config:        config,
		ToolSchemas:   l.schemaJSON(),
		MemoryContext: memoryContext,
	}
	if blocks, err := l.deps.Agents.Blocks(ctx, l.agentID); err == nil {
		in.Blocks = blocks
	}
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser {
		in.History = history[:n-1]
		in.UserMessage = history[n-1]
	} else {
		in.History = history
	}

	result, err := l.deps.Assembler.Assemble(in)
	if err != nil {
		return nil, err
	}
	return &assembly{result: result, history: history}, nil
}

func (l *Loop) schemaJSON() []json.RawMessage {
	schemas := l.deps.Tools.Schemas()
	out := make([]json.RawMessage, 0, len(schemas))
	for _, s := range schemas {
		raw, err := json.Marshal(s)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// summarizeCutoff picks the newest seq the summarizer may compact,
// leaving the trailing KeepRecent messages (and the pending user
// message) in place.
func (l *Loop) summarizeCutoff(history []*models.Message) (int64, bool) {
	keep := l.cfg.KeepRecent
	if keep < 1 {
		keep = 1
	}
	// The pending user message is the last entry and never compacts.
	if len(history) <= keep+1 {
		return 0, false
	}
	return history[len(history)-1-keep].Seq, true
}

// callModel issues one provider call, streaming deltas to emit. The call
// is retried on transient failures, but never once output has reached
// the client.
func (l *Loop) callModel(ctx context.Context, config *models.AgentConfig, messages []*models.Message, emit EventFn) (*modelResponse, error) {
	req := &CompletionRequest{
		Model:              config.Model,
		Messages:           toCompletionMessages(messages),
		Tools:              l.deps.Tools.Schemas(),
		Temperature:        config.Temperature,
		TopP:               config.TopP,
		MaxTokens:          config.MaxTokens,
		ReasoningEnabled:   config.ReasoningEnabled,
		MaxReasoningTokens: config.MaxReasoningTokens,
	}

	attempt := func() (*modelResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.LLMCallTimeout)
		defer cancel()

		ch, err := l.deps.Provider.Complete(callCtx, req)
		if err != nil {
			cerr := asAgentError(err)
			if IsTransient(cerr) {
				providerRetries.Inc()
				return nil, cerr
			}
			return nil, retry.Permanent(cerr)
		}

		resp := &modelResponse{}
		emitted := false
		var thinkStart time.Time
		for chunk := range ch {
			if chunk.Err != nil {
				cerr := asAgentError(chunk.Err)
				if !emitted && IsTransient(cerr) {
					providerRetries.Inc()
					return nil, cerr
				}
				return nil, retry.Permanent(cerr)
			}
			if chunk.Thinking != "" {
				if thinkStart.IsZero() {
					thinkStart = time.Now()
				}
				resp.thinking += chunk.Thinking
				emit(Event{Kind: EventThinkingDelta, Text: chunk.Thinking})
				emitted = true
			}
			if chunk.Text != "" {
				if !thinkStart.IsZero() && resp.reasoning == 0 {
					resp.reasoning = time.Since(thinkStart)
				}
				resp.content += chunk.Text
				emit(Event{Kind: EventContentDelta, Text: chunk.Text})
				emitted = true
			}
			if chunk.ToolCall != nil {
				resp.toolCalls = append(resp.toolCalls, *chunk.ToolCall)
				emit(Event{Kind: EventToolCall, ToolCall: chunk.ToolCall})
				emitted = true
			}
			if chunk.Done {
				resp.record = &models.UsageRecord{
					Model:            config.Model,
					PromptTokens:     chunk.InputTokens,
					CompletionTokens: chunk.OutputTokens,
					ReasoningTokens:  chunk.ReasoningTokens,
					Cost:             chunk.Cost,
				}
			}
		}
		if !thinkStart.IsZero() && resp.reasoning == 0 {
			resp.reasoning = time.Since(thinkStart)
		}
		return resp, nil
	}

	resp, res := retry.DoWithValue(ctx, retry.Exponential(l.cfg.MaxRetries, 500*time.Millisecond, 5*time.Second),
		func() (*modelResponse, error) { return attempt() })
	if res.Err != nil {
		var perm *retry.PermanentError
		if errors.As(res.Err, &perm) {
			return nil, perm.Err
		}
		return nil, res.Err
	}
	return resp, nil
}

func (l *Loop) isTerminal(name string) bool {
	tool, ok := l.deps.Tools.Get(name)
	return ok && tool.Terminal
}

// persistFinal appends the final assistant message, bumps the turn
// counter, and lets the memory hierarchy run its consolidation cadence.
// Persistence outlives the turn deadline so a timed-out turn still
// stores its error message.
func (l *Loop) persistFinal(ctx context.Context, sessionID string, result *TurnResult, final *models.Message, emit EventFn) (*TurnResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := l.deps.Sessions.Append(ctx, final); err != nil {
		turnsTotal.WithLabelValues("error").Inc()
		return nil, Wrap(KindStorageError, "persist assistant message", err)
	}
	result.Message = final
	final.ReasoningTime = result.ReasoningTime

	turn, err := l.deps.Sessions.IncrementTurn(ctx, sessionID)
	if err != nil {
		// The turn already produced its final message; a broken counter
		// only skips consolidation scheduling.
		l.logger.Warn("turn counter update failed", "session_id", sessionID, "error", err)
	} else if l.deps.Memory != nil {
		l.deps.Memory.OnTurn(ctx, turn)
	}

	status := "ok"
	if final.Kind == models.KindError {
		status = string(final.ErrorKind)
		emit(Event{Kind: EventError, ErrorKind: Kind(final.ErrorKind), Message: final.Content})
	}
	turnsTotal.WithLabelValues(status).Inc()
	emit(Event{Kind: EventDone, Usage: &result.Usage})

	l.logger.Info("turn complete",
		"session_id", sessionID,
		"status", status,
		"steps", result.Usage.Steps,
		"tool_calls", result.Usage.ToolCallsMade,
		"cost", result.Usage.Cost)
	return result, nil
}

// failTurn ends the turn with an error-kind assistant message. The
// client still receives a well-formed result.
func (l *Loop) failTurn(ctx context.Context, sessionID string, result *TurnResult, kind Kind, detail string, emit EventFn) (*TurnResult, error) {
	final := &models.Message{
		SessionID:   sessionID,
		AgentID:     l.agentID,
		Role:        models.RoleAssistant,
		Content:     detail,
		MessageType: models.MessageTypeInbox,
		Kind:        models.KindError,
		ErrorKind:   string(kind),
	}
	return l.persistFinal(ctx, sessionID, result, final, emit)
}

// ContextUsage reports the current budget breakdown for a session
// without running a turn.
func (l *Loop) ContextUsage(ctx context.Context, sessionID string) (*assembler.Breakdown, error) {
	config, err := l.deps.Agents.GetConfig(ctx, l.agentID)
	if err != nil {
		return nil, err
	}
	asm, err := l.assemble(ctx, sessionID, config, "")
	if err != nil {
		return nil, err
	}
	breakdown := asm.result.Breakdown
	return &breakdown, nil
}

// asAgentError normalizes a provider failure onto the taxonomy.
func asAgentError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ClassifyProviderError(0, err)
}
