// Package assembler builds the ordered model input for one turn and
// reports how the context window budget is spent.
package assembler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evermind-ai/evermind/internal/tokens"
	"github.com/evermind-ai/evermind/pkg/models"
)

// ErrContextOverflowFixed means the fixed context (system prompt, memory
// blocks, tool schemas) alone exceeds the window budget. No model call
// may be made for this turn.
var ErrContextOverflowFixed = errors.New("fixed context exceeds window budget")

// DefaultContextWindow is used when the agent config does not set one.
const DefaultContextWindow = 8192

// Config tunes the assembler's thresholds.
type Config struct {
	// SummarizationThreshold is the fraction of the window at which
	// NeedsSummarization is reported.
	SummarizationThreshold float64
	// FixedBudgetRatio is the fraction of the window the fixed context
	// may occupy before the turn fails fast.
	FixedBudgetRatio float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SummarizationThreshold: 0.80,
		FixedBudgetRatio:       0.90,
	}
}

// Breakdown reports how the assembled context spends the window.
// Total is always System + MemoryBlocks + ToolSchemas + Conversation,
// and never exceeds Max for a successful assembly.
type Breakdown struct {
	System             int     `json:"system"`
	MemoryBlocks       int     `json:"memory_blocks"`
	ToolSchemas        int     `json:"tool_schemas"`
	Conversation       int     `json:"conversation"`
	Total              int     `json:"total"`
	Max                int     `json:"max"`
	PercentUsed        float64 `json:"percent_used"`
	NeedsSummarization bool    `json:"needs_summarization"`
	Remaining          int     `json:"remaining"`
}

// Input is everything the assembler needs for one turn. History holds
// the session's messages oldest first, excluding the current user
// message. UserMessage may be nil when only a usage breakdown is wanted.
type Input struct {
	Config      *models.AgentConfig
	Blocks      []*models.MemoryBlock
	ToolSchemas []json.RawMessage

	// MemoryContext is the preformatted block of retrieved memories.
	MemoryContext string

	History     []*models.Message
	UserMessage *models.Message
}

// Result is the ordered model input plus the budget breakdown.
type Result struct {
	Messages  []*models.Message
	Breakdown Breakdown
}

// Assembler turns agent state into a bounded, deterministic model input.
type Assembler struct {
	counter *tokens.Counter
	cfg     Config
	logger  *slog.Logger
}

// New creates an assembler over the given token counter.
func New(counter *tokens.Counter, cfg Config, logger *slog.Logger) *Assembler {
	if cfg.SummarizationThreshold <= 0 {
		cfg.SummarizationThreshold = 0.80
	}
	if cfg.FixedBudgetRatio <= 0 {
		cfg.FixedBudgetRatio = 0.90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{counter: counter, cfg: cfg, logger: logger}
}

// Assemble produces the ordered input messages and the breakdown.
// The emitted order is: system prompt, memory blocks, memory context,
// older summaries, the newest history slice that fits, current user
// message. Given identical inputs the output is identical.
func (a *Assembler) Assemble(in *Input) (*Result, error) {
	if in == nil || in.Config == nil {
		return nil, errors.New("assembler input requires an agent config")
	}
	model := in.Config.Model
	window := in.Config.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}

	systemTokens := a.counter.Count(in.Config.SystemPrompt, model)

	blocksText := formatBlocks(in.Blocks)
	blockTokens := a.counter.Count(blocksText, model)

	schemaTokens := 0
	for _, schema := range in.ToolSchemas {
		schemaTokens += a.counter.Count(string(schema), model)
	}

	fixed := systemTokens + blockTokens + schemaTokens
	if float64(fixed) > float64(window)*a.cfg.FixedBudgetRatio {
		return nil, fmt.Errorf("%w: fixed=%d window=%d", ErrContextOverflowFixed, fixed, window)
	}

	conversation := 0
	memoryContextTokens := 0
	if in.MemoryContext != "" {
		memoryContextTokens = a.counter.Count(in.MemoryContext, model)
		conversation += memoryContextTokens
	}

	userTokens := 0
	if in.UserMessage != nil {
		userTokens = a.counter.CountMessage(in.UserMessage, model)
		conversation += userTokens
	}

	// Summaries always survive trimming; they are the compacted past.
	var summaries []*models.Message
	var regular []*models.Message
	for _, msg := range in.History {
		if msg.Role == models.RoleSystem && msg.MessageType == models.MessageTypeSystem {
			summaries = append(summaries, msg)
		} else {
			regular = append(regular, msg)
		}
	}
	for _, msg := range summaries {
		conversation += a.counter.CountMessage(msg, model)
	}

	// The mandatory parts (memory context, summaries, the user message)
	// cannot be trimmed, so they can overflow the window on their own.
	if fixed+conversation > window {
		return nil, fmt.Errorf("%w: fixed=%d mandatory=%d window=%d",
			ErrContextOverflowFixed, fixed, conversation, window)
	}

	// Walk newest to oldest, keeping what fits in the remaining budget.
	budget := window - fixed
	included := len(regular)
	for included > 0 {
		next := a.counter.CountMessage(regular[included-1], model)
		if conversation+next > budget {
			break
		}
		conversation += next
		included--
	}
	slice := regular[included:]

	total := fixed + conversation
	percent := 0.0
	if window > 0 {
		percent = float64(total) / float64(window) * 100
	}
	breakdown := Breakdown{
		System:             systemTokens,
		MemoryBlocks:       blockTokens,
		ToolSchemas:        schemaTokens,
		Conversation:       conversation,
		Total:              total,
		Max:                window,
		PercentUsed:        percent,
		NeedsSummarization: float64(total) >= float64(window)*a.cfg.SummarizationThreshold,
		Remaining:          window - total,
	}

	messages := make([]*models.Message, 0, len(slice)+len(summaries)+4)
	messages = append(messages, &models.Message{
		Role:        models.RoleSystem,
		Content:     in.Config.SystemPrompt,
		MessageType: models.MessageTypeSystem,
	})
	if blocksText != "" {
		messages = append(messages, &models.Message{
			Role:        models.RoleSystem,
			Content:     blocksText,
			MessageType: models.MessageTypeSystem,
		})
	}
	if in.MemoryContext != "" {
		messages = append(messages, &models.Message{
			Role:        models.RoleSystem,
			Content:     in.MemoryContext,
			MessageType: models.MessageTypeSystem,
		})
	}
	messages = append(messages, summaries...)
	messages = append(messages, slice...)
	if in.UserMessage != nil {
		messages = append(messages, in.UserMessage)
	}

	if included > 0 {
		a.logger.Debug("trimmed conversation history",
			"dropped", included,
			"kept", len(slice),
			"total_tokens", total)
	}
	return &Result{Messages: messages, Breakdown: breakdown}, nil
}

// formatBlocks renders core memory blocks as a single tagged section.
func formatBlocks(blocks []*models.MemoryBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Core memory blocks:\n")
	for _, block := range blocks {
		fmt.Fprintf(&sb, "<%s>\n%s\n</%s>\n", block.Label, block.Value, block.Label)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatMemoryContext renders retrieved memories for the model.
func FormatMemoryContext(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "Relevant memories:\n- " + strings.Join(lines, "\n- ")
}
