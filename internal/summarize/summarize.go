// Package summarize condenses a conversation prefix into a single
// system message so long sessions stay inside the context window.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/pkg/models"
)

// ErrSummarizationFailed is returned when no summary could be produced.
// The conversation log is left untouched in that case.
var ErrSummarizationFailed = errors.New("summarization failed")

// DefaultMaxSummaryTokens bounds the summary the model is asked for.
const DefaultMaxSummaryTokens = 1500

const summaryInstruction = "Condense the following conversation into a compact summary. " +
	"Preserve facts, decisions, names, and open questions. " +
	"Write it as plain prose the assistant can rely on later. " +
	"Stay under %d tokens."

// Summarizer compacts conversation prefixes through the LLM provider.
type Summarizer struct {
	provider  agent.LLMProvider
	store     sessions.Store
	model     string
	maxTokens int
	logger    *slog.Logger
}

// New creates a summarizer that prompts the given model.
func New(provider agent.LLMProvider, store sessions.Store, model string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		provider:  provider,
		store:     store,
		model:     model,
		maxTokens: DefaultMaxSummaryTokens,
		logger:    logger,
	}
}

// Summarize condenses all messages with seq <= upToSeq into one summary
// and replaces the prefix with it. On any failure the log is unchanged.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, upToSeq int64) (string, error) {
	history, _, err := s.store.Messages(ctx, sessionID, 0, 0)
	if err != nil {
		return "", fmt.Errorf("%w: load history: %v", ErrSummarizationFailed, err)
	}

	var prefix []*models.Message
	for _, msg := range history {
		if msg.Seq <= upToSeq {
			prefix = append(prefix, msg)
		}
	}
	if len(prefix) == 0 {
		return "", fmt.Errorf("%w: nothing to summarize before seq %d", ErrSummarizationFailed, upToSeq)
	}

	summary, err := s.condense(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	if strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("%w: model returned an empty summary", ErrSummarizationFailed)
	}

	if err := s.store.ReplacePrefixWithSummary(ctx, sessionID, upToSeq, summary); err != nil {
		return "", fmt.Errorf("%w: replace prefix: %v", ErrSummarizationFailed, err)
	}

	s.logger.Info("conversation prefix summarized",
		"session_id", sessionID,
		"up_to_seq", upToSeq,
		"messages", len(prefix))
	return summary, nil
}

func (s *Summarizer) condense(ctx context.Context, prefix []*models.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range prefix {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	req := &agent.CompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []agent.CompletionMessage{
			{Role: string(models.RoleSystem), Content: fmt.Sprintf(summaryInstruction, s.maxTokens)},
			{Role: string(models.RoleUser), Content: transcript.String()},
		},
	}
	ch, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var summary strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		summary.WriteString(chunk.Text)
	}
	return summary.String(), nil
}
