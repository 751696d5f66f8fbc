// Package agent contains the reasoning loop, the tool registry, the
// provider abstraction, and the error taxonomy that ties a user turn
// together.
package agent

import (
	"context"
	"encoding/json"

	"github.com/evermind-ai/evermind/pkg/models"
)

// CompletionMessage is one provider-facing input message.
type CompletionMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolSchema is the serialized description of a tool handed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model              string
	Messages           []CompletionMessage
	Tools              []ToolSchema
	Temperature        float64
	TopP               float64
	MaxTokens          int
	ReasoningEnabled   bool
	MaxReasoningTokens int
}

// CompletionChunk is one streamed fragment of a model response. Exactly
// one chunk per stream has Done set; it carries the token counts. Err is
// set instead when the stream fails mid-flight.
type CompletionChunk struct {
	Text     string
	Thinking string
	ToolCall *models.ToolCall

	Done            bool
	Err             error
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	Cost            float64
}

// ModelInfo describes one model and its capabilities.
type ModelInfo struct {
	Name              string `json:"name"`
	ContextWindow     int    `json:"context_window"`
	SupportsTools     bool   `json:"supports_tools"`
	SupportsReasoning bool   `json:"supports_reasoning"`
}

// toCompletionMessages converts stored messages into provider inputs.
func toCompletionMessages(msgs []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := CompletionMessage{Role: string(m.Role), Content: m.Content}
		if len(m.ToolCalls) > 0 {
			cm.ToolCalls = m.ToolCalls
		}
		if m.ToolResult != nil {
			cm.ToolCallID = m.ToolResult.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}

// LLMProvider issues streaming chat completions.
type LLMProvider interface {
	// Complete starts one model call and returns a channel of chunks.
	// The channel is closed after the Done or Err chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider in logs and usage records.
	Name() string

	// Models lists available models and capabilities.
	Models(ctx context.Context) ([]ModelInfo, error)
}
