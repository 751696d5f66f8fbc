// Package openrouter implements the LLM provider interface against
// OpenRouter's OpenAI-compatible API.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/pkg/models"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Config holds the OpenRouter client settings.
type Config struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the public endpoint, mainly for tests.
	BaseURL string
	// DefaultModel is used when a request does not name one.
	DefaultModel string
}

// Provider streams chat completions from OpenRouter. Safe for concurrent
// use; each Complete call owns its stream and goroutine. Retries are the
// caller's concern: errors are classified, not retried here.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New creates an OpenRouter provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, agent.E(agent.KindUnauthorized, "openrouter API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = defaultBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o"
	}
	return &Provider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openrouter" }

// Models returns a curated capability table for commonly used models.
// OpenRouter serves hundreds; these are the ones the defaults reach for.
func (p *Provider) Models(ctx context.Context) ([]agent.ModelInfo, error) {
	return []agent.ModelInfo{
		{Name: "openai/gpt-4o", ContextWindow: 128000, SupportsTools: true},
		{Name: "openai/gpt-4o-mini", ContextWindow: 128000, SupportsTools: true},
		{Name: "openai/o3-mini", ContextWindow: 200000, SupportsTools: true, SupportsReasoning: true},
		{Name: "anthropic/claude-3.5-sonnet", ContextWindow: 200000, SupportsTools: true},
		{Name: "anthropic/claude-3.5-haiku", ContextWindow: 200000, SupportsTools: true},
		{Name: "google/gemini-2.0-flash-001", ContextWindow: 1000000, SupportsTools: true},
		{Name: "meta-llama/llama-3.3-70b-instruct", ContextWindow: 131072, SupportsTools: true},
		{Name: "mistralai/mistral-large", ContextWindow: 128000, SupportsTools: true},
		{Name: "deepseek/deepseek-r1", ContextWindow: 64000, SupportsTools: false, SupportsReasoning: true},
	}, nil
}

// Complete starts one streaming chat completion.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	if req.ReasoningEnabled {
		chatReq.ReasoningEffort = reasoningEffort(req.MaxReasoningTokens)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts the OpenAI stream into completion chunks. Tool
// calls arrive incrementally and are accumulated by index until the
// stream signals completion.
func (p *Provider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	done := &agent.CompletionChunk{Done: true}

	flushToolCalls := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc := toolCalls[i]
			if tc != nil && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Err: classify(ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- done
				return
			}
			chunks <- &agent.CompletionChunk{Err: classify(err)}
			return
		}

		if response.Usage != nil {
			done.InputTokens = response.Usage.PromptTokens
			done.OutputTokens = response.Usage.CompletionTokens
			if details := response.Usage.CompletionTokensDetails; details != nil {
				done.ReasoningTokens = details.ReasoningTokens
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			chunks <- &agent.CompletionChunk{Thinking: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments = append(toolCalls[index].Arguments,
					[]byte(tc.Function.Arguments)...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// reasoningEffort buckets a token budget into the effort levels the
// OpenAI-compatible API accepts. Zero means no stated budget.
func reasoningEffort(maxTokens int) string {
	switch {
	case maxTokens == 0:
		return "medium"
	case maxTokens <= 1024:
		return "low"
	case maxTokens <= 8192:
		return "medium"
	default:
		return "high"
	}
}

func convertMessages(messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "tool" {
			oaiMsg.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		out = append(out, oaiMsg)
	}
	return out
}

func convertTools(tools []agent.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Parameters, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// classify maps client errors onto the agent taxonomy so the loop can
// decide about retries.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return agent.ClassifyProviderError(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.ClassifyProviderError(reqErr.HTTPStatusCode, err)
	}
	return agent.ClassifyProviderError(0, err)
}
