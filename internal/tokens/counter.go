// Package tokens provides deterministic token estimation per model family.
package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/evermind-ai/evermind/pkg/models"
)

// Per-message formatting overhead, following the OpenAI cookbook
// accounting: every message carries role/delimiter tokens and every
// request carries priming tokens for the assistant reply.
const (
	perMessageOverhead = 4
	perRequestPriming  = 3
)

// Counter computes token counts for strings and message lists. Counts are
// deterministic: the same input always yields the same count. Encoders are
// resolved per model family and cached; when an encoder cannot be loaded
// the counter falls back to a conservative byte-length heuristic that
// over-counts rather than under-counts.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates a token counter with an empty encoder cache.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// encodingName maps a model name to a tiktoken encoding family.
func encodingName(model string) string {
	m := strings.ToLower(model)
	// Strip provider prefixes like "openai/" or "anthropic/".
	if idx := strings.LastIndex(m, "/"); idx >= 0 {
		m = m[idx+1:]
	}
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"),
		strings.HasPrefix(m, "claude"), strings.HasPrefix(m, "llama"),
		strings.HasPrefix(m, "mistral"), strings.HasPrefix(m, "gemini"):
		return "cl100k_base"
	default:
		return ""
	}
}

func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	name := encodingName(model)
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Cache the miss so we do not retry on every count.
		c.encoders[name] = nil
		return nil
	}
	c.encoders[name] = enc
	return enc
}

// Count returns the token count of text for the given model.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// heuristicCount over-estimates tokens as ceil(bytes / 3.5). Real English
// text averages roughly 4 bytes per token, so this stays within about 10%
// above the true count for unknown models.
func heuristicCount(text string) int {
	n := len(text)
	return (n*2 + 6) / 7
}

// CountMessages returns the token count of a message list including
// per-message role/formatting overhead and request priming.
func (c *Counter) CountMessages(msgs []*models.Message, model string) int {
	if len(msgs) == 0 {
		return 0
	}
	total := perRequestPriming
	for _, m := range msgs {
		total += c.CountMessage(m, model)
	}
	return total
}

// CountMessage returns the token count of a single message including its
// formatting overhead and any tool payloads.
func (c *Counter) CountMessage(m *models.Message, model string) int {
	if m == nil {
		return 0
	}
	total := perMessageOverhead
	total += c.Count(m.Content, model)
	for _, tc := range m.ToolCalls {
		total += c.Count(tc.Name, model)
		total += c.Count(string(tc.Arguments), model)
	}
	if m.ToolResult != nil {
		total += c.Count(m.ToolResult.Content, model)
	}
	return total
}

// CountJSON counts the serialized form of v, used for tool schemas.
func (c *Counter) CountJSON(v any, model string) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.Count(string(raw), model)
}
