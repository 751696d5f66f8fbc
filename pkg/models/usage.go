package models

import "time"

// UsageRecord captures token and cost accounting for a single model call.
type UsageRecord struct {
	ID               string    `json:"id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	AgentID          string    `json:"agent_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ReasoningTokens  int       `json:"reasoning_tokens,omitempty"`
	Cost             float64   `json:"cost"`
	ToolCallsMade    int       `json:"tool_calls_made"`
}

// TotalTokens returns prompt + completion + reasoning tokens.
func (r *UsageRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens + r.ReasoningTokens
}

// TurnUsage is the usage summary returned to the client after a turn.
type TurnUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`
	Cost             float64 `json:"cost"`
	ToolCallsMade    int     `json:"tool_calls_made"`
	Steps            int     `json:"steps"`
}

// Add accumulates another call's usage into the turn total.
func (u *TurnUsage) Add(r *UsageRecord) {
	if r == nil {
		return
	}
	u.PromptTokens += r.PromptTokens
	u.CompletionTokens += r.CompletionTokens
	u.ReasoningTokens += r.ReasoningTokens
	u.Cost += r.Cost
	u.ToolCallsMade += r.ToolCallsMade
}
