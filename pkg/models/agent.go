// Package models defines the shared data model for agents, conversations,
// memory, and usage accounting.
package models

import "time"

// Agent is a named conversational identity. Its mutable configuration
// lives in versioned AgentConfig records; CurrentVersion points at the
// latest one.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Active         bool      `json:"active"`
	CurrentVersion string    `json:"current_version,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentConfig is one immutable configuration version. The chain from the
// current version back through ParentVersion is acyclic: a parent is
// always a version that existed before the child was created.
type AgentConfig struct {
	VersionID         string    `json:"version_id"`
	ParentVersion     string    `json:"parent_version,omitempty"`
	AgentID           string    `json:"agent_id"`
	CreatedAt         time.Time `json:"timestamp"`
	ChangeDescription string    `json:"change_description,omitempty"`

	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	TopP               float64 `json:"top_p"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	ContextWindow      int     `json:"context_window"`
	ReasoningEnabled   bool    `json:"reasoning_enabled,omitempty"`
	MaxReasoningTokens int     `json:"max_reasoning_tokens,omitempty"`
	SystemPrompt       string  `json:"system_prompt"`
}

// ContentEquals compares the configuration payload of two versions,
// ignoring identity fields (version id, parent, timestamp, description).
func (c *AgentConfig) ContentEquals(other *AgentConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Model == other.Model &&
		c.Temperature == other.Temperature &&
		c.TopP == other.TopP &&
		c.MaxTokens == other.MaxTokens &&
		c.ContextWindow == other.ContextWindow &&
		c.ReasoningEnabled == other.ReasoningEnabled &&
		c.MaxReasoningTokens == other.MaxReasoningTokens &&
		c.SystemPrompt == other.SystemPrompt
}

// ConfigPatch is a partial update to an agent configuration. Nil fields
// are left unchanged.
type ConfigPatch struct {
	Model              *string  `json:"model,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"top_p,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	ContextWindow      *int     `json:"context_window,omitempty"`
	ReasoningEnabled   *bool    `json:"reasoning_enabled,omitempty"`
	MaxReasoningTokens *int     `json:"max_reasoning_tokens,omitempty"`
	SystemPrompt       *string  `json:"system_prompt,omitempty"`
}

// Apply returns a copy of base with the patch applied.
func (p *ConfigPatch) Apply(base *AgentConfig) AgentConfig {
	next := *base
	if p == nil {
		return next
	}
	if p.Model != nil {
		next.Model = *p.Model
	}
	if p.Temperature != nil {
		next.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		next.TopP = *p.TopP
	}
	if p.MaxTokens != nil {
		next.MaxTokens = *p.MaxTokens
	}
	if p.ContextWindow != nil {
		next.ContextWindow = *p.ContextWindow
	}
	if p.ReasoningEnabled != nil {
		next.ReasoningEnabled = *p.ReasoningEnabled
	}
	if p.MaxReasoningTokens != nil {
		next.MaxReasoningTokens = *p.MaxReasoningTokens
	}
	if p.SystemPrompt != nil {
		next.SystemPrompt = *p.SystemPrompt
	}
	return next
}

// IsZero reports whether the patch changes nothing.
func (p *ConfigPatch) IsZero() bool {
	return p == nil || (p.Model == nil && p.Temperature == nil && p.TopP == nil &&
		p.MaxTokens == nil && p.ContextWindow == nil && p.ReasoningEnabled == nil &&
		p.MaxReasoningTokens == nil && p.SystemPrompt == nil)
}

// MemoryBlock is a small named text slot forming part of the agent's
// identity (persona, human, system_context). Value never exceeds
// LimitChars; read-only blocks reject edits.
type MemoryBlock struct {
	Label       string         `json:"label"`
	Value       string         `json:"value"`
	LimitChars  int            `json:"limit_chars"`
	Description string         `json:"description,omitempty"`
	ReadOnly    bool           `json:"read_only,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
