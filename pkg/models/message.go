package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageType distinguishes ordinary inbox traffic from system-generated
// messages such as conversation summaries.
type MessageType string

const (
	MessageTypeInbox  MessageType = "inbox"
	MessageTypeSystem MessageType = "system"
)

// MessageKind marks a message as a normal response or an error surrogate
// emitted when a turn fails.
type MessageKind string

const (
	KindNormal MessageKind = ""
	KindError  MessageKind = "error"
)

// Message is one entry in a session's append-only conversation log.
// Seq is assigned by the conversation store and is strictly increasing
// per session.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`

	Seq  int64 `json:"seq"`
	Role Role  `json:"role"`

	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`

	// Kind and ErrorKind are set on assistant messages that report a
	// failed turn (step limit, timeout, budget, provider error).
	Kind      MessageKind `json:"kind,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`

	// ToolCalls is non-empty on assistant messages requesting tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResult is set on role=tool messages; exactly one per tool call.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	Thinking      string        `json:"thinking,omitempty"`
	ReasoningTime time.Duration `json:"reasoning_time,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a structured request from the model to invoke a registered
// tool. ID is unique within the assistant message that carries it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of dispatching a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// HasToolCalls reports whether the message requests tool execution.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}
