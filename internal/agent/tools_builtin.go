package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/memory"
	"github.com/evermind-ai/evermind/pkg/models"
)

// SendMessageTool is the terminal tool: its text becomes the final
// assistant message of the turn.
const SendMessageTool = "send_message"

// BuiltinDeps wires the built-in tools to one agent's stores.
type BuiltinDeps struct {
	AgentID string
	Agents  *agents.Registry
	Memory  *memory.Hierarchy
	Learner *memory.Learner
}

// RegisterBuiltins installs the standard memory and conversation tools
// for the agent.
func RegisterBuiltins(reg *ToolRegistry, deps BuiltinDeps) error {
	tools := []*Tool{
		{
			Name:        "core_memory_append",
			Description: "Append text to one of your core memory blocks (persona, human, system_context).",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"label": {"type": "string", "description": "Block label to append to."},
					"text": {"type": "string", "description": "Text to append."}
				},
				"required": ["label", "text"]
			}`),
			SideEffect: SideEffectWrite,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				label, _ := args["label"].(string)
				text, _ := args["text"].(string)
				if _, err := deps.Agents.AppendBlock(ctx, deps.AgentID, label, text); err != nil {
					return "", err
				}
				return fmt.Sprintf("appended to %s", label), nil
			},
		},
		{
			Name:        "core_memory_replace",
			Description: "Replace the first occurrence of old_text in a core memory block with new_text.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"old_text": {"type": "string"},
					"new_text": {"type": "string"}
				},
				"required": ["label", "old_text", "new_text"]
			}`),
			SideEffect: SideEffectWrite,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				label, _ := args["label"].(string)
				oldText, _ := args["old_text"].(string)
				newText, _ := args["new_text"].(string)

				block, err := deps.Agents.GetBlock(ctx, deps.AgentID, label)
				if err != nil {
					return "", err
				}
				if !strings.Contains(block.Value, oldText) {
					return "", fmt.Errorf("text not found in block %s", label)
				}
				value := strings.Replace(block.Value, oldText, newText, 1)
				if _, err := deps.Agents.WriteBlock(ctx, deps.AgentID, label, value); err != nil {
					return "", err
				}
				return fmt.Sprintf("replaced in %s", label), nil
			},
		},
		{
			Name:        "archival_memory_insert",
			Description: "Store a long-term memory. Use importance 0-10 and a category (fact, preference, event, emotion, insight, relationship_moment).",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"importance": {"type": "number", "minimum": 0, "maximum": 10},
					"category": {"type": "string"}
				},
				"required": ["content"]
			}`),
			SideEffect: SideEffectWrite,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				content, _ := args["content"].(string)
				item := &models.MemoryItem{
					AgentID:  deps.AgentID,
					Content:  content,
					Category: models.CategoryFact,
				}
				if imp, ok := args["importance"].(float64); ok {
					item.Importance = models.ClampImportance(imp)
				} else {
					item.Importance = 5
				}
				if cat, ok := args["category"].(string); ok && cat != "" {
					item.Category = models.MemoryCategory(cat)
				}
				stored, err := deps.Memory.Store(ctx, item)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("stored memory %s in %s tier", stored.ID, stored.Tier), nil
			},
		},
		{
			Name:        "archival_memory_search",
			Description: "Search long-term memory and return the most relevant items.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"k": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"required": ["query"]
			}`),
			SideEffect: SideEffectRead,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				k := 5
				if v, ok := args["k"].(float64); ok {
					k = int(v)
				}
				results, err := deps.Memory.Search(ctx, query, k, "")
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "no matching memories", nil
				}
				var sb strings.Builder
				ids := make([]string, 0, len(results))
				for _, res := range results {
					fmt.Fprintf(&sb, "[%s %s score=%.2f] %s\n", res.Item.ID, res.Tier, res.Score, res.Item.Content)
					ids = append(ids, res.Item.ID)
				}
				// Items retrieved together associate: co-access is the
				// learner's reinforcement signal.
				if deps.Learner != nil && len(ids) > 1 {
					if err := deps.Learner.ReinforceCoAccess(ctx, ids); err != nil {
						slog.Warn("co-access reinforcement failed", "error", err)
					}
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			},
		},
		{
			Name:        "record_feedback",
			Description: "Record feedback about a retrieved memory: helpful, not_helpful, incorrect, outdated, or redundant.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"memory_id": {"type": "string"},
					"feedback": {"type": "string", "enum": ["helpful", "not_helpful", "incorrect", "outdated", "redundant"]}
				},
				"required": ["memory_id", "feedback"]
			}`),
			SideEffect: SideEffectWrite,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id, _ := args["memory_id"].(string)
				kind, _ := args["feedback"].(string)
				if err := deps.Learner.RecordFeedback(ctx, id, models.FeedbackType(kind)); err != nil {
					return "", err
				}
				return "feedback recorded", nil
			},
		},
		{
			Name:        SendMessageTool,
			Description: "Send your final message to the user. This ends the turn.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string"}
				},
				"required": ["message"]
			}`),
			SideEffect: SideEffectPure,
			Terminal:   true,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				message, _ := args["message"].(string)
				return message, nil
			},
		},
		{
			Name:        "request_heartbeat",
			Description: "Request another reasoning step without responding to the user yet.",
			Schema:      json.RawMessage(`{"type": "object"}`),
			SideEffect:  SideEffectPure,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return "heartbeat acknowledged", nil
			},
		},
	}

	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
