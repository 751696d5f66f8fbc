package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	reg := NewToolRegistry(nil)
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	result := reg.Dispatch(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if result.Content != "hello" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.ToolCallID != "c1" {
		t.Fatalf("tool call id = %q", result.ToolCallID)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewToolRegistry(nil)
	result := reg.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "nope"})
	if !result.IsError {
		t.Fatal("unknown tool must return an error result")
	}
	if !strings.Contains(result.Content, "unknown tool") {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	reg := NewToolRegistry(nil)
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"text": 42}`},
		{"malformed json", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := reg.Dispatch(context.Background(), models.ToolCall{
				ID:        "c1",
				Name:      "echo",
				Arguments: json.RawMessage(tt.args),
			})
			if !result.IsError {
				t.Fatalf("args %s should fail validation", tt.args)
			}
		})
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := NewToolRegistry(nil)
	err := reg.Register(&Tool{
		Name:    "sleepy",
		Schema:  json.RawMessage(`{"type":"object"}`),
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	result := reg.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "sleepy"})
	if !result.IsError {
		t.Fatal("timeout must produce an error result")
	}
	if !strings.Contains(result.Content, "timed out") {
		t.Fatalf("content = %q", result.Content)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("dispatch blocked for %s past the timeout", elapsed)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg := NewToolRegistry(nil)
	err := reg.Register(&Tool{
		Name:   "bomb",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	result := reg.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "bomb"})
	if !result.IsError {
		t.Fatal("panic must become an error result")
	}
	if !strings.Contains(result.Content, "boom") {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestRegisterIdempotentByName(t *testing.T) {
	reg := NewToolRegistry(nil)
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	replacement := echoTool("echo")
	replacement.Handler = func(ctx context.Context, args map[string]any) (string, error) {
		return "replaced", nil
	}
	if err := reg.Register(replacement); err != nil {
		t.Fatal(err)
	}

	result := reg.Dispatch(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
	})
	if result.Content != "replaced" {
		t.Fatalf("content = %q, re-registration must replace", result.Content)
	}
	if len(reg.Schemas()) != 1 {
		t.Fatal("re-registration must not duplicate the tool")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewToolRegistry(nil)
	err := reg.Register(&Tool{
		Name:   "broken",
		Schema: json.RawMessage(`{"type": 42}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", nil
		},
	})
	if err == nil {
		t.Fatal("invalid schema must fail registration")
	}
}

func TestSchemasSortedByName(t *testing.T) {
	reg := NewToolRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	schemas := reg.Schemas()
	want := []string{"alpha", "mid", "zeta"}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Fatalf("schemas[%d] = %s, want %s", i, s.Name, want[i])
		}
	}
}

func TestBuiltinsRegister(t *testing.T) {
	reg := NewToolRegistry(nil)
	if err := RegisterBuiltins(reg, BuiltinDeps{AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"core_memory_append", "core_memory_replace",
		"archival_memory_insert", "archival_memory_search",
		"record_feedback", "send_message", "request_heartbeat",
	} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("builtin %s missing", name)
		}
	}
	send, _ := reg.Get(SendMessageTool)
	if !send.Terminal {
		t.Fatal("send_message must be terminal")
	}
	heartbeat, _ := reg.Get("request_heartbeat")
	if heartbeat.Terminal {
		t.Fatal("request_heartbeat must not be terminal")
	}
}
