package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/agents"
	"github.com/evermind-ai/evermind/internal/assembler"
	"github.com/evermind-ai/evermind/internal/embeddings"
	"github.com/evermind-ai/evermind/internal/memory"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/internal/summarize"
	"github.com/evermind-ai/evermind/internal/tokens"
	"github.com/evermind-ai/evermind/internal/usage"
	"github.com/evermind-ai/evermind/pkg/models"
)

// scriptedProvider replays canned responses; the last one repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.responses[idx]}
	ch <- &agent.CompletionChunk{Done: true, InputTokens: 40, OutputTokens: 8, Cost: 0.001}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Models(ctx context.Context) ([]agent.ModelInfo, error) {
	return []agent.ModelInfo{{Name: "test-model", ContextWindow: 8192, SupportsTools: true}}, nil
}

type testEnv struct {
	server   *httptest.Server
	gateway  *Server
	registry *agents.Registry
	store    sessions.Store
	agentID  string
}

func newTestEnv(t *testing.T, provider agent.LLMProvider) *testEnv {
	t.Helper()
	ctx := context.Background()

	registry := agents.NewRegistry(agents.NewMemoryStore(), nil)
	ag, err := registry.CreateAgent(ctx, "test-agent", "", models.AgentConfig{
		Model:         "test-model",
		ContextWindow: 8192,
		SystemPrompt:  "You are a test agent.",
	})
	if err != nil {
		t.Fatal(err)
	}

	store := sessions.NewMemoryStore()
	tracker, err := usage.NewTracker(ctx, usage.NewMemoryStore(), nil)
	if err != nil {
		t.Fatal(err)
	}

	memStore := memory.NewMemStore()
	embedder := embeddings.NewLocal(64)
	gate := memory.NewRetentionGate(memory.RetentionConfig{})

	srv := NewServer(Deps{
		Agents:     registry,
		Sessions:   store,
		Provider:   provider,
		Tracker:    tracker,
		Assembler:  assembler.New(tokens.NewCounter(), assembler.DefaultConfig(), nil),
		Summarizer: summarize.New(provider, store, "test-model", nil),
		Memory: func(agentID string) *memory.Hierarchy {
			return memory.NewHierarchy(agentID, memStore, gate, embedder, memory.DefaultHierarchyConfig(), nil)
		},
		Learner:    memory.NewLearner(memStore, memory.NewMemAssocStore(), memory.LearnerConfig{}, nil),
		LoopConfig: agent.DefaultLoopConfig(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, gateway: srv, registry: registry, store: store, agentID: ag.ID}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestAgentConfigLifecycle(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})

	resp, cfg := env.do(t, http.MethodGet, "/agents/"+env.agentID+"/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get config status = %d", resp.StatusCode)
	}
	v1 := cfg["version_id"].(string)

	resp, updated := env.do(t, http.MethodPut, "/agents/"+env.agentID+"/config", map[string]any{
		"patch":       map[string]any{"temperature": 0.9},
		"description": "warmer",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put config status = %d", resp.StatusCode)
	}
	v2 := updated["version_id"].(string)
	if v2 == v1 {
		t.Fatal("update must mint a new version")
	}

	resp, rolled := env.do(t, http.MethodPost,
		"/agents/"+env.agentID+"/versions/"+v1+"/rollback", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback status = %d", resp.StatusCode)
	}
	rolledCfg := rolled["config"].(map[string]any)
	if rolledCfg["parent_version"] != v1 {
		t.Fatalf("parent_version = %v, want %s", rolledCfg["parent_version"], v1)
	}

	resp, versions := env.do(t, http.MethodGet, "/agents/"+env.agentID+"/versions?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions status = %d", resp.StatusCode)
	}
	if n := len(versions["versions"].([]any)); n != 3 {
		t.Fatalf("got %d versions, want 3", n)
	}
}

func TestSystemPromptRoundTrip(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})

	resp, _ := env.do(t, http.MethodPut, "/agents/"+env.agentID+"/system-prompt",
		map[string]string{"system_prompt": "You are terse."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	_, body := env.do(t, http.MethodGet, "/agents/"+env.agentID+"/system-prompt", nil)
	if body["system_prompt"] != "You are terse." {
		t.Fatalf("system_prompt = %v", body["system_prompt"])
	}
}

func TestMemoryBlockEndpoints(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})

	resp, blocks := env.do(t, http.MethodGet, "/agents/"+env.agentID+"/memory/blocks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if n := len(blocks["blocks"].([]any)); n != 3 {
		t.Fatalf("got %d blocks", n)
	}

	resp, block := env.do(t, http.MethodPut, "/agents/"+env.agentID+"/memory/blocks/human",
		map[string]string{"value": "Prefers Go."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	if block["value"] != "Prefers Go." {
		t.Fatalf("value = %v", block["value"])
	}

	resp, _ = env.do(t, http.MethodPut, "/agents/"+env.agentID+"/memory/blocks/human",
		map[string]string{"value": strings.Repeat("x", 3000)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("over-limit status = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPut, "/agents/"+env.agentID+"/memory/blocks/missing",
		map[string]string{"value": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing block status = %d, want 404", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"Hello from the agent."}})

	resp, body := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/chat",
		map[string]string{"message": "Hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	if body["content"] != "Hello from the agent." {
		t.Fatalf("content = %v", body["content"])
	}
	usageBody := body["usage"].(map[string]any)
	if usageBody["prompt_tokens"].(float64) <= 0 {
		t.Fatalf("usage = %v", usageBody)
	}

	sessionID := body["session_id"].(string)
	resp, conv := env.do(t, http.MethodGet, "/conversation/"+sessionID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversation status = %d", resp.StatusCode)
	}
	messages := conv["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(messages))
	}
}

func TestChatUnknownAgent(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	resp, body := env.do(t, http.MethodPost, "/agents/absent/chat",
		map[string]string{"message": "Hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["kind"] != "invalid_request" {
		t.Fatalf("kind = %v", body["kind"])
	}
}

func TestChatEmptyMessage(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	resp, _ := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/chat",
		map[string]string{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStreamFrames(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"Streamed reply"}})

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]string{"message": "Hi"}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(env.server.URL+"/agents/"+env.agentID+"/chat/stream",
		"application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	body := raw.String()
	if !strings.Contains(body, "event: content_delta") {
		t.Fatalf("no content_delta frame in %q", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("no done frame in %q", body)
	}
	if !strings.Contains(body, "Streamed reply") {
		t.Fatalf("reply text missing from %q", body)
	}
	if strings.LastIndex(body, "event: done") < strings.LastIndex(body, "event: content_delta") {
		t.Fatal("done must be the final frame")
	}
}

func seedConversation(t *testing.T, env *testEnv, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.store.GetOrCreate(ctx, sessionID, env.agentID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg := &models.Message{
			SessionID:   sessionID,
			Role:        role,
			Content:     fmt.Sprintf("conversation message number %d with some padding text", i+1),
			MessageType: models.MessageTypeInbox,
		}
		if err := env.store.Append(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSummarizeEndpointReplacesPrefix(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"A compact summary."}})
	seedConversation(t, env, "s-long", 20)

	_, before := env.do(t, http.MethodGet, "/context/usage?session_id=s-long", nil)
	beforeConv := before["conversation"].(float64)

	resp, body := env.do(t, http.MethodPost, "/conversation/s-long/summarize",
		map[string]any{"up_to_seq": 16})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summarize status = %d", resp.StatusCode)
	}
	if body["summary"] != "A compact summary." {
		t.Fatalf("summary = %v", body["summary"])
	}

	_, conv := env.do(t, http.MethodGet, "/conversation/s-long", nil)
	messages := conv["messages"].([]any)
	if len(messages) != 5 {
		t.Fatalf("got %d messages, want summary + 4 retained", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["message_type"] != "system" {
		t.Fatalf("first message = %v, want system summary", first)
	}

	_, after := env.do(t, http.MethodGet, "/context/usage?session_id=s-long", nil)
	afterConv := after["conversation"].(float64)
	if afterConv >= beforeConv {
		t.Fatalf("conversation tokens %v -> %v, want reduced", beforeConv, afterConv)
	}
}

func TestNewChatFailedSummarizationPreventsClearing(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{err: errors.New("upstream down")})
	sessionID := defaultSessionID(env.agentID)
	seedConversation(t, env, sessionID, 4)

	resp, body := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/new-chat", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body["kind"] != "summarization_failed" {
		t.Fatalf("kind = %v", body["kind"])
	}

	msgs, _, err := env.store.Messages(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, conversation must be intact", len(msgs))
	}
}

func TestNewChatSummarizesThenClears(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"Summary."}})
	sessionID := defaultSessionID(env.agentID)
	seedConversation(t, env, sessionID, 4)

	resp, body := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/new-chat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["summary"] != "Summary." {
		t.Fatalf("summary = %v", body["summary"])
	}

	msgs, _, err := env.store.Messages(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages after new-chat, want 0", len(msgs))
	}
}

func TestNewChatClearsWorkingMemory(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"Summary."}})
	sessionID := defaultSessionID(env.agentID)
	seedConversation(t, env, sessionID, 4)

	hierarchy := env.gateway.memoryFor(env.agentID)
	_, err := hierarchy.Store(context.Background(), &models.MemoryItem{
		Content: "scratch note", Importance: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if results, _ := hierarchy.Search(context.Background(), "scratch", 5, ""); len(results) == 0 {
		t.Fatal("working item should be retrievable before the reset")
	}

	resp, _ := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/new-chat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	results, err := hierarchy.Search(context.Background(), "scratch", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("working memory should be empty after new-chat, got %d items", len(results))
	}
}

func TestChatStreamErrorEndsWithDone(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]string{"message": ""}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(env.server.URL+"/agents/"+env.agentID+"/chat/stream",
		"application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	body := raw.String()
	errIdx := strings.Index(body, "event: error")
	doneIdx := strings.LastIndex(body, "event: done")
	if errIdx < 0 {
		t.Fatalf("no error frame in %q", body)
	}
	if doneIdx < 0 {
		t.Fatalf("no done frame in %q", body)
	}
	if doneIdx < errIdx {
		t.Fatal("done must follow the error frame")
	}
	if !strings.Contains(body, "invalid_request") {
		t.Fatalf("error kind missing from %q", body)
	}
}

func TestClearConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	seedConversation(t, env, "s-clear", 4)

	resp, _ := env.do(t, http.MethodPost, "/conversation/s-clear/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs, _, err := env.store.Messages(context.Background(), "s-clear", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages after clear", len(msgs))
	}

	resp, _ = env.do(t, http.MethodPost, "/conversation/absent/clear", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	resp, body := env.do(t, http.MethodGet, "/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["provider"] != "scripted" {
		t.Fatalf("provider = %v", body["provider"])
	}
	if len(body["models"].([]any)) != 1 {
		t.Fatalf("models = %v", body["models"])
	}
}

func TestCostStatistics(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"Reply."}})

	if resp, _ := env.do(t, http.MethodPost, "/agents/"+env.agentID+"/chat",
		map[string]string{"message": "Hi"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/costs/statistics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body == nil {
		t.Fatal("statistics body must decode")
	}
}

func TestContextUsageRequiresSession(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []string{"ok"}})
	resp, _ := env.do(t, http.MethodGet, "/context/usage", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/context/usage?session_id=absent", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
