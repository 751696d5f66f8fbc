package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/evermind-ai/evermind/internal/agent"
	"github.com/evermind-ai/evermind/internal/sessions"
	"github.com/evermind-ai/evermind/pkg/models"
)

// fakeProvider returns a fixed summary or a fixed error.
type fakeProvider struct {
	summary string
	err     error

	lastReq *agent.CompletionRequest
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.summary}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Models(ctx context.Context) ([]agent.ModelInfo, error) {
	return nil, nil
}

func seedSession(t *testing.T, store sessions.Store, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1", "a1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg := &models.Message{
			SessionID:   "s1",
			Role:        role,
			Content:     fmt.Sprintf("message %d", i+1),
			MessageType: models.MessageTypeInbox,
		}
		if err := store.Append(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSummarizeReplacesPrefix(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	seedSession(t, store, 6)

	provider := &fakeProvider{summary: "They exchanged six short messages."}
	s := New(provider, store, "test-model", nil)

	summary, err := s.Summarize(ctx, "s1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if summary != "They exchanged six short messages." {
		t.Fatalf("summary = %q", summary)
	}

	msgs, _, err := store.Messages(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want summary + 2 retained", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].MessageType != models.MessageTypeSystem {
		t.Fatalf("first message = %s/%s, want system summary", msgs[0].Role, msgs[0].MessageType)
	}
	if msgs[0].Seq != 4 {
		t.Fatalf("summary seq = %d, want 4", msgs[0].Seq)
	}
	if msgs[1].Content != "message 5" || msgs[2].Content != "message 6" {
		t.Fatal("retained messages must be the ones newer than the cutoff")
	}
}

func TestSummarizePromptCarriesTranscript(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedSession(t, store, 2)

	provider := &fakeProvider{summary: "short"}
	s := New(provider, store, "test-model", nil)
	if _, err := s.Summarize(context.Background(), "s1", 2); err != nil {
		t.Fatal(err)
	}

	if provider.lastReq.Model != "test-model" {
		t.Fatalf("model = %q", provider.lastReq.Model)
	}
	if len(provider.lastReq.Messages) != 2 {
		t.Fatalf("prompt has %d messages, want system + transcript", len(provider.lastReq.Messages))
	}
	transcript := provider.lastReq.Messages[1].Content
	if !strings.Contains(transcript, "message 1") || !strings.Contains(transcript, "message 2") {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestSummarizeFailureLeavesLogUntouched(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	seedSession(t, store, 4)

	provider := &fakeProvider{err: errors.New("upstream down")}
	s := New(provider, store, "test-model", nil)

	_, err := s.Summarize(ctx, "s1", 3)
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("err = %v, want ErrSummarizationFailed", err)
	}

	msgs, _, err := store.Messages(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, log must be untouched", len(msgs))
	}
}

func TestSummarizeEmptySummaryFails(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedSession(t, store, 4)

	provider := &fakeProvider{summary: "   "}
	s := New(provider, store, "test-model", nil)

	_, err := s.Summarize(context.Background(), "s1", 3)
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("err = %v, want ErrSummarizationFailed", err)
	}
}

func TestSummarizeNothingBeforeCutoff(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedSession(t, store, 2)

	s := New(&fakeProvider{summary: "x"}, store, "test-model", nil)
	_, err := s.Summarize(context.Background(), "s1", 0)
	if !errors.Is(err, ErrSummarizationFailed) {
		t.Fatalf("err = %v, want ErrSummarizationFailed", err)
	}
}
