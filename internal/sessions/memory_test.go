package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/evermind-ai/evermind/pkg/models"
)

func newSessionWithMessages(t *testing.T, store Store, n int) string {
	t.Helper()
	ctx := context.Background()
	session, err := store.GetOrCreate(ctx, "s1", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		err := store.Append(ctx, &models.Message{
			SessionID:   session.ID,
			Role:        role,
			Content:     fmt.Sprintf("message %d", i),
			MessageType: models.MessageTypeInbox,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return session.ID
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "s1", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.GetOrCreate(ctx, "s1", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatal("GetOrCreate must return the existing session")
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	store := NewMemoryStore()
	id := newSessionWithMessages(t, store, 5)

	msgs, _, err := store.Messages(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestAppendToUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	err := store.Append(context.Background(), &models.Message{
		SessionID: "nope", Role: models.RoleUser, Content: "x",
	})
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAppendConcurrentSeqUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1", "agent-1"); err != nil {
		t.Fatal(err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Append(ctx, &models.Message{
				SessionID: "s1", Role: models.RoleUser,
				Content: fmt.Sprintf("concurrent %d", i),
			})
		}(i)
	}
	wg.Wait()

	msgs, _, err := store.Messages(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int64]bool)
	for _, msg := range msgs {
		if seen[msg.Seq] {
			t.Fatalf("duplicate seq %d", msg.Seq)
		}
		seen[msg.Seq] = true
	}
	if len(msgs) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(msgs))
	}
}

func TestMessagesPagination(t *testing.T) {
	store := NewMemoryStore()
	id := newSessionWithMessages(t, store, 10)
	ctx := context.Background()

	page1, cursor, err := store.Messages(ctx, id, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 4 || cursor != 4 {
		t.Fatalf("page1: %d messages, cursor %d", len(page1), cursor)
	}

	page2, cursor, err := store.Messages(ctx, id, 4, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 4 || page2[0].Seq != 5 {
		t.Fatalf("page2 starts at seq %d with %d messages", page2[0].Seq, len(page2))
	}

	page3, cursor, err := store.Messages(ctx, id, 4, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 2 {
		t.Fatalf("page3: expected 2 remaining, got %d", len(page3))
	}

	empty, next, err := store.Messages(ctx, id, 4, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 || next != cursor {
		t.Fatal("exhausted pagination should return no messages and the same cursor")
	}
}

func TestClearKeepsSeqCounter(t *testing.T) {
	store := NewMemoryStore()
	id := newSessionWithMessages(t, store, 3)
	ctx := context.Background()

	if err := store.Clear(ctx, id); err != nil {
		t.Fatal(err)
	}
	msgs, _, err := store.Messages(ctx, id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty log after clear, got %d", len(msgs))
	}

	msg := &models.Message{SessionID: id, Role: models.RoleUser, Content: "after clear"}
	if err := store.Append(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 4 {
		t.Fatalf("seq should continue after clear, got %d", msg.Seq)
	}
}

func TestReplacePrefixWithSummary(t *testing.T) {
	store := NewMemoryStore()
	id := newSessionWithMessages(t, store, 10)
	ctx := context.Background()

	if err := store.ReplacePrefixWithSummary(ctx, id, 6, "the story so far"); err != nil {
		t.Fatal(err)
	}
	msgs, _, err := store.Messages(ctx, id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected summary + 4 retained, got %d", len(msgs))
	}
	summary := msgs[0]
	if summary.Role != models.RoleSystem || summary.MessageType != models.MessageTypeSystem {
		t.Fatalf("summary message has role=%s type=%s", summary.Role, summary.MessageType)
	}
	if summary.Content != "the story so far" || summary.Seq != 6 {
		t.Fatalf("summary content=%q seq=%d", summary.Content, summary.Seq)
	}
	// Ordering invariant: everything retained is newer than the summary.
	for _, msg := range msgs[1:] {
		if msg.Seq <= summary.Seq {
			t.Fatalf("retained message seq %d not after summary seq %d", msg.Seq, summary.Seq)
		}
	}
}

func TestReplacePrefixWithSummaryIdempotent(t *testing.T) {
	store := NewMemoryStore()
	id := newSessionWithMessages(t, store, 10)
	ctx := context.Background()

	if err := store.ReplacePrefixWithSummary(ctx, id, 6, "first pass"); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplacePrefixWithSummary(ctx, id, 6, "first pass"); err != nil {
		t.Fatal(err)
	}
	msgs, _, err := store.Messages(ctx, id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("repeat call changed message count: %d", len(msgs))
	}
	summaries := 0
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("expected exactly one summary row, got %d", summaries)
	}
}

func TestIncrementTurn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1", "agent-1"); err != nil {
		t.Fatal(err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementTurn(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("turn = %d, want %d", got, want)
		}
	}
	if _, err := store.IncrementTurn(ctx, "missing"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessionsByAgent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.GetOrCreate(ctx, fmt.Sprintf("a-%d", i), "agent-a"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.GetOrCreate(ctx, "b-0", "agent-b"); err != nil {
		t.Fatal(err)
	}

	out, err := store.ListSessions(ctx, "agent-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 sessions for agent-a, got %d", len(out))
	}
}
