package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// stubEmbedder returns canned vectors per text, or a constant fallback.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func newTestHierarchy(t *testing.T) (*Hierarchy, *MemStore) {
	t.Helper()
	store := NewMemStore()
	gate := NewRetentionGate(DefaultRetentionConfig())
	h := NewHierarchy("agent-1", store, gate, &stubEmbedder{}, DefaultHierarchyConfig(), nil)
	return h, store
}

func TestStoreRoutesTiers(t *testing.T) {
	h, _ := newTestHierarchy(t)
	ctx := context.Background()
	cases := []struct {
		importance float64
		category   models.MemoryCategory
		want       models.MemoryTier
	}{
		{2, models.CategoryFact, models.TierWorking},
		{5, models.CategoryFact, models.TierEpisodic},
		{9, models.CategoryFact, models.TierEpisodic}, // high importance alone is not semantic
		{8, models.CategoryInsight, models.TierSemantic},
		{9, models.CategoryRelationshipMoment, models.TierSemantic},
		{7, models.CategoryInsight, models.TierEpisodic},
	}
	for _, tc := range cases {
		item, err := h.Store(ctx, &models.MemoryItem{
			Content: "x", Importance: tc.importance, Category: tc.category,
		})
		if err != nil {
			t.Fatal(err)
		}
		if item.Tier != tc.want {
			t.Errorf("importance=%.0f category=%s: tier = %s, want %s",
				tc.importance, tc.category, item.Tier, tc.want)
		}
	}
}

func TestStorePersistsDurableTiersOnly(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	low, err := h.Store(ctx, &models.MemoryItem{Content: "low", Importance: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, low.ID); err != ErrNotFound {
		t.Fatal("working-tier item must not hit the durable store")
	}

	high, err := h.Store(ctx, &models.MemoryItem{Content: "high", Importance: 6})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, high.ID); err != nil {
		t.Fatalf("episodic item missing from durable store: %v", err)
	}
}

func TestWorkingSetEvictsOldest(t *testing.T) {
	w := newWorkingSet(3)
	for i := 0; i < 4; i++ {
		w.put(&models.MemoryItem{ID: fmt.Sprintf("m%d", i)})
	}
	items := w.all()
	if len(items) != 3 {
		t.Fatalf("capacity 3 exceeded: %d items", len(items))
	}
	for _, item := range items {
		if item.ID == "m0" {
			t.Fatal("oldest item m0 should have been evicted")
		}
	}
}

func TestWorkingSetTouchProtectsFromEviction(t *testing.T) {
	w := newWorkingSet(2)
	w.put(&models.MemoryItem{ID: "a"})
	w.put(&models.MemoryItem{ID: "b"})
	w.touch("a")
	w.put(&models.MemoryItem{ID: "c"})
	for _, item := range w.all() {
		if item.ID == "b" {
			t.Fatal("least recently used item b should have been evicted, not a")
		}
	}
}

func TestSearchReturnsTopKAndReinforcesAccess(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := h.Store(ctx, &models.MemoryItem{
			Content:    fmt.Sprintf("memory %d", i),
			Importance: 6,
			Category:   models.CategoryFact,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	results, err := h.Search(ctx, "anything", 3, ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatal("results not sorted by descending score")
		}
	}

	got, err := store.Get(ctx, results[0].Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount < 2 {
		t.Fatalf("retrieval should bump access count, got %d", got.AccessCount)
	}
}

func TestConsolidatePromotesReinforcedWorkingItems(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	item, err := h.Store(ctx, &models.MemoryItem{Content: "w", Importance: 2})
	if err != nil {
		t.Fatal(err)
	}
	h.working.touch(item.ID)
	h.working.touch(item.ID)

	report, err := h.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.PromotedToEpisodic != 1 {
		t.Fatalf("expected 1 promotion, got %d", report.PromotedToEpisodic)
	}
	promoted, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if promoted.Tier != models.TierEpisodic {
		t.Fatalf("promoted item tier = %s, want episodic", promoted.Tier)
	}
}

func TestConsolidateArchivesStaleEpisodicItems(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	old := time.Now().Add(-400 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		err := store.Put(ctx, &models.MemoryItem{
			ID:             fmt.Sprintf("stale-%d", i),
			AgentID:        "agent-1",
			Content:        "old and unloved",
			Importance:     1,
			Category:       models.CategoryFact,
			Tier:           models.TierEpisodic,
			CreatedAt:      old,
			LastAccessedAt: old,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	keeper := &models.MemoryItem{
		ID: "keeper", AgentID: "agent-1", Content: "precious",
		Importance: 9, AccessCount: 40,
		Category: models.CategoryRelationshipMoment, Tier: models.TierEpisodic,
	}
	if err := store.Put(ctx, keeper); err != nil {
		t.Fatal(err)
	}

	report, err := h.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Archived != 3 {
		t.Fatalf("expected 3 archived, got %d", report.Archived)
	}
	if _, err := store.Get(ctx, "keeper"); err != nil {
		t.Fatal("high-value item must survive the sweep")
	}
}

func TestConsolidateMergesNearDuplicates(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	vec := []float32{0.6, 0.8, 0}
	for i, imp := range []float64{5, 7} {
		err := store.Put(ctx, &models.MemoryItem{
			ID:          fmt.Sprintf("dup-%d", i),
			AgentID:     "agent-1",
			Content:     "the same thing twice",
			Importance:  imp,
			AccessCount: 2,
			Category:    models.CategoryFact,
			Tier:        models.TierEpisodic,
			Embedding:   vec,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Merged != 1 {
		t.Fatalf("expected 1 merge, got %d", report.Merged)
	}
	survivor, err := store.Get(ctx, "dup-0")
	if err != nil {
		t.Fatal(err)
	}
	if survivor.Importance != 7 {
		t.Fatalf("merge should keep max importance, got %f", survivor.Importance)
	}
	if survivor.AccessCount != 4 {
		t.Fatalf("merge should sum access counts, got %d", survivor.AccessCount)
	}
	if _, err := store.Get(ctx, "dup-1"); err != ErrNotFound {
		t.Fatal("merged duplicate should be deleted")
	}
}

func TestOnTurnTriggersOnSchedule(t *testing.T) {
	h, store := newTestHierarchy(t)
	ctx := context.Background()

	old := time.Now().Add(-400 * 24 * time.Hour)
	err := store.Put(ctx, &models.MemoryItem{
		ID: "stale", AgentID: "agent-1", Content: "x",
		Importance: 1, Category: models.CategoryFact,
		Tier: models.TierEpisodic, CreatedAt: old, LastAccessedAt: old,
	})
	if err != nil {
		t.Fatal(err)
	}

	h.OnTurn(ctx, 7) // not a multiple of 10
	if _, err := store.Get(ctx, "stale"); err != nil {
		t.Fatal("consolidation must not run off schedule")
	}
	h.OnTurn(ctx, 10)
	if _, err := store.Get(ctx, "stale"); err != ErrNotFound {
		t.Fatal("turn 10 should have run the sweep")
	}
}

func TestOnTurnDefersSemanticPromotion(t *testing.T) {
	store := NewMemStore()
	cfg := DefaultHierarchyConfig()
	cfg.EpisodicEveryTurns = 2
	cfg.SemanticEveryTurns = 4
	h := NewHierarchy("agent-1", store, NewRetentionGate(DefaultRetentionConfig()), &stubEmbedder{}, cfg, nil)
	ctx := context.Background()

	candidate := &models.MemoryItem{
		ID: "candidate", AgentID: "agent-1", Content: "well loved",
		Importance: 9, AccessCount: 6,
		Category: models.CategoryFact, Tier: models.TierEpisodic,
	}
	if err := store.Put(ctx, candidate); err != nil {
		t.Fatal(err)
	}

	h.OnTurn(ctx, 2) // episodic sweep only
	item, err := store.Get(ctx, "candidate")
	if err != nil {
		t.Fatal(err)
	}
	if item.Tier != models.TierEpisodic {
		t.Fatalf("turn 2 must not promote to semantic, got %s", item.Tier)
	}

	h.OnTurn(ctx, 4) // semantic promotion joins the pass
	item, err = store.Get(ctx, "candidate")
	if err != nil {
		t.Fatal(err)
	}
	if item.Tier != models.TierSemantic {
		t.Fatalf("turn 4 should promote to semantic, got %s", item.Tier)
	}
}

func TestConsolidatePrunesAssociationsOfArchivedItems(t *testing.T) {
	h, store := newTestHierarchy(t)
	assocs := NewMemAssocStore()
	h.SetLearner(NewLearner(store, assocs, DefaultLearnerConfig(), nil))
	ctx := context.Background()

	old := time.Now().Add(-400 * 24 * time.Hour)
	stale := &models.MemoryItem{
		ID: "doomed", AgentID: "agent-1", Content: "x",
		Importance: 1, Category: models.CategoryFact,
		Tier: models.TierEpisodic, CreatedAt: old, LastAccessedAt: old,
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	weak := &models.Association{A: "doomed", B: "other", Strength: 0.05, LastReinforcedAt: now}
	strong := &models.Association{A: "doomed", B: "peer", Strength: 0.9, LastReinforcedAt: now}
	for _, assoc := range []*models.Association{weak, strong} {
		if err := assocs.Upsert(ctx, assoc); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Archived != 1 {
		t.Fatalf("expected 1 archived, got %d", report.Archived)
	}
	edges, err := assocs.Neighbors(ctx, "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("weak edge should be pruned with the item, got %d edges", len(edges))
	}
	if edges[0].B != "peer" {
		t.Fatalf("strong edge should survive, got %s-%s", edges[0].A, edges[0].B)
	}
}
