package memory

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// Embedder produces embeddings for memory content and queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HierarchyConfig tunes tier routing and consolidation.
type HierarchyConfig struct {
	WorkingCapacity int // default 100

	// Routing thresholds.
	EpisodicMinImportance float64 // default 5
	SemanticMinImportance float64 // default 8

	// Consolidation.
	PromoteAccessCount  int     // working→episodic, default 3
	SemanticAccessCount int     // episodic→semantic, default 5
	DuplicateSimilarity float64 // merge threshold, default 0.97
	EpisodicEveryTurns  int     // default 10
	SemanticEveryTurns  int     // default 100
}

// DefaultHierarchyConfig returns the standard tier parameters.
func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{
		WorkingCapacity:       100,
		EpisodicMinImportance: 5,
		SemanticMinImportance: 8,
		PromoteAccessCount:    3,
		SemanticAccessCount:   5,
		DuplicateSimilarity:   0.97,
		EpisodicEveryTurns:    10,
		SemanticEveryTurns:    100,
	}
}

// workingSet is the volatile working tier: a fixed-capacity LRU over the
// current process only.
type workingSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recently used
	items    map[string]*list.Element // id → element holding *models.MemoryItem
}

func newWorkingSet(capacity int) *workingSet {
	return &workingSet{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (w *workingSet) put(item *models.MemoryItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[item.ID]; ok {
		el.Value = item
		w.order.MoveToFront(el)
		return
	}
	w.items[item.ID] = w.order.PushFront(item)
	for w.order.Len() > w.capacity {
		oldest := w.order.Back()
		w.order.Remove(oldest)
		delete(w.items, oldest.Value.(*models.MemoryItem).ID)
	}
}

func (w *workingSet) touch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[id]; ok {
		w.order.MoveToFront(el)
		el.Value.(*models.MemoryItem).AccessCount++
	}
}

func (w *workingSet) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[id]; ok {
		w.order.Remove(el)
		delete(w.items, id)
	}
}

func (w *workingSet) all() []*models.MemoryItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*models.MemoryItem, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*models.MemoryItem))
	}
	return out
}

func (w *workingSet) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order.Init()
	w.items = make(map[string]*list.Element)
}

// Hierarchy orchestrates the three memory tiers for one agent: routing on
// store, attention-scored retrieval, and multi-frequency consolidation.
type Hierarchy struct {
	agentID  string
	store    Store
	gate     *RetentionGate
	analyzer *QueryAnalyzer
	embedder Embedder
	cfg      HierarchyConfig
	logger   *slog.Logger

	// learner, when set, has its association edges pruned whenever an
	// item leaves the durable tiers.
	learner *Learner

	working *workingSet

	// consolidation is serialized per agent.
	consolidateMu sync.Mutex
}

// NewHierarchy creates the tier orchestrator for an agent.
func NewHierarchy(agentID string, store Store, gate *RetentionGate, embedder Embedder, cfg HierarchyConfig, logger *slog.Logger) *Hierarchy {
	if cfg.WorkingCapacity <= 0 {
		cfg = DefaultHierarchyConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hierarchy{
		agentID:  agentID,
		store:    store,
		gate:     gate,
		analyzer: NewQueryAnalyzer(),
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		working:  newWorkingSet(cfg.WorkingCapacity),
	}
}

// SetLearner attaches the association learner so consolidation can drop
// edges of archived and merged-away items.
func (h *Hierarchy) SetLearner(l *Learner) { h.learner = l }

// pruneAssociations removes weak edges around an item that just left the
// durable tiers. Best effort.
func (h *Hierarchy) pruneAssociations(ctx context.Context, itemID string) {
	if h.learner == nil {
		return
	}
	if _, err := h.learner.Prune(ctx, itemID); err != nil {
		h.logger.Warn("association prune failed", "item_id", itemID, "error", err)
	}
}

// routeTier picks the durable tier for an item by importance and category.
func (h *Hierarchy) routeTier(item *models.MemoryItem) models.MemoryTier {
	if item.Importance >= h.cfg.SemanticMinImportance &&
		(item.Category == models.CategoryInsight || item.Category == models.CategoryRelationshipMoment) {
		return models.TierSemantic
	}
	if item.Importance >= h.cfg.EpisodicMinImportance {
		return models.TierEpisodic
	}
	return models.TierWorking
}

// Store routes the item to a tier, embeds it when possible, persists
// durable tiers, and always mirrors it into working memory.
func (h *Hierarchy) Store(ctx context.Context, item *models.MemoryItem) (*models.MemoryItem, error) {
	item.AgentID = h.agentID
	item.Importance = models.ClampImportance(item.Importance)
	if item.Category == "" {
		item.Category = models.CategoryFact
	}
	if item.ID == "" {
		item.ID = newID()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastAccessedAt.IsZero() {
		item.LastAccessedAt = now
	}
	if item.AccessCount < 1 {
		item.AccessCount = 1
	}

	if len(item.Embedding) == 0 && h.embedder != nil {
		emb, err := h.embedder.Embed(ctx, item.Content)
		if err != nil {
			h.logger.Warn("embedding failed, storing without vector",
				"agent_id", h.agentID, "error", err)
		} else {
			item.Embedding = emb
		}
	}

	item.Tier = h.routeTier(item)
	if item.Tier != models.TierWorking {
		if err := h.store.Put(ctx, item); err != nil {
			return nil, fmt.Errorf("store %s item: %w", item.Tier, err)
		}
	}
	h.working.put(item)
	return item, nil
}

// SearchResult is a retrieved memory with its tier and relevance score.
type SearchResult struct {
	Item  *models.MemoryItem `json:"item"`
	Score float64            `json:"score"`
	Tier  models.MemoryTier  `json:"tier"`
}

// Search retrieves the top-k items across all tiers for a query. When mode
// is empty the query analyzer picks one. Returned items get their access
// bookkeeping updated (retrieval is reinforcement).
func (h *Hierarchy) Search(ctx context.Context, query string, k int, mode AttentionMode) ([]SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	if mode == "" {
		mode = h.analyzer.Analyze(query)
	}
	bias := NewAttentionBias(mode)

	var queryEmbedding []float32
	if h.embedder != nil {
		emb, err := h.embedder.Embed(ctx, query)
		if err != nil {
			h.logger.Warn("query embedding failed, scoring without similarity",
				"agent_id", h.agentID, "error", err)
		} else {
			queryEmbedding = emb
		}
	}

	// Candidates: working set plus both durable tiers.
	seen := make(map[string]*models.MemoryItem)
	for _, item := range h.working.all() {
		seen[item.ID] = item
	}
	for _, tier := range []models.MemoryTier{models.TierEpisodic, models.TierSemantic} {
		items, err := h.store.List(ctx, h.agentID, tier, nil)
		if err != nil {
			return nil, fmt.Errorf("list %s tier: %w", tier, err)
		}
		for _, item := range items {
			if _, ok := seen[item.ID]; !ok {
				seen[item.ID] = item
			}
		}
	}

	now := time.Now()
	results := make([]SearchResult, 0, len(seen))
	for _, item := range seen {
		results = append(results, SearchResult{
			Item:  item,
			Score: bias.Score(item, queryEmbedding, now),
			Tier:  item.Tier,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	for _, r := range results {
		h.working.touch(r.Item.ID)
		if r.Tier != models.TierWorking {
			if err := h.store.UpdateAccess(ctx, r.Item.ID, now); err != nil && err != ErrNotFound {
				h.logger.Warn("access update failed", "item_id", r.Item.ID, "error", err)
			}
		}
	}
	return results, nil
}

// ConsolidationReport summarizes one consolidation pass.
type ConsolidationReport struct {
	PromotedToEpisodic int `json:"promoted_to_episodic"`
	PromotedToSemantic int `json:"promoted_to_semantic"`
	Boosted            int `json:"boosted"`
	Decayed            int `json:"decayed"`
	Archived           int `json:"archived"`
	Merged             int `json:"merged"`
}

// Consolidate runs the full pass: working promotion, episodic retention
// sweep, semantic promotion, and duplicate merge. Serialized per agent.
func (h *Hierarchy) Consolidate(ctx context.Context) (*ConsolidationReport, error) {
	return h.consolidate(ctx, true)
}

// consolidate is the shared pass body. Semantic promotion runs on a
// slower cadence than the episodic sweep, so OnTurn can withhold it.
func (h *Hierarchy) consolidate(ctx context.Context, promoteSemantic bool) (*ConsolidationReport, error) {
	h.consolidateMu.Lock()
	defer h.consolidateMu.Unlock()

	report := &ConsolidationReport{}
	now := time.Now()

	// (a) Promote reinforced working items into episodic.
	for _, item := range h.working.all() {
		if item.Tier != models.TierWorking || item.AccessCount < h.cfg.PromoteAccessCount {
			continue
		}
		item.Tier = models.TierEpisodic
		if err := h.store.Put(ctx, item); err != nil {
			return report, fmt.Errorf("promote working item: %w", err)
		}
		report.PromotedToEpisodic++
	}

	// (b) Retention sweep over episodic.
	episodic, err := h.store.List(ctx, h.agentID, models.TierEpisodic, nil)
	if err != nil {
		return report, fmt.Errorf("list episodic: %w", err)
	}
	for _, item := range episodic {
		score, action := h.gate.Evaluate(item, now)
		switch action {
		case ActionBoost:
			if err := h.store.UpdateImportance(ctx, item.ID, item.Importance+1); err != nil {
				return report, err
			}
			report.Boosted++
		case ActionDecay:
			if err := h.store.UpdateImportance(ctx, item.ID, item.Importance-1); err != nil {
				return report, err
			}
			report.Decayed++
		case ActionArchive:
			if err := h.store.Delete(ctx, item.ID); err != nil {
				return report, err
			}
			h.working.remove(item.ID)
			h.pruneAssociations(ctx, item.ID)
			report.Archived++
			h.logger.Debug("archived episodic item",
				"item_id", item.ID, "retention_score", score)
		}
	}

	// (c) Promote high-importance, frequently accessed episodic items.
	if promoteSemantic {
		episodic, err = h.store.List(ctx, h.agentID, models.TierEpisodic, nil)
		if err != nil {
			return report, err
		}
		for _, item := range episodic {
			if item.Importance >= h.cfg.SemanticMinImportance && item.AccessCount >= h.cfg.SemanticAccessCount {
				item.Tier = models.TierSemantic
				if err := h.store.Put(ctx, item); err != nil {
					return report, err
				}
				report.PromotedToSemantic++
			}
		}
	}

	// (d) Merge near-duplicates within each durable tier.
	for _, tier := range []models.MemoryTier{models.TierEpisodic, models.TierSemantic} {
		merged, err := h.mergeDuplicates(ctx, tier)
		if err != nil {
			return report, err
		}
		report.Merged += merged
	}

	h.logger.Info("memory consolidation complete",
		"agent_id", h.agentID,
		"promoted_episodic", report.PromotedToEpisodic,
		"promoted_semantic", report.PromotedToSemantic,
		"archived", report.Archived,
		"merged", report.Merged)
	return report, nil
}

// mergeDuplicates collapses pairs with cosine similarity at or above the
// threshold into a single item carrying the max importance and the summed
// access count.
func (h *Hierarchy) mergeDuplicates(ctx context.Context, tier models.MemoryTier) (int, error) {
	items, err := h.store.List(ctx, h.agentID, tier, nil)
	if err != nil {
		return 0, err
	}
	merged := 0
	removed := make(map[string]bool)
	for i := 0; i < len(items); i++ {
		if removed[items[i].ID] || len(items[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if removed[items[j].ID] || len(items[j].Embedding) == 0 {
				continue
			}
			if CosineSimilarity(items[i].Embedding, items[j].Embedding) < h.cfg.DuplicateSimilarity {
				continue
			}
			keep, drop := items[i], items[j]
			if drop.Importance > keep.Importance {
				keep.Importance = drop.Importance
			}
			keep.AccessCount += drop.AccessCount
			if drop.LastAccessedAt.After(keep.LastAccessedAt) {
				keep.LastAccessedAt = drop.LastAccessedAt
			}
			if err := h.store.Put(ctx, keep); err != nil {
				return merged, err
			}
			if err := h.store.Delete(ctx, drop.ID); err != nil {
				return merged, err
			}
			h.working.remove(drop.ID)
			h.pruneAssociations(ctx, drop.ID)
			removed[drop.ID] = true
			merged++
		}
	}
	return merged, nil
}

// OnTurn applies the consolidation frequency policy for the given turn
// number: the episodic sweep runs every EpisodicEveryTurns, and semantic
// promotion joins the pass only every SemanticEveryTurns.
func (h *Hierarchy) OnTurn(ctx context.Context, turn int64) {
	if h.cfg.EpisodicEveryTurns <= 0 || turn <= 0 {
		return
	}
	if turn%int64(h.cfg.EpisodicEveryTurns) != 0 {
		return
	}
	promoteSemantic := h.cfg.SemanticEveryTurns > 0 && turn%int64(h.cfg.SemanticEveryTurns) == 0
	if _, err := h.consolidate(ctx, promoteSemantic); err != nil {
		h.logger.Warn("consolidation failed", "agent_id", h.agentID, "turn", turn, "error", err)
	}
}

// ClearWorking drops the volatile tier, used when a session is reset.
func (h *Hierarchy) ClearWorking() { h.working.clear() }

// Get fetches an item by id from any tier.
func (h *Hierarchy) Get(ctx context.Context, id string) (*models.MemoryItem, error) {
	item, err := h.store.Get(ctx, id)
	if err == nil {
		return item, nil
	}
	for _, wi := range h.working.all() {
		if wi.ID == id {
			return wi, nil
		}
	}
	return nil, err
}
