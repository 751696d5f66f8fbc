package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

// MemStore is an in-memory Store implementation for tests and ephemeral
// runs. It mirrors the sqlite store's semantics exactly.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*models.MemoryItem
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*models.MemoryItem)}
}

func cloneItem(item *models.MemoryItem) *models.MemoryItem {
	clone := *item
	if item.Embedding != nil {
		clone.Embedding = append([]float32(nil), item.Embedding...)
	}
	if item.Metadata != nil {
		clone.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (s *MemStore) Put(ctx context.Context, item *models.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneItem(item)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.LastAccessedAt.IsZero() {
		clone.LastAccessedAt = clone.CreatedAt
	}
	if clone.AccessCount < 1 {
		clone.AccessCount = 1
	}
	clone.Importance = models.ClampImportance(clone.Importance)
	// Reflect generated fields back to the caller.
	item.ID = clone.ID
	item.CreatedAt = clone.CreatedAt
	item.LastAccessedAt = clone.LastAccessedAt
	item.AccessCount = clone.AccessCount
	s.items[clone.ID] = clone
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*models.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemStore) UpdateAccess(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.AccessCount++
	item.LastAccessedAt = now
	return nil
}

func (s *MemStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Importance = models.ClampImportance(importance)
	return nil
}

func (s *MemStore) SetMetadata(ctx context.Context, id string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		item.Metadata[k] = v
	}
	return nil
}

func (s *MemStore) VectorSearch(ctx context.Context, agentID string, embedding []float32, k int, filter *Filter) ([]ScoredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]ScoredItem, 0, k)
	for _, item := range s.items {
		if item.AgentID != agentID || !filter.Matches(item) {
			continue
		}
		if len(item.Embedding) == 0 {
			continue
		}
		scored = append(scored, ScoredItem{
			Item:  cloneItem(item),
			Score: CosineSimilarity(embedding, item.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemStore) List(ctx context.Context, agentID string, tier models.MemoryTier, filter *Filter) ([]*models.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MemoryItem
	for _, item := range s.items {
		if item.AgentID != agentID {
			continue
		}
		if tier != "" && item.Tier != tier {
			continue
		}
		if !filter.Matches(item) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) Close() error { return nil }
