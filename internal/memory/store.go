// Package memory implements the hierarchical memory engine: durable
// tier-tagged storage, retention-gate scoring, attentional retrieval, and
// the Hebbian association graph.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

func newID() string { return uuid.NewString() }

var (
	// ErrNotFound is returned when a memory item does not exist.
	ErrNotFound = errors.New("memory item not found")
)

// Filter narrows List and VectorSearch results.
type Filter struct {
	Tier          models.MemoryTier
	Category      models.MemoryCategory
	MinImportance float64
	MaxImportance float64 // 0 means unbounded
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Matches reports whether an item passes the filter.
func (f *Filter) Matches(item *models.MemoryItem) bool {
	if f == nil {
		return true
	}
	if f.Tier != "" && item.Tier != f.Tier {
		return false
	}
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if item.Importance < f.MinImportance {
		return false
	}
	if f.MaxImportance > 0 && item.Importance > f.MaxImportance {
		return false
	}
	if !f.CreatedAfter.IsZero() && item.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && item.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// ScoredItem pairs an item with a similarity or relevance score.
type ScoredItem struct {
	Item  *models.MemoryItem
	Score float64
}

// Store persists memory items with vector search. Implementations must be
// safe for concurrent use; reads observe prior writes for the same agent.
type Store interface {
	Put(ctx context.Context, item *models.MemoryItem) error
	Get(ctx context.Context, id string) (*models.MemoryItem, error)
	Delete(ctx context.Context, id string) error

	// UpdateAccess increments access_count and sets last_accessed_at.
	UpdateAccess(ctx context.Context, id string, now time.Time) error

	// UpdateImportance sets importance, clamped to [0,10].
	UpdateImportance(ctx context.Context, id string, importance float64) error

	// SetMetadata merges the given keys into the item's metadata.
	SetMetadata(ctx context.Context, id string, meta map[string]any) error

	// VectorSearch returns the k items most similar to the embedding,
	// scored by cosine similarity, restricted by the filter.
	VectorSearch(ctx context.Context, agentID string, embedding []float32, k int, filter *Filter) ([]ScoredItem, error)

	// List returns items for an agent and tier, restricted by the filter.
	List(ctx context.Context, agentID string, tier models.MemoryTier, filter *Filter) ([]*models.MemoryItem, error)

	Close() error
}
