// Package usage provides token and cost accounting: durable per-call
// records, local aggregate statistics, and provider-side balance fetching.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

// Store persists usage records append-only.
type Store interface {
	Append(ctx context.Context, record *models.UsageRecord) error

	// Since returns records with Timestamp >= cutoff, oldest first.
	// A zero cutoff returns everything.
	Since(ctx context.Context, cutoff time.Time) ([]*models.UsageRecord, error)

	Close() error
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.UsageRecord
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	record.ID = clone.ID
	record.Timestamp = clone.Timestamp
	s.records = append(s.records, &clone)
	return nil
}

func (s *MemoryStore) Since(ctx context.Context, cutoff time.Time) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UsageRecord
	for _, record := range s.records {
		if !cutoff.IsZero() && record.Timestamp.Before(cutoff) {
			continue
		}
		clone := *record
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
