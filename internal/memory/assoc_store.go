package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evermind-ai/evermind/pkg/models"
)

// MemAssocStore is the in-memory association store.
type MemAssocStore struct {
	mu    sync.RWMutex
	edges map[[2]string]*models.Association
}

// NewMemAssocStore creates an empty in-memory association store.
func NewMemAssocStore() *MemAssocStore {
	return &MemAssocStore{edges: make(map[[2]string]*models.Association)}
}

func (s *MemAssocStore) Upsert(ctx context.Context, assoc *models.Association) error {
	a, b := canonicalPair(assoc.A, assoc.B)
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *assoc
	clone.A, clone.B = a, b
	s.edges[[2]string{a, b}] = &clone
	return nil
}

func (s *MemAssocStore) Get(ctx context.Context, a, b string) (*models.Association, error) {
	a, b = canonicalPair(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[[2]string{a, b}]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *edge
	return &clone, nil
}

func (s *MemAssocStore) Neighbors(ctx context.Context, id string) ([]*models.Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Association
	for _, edge := range s.edges {
		if edge.A == id || edge.B == id {
			clone := *edge
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemAssocStore) Delete(ctx context.Context, a, b string) error {
	a, b = canonicalPair(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, [2]string{a, b})
	return nil
}

// SQLiteAssocStore persists associations in the memory database.
type SQLiteAssocStore struct {
	db *sql.DB
}

// NewSQLiteAssocStore creates (and migrates) the association table on an
// existing database handle, typically shared with SQLiteStore.
func NewSQLiteAssocStore(db *sql.DB) (*SQLiteAssocStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_associations (
			a_id TEXT NOT NULL,
			b_id TEXT NOT NULL,
			strength REAL NOT NULL,
			last_reinforced_at INTEGER NOT NULL,
			PRIMARY KEY (a_id, b_id)
		);
		CREATE INDEX IF NOT EXISTS idx_assoc_b ON memory_associations(b_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate associations: %w", err)
	}
	return &SQLiteAssocStore{db: db}, nil
}

func (s *SQLiteAssocStore) Upsert(ctx context.Context, assoc *models.Association) error {
	a, b := canonicalPair(assoc.A, assoc.B)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_associations (a_id, b_id, strength, last_reinforced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(a_id, b_id) DO UPDATE SET
			strength = excluded.strength,
			last_reinforced_at = excluded.last_reinforced_at`,
		a, b, assoc.Strength, assoc.LastReinforcedAt.UnixMilli())
	return err
}

func (s *SQLiteAssocStore) Get(ctx context.Context, a, b string) (*models.Association, error) {
	a, b = canonicalPair(a, b)
	row := s.db.QueryRowContext(ctx, `
		SELECT a_id, b_id, strength, last_reinforced_at
		FROM memory_associations WHERE a_id = ? AND b_id = ?`, a, b)
	return scanAssoc(row)
}

func scanAssoc(row rowScanner) (*models.Association, error) {
	var assoc models.Association
	var reinforced int64
	err := row.Scan(&assoc.A, &assoc.B, &assoc.Strength, &reinforced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	assoc.LastReinforcedAt = time.UnixMilli(reinforced)
	return &assoc, nil
}

func (s *SQLiteAssocStore) Neighbors(ctx context.Context, id string) ([]*models.Association, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a_id, b_id, strength, last_reinforced_at
		FROM memory_associations WHERE a_id = ? OR b_id = ?`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Association
	for rows.Next() {
		assoc, err := scanAssoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, assoc)
	}
	return out, rows.Err()
}

func (s *SQLiteAssocStore) Delete(ctx context.Context, a, b string) error {
	a, b = canonicalPair(a, b)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_associations WHERE a_id = ? AND b_id = ?`, a, b)
	return err
}
