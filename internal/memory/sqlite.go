package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/evermind-ai/evermind/pkg/models"
)

// SQLiteStore is the durable Store implementation. Embeddings are stored
// as little-endian float32 blobs; similarity is computed in-process, so no
// vector extension is required.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a memory database at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Serialized access keeps the pure-Go driver happy under concurrency.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing handle.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			importance REAL NOT NULL,
			category TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 1,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memory_agent_tier ON memory_items(agent_id, tier);
		CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_items(created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate memory db: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, item *models.MemoryItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.LastAccessedAt.IsZero() {
		item.LastAccessedAt = item.CreatedAt
	}
	if item.AccessCount < 1 {
		item.AccessCount = 1
	}
	item.Importance = models.ClampImportance(item.Importance)

	var meta []byte
	if len(item.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_items
			(id, agent_id, tier, content, embedding, importance, category,
			 created_at, last_accessed_at, access_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			importance = excluded.importance,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			metadata = excluded.metadata`,
		item.ID, item.AgentID, string(item.Tier), item.Content,
		encodeVector(item.Embedding), item.Importance, string(item.Category),
		item.CreatedAt.UnixMilli(), item.LastAccessedAt.UnixMilli(),
		item.AccessCount, nullableString(meta))
	if err != nil {
		return fmt.Errorf("put memory item: %w", err)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, tier, content, embedding, importance, category,
		       created_at, last_accessed_at, access_count, metadata
		FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.MemoryItem, error) {
	var (
		item      models.MemoryItem
		tier      string
		category  string
		embedding []byte
		createdAt int64
		accessed  int64
		meta      sql.NullString
	)
	err := row.Scan(&item.ID, &item.AgentID, &tier, &item.Content, &embedding,
		&item.Importance, &category, &createdAt, &accessed, &item.AccessCount, &meta)
	if err != nil {
		return nil, err
	}
	item.Tier = models.MemoryTier(tier)
	item.Category = models.MemoryCategory(category)
	item.Embedding = decodeVector(embedding)
	item.CreatedAt = time.UnixMilli(createdAt)
	item.LastAccessedAt = time.UnixMilli(accessed)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &item, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) UpdateAccess(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_items
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_items SET importance = ? WHERE id = ?`,
		models.ClampImportance(importance), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetMetadata(ctx context.Context, id string, meta map[string]any) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		item.Metadata[k] = v
	}
	raw, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE memory_items SET metadata = ? WHERE id = ?`,
		string(raw), id)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) VectorSearch(ctx context.Context, agentID string, embedding []float32, k int, filter *Filter) ([]ScoredItem, error) {
	items, err := s.queryItems(ctx, agentID, "", filter)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredItem, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) == 0 {
			continue
		}
		scored = append(scored, ScoredItem{
			Item:  item,
			Score: CosineSimilarity(embedding, item.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *SQLiteStore) List(ctx context.Context, agentID string, tier models.MemoryTier, filter *Filter) ([]*models.MemoryItem, error) {
	return s.queryItems(ctx, agentID, tier, filter)
}

func (s *SQLiteStore) queryItems(ctx context.Context, agentID string, tier models.MemoryTier, filter *Filter) ([]*models.MemoryItem, error) {
	query := `
		SELECT id, agent_id, tier, content, embedding, importance, category,
		       created_at, last_accessed_at, access_count, metadata
		FROM memory_items WHERE agent_id = ?`
	args := []any{agentID}
	if tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(tier))
	}
	if filter != nil {
		if filter.Tier != "" && tier == "" {
			query += ` AND tier = ?`
			args = append(args, string(filter.Tier))
		}
		if filter.Category != "" {
			query += ` AND category = ?`
			args = append(args, string(filter.Category))
		}
		if filter.MinImportance > 0 {
			query += ` AND importance >= ?`
			args = append(args, filter.MinImportance)
		}
		if filter.MaxImportance > 0 {
			query += ` AND importance <= ?`
			args = append(args, filter.MaxImportance)
		}
		if !filter.CreatedAfter.IsZero() {
			query += ` AND created_at >= ?`
			args = append(args, filter.CreatedAfter.UnixMilli())
		}
		if !filter.CreatedBefore.IsZero() {
			query += ` AND created_at <= ?`
			args = append(args, filter.CreatedBefore.UnixMilli())
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so sibling stores (association graph)
// can share one database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }
