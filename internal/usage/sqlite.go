package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evermind-ai/evermind/pkg/models"
)

// SQLiteStore persists usage records in sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a usage database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
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
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL,
			tool_calls_made INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("migrate usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, timestamp, session_id, agent_id, model,
			prompt_tokens, completion_tokens, reasoning_tokens, cost, tool_calls_made)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Timestamp.UnixMilli(), record.SessionID, record.AgentID,
		record.Model, record.PromptTokens, record.CompletionTokens,
		record.ReasoningTokens, record.Cost, record.ToolCallsMade)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Since(ctx context.Context, cutoff time.Time) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, session_id, agent_id, model, prompt_tokens,
			completion_tokens, reasoning_tokens, cost, tool_calls_made
		FROM usage_records WHERE timestamp >= ?
		ORDER BY timestamp`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		var record models.UsageRecord
		var ts int64
		err := rows.Scan(&record.ID, &ts, &record.SessionID, &record.AgentID,
			&record.Model, &record.PromptTokens, &record.CompletionTokens,
			&record.ReasoningTokens, &record.Cost, &record.ToolCallsMade)
		if err != nil {
			return nil, err
		}
		record.Timestamp = time.UnixMilli(ts)
		out = append(out, &record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
