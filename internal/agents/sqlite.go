package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evermind-ai/evermind/pkg/models"
)

// SQLiteStore persists agents, versions, and blocks in sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) an agent database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open agent db: %w", err)
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
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			current_version TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_versions (
			version_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			parent_version TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			change_description TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			temperature REAL NOT NULL,
			top_p REAL NOT NULL,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL,
			reasoning_enabled INTEGER NOT NULL DEFAULT 0,
			max_reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			system_prompt TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_versions_agent ON agent_versions(agent_id, created_at);

		CREATE TABLE IF NOT EXISTS memory_blocks (
			agent_id TEXT NOT NULL,
			label TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			limit_chars INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			read_only INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			PRIMARY KEY (agent_id, label)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate agents: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
		agent.UpdatedAt = agent.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, active, current_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Description, boolToInt(agent.Active),
		agent.CurrentVersion, agent.CreatedAt.UnixMilli(), agent.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, active, current_version, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var active int
	var created, updated int64
	err := row.Scan(&agent.ID, &agent.Name, &agent.Description, &active,
		&agent.CurrentVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	agent.Active = active != 0
	agent.CreatedAt = time.UnixMilli(created)
	agent.UpdatedAt = time.UnixMilli(updated)
	return &agent, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, active, current_version, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, description = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		agent.Name, agent.Description, boolToInt(agent.Active),
		time.Now().UnixMilli(), agent.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_versions WHERE agent_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_blocks WHERE agent_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutVersion(ctx context.Context, config *models.AgentConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_versions (version_id, agent_id, parent_version,
			created_at, change_description, model, temperature, top_p,
			max_tokens, context_window, reasoning_enabled, max_reasoning_tokens,
			system_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		config.VersionID, config.AgentID, config.ParentVersion,
		config.CreatedAt.UnixMilli(), config.ChangeDescription, config.Model,
		config.Temperature, config.TopP, config.MaxTokens, config.ContextWindow,
		boolToInt(config.ReasoningEnabled), config.MaxReasoningTokens,
		config.SystemPrompt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET current_version = ?, updated_at = ? WHERE id = ?`,
		config.VersionID, time.Now().UnixMilli(), config.AgentID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetVersion(ctx context.Context, agentID, versionID string) (*models.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version_id, agent_id, parent_version, created_at,
			change_description, model, temperature, top_p, max_tokens,
			context_window, reasoning_enabled, max_reasoning_tokens, system_prompt
		FROM agent_versions WHERE agent_id = ? AND version_id = ?`,
		agentID, versionID)
	return scanVersion(row)
}

func scanVersion(row rowScanner) (*models.AgentConfig, error) {
	var config models.AgentConfig
	var created int64
	var reasoning int
	err := row.Scan(&config.VersionID, &config.AgentID, &config.ParentVersion,
		&created, &config.ChangeDescription, &config.Model, &config.Temperature,
		&config.TopP, &config.MaxTokens, &config.ContextWindow, &reasoning,
		&config.MaxReasoningTokens, &config.SystemPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	config.CreatedAt = time.UnixMilli(created)
	config.ReasoningEnabled = reasoning != 0
	return &config, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, agentID string, limit int) ([]*models.AgentConfig, error) {
	query := `
		SELECT version_id, agent_id, parent_version, created_at,
			change_description, model, temperature, top_p, max_tokens,
			context_window, reasoning_enabled, max_reasoning_tokens, system_prompt
		FROM agent_versions WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AgentConfig
	for rows.Next() {
		config, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, config)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutBlock(ctx context.Context, agentID string, block *models.MemoryBlock) error {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return err
	}
	var metadata sql.NullString
	if block.Metadata != nil {
		b, err := json.Marshal(block.Metadata)
		if err != nil {
			return fmt.Errorf("encode block metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_blocks (agent_id, label, value, limit_chars, description, read_only, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, label) DO UPDATE SET
			value = excluded.value,
			limit_chars = excluded.limit_chars,
			description = excluded.description,
			read_only = excluded.read_only,
			metadata = excluded.metadata`,
		agentID, block.Label, block.Value, block.LimitChars,
		block.Description, boolToInt(block.ReadOnly), metadata)
	return err
}

func (s *SQLiteStore) GetBlock(ctx context.Context, agentID, label string) (*models.MemoryBlock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT label, value, limit_chars, description, read_only, metadata
		FROM memory_blocks WHERE agent_id = ? AND label = ?`, agentID, label)
	block, err := scanBlock(row)
	if errors.Is(err, ErrBlockNotFound) {
		// Distinguish a missing agent from a missing block.
		if _, agentErr := s.GetAgent(ctx, agentID); agentErr != nil {
			return nil, agentErr
		}
	}
	return block, err
}

func scanBlock(row rowScanner) (*models.MemoryBlock, error) {
	var block models.MemoryBlock
	var readOnly int
	var metadata sql.NullString
	err := row.Scan(&block.Label, &block.Value, &block.LimitChars,
		&block.Description, &readOnly, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	block.ReadOnly = readOnly != 0
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &block.Metadata); err != nil {
			return nil, fmt.Errorf("decode block metadata: %w", err)
		}
	}
	return &block, nil
}

func (s *SQLiteStore) ListBlocks(ctx context.Context, agentID string) ([]*models.MemoryBlock, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, value, limit_chars, description, read_only, metadata
		FROM memory_blocks WHERE agent_id = ? ORDER BY label`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MemoryBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBlock(ctx context.Context, agentID, label string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_blocks WHERE agent_id = ? AND label = ?`, agentID, label)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBlockNotFound
	}
	return nil
}

// DB exposes the handle so related stores can share the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }
