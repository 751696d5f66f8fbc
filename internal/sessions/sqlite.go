package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evermind-ai/evermind/pkg/models"
)

// SQLiteStore persists conversations in sqlite. Seq assignment happens
// under the in-process locker; the database enforces uniqueness as a
// backstop.
type SQLiteStore struct {
	db     *sql.DB
	locker *Locker
}

// NewSQLiteStore opens (and migrates) a conversation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, locker: NewLocker(0)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing handle, used when conversation
// and memory data share one database file.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, locker: NewLocker(0)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			turn_count INTEGER NOT NULL DEFAULT 0,
			last_seq INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_result TEXT,
			thinking TEXT NOT NULL DEFAULT '',
			reasoning_time REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			metadata TEXT,
			UNIQUE (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate conversations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, sessionID, agentID string) (*models.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session, err := s.Get(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, agentID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.Get(ctx, sessionID)
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, title, turn_count, created_at, updated_at, metadata
		FROM sessions WHERE id = ?`, sessionID)

	var session models.Session
	var created, updated int64
	var metadata sql.NullString
	err := row.Scan(&session.ID, &session.AgentID, &session.Title,
		&session.TurnCount, &created, &updated, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = time.UnixMilli(created)
	session.UpdatedAt = time.UnixMilli(updated)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string, limit int) ([]*models.Session, error) {
	query := `
		SELECT id, agent_id, title, turn_count, created_at, updated_at, metadata
		FROM sessions`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var session models.Session
		var created, updated int64
		var metadata sql.NullString
		if err := rows.Scan(&session.ID, &session.AgentID, &session.Title,
			&session.TurnCount, &created, &updated, &metadata); err != nil {
			return nil, err
		}
		session.CreatedAt = time.UnixMilli(created)
		session.UpdatedAt = time.UnixMilli(updated)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
				return nil, fmt.Errorf("decode session metadata: %w", err)
			}
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return ErrMessageRequired
	}
	release, err := s.locker.Lock(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM sessions WHERE id = ?`, msg.SessionID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Seq = lastSeq + 1

	toolCalls, toolResult, metadata, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, message_type,
			kind, error_kind, tool_calls, tool_result, thinking, reasoning_time,
			created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, string(msg.Role), msg.Content,
		string(msg.MessageType), string(msg.Kind), msg.ErrorKind,
		toolCalls, toolResult, msg.Thinking, msg.ReasoningTime,
		msg.CreatedAt.UnixMilli(), metadata)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_seq = ?, updated_at = ? WHERE id = ?`,
		msg.Seq, msg.CreatedAt.UnixMilli(), msg.SessionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func encodeMessageJSON(msg *models.Message) (toolCalls, toolResult, metadata sql.NullString, err error) {
	if len(msg.ToolCalls) > 0 {
		b, e := json.Marshal(msg.ToolCalls)
		if e != nil {
			return toolCalls, toolResult, metadata, fmt.Errorf("encode tool calls: %w", e)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	if msg.ToolResult != nil {
		b, e := json.Marshal(msg.ToolResult)
		if e != nil {
			return toolCalls, toolResult, metadata, fmt.Errorf("encode tool result: %w", e)
		}
		toolResult = sql.NullString{String: string(b), Valid: true}
	}
	if msg.Metadata != nil {
		b, e := json.Marshal(msg.Metadata)
		if e != nil {
			return toolCalls, toolResult, metadata, fmt.Errorf("encode metadata: %w", e)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	return toolCalls, toolResult, metadata, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int, cursor int64) ([]*models.Message, int64, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, session_id, seq, role, content, message_type, kind,
			error_kind, tool_calls, tool_result, thinking, reasoning_time,
			created_at, metadata
		FROM messages WHERE session_id = ? AND seq > ?
		ORDER BY seq`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var msg models.Message
	var role, messageType, kind string
	var toolCalls, toolResult, metadata sql.NullString
	var created int64
	err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Content,
		&messageType, &kind, &msg.ErrorKind, &toolCalls, &toolResult,
		&msg.Thinking, &msg.ReasoningTime, &created, &metadata)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.MessageType = models.MessageType(messageType)
	msg.Kind = models.MessageKind(kind)
	msg.CreatedAt = time.UnixMilli(created)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if toolResult.Valid && toolResult.String != "" {
		msg.ToolResult = &models.ToolResult{}
		if err := json.Unmarshal([]byte(toolResult.String), msg.ToolResult); err != nil {
			return nil, fmt.Errorf("decode tool result: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &msg, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	release, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) ReplacePrefixWithSummary(ctx context.Context, sessionID string, upToSeq int64, summary string) error {
	release, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM sessions WHERE id = ?`, sessionID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND seq <= ?`, sessionID, upToSeq)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, upToSeq, string(models.RoleSystem),
		summary, string(models.MessageTypeSystem), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	if lastSeq < upToSeq {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_seq = ? WHERE id = ?`, upToSeq, sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) IncrementTurn(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET turn_count = turn_count + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrSessionNotFound
	}
	var count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT turn_count FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	return count, err
}

// DB exposes the handle so related stores can share the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }
