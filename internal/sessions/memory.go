package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	lastSeq  map[string]int64

	locker *Locker
}

// NewMemoryStore creates an empty in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
		lastSeq:  map[string]int64{},
		locker:   NewLocker(0),
	}
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if msg.ToolResult != nil {
		res := *msg.ToolResult
		clone.ToolResult = &res
	}
	return &clone
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, sessionID, agentID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[sessionID]; ok {
		return cloneSession(session), nil
	}
	now := time.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := &models.Session{
		ID:        sessionID,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[sessionID] = session
	return cloneSession(session), nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, agentID string, limit int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return ErrMessageRequired
	}
	release, err := m.locker.Lock(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[msg.SessionID]
	if !ok {
		return ErrSessionNotFound
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.lastSeq[msg.SessionID]++
	clone.Seq = m.lastSeq[msg.SessionID]
	// Reflect generated fields back to caller.
	msg.ID = clone.ID
	msg.Seq = clone.Seq
	msg.CreatedAt = clone.CreatedAt

	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], clone)
	session.UpdatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, sessionID string, limit int, cursor int64) ([]*models.Message, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, 0, ErrSessionNotFound
	}

	var out []*models.Message
	for _, msg := range m.messages[sessionID] {
		if msg.Seq <= cursor {
			continue
		}
		out = append(out, cloneMessage(msg))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	release, err := m.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.messages, sessionID)
	return nil
}

func (m *MemoryStore) ReplacePrefixWithSummary(ctx context.Context, sessionID string, upToSeq int64, summary string) error {
	release, err := m.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	retained := make([]*models.Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		if msg.Seq > upToSeq {
			retained = append(retained, msg)
		}
	}
	summaryMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Seq:         upToSeq,
		Role:        models.RoleSystem,
		Content:     summary,
		MessageType: models.MessageTypeSystem,
		CreatedAt:   time.Now(),
	}
	m.messages[sessionID] = append([]*models.Message{summaryMsg}, retained...)
	if m.lastSeq[sessionID] < upToSeq {
		m.lastSeq[sessionID] = upToSeq
	}
	return nil
}

func (m *MemoryStore) IncrementTurn(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	session.TurnCount++
	return session.TurnCount, nil
}

func (m *MemoryStore) Close() error { return nil }
