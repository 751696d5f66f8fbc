package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

// MemoryStore is the in-memory Store implementation for tests and local
// runs.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	versions map[string][]*models.AgentConfig          // agentID → append order
	blocks   map[string]map[string]*models.MemoryBlock // agentID → label
}

// NewMemoryStore creates an empty in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   map[string]*models.Agent{},
		versions: map[string][]*models.AgentConfig{},
		blocks:   map[string]map[string]*models.MemoryBlock{},
	}
}

func cloneAgent(agent *models.Agent) *models.Agent {
	clone := *agent
	return &clone
}

func cloneConfig(config *models.AgentConfig) *models.AgentConfig {
	clone := *config
	return &clone
}

func cloneBlock(block *models.MemoryBlock) *models.MemoryBlock {
	clone := *block
	if block.Metadata != nil {
		clone.Metadata = make(map[string]any, len(block.Metadata))
		for k, v := range block.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneAgent(agent)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
		clone.UpdatedAt = clone.CreatedAt
	}
	agent.ID = clone.ID
	m.agents[clone.ID] = clone
	m.blocks[clone.ID] = map[string]*models.MemoryBlock{}
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

func (m *MemoryStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		out = append(out, cloneAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[agent.ID]
	if !ok {
		return ErrAgentNotFound
	}
	clone := cloneAgent(agent)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.agents[clone.ID] = clone
	return nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(m.agents, id)
	delete(m.versions, id)
	delete(m.blocks, id)
	return nil
}

func (m *MemoryStore) PutVersion(ctx context.Context, config *models.AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[config.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	clone := cloneConfig(config)
	m.versions[config.AgentID] = append(m.versions[config.AgentID], clone)
	agent.CurrentVersion = clone.VersionID
	agent.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, agentID, versionID string) (*models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, config := range m.versions[agentID] {
		if config.VersionID == versionID {
			return cloneConfig(config), nil
		}
	}
	return nil, ErrVersionNotFound
}

func (m *MemoryStore) ListVersions(ctx context.Context, agentID string, limit int) ([]*models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.versions[agentID]
	out := make([]*models.AgentConfig, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- { // newest first
		out = append(out, cloneConfig(history[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PutBlock(ctx context.Context, agentID string, block *models.MemoryBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks, ok := m.blocks[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	blocks[block.Label] = cloneBlock(block)
	return nil
}

func (m *MemoryStore) GetBlock(ctx context.Context, agentID, label string) (*models.MemoryBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocks, ok := m.blocks[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	block, ok := blocks[label]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return cloneBlock(block), nil
}

func (m *MemoryStore) ListBlocks(ctx context.Context, agentID string) ([]*models.MemoryBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocks, ok := m.blocks[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	out := make([]*models.MemoryBlock, 0, len(blocks))
	for _, block := range blocks {
		out = append(out, cloneBlock(block))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MemoryStore) DeleteBlock(ctx context.Context, agentID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks, ok := m.blocks[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if _, ok := blocks[label]; !ok {
		return ErrBlockNotFound
	}
	delete(blocks, label)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
