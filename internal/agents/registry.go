package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

// ConfigObserver is notified after a new config version becomes current.
type ConfigObserver func(agentID string, version *models.AgentConfig)

// Registry is the front door for agent management. It enforces block
// limits, serializes config updates per agent, and delivers
// config_changed events to observers.
type Registry struct {
	store  Store
	logger *slog.Logger

	// Config updates are serialized per agent.
	updateMu sync.Mutex

	observerMu sync.RWMutex
	observers  []ConfigObserver
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Observe registers a config_changed observer. Observers run synchronously
// after the new version is durable; they must not block.
func (r *Registry) Observe(fn ConfigObserver) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) notify(agentID string, version *models.AgentConfig) {
	r.observerMu.RLock()
	observers := append([]ConfigObserver(nil), r.observers...)
	r.observerMu.RUnlock()
	for _, fn := range observers {
		fn(agentID, version)
	}
}

// CreateAgent creates an agent with an initial config version and the
// standard memory blocks.
func (r *Registry) CreateAgent(ctx context.Context, name, description string, initial models.AgentConfig) (*models.Agent, error) {
	now := time.Now()
	agent := &models.Agent{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	initial.VersionID = uuid.NewString()
	initial.ParentVersion = ""
	initial.AgentID = agent.ID
	initial.CreatedAt = now
	if initial.ChangeDescription == "" {
		initial.ChangeDescription = "initial configuration"
	}
	if err := r.store.PutVersion(ctx, &initial); err != nil {
		return nil, fmt.Errorf("write initial version: %w", err)
	}
	agent.CurrentVersion = initial.VersionID

	for _, block := range defaultBlocks() {
		if err := r.store.PutBlock(ctx, agent.ID, block); err != nil {
			return nil, fmt.Errorf("create block %s: %w", block.Label, err)
		}
	}

	r.logger.Info("agent created", "agent_id", agent.ID, "name", name,
		"version_id", initial.VersionID)
	return agent, nil
}

func defaultBlocks() []*models.MemoryBlock {
	return []*models.MemoryBlock{
		{Label: "persona", LimitChars: 2000, Description: "Who the agent is"},
		{Label: "human", LimitChars: 2000, Description: "What the agent knows about the user"},
		{Label: "system_context", LimitChars: 1000, Description: "Operational context"},
	}
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns all agents.
func (r *Registry) List(ctx context.Context) ([]*models.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Delete removes an agent and its blocks and versions.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAgent(ctx, id)
}

// GetConfig returns the agent's current configuration version.
func (r *Registry) GetConfig(ctx context.Context, agentID string) (*models.AgentConfig, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.CurrentVersion == "" {
		return nil, ErrVersionNotFound
	}
	return r.store.GetVersion(ctx, agentID, agent.CurrentVersion)
}

// UpdateConfig applies a patch to the current config, producing a new
// immutable version. Identical consecutive updates still create versions;
// history is never coalesced.
func (r *Registry) UpdateConfig(ctx context.Context, agentID string, patch *models.ConfigPatch, description string) (*models.AgentConfig, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	current, err := r.GetConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}

	next := patch.Apply(current)
	next.VersionID = uuid.NewString()
	next.ParentVersion = current.VersionID
	next.AgentID = agentID
	next.CreatedAt = time.Now()
	next.ChangeDescription = description

	if err := r.store.PutVersion(ctx, &next); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}
	r.logger.Info("agent config updated", "agent_id", agentID,
		"version_id", next.VersionID, "parent", next.ParentVersion)
	r.notify(agentID, &next)
	return &next, nil
}

// ListVersions returns the version history, newest first.
func (r *Registry) ListVersions(ctx context.Context, agentID string, limit int) ([]*models.AgentConfig, error) {
	return r.store.ListVersions(ctx, agentID, limit)
}

// Rollback creates a new version whose content is that of the target and
// whose parent is the target. History is never mutated.
func (r *Registry) Rollback(ctx context.Context, agentID, versionID string) (*models.AgentConfig, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	target, err := r.store.GetVersion(ctx, agentID, versionID)
	if err != nil {
		return nil, err
	}

	restored := *target
	restored.VersionID = uuid.NewString()
	restored.ParentVersion = target.VersionID
	restored.CreatedAt = time.Now()
	restored.ChangeDescription = fmt.Sprintf("rollback to %s", target.VersionID)

	if err := r.store.PutVersion(ctx, &restored); err != nil {
		return nil, fmt.Errorf("write rollback version: %w", err)
	}
	r.logger.Info("agent config rolled back", "agent_id", agentID,
		"target", versionID, "version_id", restored.VersionID)
	r.notify(agentID, &restored)
	return &restored, nil
}

// Blocks returns the agent's memory blocks.
func (r *Registry) Blocks(ctx context.Context, agentID string) ([]*models.MemoryBlock, error) {
	return r.store.ListBlocks(ctx, agentID)
}

// GetBlock returns one memory block by label.
func (r *Registry) GetBlock(ctx context.Context, agentID, label string) (*models.MemoryBlock, error) {
	return r.store.GetBlock(ctx, agentID, label)
}

// WriteBlock replaces a block's value, enforcing read_only and
// limit_chars. On rejection the stored block is unchanged.
func (r *Registry) WriteBlock(ctx context.Context, agentID, label, value string) (*models.MemoryBlock, error) {
	block, err := r.store.GetBlock(ctx, agentID, label)
	if err != nil {
		return nil, err
	}
	if block.ReadOnly {
		return nil, ErrBlockReadOnly
	}
	if block.LimitChars > 0 && len([]rune(value)) > block.LimitChars {
		return nil, fmt.Errorf("%w: %d > %d", ErrBlockOverLimit, len([]rune(value)), block.LimitChars)
	}
	block.Value = value
	if err := r.store.PutBlock(ctx, agentID, block); err != nil {
		return nil, err
	}
	return block, nil
}

// AppendBlock appends text to a block's value, separated by a newline,
// under the same constraints as WriteBlock.
func (r *Registry) AppendBlock(ctx context.Context, agentID, label, text string) (*models.MemoryBlock, error) {
	block, err := r.store.GetBlock(ctx, agentID, label)
	if err != nil {
		return nil, err
	}
	value := block.Value
	if value != "" {
		value += "\n"
	}
	value += text
	return r.WriteBlock(ctx, agentID, label, value)
}

// CreateBlock adds a new memory block to an agent.
func (r *Registry) CreateBlock(ctx context.Context, agentID string, block *models.MemoryBlock) error {
	if block.LimitChars > 0 && len([]rune(block.Value)) > block.LimitChars {
		return fmt.Errorf("%w: %d > %d", ErrBlockOverLimit, len([]rune(block.Value)), block.LimitChars)
	}
	return r.store.PutBlock(ctx, agentID, block)
}
