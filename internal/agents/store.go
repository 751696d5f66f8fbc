// Package agents manages agent identity: registry CRUD, memory blocks,
// and the append-only configuration version history with rollback.
package agents

import (
	"context"
	"errors"

	"github.com/evermind-ai/evermind/pkg/models"
)

var (
	// ErrAgentNotFound is returned when an agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrVersionNotFound is returned when a config version does not exist.
	ErrVersionNotFound = errors.New("config version not found")

	// ErrBlockNotFound is returned when a memory block does not exist.
	ErrBlockNotFound = errors.New("memory block not found")

	// ErrBlockReadOnly is returned on writes to a read-only block.
	ErrBlockReadOnly = errors.New("memory block is read-only")

	// ErrBlockOverLimit is returned when a value exceeds the block's
	// character limit. The block is left unchanged.
	ErrBlockOverLimit = errors.New("memory block value exceeds limit_chars")
)

// Store persists agents, memory blocks, and configuration versions.
// Versions are immutable once written.
type Store interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// PutVersion appends an immutable config version and moves the
	// agent's current pointer to it.
	PutVersion(ctx context.Context, config *models.AgentConfig) error
	GetVersion(ctx context.Context, agentID, versionID string) (*models.AgentConfig, error)
	ListVersions(ctx context.Context, agentID string, limit int) ([]*models.AgentConfig, error)

	PutBlock(ctx context.Context, agentID string, block *models.MemoryBlock) error
	GetBlock(ctx context.Context, agentID, label string) (*models.MemoryBlock, error)
	ListBlocks(ctx context.Context, agentID string) ([]*models.MemoryBlock, error)
	DeleteBlock(ctx context.Context, agentID, label string) error

	Close() error
}
