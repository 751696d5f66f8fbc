// Package sessions implements the append-only conversation store: per
// session message logs with monotonic sequence numbers, pagination, and
// prefix compaction for summarization.
package sessions

import (
	"context"
	"errors"

	"github.com/evermind-ai/evermind/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageRequired is returned when a nil message is appended.
	ErrMessageRequired = errors.New("message is required")
)

// Store is the interface for conversation persistence. Seq assignment is
// serialized per session; messages are append-only.
type Store interface {
	// GetOrCreate returns the session, creating it on first use.
	GetOrCreate(ctx context.Context, sessionID, agentID string) (*models.Session, error)

	// Get returns a session by id.
	Get(ctx context.Context, sessionID string) (*models.Session, error)

	// List returns sessions for an agent, newest first.
	ListSessions(ctx context.Context, agentID string, limit int) ([]*models.Session, error)

	// Append assigns the next seq for the session and persists the
	// message. The assigned seq and generated fields are reflected back.
	Append(ctx context.Context, msg *models.Message) error

	// Messages returns up to limit messages with seq > cursor in seq
	// order, and the cursor for the next page (the last seq returned).
	Messages(ctx context.Context, sessionID string, limit int, cursor int64) ([]*models.Message, int64, error)

	// Clear deletes all messages for a session. The session row and its
	// seq counter survive, so later appends continue the sequence.
	Clear(ctx context.Context, sessionID string) error

	// ReplacePrefixWithSummary deletes messages with seq <= upToSeq and
	// inserts a single system summary message at seq = upToSeq. Every
	// replaced message is strictly older than any retained one, and a
	// repeat call with the same upToSeq only replaces its own summary.
	ReplacePrefixWithSummary(ctx context.Context, sessionID string, upToSeq int64, summary string) error

	// IncrementTurn bumps the session turn counter and returns the new
	// value, used by the consolidation frequency policy.
	IncrementTurn(ctx context.Context, sessionID string) (int64, error)

	Close() error
}
