package models

import "time"

// MemoryTier identifies which tier of the hierarchical memory an item
// lives in.
type MemoryTier string

const (
	TierWorking  MemoryTier = "working"
	TierEpisodic MemoryTier = "episodic"
	TierSemantic MemoryTier = "semantic"
)

// MemoryCategory classifies a memory item. Categories influence retention
// and retrieval scoring.
type MemoryCategory string

const (
	CategoryFact               MemoryCategory = "fact"
	CategoryPreference         MemoryCategory = "preference"
	CategoryEvent              MemoryCategory = "event"
	CategoryEmotion            MemoryCategory = "emotion"
	CategoryInsight            MemoryCategory = "insight"
	CategoryRelationshipMoment MemoryCategory = "relationship_moment"
)

// MemoryItem is a recalled fact or experience stored in one of the three
// memory tiers. Content and embedding are immutable after creation; only
// importance, access bookkeeping, and metadata are updated in place.
type MemoryItem struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Tier       MemoryTier     `json:"tier"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Importance float64        `json:"importance"`
	Category   MemoryCategory `json:"category"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClampImportance bounds importance to the valid [0,10] range.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// Association is an undirected weighted edge between two memory items.
// (A,B) and (B,A) are the same edge; stores canonicalize the ordering.
type Association struct {
	A                string    `json:"a_id"`
	B                string    `json:"b_id"`
	Strength         float64   `json:"strength"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
}

// FeedbackType is an agent- or user-supplied judgement about a retrieved
// memory item.
type FeedbackType string

const (
	FeedbackHelpful    FeedbackType = "helpful"
	FeedbackNotHelpful FeedbackType = "not_helpful"
	FeedbackIncorrect  FeedbackType = "incorrect"
	FeedbackOutdated   FeedbackType = "outdated"
	FeedbackRedundant  FeedbackType = "redundant"
)
