package models

import "time"

// Session is an ordered, append-only message log scoped to an agent.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Title     string         `json:"title,omitempty"`
	TurnCount int64          `json:"turn_count"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
