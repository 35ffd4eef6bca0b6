package models

import "time"

// MemoryEntry is a write-once record of a completed tool exchange, stored for
// later similarity retrieval. EmbeddingID is the provider-assigned handle in
// the long-lived memory index.
type MemoryEntry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	ToolName    string    `json:"tool_name"`
	Summary     string    `json:"summary"`
	EmbeddingID string    `json:"embedding_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemoryHit is one result of a memory similarity search.
type MemoryHit struct {
	Entry MemoryEntry `json:"entry"`
	Score float64     `json:"score"`
}
