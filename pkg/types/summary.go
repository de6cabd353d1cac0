package types

import "time"

// EpisodicSummary is a retrieval unit: a compact natural-language description
// of one entity's current state, embedded and registered in the vector index.
// Summaries are never mutated in place; a newer summary for the same entity
// replaces the old one so the index always reflects a single workspace
// version per entity.
type EpisodicSummary struct {
	// ID is a fresh identifier per generated summary. The vector index is
	// keyed by EntityID, so a new summary displaces its predecessor.
	ID string `json:"id"`

	// EntityID is the workspace entity this summary describes.
	EntityID string `json:"entity_id"`

	Text string `json:"text"`

	// Embedding is the vector produced by the embedding capability.
	Embedding []float32 `json:"embedding,omitempty"`

	// Recency is when the summary was generated; it breaks score ties during
	// search so results stay deterministic.
	Recency time.Time `json:"recency"`

	// WorkspaceVersion is the version the summary was derived from.
	WorkspaceVersion uint64 `json:"workspace_version"`
}
