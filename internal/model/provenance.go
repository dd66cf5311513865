package model

import (
	"time"

	"github.com/google/uuid"
)

// InteractionNode anchors an interaction in the provenance DAG.
type InteractionNode struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryNode anchors a memory in the provenance DAG. Status is the only field
// mutated after creation, and only monotonically.
type MemoryNode struct {
	ID        uuid.UUID    `json:"id"`
	OwnerID   string       `json:"owner_id"`
	ShardID   int          `json:"shard_id"`
	Status    MemoryStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// SummaryNode represents a consolidation product of one or more memories.
type SummaryNode struct {
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingNode references a stored vector by opaque vector_ref. The vector
// store itself is outside this system; only the reference is tracked.
type EmbeddingNode struct {
	ID        uuid.UUID `json:"id"`
	VectorRef string    `json:"vector_ref"`
	Dims      int       `json:"dims"`
	CreatedAt time.Time `json:"created_at"`
}

// ResponseNode anchors a generated response for statement-level attribution.
type ResponseNode struct {
	ID            uuid.UUID `json:"id"`
	InteractionID uuid.UUID `json:"interaction_id"`
	TokenCount    int       `json:"token_count"`
	ModelID       string    `json:"model_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreationEdge records which interaction created a memory. Every memory has at
// least one.
type CreationEdge struct {
	InteractionID uuid.UUID `json:"interaction_id"`
	MemoryID      uuid.UUID `json:"memory_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// DerivationEdge is a polymorphic edge whose endpoints span the node tables,
// discriminated by (SourceType, TargetType). Targets are always newer than
// sources; the DAG stays acyclic by construction.
type DerivationEdge struct {
	SourceID   uuid.UUID      `json:"source_id"`
	SourceType NodeType       `json:"source_type"`
	TargetID   uuid.UUID      `json:"target_id"`
	TargetType NodeType       `json:"target_type"`
	Derivation DerivationType `json:"derivation_type"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Footprint is the reachable set F(u) of a user's data in the DAG.
type Footprint struct {
	UserID         string      `json:"user_id"`
	InteractionIDs []uuid.UUID `json:"interaction_ids"`
	MemoryIDs      []uuid.UUID `json:"memory_ids"`
	SummaryIDs     []uuid.UUID `json:"summary_ids"`
	EmbeddingIDs   []uuid.UUID `json:"embedding_ids"`
}

// Size returns the total node count across all classes.
func (f Footprint) Size() int {
	return len(f.InteractionIDs) + len(f.MemoryIDs) + len(f.SummaryIDs) + len(f.EmbeddingIDs)
}
