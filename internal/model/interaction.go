package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Interaction is one retrieval transaction: a query, the snapshotted set of
// retrieved memories, and (after completion) the response that was generated
// from them.
//
// MemoryIDs is immutable after initiate. The response fields are nil while the
// interaction is pending.
type Interaction struct {
	ID      uuid.UUID `json:"id"`
	AgentID string    `json:"agent_id"`

	QueryText      string           `json:"query_text"`
	QueryEmbedding *pgvector.Vector `json:"-"`

	ResponseText      *string          `json:"response_text,omitempty"`
	ResponseEmbedding *pgvector.Vector `json:"-"`
	ResponseTokens    int              `json:"response_tokens"`
	ModelID           string           `json:"model_id,omitempty"`

	// MemoryIDs is the ordered snapshot of retrieved memory IDs taken at
	// initiate (or single-shot). Attribution scores are positional over this
	// list.
	MemoryIDs []uuid.UUID `json:"memory_ids"`

	Status TransactionStatus `json:"status"`
	Method ScoreType         `json:"method"`
	Cost   float64           `json:"cost"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
