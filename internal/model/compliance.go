package model

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceCertificate is the append-only record of a compliance request:
// the footprint snapshot at request time, its reproducible SHA-256 hash, and
// the verification outcome. Certificates are never deleted.
type ComplianceCertificate struct {
	ID             uuid.UUID   `json:"id"`
	UserID         string      `json:"user_id"`
	RequestType    RequestType `json:"request_type"`
	Footprint      Footprint   `json:"footprint"`
	Hash           string      `json:"hash"`
	GracePeriodEnd *time.Time  `json:"grace_period_end,omitempty"`
	Verified       bool        `json:"verified"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Contradiction is a scored pairwise contradiction probability between two
// memories, feeding the portfolio contradiction-risk metric.
type Contradiction struct {
	MemoryAID   uuid.UUID `json:"memory_a_id"`
	MemoryBID   uuid.UUID `json:"memory_b_id"`
	Probability float64   `json:"probability"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentCostConfig holds per-agent token pricing used by the portfolio engine.
type AgentCostConfig struct {
	AgentID         string    `json:"agent_id"`
	InputTokenCost  float64   `json:"input_token_cost"`  // Price per input token.
	OutputTokenCost float64   `json:"output_token_cost"` // Price per output token.
	QueriesPerDay   float64   `json:"queries_per_day"`
	RetrievalCount  int       `json:"retrieval_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HealthSnapshot is a periodic roll-up of global portfolio health.
type HealthSnapshot struct {
	ID        uuid.UUID `json:"id"`
	AgentID   *string   `json:"agent_id,omitempty"` // nil for the global snapshot.
	Gini      float64   `json:"gini"`
	SNRdB     float64   `json:"snr_db"`
	WastePct  float64   `json:"waste_pct"`
	TakenAt   time.Time `json:"taken_at"`
}
