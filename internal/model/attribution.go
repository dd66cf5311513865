package model

import (
	"time"

	"github.com/google/uuid"
)

// AttributionScore is the flat per-interaction score record written by the
// transaction protocol: one row per snapshot position.
type AttributionScore struct {
	ID            uuid.UUID `json:"id"`
	InteractionID uuid.UUID `json:"interaction_id"`
	MemoryID      uuid.UUID `json:"memory_id"`
	Position      int       `json:"position"`
	Score         float64   `json:"score"`
	Method        ScoreType `json:"method"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// AttributionEdge is the append-only, versioned provenance edge from a memory
// to the interaction it influenced. At most one edge per (memory, interaction)
// pair is current at any time; a calibrated rescore inserts version+1 and
// flips is_current on the prior row.
type AttributionEdge struct {
	ID            uuid.UUID `json:"id"`
	MemoryID      uuid.UUID `json:"memory_id"`
	InteractionID uuid.UUID `json:"interaction_id"`
	Score         float64   `json:"score"`
	ScoreType     ScoreType `json:"score_type"`
	Version       int       `json:"version"`
	IsCurrent     bool      `json:"is_current"`
	CreatedAt     time.Time `json:"created_at"`
}

// StatementAttributionEdge links a memory to a single statement of a
// response. Only ContextCite runs produce these.
type StatementAttributionEdge struct {
	ID             uuid.UUID `json:"id"`
	MemoryID       uuid.UUID `json:"memory_id"`
	ResponseID     uuid.UUID `json:"response_id"`
	StatementIndex int       `json:"statement_index"`
	Score          float64   `json:"score"`
	CreatedAt      time.Time `json:"created_at"`
}

// CalibrationPair records two engines scoring the same (interaction, memory)
// so calibrated rescores can be fit offline.
type CalibrationPair struct {
	ID            uuid.UUID `json:"id"`
	InteractionID uuid.UUID `json:"interaction_id"`
	MemoryID      uuid.UUID `json:"memory_id"`
	BaseMethod    ScoreType `json:"base_method"`
	BaseScore     float64   `json:"base_score"`
	RefMethod     ScoreType `json:"ref_method"`
	RefScore      float64   `json:"ref_score"`
	CreatedAt     time.Time `json:"created_at"`
}
