package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/model"
)

// MemoryEconomics is the per-memory slice of data the portfolio engine needs:
// identity, size, timestamps, embedding, and the profile mean.
type MemoryEconomics struct {
	ID           uuid.UUID
	OwnerID      string
	TokenCount   int
	Embedding    []float32
	CreatedAt    time.Time
	LastAccessed time.Time
	MeanScore    float64
	ScoreCount   int64
}

// GetMemoryEconomics returns economics rows for every active memory of an
// owner (or all owners when ownerID is empty), sorted by id.
func (db *DB) GetMemoryEconomics(ctx context.Context, ownerID string) ([]MemoryEconomics, error) {
	query := `SELECT m.id, m.owner_id, m.token_count, m.embedding, m.created_at, m.last_accessed,
	 COALESCE(p.mean, 0), COALESCE(p.count, 0)
	 FROM memories m
	 LEFT JOIN memory_profiles p ON p.memory_id = m.id
	 WHERE m.status = 'active'`
	args := []any{}
	if ownerID != "" {
		query += ` AND m.owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY m.id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get memory economics: %w", err)
	}
	defer rows.Close()

	var out []MemoryEconomics
	for rows.Next() {
		var e MemoryEconomics
		var emb *pgvector.Vector
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.TokenCount, &emb, &e.CreatedAt, &e.LastAccessed,
			&e.MeanScore, &e.ScoreCount); err != nil {
			return nil, fmt.Errorf("storage: scan memory economics: %w", err)
		}
		if emb != nil {
			e.Embedding = emb.Slice()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate memory economics: %w", err)
	}
	return out, nil
}

// GetCurrentScores returns the scores of all current attribution edges,
// optionally scoped to one agent's interactions.
func (db *DB) GetCurrentScores(ctx context.Context, agentID string) ([]float64, error) {
	query := `SELECT e.score FROM attribution_edges e`
	args := []any{}
	if agentID != "" {
		query += ` JOIN interactions i ON i.id = e.interaction_id WHERE e.is_current AND i.agent_id = $1`
		args = append(args, agentID)
	} else {
		query += ` WHERE e.is_current`
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get current scores: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate scores: %w", err)
	}
	return out, nil
}

// GetContradictions returns the stored pairwise contradiction probabilities
// for memories owned by ownerID (all owners when empty).
func (db *DB) GetContradictions(ctx context.Context, ownerID string) ([]model.Contradiction, error) {
	query := `SELECT c.memory_a_id, c.memory_b_id, c.probability, c.created_at FROM contradictions c`
	args := []any{}
	if ownerID != "" {
		query += ` JOIN memories a ON a.id = c.memory_a_id WHERE a.owner_id = $1`
		args = append(args, ownerID)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get contradictions: %w", err)
	}
	defer rows.Close()

	var out []model.Contradiction
	for rows.Next() {
		var c model.Contradiction
		if err := rows.Scan(&c.MemoryAID, &c.MemoryBID, &c.Probability, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate contradictions: %w", err)
	}
	return out, nil
}

// UpsertContradiction stores a pairwise contradiction probability.
func (db *DB) UpsertContradiction(ctx context.Context, c model.Contradiction) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO contradictions (memory_a_id, memory_b_id, probability, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (memory_a_id, memory_b_id) DO UPDATE
		 SET probability = EXCLUDED.probability, created_at = now()`,
		c.MemoryAID, c.MemoryBID, c.Probability)
	if err != nil {
		return fmt.Errorf("storage: upsert contradiction: %w", err)
	}
	return nil
}

// GetCostConfig retrieves an agent's pricing row.
func (db *DB) GetCostConfig(ctx context.Context, agentID string) (model.AgentCostConfig, error) {
	var c model.AgentCostConfig
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, input_token_cost, output_token_cost, queries_per_day, retrieval_count, updated_at
		 FROM agent_cost_configs WHERE agent_id = $1`, agentID).Scan(
		&c.AgentID, &c.InputTokenCost, &c.OutputTokenCost, &c.QueriesPerDay, &c.RetrievalCount, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentCostConfig{}, fmt.Errorf("storage: cost config: %w", ErrNotFound)
		}
		return model.AgentCostConfig{}, fmt.Errorf("storage: get cost config: %w", err)
	}
	return c, nil
}

// UpsertCostConfig stores an agent's pricing row.
func (db *DB) UpsertCostConfig(ctx context.Context, c model.AgentCostConfig) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_cost_configs (agent_id, input_token_cost, output_token_cost, queries_per_day, retrieval_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		 input_token_cost = EXCLUDED.input_token_cost,
		 output_token_cost = EXCLUDED.output_token_cost,
		 queries_per_day = EXCLUDED.queries_per_day,
		 retrieval_count = EXCLUDED.retrieval_count,
		 updated_at = now()`,
		c.AgentID, c.InputTokenCost, c.OutputTokenCost, c.QueriesPerDay, c.RetrievalCount)
	if err != nil {
		return fmt.Errorf("storage: upsert cost config: %w", err)
	}
	return nil
}

// InsertHealthSnapshot appends a portfolio health snapshot.
func (db *DB) InsertHealthSnapshot(ctx context.Context, s model.HealthSnapshot) error {
	if s.ID == uuid.Nil {
		s.ID = model.NewID()
	}
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO health_snapshots (id, agent_id, gini, snr_db, waste_pct, taken_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.AgentID, s.Gini, s.SNRdB, s.WastePct, s.TakenAt)
	if err != nil {
		return fmt.Errorf("storage: insert health snapshot: %w", err)
	}
	return nil
}

// ListAgentIDs returns the distinct agents that have interactions.
func (db *DB) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT agent_id FROM interactions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan agent id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate agent ids: %w", err)
	}
	return out, nil
}
