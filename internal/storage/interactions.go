package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// CreatePendingInteraction persists a pending interaction snapshotting the
// ordered retrieved memory set, plus its provenance node, in one transaction.
func (db *DB) CreatePendingInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error) {
	if in.ID == uuid.Nil {
		in.ID = model.NewID()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	in.Status = model.TransactionPending

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("storage: begin initiate tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertInteraction(ctx, tx, in); err != nil {
		return model.Interaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Interaction{}, fmt.Errorf("storage: commit initiate tx: %w", err)
	}
	return in, nil
}

// insertInteraction writes the interaction row and its provenance node.
func insertInteraction(ctx context.Context, tx pgx.Tx, in model.Interaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO interactions (id, agent_id, query_text, query_embedding, response_text,
		 response_embedding, response_tokens, model_id, memory_ids, status, method, cost,
		 created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		in.ID, in.AgentID, in.QueryText, in.QueryEmbedding, in.ResponseText,
		in.ResponseEmbedding, in.ResponseTokens, in.ModelID, in.MemoryIDs, in.Status,
		in.Method, in.Cost, in.CreatedAt, in.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert interaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO interaction_nodes (id, agent_id, created_at) VALUES ($1, $2, $3)`,
		in.ID, in.AgentID, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert interaction node: %w", err)
	}
	return nil
}

// GetInteraction retrieves an interaction by ID.
func (db *DB) GetInteraction(ctx context.Context, id uuid.UUID) (model.Interaction, error) {
	var in model.Interaction
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, query_text, query_embedding, response_text, response_embedding,
		 response_tokens, model_id, memory_ids, status, method, cost, created_at, completed_at
		 FROM interactions WHERE id = $1`, id).Scan(
		&in.ID, &in.AgentID, &in.QueryText, &in.QueryEmbedding, &in.ResponseText, &in.ResponseEmbedding,
		&in.ResponseTokens, &in.ModelID, &in.MemoryIDs, &in.Status, &in.Method, &in.Cost,
		&in.CreatedAt, &in.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Interaction{}, fmt.Errorf("%w: %s", ErrInteractionNotFound, id)
		}
		return model.Interaction{}, fmt.Errorf("storage: get interaction: %w", err)
	}
	return in, nil
}

// CompletedRecord is everything the transaction protocol persists when an
// interaction finishes scoring: the interaction itself, the flat positional
// scores, the versioned attribution edges, and the Welford profile updates.
type CompletedRecord struct {
	Interaction model.Interaction
	Scores      []model.AttributionScore
	Edges       []model.AttributionEdge
}

// RecordSingleShot persists a completed single-shot interaction and its full
// attribution record in one transaction.
func (db *DB) RecordSingleShot(ctx context.Context, rec CompletedRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin single-shot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertInteraction(ctx, tx, rec.Interaction); err != nil {
		return err
	}
	if err := writeAttributionRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit single-shot tx: %w", err)
	}
	return nil
}

// CompletePendingInteraction transitions a pending interaction to completed
// and persists its attribution record atomically. The status guard in the
// UPDATE makes duplicate completes a no-op at the row level; callers detect
// the duplicate beforehand and return the stored scores.
func (db *DB) CompletePendingInteraction(ctx context.Context, rec CompletedRecord) error {
	in := rec.Interaction

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE interactions SET response_text = $2, response_embedding = $3,
		 response_tokens = $4, model_id = $5, method = $6, cost = $7,
		 status = 'completed', completed_at = $8
		 WHERE id = $1 AND status = 'pending'`,
		in.ID, in.ResponseText, in.ResponseEmbedding,
		in.ResponseTokens, in.ModelID, in.Method, in.Cost, in.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: complete interaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not pending", ErrInteractionNotFound, in.ID)
	}

	if err := writeAttributionRecord(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit complete tx: %w", err)
	}
	return nil
}

// writeAttributionRecord inserts scores, version-1 attribution edges, and
// folds each score into its memory's Welford profile — all on the caller's
// transaction.
func writeAttributionRecord(ctx context.Context, tx pgx.Tx, rec CompletedRecord) error {
	for _, s := range rec.Scores {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attribution_scores (id, interaction_id, memory_id, position, score, method, confidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.ID, s.InteractionID, s.MemoryID, s.Position, s.Score, s.Method, s.Confidence, s.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert attribution score: %w", err)
		}
	}

	for _, e := range rec.Edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attribution_edges (id, memory_id, interaction_id, score, score_type, version, is_current, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.MemoryID, e.InteractionID, e.Score, e.ScoreType, e.Version, e.IsCurrent, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert attribution edge: %w", err)
		}
		if err := upsertProfileTx(ctx, tx, e.MemoryID, e.Score); err != nil {
			return err
		}
	}
	return nil
}

// FailInteraction moves a pending interaction to failed.
func (db *DB) FailInteraction(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE interactions SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("storage: fail interaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not pending", ErrInteractionNotFound, id)
	}
	return nil
}

// FailExpiredPending garbage-collects pending interactions created before the
// cutoff, transitioning them to failed. Returns the number collected.
func (db *DB) FailExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE interactions SET status = 'failed'
		 WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: fail expired pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListInteractionsByAgent returns an agent's interactions, newest first.
func (db *DB) ListInteractionsByAgent(ctx context.Context, agentID string, limit int) ([]model.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, query_text, query_embedding, response_text, response_embedding,
		 response_tokens, model_id, memory_ids, status, method, cost, created_at, completed_at
		 FROM interactions WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list interactions: %w", err)
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var in model.Interaction
		if err := rows.Scan(
			&in.ID, &in.AgentID, &in.QueryText, &in.QueryEmbedding, &in.ResponseText, &in.ResponseEmbedding,
			&in.ResponseTokens, &in.ModelID, &in.MemoryIDs, &in.Status, &in.Method, &in.Cost,
			&in.CreatedAt, &in.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan interaction: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate interactions: %w", err)
	}
	return out, nil
}
