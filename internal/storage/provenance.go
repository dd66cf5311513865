package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
)

// GetInteractionIDsByAgent returns the IDs of every interaction node owned by
// an agent, sorted by id. This is the seed set for footprint traversal.
func (db *DB) GetInteractionIDsByAgent(ctx context.Context, agentID string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM interaction_nodes WHERE agent_id = $1 ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: get interaction ids by agent: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan interaction id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate interaction ids: %w", err)
	}
	return out, nil
}

// GetCreationEdgesFrom returns the creation edges out of the given
// interactions.
func (db *DB) GetCreationEdgesFrom(ctx context.Context, interactionIDs []uuid.UUID) ([]model.CreationEdge, error) {
	if len(interactionIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT interaction_id, memory_id, created_at FROM creation_edges
		 WHERE interaction_id = ANY($1) ORDER BY memory_id`, interactionIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get creation edges: %w", err)
	}
	defer rows.Close()

	var out []model.CreationEdge
	for rows.Next() {
		var e model.CreationEdge
		if err := rows.Scan(&e.InteractionID, &e.MemoryID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan creation edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate creation edges: %w", err)
	}
	return out, nil
}

// GetDerivationEdgesFrom returns the derivation edges whose source is any of
// the given node IDs.
func (db *DB) GetDerivationEdgesFrom(ctx context.Context, sourceIDs []uuid.UUID) ([]model.DerivationEdge, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, source_type, target_id, target_type, derivation_type, created_at
		 FROM derivation_edges WHERE source_id = ANY($1) ORDER BY target_id`, sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get derivation edges: %w", err)
	}
	defer rows.Close()

	var out []model.DerivationEdge
	for rows.Next() {
		var e model.DerivationEdge
		if err := rows.Scan(&e.SourceID, &e.SourceType, &e.TargetID, &e.TargetType, &e.Derivation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan derivation edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate derivation edges: %w", err)
	}
	return out, nil
}

// RecordConsolidation writes a SummaryNode plus one consolidation derivation
// edge per source memory, in a single transaction.
func (db *DB) RecordConsolidation(ctx context.Context, summary model.SummaryNode, sourceMemoryIDs []uuid.UUID) (model.SummaryNode, error) {
	if summary.ID == uuid.Nil {
		summary.ID = model.NewID()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.SummaryNode{}, fmt.Errorf("storage: begin consolidation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO summary_nodes (id, content, created_at) VALUES ($1, $2, $3)`,
		summary.ID, summary.Content, summary.CreatedAt,
	)
	if err != nil {
		return model.SummaryNode{}, fmt.Errorf("storage: insert summary node: %w", err)
	}

	for _, memID := range sourceMemoryIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO derivation_edges (source_id, source_type, target_id, target_type, derivation_type, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			memID, model.NodeMemory, summary.ID, model.NodeSummary, model.DerivationConsolidation, summary.CreatedAt,
		); err != nil {
			return model.SummaryNode{}, fmt.Errorf("storage: insert consolidation edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SummaryNode{}, fmt.Errorf("storage: commit consolidation tx: %w", err)
	}
	return summary, nil
}

// RecordReEmbedding writes an EmbeddingNode plus a derivation edge from the
// source node, in a single transaction. derivation distinguishes first
// embedding from re-embedding.
func (db *DB) RecordReEmbedding(ctx context.Context, sourceID uuid.UUID, sourceType model.NodeType, node model.EmbeddingNode, derivation model.DerivationType) (model.EmbeddingNode, error) {
	if node.ID == uuid.Nil {
		node.ID = model.NewID()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.EmbeddingNode{}, fmt.Errorf("storage: begin re-embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO embedding_nodes (id, vector_ref, dims, created_at) VALUES ($1, $2, $3, $4)`,
		node.ID, node.VectorRef, node.Dims, node.CreatedAt,
	)
	if err != nil {
		return model.EmbeddingNode{}, fmt.Errorf("storage: insert embedding node: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO derivation_edges (source_id, source_type, target_id, target_type, derivation_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sourceID, sourceType, node.ID, model.NodeEmbedding, derivation, node.CreatedAt,
	)
	if err != nil {
		return model.EmbeddingNode{}, fmt.Errorf("storage: insert embedding edge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.EmbeddingNode{}, fmt.Errorf("storage: commit re-embedding tx: %w", err)
	}
	return node, nil
}

// InfluencedInteractions returns the distinct interactions reached from the
// given memories via current attribution edges with positive score: I(u)'s
// edge hop.
func (db *DB) InfluencedInteractions(ctx context.Context, memoryIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT interaction_id FROM attribution_edges
		 WHERE memory_id = ANY($1) AND is_current AND score > 0
		 ORDER BY interaction_id`, memoryIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: influenced interactions: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan influenced interaction: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate influenced interactions: %w", err)
	}
	return out, nil
}

// CountOrphanDerivationEdges counts derivation edges whose source node no
// longer exists in its type's table. Part of the deletion verification pass.
func (db *DB) CountOrphanDerivationEdges(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `
		SELECT count(*) FROM derivation_edges d
		WHERE (d.source_type = 'memory'      AND NOT EXISTS (SELECT 1 FROM memory_nodes      WHERE id = d.source_id))
		   OR (d.source_type = 'summary'     AND NOT EXISTS (SELECT 1 FROM summary_nodes     WHERE id = d.source_id))
		   OR (d.source_type = 'embedding'   AND NOT EXISTS (SELECT 1 FROM embedding_nodes   WHERE id = d.source_id))
		   OR (d.source_type = 'interaction' AND NOT EXISTS (SELECT 1 FROM interaction_nodes WHERE id = d.source_id))
		   OR (d.source_type = 'response'    AND NOT EXISTS (SELECT 1 FROM response_nodes    WHERE id = d.source_id))`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count orphan derivation edges: %w", err)
	}
	return n, nil
}

// CountNonzeroCurrentEdges counts current attribution edges with non-zero
// score from the given memories. After a deletion cascade this must be zero.
func (db *DB) CountNonzeroCurrentEdges(ctx context.Context, memoryIDs []uuid.UUID) (int64, error) {
	if len(memoryIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM attribution_edges
		 WHERE memory_id = ANY($1) AND is_current AND score <> 0`, memoryIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count nonzero current edges: %w", err)
	}
	return n, nil
}
