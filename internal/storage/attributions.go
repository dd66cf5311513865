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

// GetScoresByInteraction returns the flat positional scores for an
// interaction in snapshot order.
func (db *DB) GetScoresByInteraction(ctx context.Context, interactionID uuid.UUID) ([]model.AttributionScore, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, interaction_id, memory_id, position, score, method, confidence, created_at
		 FROM attribution_scores WHERE interaction_id = $1 ORDER BY position`,
		interactionID)
	if err != nil {
		return nil, fmt.Errorf("storage: get scores by interaction: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

// GetScoresByMemory returns every positional score a memory has received,
// newest first.
func (db *DB) GetScoresByMemory(ctx context.Context, memoryID uuid.UUID, limit int) ([]model.AttributionScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, interaction_id, memory_id, position, score, method, confidence, created_at
		 FROM attribution_scores WHERE memory_id = $1 ORDER BY created_at DESC LIMIT $2`,
		memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get scores by memory: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

func scanScores(rows pgx.Rows) ([]model.AttributionScore, error) {
	var out []model.AttributionScore
	for rows.Next() {
		var s model.AttributionScore
		if err := rows.Scan(&s.ID, &s.InteractionID, &s.MemoryID, &s.Position, &s.Score,
			&s.Method, &s.Confidence, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan attribution score: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate attribution scores: %w", err)
	}
	return out, nil
}

// GetCurrentEdgesByInteraction returns the is_current attribution edges
// targeting an interaction.
func (db *DB) GetCurrentEdgesByInteraction(ctx context.Context, interactionID uuid.UUID) ([]model.AttributionEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, memory_id, interaction_id, score, score_type, version, is_current, created_at
		 FROM attribution_edges WHERE interaction_id = $1 AND is_current ORDER BY memory_id`,
		interactionID)
	if err != nil {
		return nil, fmt.Errorf("storage: get edges by interaction: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// GetCurrentEdgesByMemory returns the is_current attribution edges from a
// memory to every interaction it influenced.
func (db *DB) GetCurrentEdgesByMemory(ctx context.Context, memoryID uuid.UUID) ([]model.AttributionEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, memory_id, interaction_id, score, score_type, version, is_current, created_at
		 FROM attribution_edges WHERE memory_id = $1 AND is_current ORDER BY created_at DESC`,
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("storage: get edges by memory: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]model.AttributionEdge, error) {
	var out []model.AttributionEdge
	for rows.Next() {
		var e model.AttributionEdge
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.InteractionID, &e.Score, &e.ScoreType,
			&e.Version, &e.IsCurrent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan attribution edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate attribution edges: %w", err)
	}
	return out, nil
}

// UpdateAttribution inserts a new version of an attribution edge and flips
// is_current on the previous row — one atomic flip+insert transaction. The
// previous score pair is recorded in calibration_pairs for offline fitting.
// Serialization conflicts between racing rescores retry internally.
func (db *DB) UpdateAttribution(ctx context.Context, memoryID, interactionID uuid.UUID, score float64, scoreType model.ScoreType) (model.AttributionEdge, error) {
	var edge model.AttributionEdge
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		edge, err = db.updateAttribution(ctx, memoryID, interactionID, score, scoreType)
		return err
	})
	return edge, err
}

func (db *DB) updateAttribution(ctx context.Context, memoryID, interactionID uuid.UUID, score float64, scoreType model.ScoreType) (model.AttributionEdge, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AttributionEdge{}, fmt.Errorf("storage: begin update attribution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevVersion int
	var prevScore float64
	var prevType model.ScoreType
	err = tx.QueryRow(ctx,
		`UPDATE attribution_edges SET is_current = FALSE
		 WHERE memory_id = $1 AND interaction_id = $2 AND is_current
		 RETURNING version, score, score_type`,
		memoryID, interactionID).Scan(&prevVersion, &prevScore, &prevType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AttributionEdge{}, fmt.Errorf("%w: no current edge for (%s, %s)", ErrNotFound, memoryID, interactionID)
		}
		return model.AttributionEdge{}, fmt.Errorf("storage: flip current edge: %w", err)
	}

	edge := model.AttributionEdge{
		ID:            model.NewID(),
		MemoryID:      memoryID,
		InteractionID: interactionID,
		Score:         score,
		ScoreType:     scoreType,
		Version:       prevVersion + 1,
		IsCurrent:     true,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO attribution_edges (id, memory_id, interaction_id, score, score_type, version, is_current, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		edge.ID, edge.MemoryID, edge.InteractionID, edge.Score, edge.ScoreType,
		edge.Version, edge.IsCurrent, edge.CreatedAt,
	)
	if err != nil {
		return model.AttributionEdge{}, fmt.Errorf("storage: insert new edge version: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO calibration_pairs (id, interaction_id, memory_id, base_method, base_score, ref_method, ref_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (interaction_id, memory_id, base_method, ref_method) DO UPDATE
		 SET base_score = EXCLUDED.base_score, ref_score = EXCLUDED.ref_score, created_at = EXCLUDED.created_at`,
		model.NewID(), interactionID, memoryID, prevType, prevScore, scoreType, score, edge.CreatedAt,
	)
	if err != nil {
		return model.AttributionEdge{}, fmt.Errorf("storage: record calibration pair: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AttributionEdge{}, fmt.Errorf("storage: commit update attribution tx: %w", err)
	}
	return edge, nil
}

// InsertStatementAttribution records ContextCite statement-level edges plus
// the response node anchoring them, in one transaction.
func (db *DB) InsertStatementAttribution(ctx context.Context, node model.ResponseNode, edges []model.StatementAttributionEdge) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin statement attribution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO response_nodes (id, interaction_id, token_count, model_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		node.ID, node.InteractionID, node.TokenCount, node.ModelID, node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert response node: %w", err)
	}

	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO statement_attribution_edges (id, memory_id, response_id, statement_index, score, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.MemoryID, e.ResponseID, e.StatementIndex, e.Score, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert statement edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit statement attribution tx: %w", err)
	}
	return nil
}

// ZeroAttributionForMemories rescores every current edge from the given
// memories to zero as a new calibrated version. Used by the compliance
// deletion cascade so influence queries stop traversing deleted data.
func (db *DB) ZeroAttributionForMemories(ctx context.Context, memoryIDs []uuid.UUID) (int64, error) {
	if len(memoryIDs) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin zero attribution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`WITH flipped AS (
		     UPDATE attribution_edges SET is_current = FALSE
		     WHERE memory_id = ANY($1) AND is_current AND score <> 0
		     RETURNING memory_id, interaction_id, version
		 )
		 INSERT INTO attribution_edges (id, memory_id, interaction_id, score, score_type, version, is_current, created_at)
		 SELECT gen_random_uuid(), memory_id, interaction_id, 0, 'calibrated', version + 1, TRUE, now()
		 FROM flipped`,
		memoryIDs)
	if err != nil {
		return 0, fmt.Errorf("storage: zero attribution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit zero attribution tx: %w", err)
	}
	return tag.RowsAffected(), nil
}
