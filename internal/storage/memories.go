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

// CreateMemory inserts a memory together with its provenance anchors: the
// MemoryNode, the CreationEdge from the creating interaction, the
// EmbeddingNode referencing the stored vector, and the memory→embedding
// DerivationEdge. All writes happen in a single transaction.
//
// creatorInteractionID may be uuid.Nil for memories loaded outside any
// interaction (e.g. imports); the creation edge is then skipped and must be
// backfilled before the memory participates in footprints.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory, creatorInteractionID uuid.UUID, vectorRef string, dims int) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = model.NewID()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessed.IsZero() {
		m.LastAccessed = now
	}
	if m.Status == "" {
		m.Status = model.MemoryStatusActive
	}
	if m.Type == "" {
		m.Type = model.MemoryTypeRaw
	}
	if m.Tier == "" {
		m.Tier = model.TierHot
	}
	if m.Criticality == "" {
		m.Criticality = model.CriticalityNormal
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin create memory tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO memories (id, owner_id, content, embedding, token_count, memory_type, tier,
		 criticality, status, shard_id, created_at, last_accessed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.OwnerID, m.Content, m.Embedding, m.TokenCount, m.Type, m.Tier,
		m.Criticality, m.Status, m.ShardID, m.CreatedAt, m.LastAccessed,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create memory: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_nodes (id, owner_id, shard_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OwnerID, m.ShardID, m.Status, m.CreatedAt,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create memory node: %w", err)
	}

	if creatorInteractionID != uuid.Nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO creation_edges (interaction_id, memory_id, created_at)
			 VALUES ($1, $2, $3)`,
			creatorInteractionID, m.ID, m.CreatedAt,
		)
		if err != nil {
			return model.Memory{}, fmt.Errorf("storage: create creation edge: %w", err)
		}
	}

	embNodeID := model.NewID()
	_, err = tx.Exec(ctx,
		`INSERT INTO embedding_nodes (id, vector_ref, dims, created_at)
		 VALUES ($1, $2, $3, $4)`,
		embNodeID, vectorRef, dims, now,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create embedding node: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO derivation_edges (source_id, source_type, target_id, target_type, derivation_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, model.NodeMemory, embNodeID, model.NodeEmbedding, model.DerivationEmbedding, now,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create derivation edge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit create memory: %w", err)
	}
	return m, nil
}

// GetMemory retrieves a single memory by ID. Soft-deleted rows are returned;
// callers filter on Status when they only want live data.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	var m model.Memory
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, content, embedding, token_count, memory_type, tier, criticality,
		 status, shard_id, created_at, last_accessed, deleted_at
		 FROM memories WHERE id = $1`, id).Scan(
		&m.ID, &m.OwnerID, &m.Content, &m.Embedding, &m.TokenCount, &m.Type, &m.Tier,
		&m.Criticality, &m.Status, &m.ShardID, &m.CreatedAt, &m.LastAccessed, &m.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs fetches the given memories sorted by id. When
// includeDeleted is true the snapshot semantics apply: soft-deleted and even
// hard-marked rows are returned so two-phase completion scores the set as it
// existed at initiate. When false, only active rows come back.
func (db *DB) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID, includeDeleted bool) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, owner_id, content, embedding, token_count, memory_type, tier, criticality,
	 status, shard_id, created_at, last_accessed, deleted_at
	 FROM memories WHERE id = ANY($1)`
	if !includeDeleted {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY id`

	rows, err := db.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories by ids: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(
			&m.ID, &m.OwnerID, &m.Content, &m.Embedding, &m.TokenCount, &m.Type, &m.Tier,
			&m.Criticality, &m.Status, &m.ShardID, &m.CreatedAt, &m.LastAccessed, &m.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate memories: %w", err)
	}
	return out, nil
}

// PatchMemory updates the mutable metadata of a memory (tier, criticality).
func (db *DB) PatchMemory(ctx context.Context, id uuid.UUID, tier *model.Tier, criticality *model.Criticality) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET
		 tier = COALESCE($2, tier),
		 criticality = COALESCE($3, criticality)
		 WHERE id = $1`,
		id, tier, criticality,
	)
	if err != nil {
		return fmt.Errorf("storage: patch memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// AdvanceMemoryStatus moves a memory (and its provenance node) to a later
// lifecycle status in one transaction. The WHERE clause enforces monotonic
// advance in SQL so concurrent writers cannot race a status backwards.
func (db *DB) AdvanceMemoryStatus(ctx context.Context, id uuid.UUID, to model.MemoryStatus) error {
	earlier := earlierStatuses(to)
	if len(earlier) == 0 {
		return fmt.Errorf("%w: no status precedes %q", ErrInvalidStatusTransition, to)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedAt any
	if to == model.MemoryStatusPendingDeletion {
		deletedAt = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx,
		`UPDATE memories SET status = $2, deleted_at = COALESCE($3, deleted_at)
		 WHERE id = $1 AND status = ANY($4)`,
		id, to, deletedAt, earlier,
	)
	if err != nil {
		return fmt.Errorf("storage: advance memory status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-advanced.
		var current model.MemoryStatus
		err := tx.QueryRow(ctx, `SELECT status FROM memories WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("storage: check memory status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current, to)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memory_nodes SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, to, earlier,
	); err != nil {
		return fmt.Errorf("storage: advance memory node status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit status tx: %w", err)
	}
	return nil
}

// earlierStatuses lists the statuses from which `to` is a forward move,
// as plain strings for array binding.
func earlierStatuses(to model.MemoryStatus) []string {
	order := []model.MemoryStatus{
		model.MemoryStatusActive,
		model.MemoryStatusArchived,
		model.MemoryStatusPendingDeletion,
		model.MemoryStatusDeleted,
	}
	for i, s := range order {
		if s == to {
			out := make([]string, i)
			for j := range i {
				out[j] = string(order[j])
			}
			return out
		}
	}
	return nil
}

// TouchLastAccessed bumps last_accessed for a retrieved memory set.
func (db *DB) TouchLastAccessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE memories SET last_accessed = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("storage: touch last accessed: %w", err)
	}
	return nil
}

// HardDeleteExpired promotes pending_deletion memories whose grace period has
// elapsed to deleted and returns their IDs so callers can purge mirrors.
// Rows are kept (status flips, content is cleared) so provenance stays
// auditable.
func (db *DB) HardDeleteExpired(ctx context.Context, grace time.Duration) ([]uuid.UUID, error) {
	cutoff := time.Now().UTC().Add(-grace)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin hard delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE memories SET status = 'deleted', content = '', embedding = NULL
		 WHERE status = 'pending_deletion' AND deleted_at <= $1
		 RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: hard delete expired: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan hard-deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate hard-deleted ids: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE memory_nodes SET status = 'deleted' WHERE id = ANY($1)`, ids); err != nil {
			return nil, fmt.Errorf("storage: hard delete memory nodes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit hard delete tx: %w", err)
	}
	return ids, nil
}
