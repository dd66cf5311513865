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

// welfordUpsert folds one score into a memory profile as a single statement.
// The whole Welford step runs inside ON CONFLICT, so two concurrent writers
// serialize on the row and can never interleave a read-modify-write.
//
// mean' = mean + (x - mean) / count'
// m2'   = m2 + (x - mean) * (x - mean')
const welfordUpsert = `
INSERT INTO memory_profiles (memory_id, count, mean, m2, updated_at)
VALUES ($1, 1, $2, 0, now())
ON CONFLICT (memory_id) DO UPDATE SET
    count = memory_profiles.count + 1,
    mean  = memory_profiles.mean + ($2 - memory_profiles.mean) / (memory_profiles.count + 1),
    m2    = memory_profiles.m2 + ($2 - memory_profiles.mean)
            * ($2 - (memory_profiles.mean + ($2 - memory_profiles.mean) / (memory_profiles.count + 1))),
    updated_at = now()`

// UpsertProfile folds one attribution score into a memory's Welford profile.
// Serialization conflicts are retried internally; callers never see them.
func (db *DB) UpsertProfile(ctx context.Context, memoryID uuid.UUID, score float64) error {
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx, welfordUpsert, memoryID, score)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}

// upsertProfileTx is the transactional form used by the attribution record
// writers.
func upsertProfileTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, score float64) error {
	if _, err := tx.Exec(ctx, welfordUpsert, memoryID, score); err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}

// GetProfile retrieves the Welford profile for a memory.
func (db *DB) GetProfile(ctx context.Context, memoryID uuid.UUID) (model.MemoryProfile, error) {
	var p model.MemoryProfile
	err := db.pool.QueryRow(ctx,
		`SELECT memory_id, count, mean, m2, updated_at FROM memory_profiles WHERE memory_id = $1`,
		memoryID).Scan(&p.MemoryID, &p.Count, &p.Mean, &p.M2, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MemoryProfile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, memoryID)
		}
		return model.MemoryProfile{}, fmt.Errorf("storage: get profile: %w", err)
	}
	return p, nil
}

