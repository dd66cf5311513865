// Package model defines the core entities shared by the storage layer and the
// attribution, provenance, and portfolio services.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DefaultShardCount is the number of horizontal memory partitions.
const DefaultShardCount = 16

// Memory is a retrievable unit of agent memory with its unit-norm embedding
// and lifecycle state.
type Memory struct {
	ID          uuid.UUID        `json:"id"`
	OwnerID     string           `json:"owner_id"`
	Content     string           `json:"content"`
	Embedding   *pgvector.Vector `json:"-"`
	TokenCount  int              `json:"token_count"`
	Type        MemoryType       `json:"memory_type"`
	Tier        Tier             `json:"tier"`
	Criticality Criticality      `json:"criticality"`
	Status      MemoryStatus     `json:"status"`

	// ShardID = hash(owner) mod shard count. Assigned at creation, never
	// changes.
	ShardID int `json:"shard_id"`

	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"` // Soft-delete timestamp; start of the grace period.
}

// ShardFor returns the shard a memory owner hashes to.
func ShardFor(ownerID string, shards int) int {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	sum := sha256.Sum256([]byte(ownerID))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(shards)) //nolint:gosec // shards is small and positive
}

// MemoryProfile is the running Welford accumulator of attribution scores for
// one memory. Updated only via the single-statement atomic upsert in storage.
type MemoryProfile struct {
	MemoryID  uuid.UUID `json:"memory_id"`
	Count     int64     `json:"count"`
	Mean      float64   `json:"mean"`
	M2        float64   `json:"m2"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variance returns the sample variance, or 0 when fewer than two scores have
// been folded in.
func (p MemoryProfile) Variance() float64 {
	if p.Count < 2 {
		return 0
	}
	return p.M2 / float64(p.Count-1)
}
