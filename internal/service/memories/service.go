// Package memories implements the memory lifecycle operations: creation with
// auto-embedding and provenance anchoring, metadata patches, and soft delete.
package memories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/search"
)

// Store is the slice of the storage layer the lifecycle needs.
type Store interface {
	CreateMemory(ctx context.Context, m model.Memory, creatorInteractionID uuid.UUID, vectorRef string, dims int) (model.Memory, error)
	GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error)
	PatchMemory(ctx context.Context, id uuid.UUID, tier *model.Tier, criticality *model.Criticality) error
	AdvanceMemoryStatus(ctx context.Context, id uuid.UUID, to model.MemoryStatus) error
}

// Mirror is the vector-index side of the lifecycle. Optional.
type Mirror interface {
	Upsert(ctx context.Context, points []search.Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// Service drives memory lifecycle operations.
type Service struct {
	store    Store
	embedder embedding.Provider
	mirror   Mirror
	shards   int
	logger   *slog.Logger
}

// New creates a memory lifecycle service. mirror may be nil.
func New(store Store, embedder embedding.Provider, mirror Mirror, shards int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if shards <= 0 {
		shards = model.DefaultShardCount
	}
	return &Service{store: store, embedder: embedder, mirror: mirror, shards: shards, logger: logger}
}

// CreateRequest is the memory.create input.
type CreateRequest struct {
	Content     string
	OwnerID     string
	Tier        model.Tier
	Criticality model.Criticality
	Type        model.MemoryType

	// CreatorInteractionID anchors the creation edge; uuid.Nil for imports.
	CreatorInteractionID uuid.UUID
}

// Create embeds the content, assigns the owner's shard, and persists the
// memory with its provenance anchors. The embedding is mirrored into the
// vector index when one is configured.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Memory, error) {
	if req.Content == "" {
		return model.Memory{}, fmt.Errorf("memories: content is required")
	}
	if req.OwnerID == "" {
		return model.Memory{}, fmt.Errorf("memories: owner is required")
	}

	m := model.Memory{
		ID:          model.NewID(),
		OwnerID:     req.OwnerID,
		Content:     req.Content,
		TokenCount:  estimateTokens(req.Content),
		Type:        req.Type,
		Tier:        req.Tier,
		Criticality: req.Criticality,
		Status:      model.MemoryStatusActive,
		ShardID:     model.ShardFor(req.OwnerID, s.shards),
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil && !errors.Is(err, embedding.ErrNoProvider) {
		return model.Memory{}, fmt.Errorf("memories: embed content: %w", err)
	}
	var vectorRef string
	if err == nil {
		pv := pgvector.NewVector(vec)
		m.Embedding = &pv
		vectorRef = "pg:memories/" + m.ID.String()
	}

	m, err = s.store.CreateMemory(ctx, m, req.CreatorInteractionID, vectorRef, len(vec))
	if err != nil {
		return model.Memory{}, err
	}

	if s.mirror != nil && m.Embedding != nil {
		if err := s.mirror.Upsert(ctx, []search.Point{{
			ID:        m.ID,
			OwnerID:   m.OwnerID,
			ShardID:   m.ShardID,
			Tier:      string(m.Tier),
			Embedding: vec,
		}}); err != nil {
			// The Postgres row is the source of truth; the mirror catches up
			// on the next upsert.
			s.logger.Warn("memories: mirror upsert failed", "memory_id", m.ID, "error", err)
		}
	}
	return m, nil
}

// Get retrieves a memory.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	return s.store.GetMemory(ctx, id)
}

// Patch updates tier and criticality.
func (s *Service) Patch(ctx context.Context, id uuid.UUID, tier *model.Tier, criticality *model.Criticality) error {
	return s.store.PatchMemory(ctx, id, tier, criticality)
}

// SoftDelete transitions a memory to pending_deletion and removes it from
// the mirror so live retrieval stops seeing it. Snapshot scoring still reads
// the row until the hard-delete sweep.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.AdvanceMemoryStatus(ctx, id, model.MemoryStatusPendingDeletion); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteByIDs(ctx, []uuid.UUID{id}); err != nil {
			s.logger.Warn("memories: mirror delete failed", "memory_id", id, "error", err)
		}
	}
	return nil
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
