// Package txn implements the transaction protocol: single-shot scoring and
// the two-phase initiate/complete state machine with snapshot isolation over
// the retrieved memory set.
//
// Both paths resolve the snapshot identically (re-fetch sorted by id, align
// to the stored order, ignore soft-delete) and seed the attribution engines
// from a digest of the inputs, so a two-phase replay is byte-identical to the
// single-shot path for the same (query, response, memory set, method).
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/attribution"
	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

var (
	// ErrUnknownTransaction is returned when complete references a
	// transaction that was never initiated.
	ErrUnknownTransaction = errors.New("txn: unknown transaction")

	// ErrExpiredTransaction is returned when complete arrives after the
	// pending TTL (or after GC already failed the transaction).
	ErrExpiredTransaction = errors.New("txn: transaction expired")

	// ErrSnapshotCorrupted is returned when a snapshotted memory row cannot
	// be re-fetched at scoring time. Scoring with a fabricated zero embedding
	// would corrupt the math, so the transaction fails instead.
	ErrSnapshotCorrupted = errors.New("txn: snapshot corrupted")
)

// Store is the slice of the storage layer the protocol needs.
type Store interface {
	GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID, includeDeleted bool) ([]model.Memory, error)
	CreatePendingInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error)
	GetInteraction(ctx context.Context, id uuid.UUID) (model.Interaction, error)
	RecordSingleShot(ctx context.Context, rec storage.CompletedRecord) error
	CompletePendingInteraction(ctx context.Context, rec storage.CompletedRecord) error
	GetScoresByInteraction(ctx context.Context, id uuid.UUID) ([]model.AttributionScore, error)
	FailExpiredPending(ctx context.Context, cutoff time.Time) (int64, error)
	TouchLastAccessed(ctx context.Context, ids []uuid.UUID) error
	InsertStatementAttribution(ctx context.Context, node model.ResponseNode, edges []model.StatementAttributionEdge) error
}

// Config tunes the protocol.
type Config struct {
	PendingTTL      time.Duration // Pending interactions older than this expire. Default 24h.
	Deadline        time.Duration // Per-attribution-call deadline. Default 60s.
	InputTokenCost  float64
	OutputTokenCost float64
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 24 * time.Hour
	}
	if c.Deadline <= 0 {
		c.Deadline = 60 * time.Second
	}
	return c
}

// Service drives the transaction protocol.
type Service struct {
	store    Store
	embedder embedding.Provider
	engine   *attribution.Engine
	cc       *attribution.ContextCite
	cfg      Config
	logger   *slog.Logger
}

// New creates a transaction service. cc may be nil when no oracle is
// configured; statement attribution is then unavailable.
func New(store Store, embedder embedding.Provider, engine *attribution.Engine, cc *attribution.ContextCite, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		engine:   engine,
		cc:       cc,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// SingleShotRequest is the one-call scoring path input.
type SingleShotRequest struct {
	QueryText    string
	ResponseText string
	MemoryIDs    []uuid.UUID
	AgentID      string
	Method       model.ScoreType // Empty selects EAS, the oracle-free default.
	ModelID      string
}

// SingleShot embeds the query and response, scores the retrieved set, and
// persists the interaction, attribution record, and profile updates in one
// storage transaction.
func (s *Service) SingleShot(ctx context.Context, req SingleShotRequest) (model.Interaction, []model.AttributionScore, error) {
	ctx, span := telemetry.Tracer("kioku/txn").Start(ctx, "txn.single_shot")
	defer span.End()

	if len(req.MemoryIDs) == 0 {
		return model.Interaction{}, nil, attribution.ErrEmptyRetrievedSet
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{req.QueryText, req.ResponseText})
	if err != nil {
		return model.Interaction{}, nil, fmt.Errorf("txn: embed query and response: %w", err)
	}

	memories, err := s.resolveSnapshot(ctx, req.MemoryIDs)
	if err != nil {
		return model.Interaction{}, nil, err
	}

	result, err := s.attribute(ctx, req.QueryText, req.ResponseText, vecs[0], vecs[1], memories, req.Method)
	if err != nil {
		return model.Interaction{}, nil, err
	}

	now := time.Now().UTC()
	queryVec := pgvector.NewVector(vecs[0])
	responseVec := pgvector.NewVector(vecs[1])
	in := model.Interaction{
		ID:                model.NewID(),
		AgentID:           req.AgentID,
		QueryText:         req.QueryText,
		QueryEmbedding:    &queryVec,
		ResponseText:      &req.ResponseText,
		ResponseEmbedding: &responseVec,
		ResponseTokens:    estimateTokens(req.ResponseText),
		ModelID:           req.ModelID,
		MemoryIDs:         req.MemoryIDs,
		Status:            model.TransactionCompleted,
		Method:            result.Method,
		Cost:              s.cost(memories, req.ResponseText),
		CreatedAt:         now,
		CompletedAt:       &now,
	}

	rec := s.buildRecord(in, memories, result, now)
	if err := s.store.RecordSingleShot(ctx, rec); err != nil {
		return model.Interaction{}, nil, err
	}
	s.touch(ctx, req.MemoryIDs)
	return in, rec.Scores, nil
}

// Initiate snapshots the ordered retrieved set and persists a pending
// interaction. The snapshot is immutable from here on.
func (s *Service) Initiate(ctx context.Context, queryText string, memoryIDs []uuid.UUID, agentID string, method model.ScoreType) (model.Interaction, error) {
	if len(memoryIDs) == 0 {
		return model.Interaction{}, attribution.ErrEmptyRetrievedSet
	}

	// Verify the snapshot is resolvable now so complete doesn't fail later on
	// a memory that never existed.
	if _, err := s.resolveSnapshot(ctx, memoryIDs); err != nil {
		return model.Interaction{}, err
	}

	qv, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("txn: embed query: %w", err)
	}
	queryVec := pgvector.NewVector(qv)

	if method == "" {
		method = model.ScoreTypeEAS
	}
	in := model.Interaction{
		ID:             model.NewID(),
		AgentID:        agentID,
		QueryText:      queryText,
		QueryEmbedding: &queryVec,
		MemoryIDs:      memoryIDs,
		Status:         model.TransactionPending,
		Method:         method,
		CreatedAt:      time.Now().UTC(),
	}
	return s.store.CreatePendingInteraction(ctx, in)
}

// Complete finishes a pending transaction: embeds the response, re-fetches
// the snapshot ignoring soft-delete, scores in the stored order, and persists
// the attribution record. A duplicate complete on a completed transaction is
// idempotent and returns the stored scores.
func (s *Service) Complete(ctx context.Context, transactionID uuid.UUID, responseText, modelID string) ([]model.AttributionScore, error) {
	ctx, span := telemetry.Tracer("kioku/txn").Start(ctx, "txn.complete")
	defer span.End()

	in, err := s.store.GetInteraction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
		}
		return nil, err
	}

	switch in.Status {
	case model.TransactionCompleted:
		return s.store.GetScoresByInteraction(ctx, in.ID)
	case model.TransactionFailed:
		return nil, fmt.Errorf("%w: %s", ErrExpiredTransaction, transactionID)
	}

	if time.Since(in.CreatedAt) > s.cfg.PendingTTL {
		return nil, fmt.Errorf("%w: %s pending since %s", ErrExpiredTransaction, transactionID, in.CreatedAt.Format(time.RFC3339))
	}

	rv, err := s.embedder.Embed(ctx, responseText)
	if err != nil {
		return nil, fmt.Errorf("txn: embed response: %w", err)
	}

	memories, err := s.resolveSnapshot(ctx, in.MemoryIDs)
	if err != nil {
		return nil, err
	}

	var queryEmbedding []float32
	if in.QueryEmbedding != nil {
		queryEmbedding = in.QueryEmbedding.Slice()
	}
	result, err := s.attribute(ctx, in.QueryText, responseText, queryEmbedding, rv, memories, in.Method)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	responseVec := pgvector.NewVector(rv)
	in.ResponseText = &responseText
	in.ResponseEmbedding = &responseVec
	in.ResponseTokens = estimateTokens(responseText)
	in.ModelID = modelID
	in.Method = result.Method
	in.Cost = s.cost(memories, responseText)
	in.Status = model.TransactionCompleted
	in.CompletedAt = &now

	rec := s.buildRecord(in, memories, result, now)
	if err := s.store.CompletePendingInteraction(ctx, rec); err != nil {
		// A racing complete may have won; the winner's scores are the answer.
		if errors.Is(err, storage.ErrNotFound) {
			current, gerr := s.store.GetInteraction(ctx, in.ID)
			if gerr == nil && current.Status == model.TransactionCompleted {
				return s.store.GetScoresByInteraction(ctx, in.ID)
			}
		}
		return nil, err
	}
	s.touch(ctx, in.MemoryIDs)
	return rec.Scores, nil
}

// AttributeStatements runs a per-statement ContextCite pass over a completed
// interaction and records the ResponseNode plus statement attribution edges.
func (s *Service) AttributeStatements(ctx context.Context, transactionID uuid.UUID) ([]model.StatementAttributionEdge, error) {
	if s.cc == nil {
		return nil, attribution.ErrNoOracle
	}

	in, err := s.store.GetInteraction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
		}
		return nil, err
	}
	if in.Status != model.TransactionCompleted || in.ResponseText == nil {
		return nil, fmt.Errorf("txn: interaction %s not completed", transactionID)
	}

	memories, err := s.resolveSnapshot(ctx, in.MemoryIDs)
	if err != nil {
		return nil, err
	}
	contents := make([]string, len(memories))
	for i, m := range memories {
		contents[i] = m.Content
	}

	statements := attribution.SplitStatements(*in.ResponseText)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()
	seed := attribution.Seed(in.QueryText, *in.ResponseText, in.MemoryIDs)
	results, err := s.cc.AttributeStatements(ctx, in.QueryText, contents, statements, seed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	node := model.ResponseNode{
		ID:            model.NewID(),
		InteractionID: in.ID,
		TokenCount:    in.ResponseTokens,
		ModelID:       in.ModelID,
		CreatedAt:     now,
	}
	var edges []model.StatementAttributionEdge
	for si, res := range results {
		for mi, w := range res.Weights {
			if w == 0 {
				continue
			}
			edges = append(edges, model.StatementAttributionEdge{
				ID:             model.NewID(),
				MemoryID:       memories[mi].ID,
				ResponseID:     node.ID,
				StatementIndex: si,
				Score:          w,
				CreatedAt:      now,
			})
		}
	}

	if err := s.store.InsertStatementAttribution(ctx, node, edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// GC transitions pending interactions older than the TTL to failed.
func (s *Service) GC(ctx context.Context) (int64, error) {
	return s.store.FailExpiredPending(ctx, time.Now().UTC().Add(-s.cfg.PendingTTL))
}

// GCLoop runs GC on the given interval until the context ends.
func (s *Service) GCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.GC(ctx)
			if err != nil {
				s.logger.Warn("txn: gc failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("txn: expired pending transactions", "count", n)
			}
		}
	}
}

// resolveSnapshot re-fetches the snapshot rows sorted by id (ignoring
// soft-delete) and aligns them to the stored order. Any missing row fails the
// transaction: scoring a fabricated zero embedding would corrupt the math.
func (s *Service) resolveSnapshot(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	rows, err := s.store.GetMemoriesByIDs(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	out := make([]model.Memory, len(ids))
	for i, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: memory %s missing", ErrSnapshotCorrupted, id)
		}
		out[i] = m
	}
	return out, nil
}

// attribute runs the engine under the configured deadline.
func (s *Service) attribute(ctx context.Context, queryText, responseText string, queryEmbedding, responseEmbedding []float32, memories []model.Memory, method model.ScoreType) (attribution.Result, error) {
	inputs := make([]attribution.MemoryInput, len(memories))
	for i, m := range memories {
		var emb []float32
		if m.Embedding != nil {
			emb = m.Embedding.Slice()
		}
		inputs[i] = attribution.MemoryInput{ID: m.ID, Content: m.Content, Embedding: emb}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()
	return s.engine.Attribute(ctx, attribution.Request{
		QueryText:         queryText,
		ResponseText:      responseText,
		QueryEmbedding:    queryEmbedding,
		ResponseEmbedding: responseEmbedding,
		Memories:          inputs,
		Method:            method,
	})
}

// buildRecord assembles the positional scores and version-1 attribution edges
// for a scored interaction.
func (s *Service) buildRecord(in model.Interaction, memories []model.Memory, result attribution.Result, now time.Time) storage.CompletedRecord {
	scores := make([]model.AttributionScore, len(memories))
	edges := make([]model.AttributionEdge, len(memories))
	for i, m := range memories {
		scores[i] = model.AttributionScore{
			ID:            model.NewID(),
			InteractionID: in.ID,
			MemoryID:      m.ID,
			Position:      i,
			Score:         result.Scores[i],
			Method:        result.Method,
			Confidence:    result.Confidence[i],
			CreatedAt:     now,
		}
		edges[i] = model.AttributionEdge{
			ID:            model.NewID(),
			MemoryID:      m.ID,
			InteractionID: in.ID,
			Score:         result.Scores[i],
			ScoreType:     result.Method,
			Version:       1,
			IsCurrent:     true,
			CreatedAt:     now,
		}
	}
	return storage.CompletedRecord{Interaction: in, Scores: scores, Edges: edges}
}

// cost estimates the token spend of one interaction.
func (s *Service) cost(memories []model.Memory, responseText string) float64 {
	var memTokens int
	for _, m := range memories {
		memTokens += m.TokenCount
	}
	return float64(memTokens)*s.cfg.InputTokenCost + float64(estimateTokens(responseText))*s.cfg.OutputTokenCost
}

// touch bumps last_accessed best-effort; scoring never fails on it.
func (s *Service) touch(ctx context.Context, ids []uuid.UUID) {
	if err := s.store.TouchLastAccessed(ctx, ids); err != nil {
		s.logger.Warn("txn: touch last accessed", "error", err)
	}
}

// estimateTokens is the rough 4-chars-per-token heuristic used when the
// caller supplies no exact count.
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
