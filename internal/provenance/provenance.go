// Package provenance implements the read side of the provenance DAG: the
// footprint fixed-point traversal F(u), the influence query I(u), and the
// reproducible certificate hash over a footprint snapshot.
//
// Writes to the DAG are single-transaction storage methods; this package only
// ever walks forward along creation and derivation edges, so traversal
// terminates on any append-only history.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
)

// Store is the slice of the storage layer the traversals need.
type Store interface {
	GetInteractionIDsByAgent(ctx context.Context, agentID string) ([]uuid.UUID, error)
	GetCreationEdgesFrom(ctx context.Context, interactionIDs []uuid.UUID) ([]model.CreationEdge, error)
	GetDerivationEdgesFrom(ctx context.Context, sourceIDs []uuid.UUID) ([]model.DerivationEdge, error)
	InfluencedInteractions(ctx context.Context, memoryIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Graph runs reachability queries over the stored DAG.
type Graph struct {
	store Store
}

// New creates a Graph over the given store.
func New(store Store) *Graph {
	return &Graph{store: store}
}

// Footprint computes F(u): every node reachable from the user's interactions
// by following creation edges and then derivation edges to a fixed point.
func (g *Graph) Footprint(ctx context.Context, userID string) (model.Footprint, error) {
	seed, err := g.store.GetInteractionIDsByAgent(ctx, userID)
	if err != nil {
		return model.Footprint{}, fmt.Errorf("provenance: footprint seed: %w", err)
	}

	seen := map[uuid.UUID]model.NodeType{}
	for _, id := range seed {
		seen[id] = model.NodeInteraction
	}

	// Creation edges: interactions -> memories.
	creations, err := g.store.GetCreationEdgesFrom(ctx, seed)
	if err != nil {
		return model.Footprint{}, fmt.Errorf("provenance: footprint creations: %w", err)
	}
	frontier := make([]uuid.UUID, 0, len(creations))
	for _, e := range creations {
		if _, ok := seen[e.MemoryID]; ok {
			continue
		}
		seen[e.MemoryID] = model.NodeMemory
		frontier = append(frontier, e.MemoryID)
	}

	// Derivation edges to a fixed point: stop when a pass discovers nothing.
	for len(frontier) > 0 {
		edges, err := g.store.GetDerivationEdgesFrom(ctx, frontier)
		if err != nil {
			return model.Footprint{}, fmt.Errorf("provenance: footprint expansion: %w", err)
		}
		frontier = frontier[:0]
		for _, e := range edges {
			if _, ok := seen[e.TargetID]; ok {
				continue
			}
			seen[e.TargetID] = e.TargetType
			frontier = append(frontier, e.TargetID)
		}
	}

	f := model.Footprint{UserID: userID}
	for id, typ := range seen {
		switch typ {
		case model.NodeInteraction:
			f.InteractionIDs = append(f.InteractionIDs, id)
		case model.NodeMemory:
			f.MemoryIDs = append(f.MemoryIDs, id)
		case model.NodeSummary:
			f.SummaryIDs = append(f.SummaryIDs, id)
		case model.NodeEmbedding:
			f.EmbeddingIDs = append(f.EmbeddingIDs, id)
		}
	}
	sortIDs(f.InteractionIDs)
	sortIDs(f.MemoryIDs)
	sortIDs(f.SummaryIDs)
	sortIDs(f.EmbeddingIDs)
	return f, nil
}

// Influence computes I(u): the distinct interactions reached from F(u)'s
// memories via current attribution edges with positive score.
func (g *Graph) Influence(ctx context.Context, userID string) ([]uuid.UUID, error) {
	f, err := g.Footprint(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids, err := g.store.InfluencedInteractions(ctx, f.MemoryIDs)
	if err != nil {
		return nil, fmt.Errorf("provenance: influence: %w", err)
	}
	return ids, nil
}

// ClosureViolations returns derivation edges whose source is inside the
// footprint but whose target is not. F(u) is closed by construction, so a
// non-empty result means the DAG changed mid-traversal or storage is
// inconsistent; the compliance verification pass treats either as a failure.
func (g *Graph) ClosureViolations(ctx context.Context, f model.Footprint) ([]model.DerivationEdge, error) {
	inside := map[uuid.UUID]bool{}
	all := make([]uuid.UUID, 0, f.Size())
	for _, ids := range [][]uuid.UUID{f.InteractionIDs, f.MemoryIDs, f.SummaryIDs, f.EmbeddingIDs} {
		for _, id := range ids {
			inside[id] = true
			all = append(all, id)
		}
	}

	edges, err := g.store.GetDerivationEdgesFrom(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("provenance: closure check: %w", err)
	}
	var violations []model.DerivationEdge
	for _, e := range edges {
		if !inside[e.TargetID] {
			violations = append(violations, e)
		}
	}
	return violations, nil
}

// CertificateHash produces the reproducible SHA-256 hex digest of a footprint
// snapshot: node IDs sorted within each class, classes in a fixed order, each
// line type-prefixed. Two runs over the same footprint always agree.
func CertificateHash(f model.Footprint) string {
	h := sha256.New()
	write := func(prefix string, ids []uuid.UUID) {
		sorted := append([]uuid.UUID(nil), ids...)
		sortIDs(sorted)
		for _, id := range sorted {
			h.Write([]byte(prefix))
			h.Write([]byte(":"))
			h.Write([]byte(id.String()))
			h.Write([]byte("\n"))
		}
	}
	h.Write([]byte("user:" + f.UserID + "\n"))
	write("interaction", f.InteractionIDs)
	write("memory", f.MemoryIDs)
	write("summary", f.SummaryIDs)
	write("embedding", f.EmbeddingIDs)
	return hex.EncodeToString(h.Sum(nil))
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
