package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
)

// fakeStore is an in-memory compliance store built around a small DAG.
type fakeStore struct {
	mu                  sync.Mutex
	interactionsByAgent map[string][]uuid.UUID
	creations           []model.CreationEdge
	derivations         []model.DerivationEdge
	memories            map[uuid.UUID]model.Memory
	edges               []model.AttributionEdge
	certs               map[uuid.UUID]model.ComplianceCertificate
	orphans             int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		interactionsByAgent: map[string][]uuid.UUID{},
		memories:            map[uuid.UUID]model.Memory{},
		certs:               map[uuid.UUID]model.ComplianceCertificate{},
	}
}

func (f *fakeStore) GetInteractionIDsByAgent(_ context.Context, agentID string) ([]uuid.UUID, error) {
	return f.interactionsByAgent[agentID], nil
}

func (f *fakeStore) GetCreationEdgesFrom(_ context.Context, ids []uuid.UUID) ([]model.CreationEdge, error) {
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var out []model.CreationEdge
	for _, e := range f.creations {
		if in[e.InteractionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) GetDerivationEdgesFrom(_ context.Context, ids []uuid.UUID) ([]model.DerivationEdge, error) {
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var out []model.DerivationEdge
	for _, e := range f.derivations {
		if in[e.SourceID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) InfluencedInteractions(_ context.Context, memoryIDs []uuid.UUID) ([]uuid.UUID, error) {
	in := map[uuid.UUID]bool{}
	for _, id := range memoryIDs {
		in[id] = true
	}
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, e := range f.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score > 0 && !seen[e.InteractionID] {
			seen[e.InteractionID] = true
			out = append(out, e.InteractionID)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMemoriesByIDs(_ context.Context, ids []uuid.UUID, _ bool) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Memory
	for _, id := range ids {
		if m, ok := f.memories[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) AdvanceMemoryStatus(_ context.Context, id uuid.UUID, to model.MemoryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return storage.ErrMemoryNotFound
	}
	if !m.Status.CanTransition(to) {
		return storage.ErrInvalidStatusTransition
	}
	m.Status = to
	now := time.Now().UTC()
	m.DeletedAt = &now
	f.memories[id] = m
	return nil
}

func (f *fakeStore) ZeroAttributionForMemories(_ context.Context, ids []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var n int64
	for i, e := range f.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score != 0 {
			f.edges[i].IsCurrent = false
			f.edges = append(f.edges, model.AttributionEdge{
				ID: model.NewID(), MemoryID: e.MemoryID, InteractionID: e.InteractionID,
				Score: 0, ScoreType: model.ScoreTypeCalibrated, Version: e.Version + 1, IsCurrent: true,
			})
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertCertificate(_ context.Context, c model.ComplianceCertificate) (model.ComplianceCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[c.ID] = c
	return c, nil
}

func (f *fakeStore) GetCertificate(_ context.Context, id uuid.UUID) (model.ComplianceCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.certs[id]
	if !ok {
		return model.ComplianceCertificate{}, storage.ErrCertificateNotFound
	}
	return c, nil
}

func (f *fakeStore) SetCertificateVerified(_ context.Context, id uuid.UUID, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.certs[id]
	c.Verified = verified
	f.certs[id] = c
	return nil
}

func (f *fakeStore) CountOrphanDerivationEdges(context.Context) (int64, error) {
	return f.orphans, nil
}

func (f *fakeStore) ListCertificatesByUser(_ context.Context, userID string) ([]model.ComplianceCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ComplianceCertificate
	for _, c := range f.certs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CountNonzeroCurrentEdges(_ context.Context, ids []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var n int64
	for _, e := range f.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score != 0 {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) HardDeleteExpired(_ context.Context, grace time.Duration) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-grace)
	var out []uuid.UUID
	for id, m := range f.memories {
		if m.Status == model.MemoryStatusPendingDeletion && m.DeletedAt != nil && m.DeletedAt.Before(cutoff) {
			m.Status = model.MemoryStatusDeleted
			f.memories[id] = m
			out = append(out, id)
		}
	}
	return out, nil
}

// fakeMirror tracks which points exist in the vector index.
type fakeMirror struct {
	mu     sync.Mutex
	points map[uuid.UUID]bool
}

func newFakeMirror() *fakeMirror { return &fakeMirror{points: map[uuid.UUID]bool{}} }

func (m *fakeMirror) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *fakeMirror) ContainsAny(_ context.Context, ids []uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if m.points[id] {
			return true, nil
		}
	}
	return false, nil
}

// seed builds a user with two interactions, two memories, and attribution.
func seed(fs *fakeStore, mirror *fakeMirror, user string) (memIDs []uuid.UUID) {
	i1, i2 := model.NewID(), model.NewID()
	m1, m2 := model.NewID(), model.NewID()
	fs.interactionsByAgent[user] = []uuid.UUID{i1, i2}
	fs.creations = append(fs.creations,
		model.CreationEdge{InteractionID: i1, MemoryID: m1},
		model.CreationEdge{InteractionID: i2, MemoryID: m2},
	)
	fs.memories[m1] = model.Memory{ID: m1, OwnerID: user, Status: model.MemoryStatusActive}
	fs.memories[m2] = model.Memory{ID: m2, OwnerID: user, Status: model.MemoryStatusActive}
	fs.edges = append(fs.edges,
		model.AttributionEdge{ID: model.NewID(), MemoryID: m1, InteractionID: i1, Score: 0.7, ScoreType: model.ScoreTypeEAS, Version: 1, IsCurrent: true},
		model.AttributionEdge{ID: model.NewID(), MemoryID: m2, InteractionID: i2, Score: 0.3, ScoreType: model.ScoreTypeEAS, Version: 1, IsCurrent: true},
	)
	if mirror != nil {
		mirror.points[m1] = true
		mirror.points[m2] = true
	}
	return []uuid.UUID{m1, m2}
}

func TestRequestDeletion_FullCascade(t *testing.T) {
	fs := newFakeStore()
	mirror := newFakeMirror()
	memIDs := seed(fs, mirror, "user-u")
	svc := New(fs, mirror, 30*24*time.Hour, nil)

	cert, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)

	assert.Equal(t, model.RequestGDPRDeletion, cert.RequestType)
	assert.True(t, cert.Verified, "cascade should verify clean")
	require.NotNil(t, cert.GracePeriodEnd)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *cert.GracePeriodEnd, time.Minute)

	for _, id := range memIDs {
		assert.Equal(t, model.MemoryStatusPendingDeletion, fs.memories[id].Status)
		ok, _ := mirror.ContainsAny(context.Background(), []uuid.UUID{id})
		assert.False(t, ok, "mirror purged")
	}
	n, _ := fs.CountNonzeroCurrentEdges(context.Background(), memIDs)
	assert.Zero(t, n, "attribution zeroed")
}

func TestRequestDeletion_ProtectedMemoryExcluded(t *testing.T) {
	fs := newFakeStore()
	mirror := newFakeMirror()
	memIDs := seed(fs, mirror, "user-u")

	protected := fs.memories[memIDs[0]]
	protected.Criticality = model.CriticalityProtected
	fs.memories[memIDs[0]] = protected

	svc := New(fs, mirror, 30*24*time.Hour, nil)
	_, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)

	assert.Equal(t, model.MemoryStatusActive, fs.memories[memIDs[0]].Status, "protected memory stays")
	assert.Equal(t, model.MemoryStatusPendingDeletion, fs.memories[memIDs[1]].Status)
}

func TestRequestDeletion_UnverifiedOnOrphans(t *testing.T) {
	fs := newFakeStore()
	mirror := newFakeMirror()
	seed(fs, mirror, "user-u")
	fs.orphans = 3

	svc := New(fs, mirror, 30*24*time.Hour, nil)
	cert, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)
	assert.False(t, cert.Verified)
	stored, _ := fs.GetCertificate(context.Background(), cert.ID)
	assert.False(t, stored.Verified)
}

func TestRequestDeletion_Idempotent(t *testing.T) {
	fs := newFakeStore()
	mirror := newFakeMirror()
	seed(fs, mirror, "user-u")
	svc := New(fs, mirror, 30*24*time.Hour, nil)

	_, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)
	// A second request finds memories already pending; the cascade skips them.
	cert, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)
	assert.True(t, cert.Verified)
}

func TestAudit_CertificateReproducible(t *testing.T) {
	fs := newFakeStore()
	seed(fs, nil, "user-u")
	svc := New(fs, nil, 30*24*time.Hour, nil)

	a, err := svc.Audit(context.Background(), "user-u")
	require.NoError(t, err)
	b, err := svc.Audit(context.Background(), "user-u")
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash, "same footprint, same hash")
	assert.True(t, a.Verified)
	assert.Nil(t, a.GracePeriodEnd)
}

func TestFootprint_HashMatchesSnapshot(t *testing.T) {
	fs := newFakeStore()
	seed(fs, nil, "user-u")
	svc := New(fs, nil, 30*24*time.Hour, nil)

	f, hash, err := svc.Footprint(context.Background(), "user-u")
	require.NoError(t, err)
	assert.Len(t, f.InteractionIDs, 2)
	assert.Len(t, f.MemoryIDs, 2)
	assert.NotEmpty(t, hash)
}

func TestHardDeleteSweep(t *testing.T) {
	fs := newFakeStore()
	mirror := newFakeMirror()
	memIDs := seed(fs, mirror, "user-u")
	svc := New(fs, mirror, time.Hour, nil)

	_, err := svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)

	// Backdate the soft-delete past the grace period.
	fs.mu.Lock()
	for _, id := range memIDs {
		m := fs.memories[id]
		old := time.Now().UTC().Add(-2 * time.Hour)
		m.DeletedAt = &old
		fs.memories[id] = m
	}
	fs.mu.Unlock()

	n, err := svc.HardDeleteSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range memIDs {
		assert.Equal(t, model.MemoryStatusDeleted, fs.memories[id].Status)
	}
}

func TestInfluence(t *testing.T) {
	fs := newFakeStore()
	seed(fs, nil, "user-u")
	svc := New(fs, nil, 30*24*time.Hour, nil)

	ids, err := svc.Influence(context.Background(), "user-u")
	require.NoError(t, err)
	assert.Len(t, ids, 2, "both memories influence their interactions")

	// After deletion the zeroed edges drop out of I(u).
	_, err = svc.RequestDeletion(context.Background(), "user-u")
	require.NoError(t, err)
	ids, err = svc.Influence(context.Background(), "user-u")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
