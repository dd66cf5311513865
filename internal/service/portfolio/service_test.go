package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/vecmath"
)

type fakeStore struct {
	econ           map[string][]storage.MemoryEconomics
	scores         map[string][]float64
	contradictions map[string][]model.Contradiction
	costConfigs    map[string]model.AgentCostConfig
	agents         []string
	snapshots      []model.HealthSnapshot
}

func (f *fakeStore) GetMemoryEconomics(_ context.Context, ownerID string) ([]storage.MemoryEconomics, error) {
	return f.econ[ownerID], nil
}

func (f *fakeStore) GetCurrentScores(_ context.Context, agentID string) ([]float64, error) {
	return f.scores[agentID], nil
}

func (f *fakeStore) GetContradictions(_ context.Context, ownerID string) ([]model.Contradiction, error) {
	return f.contradictions[ownerID], nil
}

func (f *fakeStore) GetCostConfig(_ context.Context, agentID string) (model.AgentCostConfig, error) {
	c, ok := f.costConfigs[agentID]
	if !ok {
		return model.AgentCostConfig{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListAgentIDs(context.Context) ([]string, error) { return f.agents, nil }

func (f *fakeStore) InsertHealthSnapshot(_ context.Context, s model.HealthSnapshot) error {
	f.snapshots = append(f.snapshots, s)
	return nil
}

func seededStore() *fakeStore {
	now := time.Now().UTC()
	dup := vecmath.Normalize([]float32{1, 0.01, 0})
	dup2 := vecmath.Normalize([]float32{1, 0.02, 0})
	other := vecmath.Normalize([]float32{0, 0, 1})

	econ := []storage.MemoryEconomics{
		{ID: model.NewID(), OwnerID: "a1", TokenCount: 500, Embedding: dup, CreatedAt: now.Add(-200 * 24 * time.Hour), LastAccessed: now, MeanScore: 0.6, ScoreCount: 10},
		{ID: model.NewID(), OwnerID: "a1", TokenCount: 300, Embedding: dup2, CreatedAt: now.Add(-10 * 24 * time.Hour), LastAccessed: now, MeanScore: 0.002, ScoreCount: 8},
		{ID: model.NewID(), OwnerID: "a1", TokenCount: 200, Embedding: other, CreatedAt: now.Add(-5 * 24 * time.Hour), LastAccessed: now, MeanScore: 0.3, ScoreCount: 4},
	}
	return &fakeStore{
		econ:   map[string][]storage.MemoryEconomics{"a1": econ, "": econ},
		scores: map[string][]float64{"a1": {0.6, 0.3, 0.1}, "": {0.6, 0.3, 0.1}},
		contradictions: map[string][]model.Contradiction{
			"a1": {{MemoryAID: econ[0].ID, MemoryBID: econ[1].ID, Probability: 0.4}},
		},
		costConfigs: map[string]model.AgentCostConfig{},
		agents:      []string{"a1"},
	}
}

func defaultPricing() Pricing {
	return Pricing{InputTokenCost: 0.001, OutputTokenCost: 0.002, QueriesPerDay: 10}
}

func TestAgentReport(t *testing.T) {
	store := seededStore()
	svc := New(store, defaultPricing(), DefaultThresholds(), nil)

	r, err := svc.AgentReport(context.Background(), "a1")
	require.NoError(t, err)

	assert.Equal(t, 3, r.MemoryCount)
	// 1000 tokens * 0.001 * 10 qpd.
	assert.InDelta(t, 10.0, r.MemoryTokenCostDaily, 1e-9)
	// 300 of 1000 tokens sit under the waste threshold.
	assert.InDelta(t, 30.0, r.TokenWasteRatePct, 1e-9)
	assert.InDelta(t, 0.4, r.ContradictionRisk, 1e-9)
	require.Len(t, r.RedundantPairs, 1)
	assert.Equal(t, 300, r.RedundantPairs[0].WastedTokens)
	// 1 of 3 frequent memories predates the staleness window.
	assert.InDelta(t, 100.0/3, r.StalenessPct, 1e-6)
	require.Len(t, r.ROI, 3)
	assert.GreaterOrEqual(t, r.ROI[0].ROI, r.ROI[1].ROI)
	assert.Greater(t, r.Gini, 0.0)
}

func TestAgentReport_CostConfigOverride(t *testing.T) {
	store := seededStore()
	store.costConfigs["a1"] = model.AgentCostConfig{
		AgentID: "a1", InputTokenCost: 0.01, QueriesPerDay: 100,
	}
	svc := New(store, defaultPricing(), DefaultThresholds(), nil)

	r, err := svc.AgentReport(context.Background(), "a1")
	require.NoError(t, err)
	// 1000 tokens * 0.01 * 100 qpd.
	assert.InDelta(t, 1000.0, r.MemoryTokenCostDaily, 1e-9)
}

func TestOverview(t *testing.T) {
	store := seededStore()
	svc := New(store, defaultPricing(), DefaultThresholds(), nil)

	o, err := svc.Overview(context.Background())
	require.NoError(t, err)
	assert.Greater(t, o.GlobalGini, 0.0)
	assert.LessOrEqual(t, o.GlobalGini, 1.0)
	require.Len(t, o.Agents, 1)
	assert.Equal(t, "a1", o.Agents[0].AgentID)
}

func TestSnapshot(t *testing.T) {
	store := seededStore()
	svc := New(store, defaultPricing(), DefaultThresholds(), nil)

	require.NoError(t, svc.Snapshot(context.Background()))
	require.Len(t, store.snapshots, 1)
	assert.Nil(t, store.snapshots[0].AgentID, "global snapshot has no agent")
	assert.Greater(t, store.snapshots[0].Gini, 0.0)
}
