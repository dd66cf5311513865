package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/attribution"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/compliance"
	"github.com/ashita-ai/kioku/internal/service/memories"
	"github.com/ashita-ai/kioku/internal/service/portfolio"
	"github.com/ashita-ai/kioku/internal/service/txn"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/vecmath"
)

// backend is a combined in-memory implementation of every store interface the
// façade's services need.
type backend struct {
	mu             sync.Mutex
	memories       map[uuid.UUID]model.Memory
	interactions   map[uuid.UUID]model.Interaction
	scores         map[uuid.UUID][]model.AttributionScore
	edges          []model.AttributionEdge
	certs          map[uuid.UUID]model.ComplianceCertificate
	creations      []model.CreationEdge
	derivations    []model.DerivationEdge
	profiles       map[uuid.UUID]*model.MemoryProfile
	contradictions []model.Contradiction
}

func newBackend() *backend {
	return &backend{
		memories:     map[uuid.UUID]model.Memory{},
		interactions: map[uuid.UUID]model.Interaction{},
		scores:       map[uuid.UUID][]model.AttributionScore{},
		certs:        map[uuid.UUID]model.ComplianceCertificate{},
		profiles:     map[uuid.UUID]*model.MemoryProfile{},
	}
}

func (b *backend) Ping(context.Context) error { return nil }

// --- memories.Store ---

func (b *backend) CreateMemory(_ context.Context, m model.Memory, creator uuid.UUID, _ string, _ int) (model.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memories[m.ID] = m
	if creator != uuid.Nil {
		b.creations = append(b.creations, model.CreationEdge{InteractionID: creator, MemoryID: m.ID})
	}
	return m, nil
}

func (b *backend) GetMemory(_ context.Context, id uuid.UUID) (model.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return model.Memory{}, storage.ErrMemoryNotFound
	}
	return m, nil
}

func (b *backend) PatchMemory(_ context.Context, id uuid.UUID, tier *model.Tier, crit *model.Criticality) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return storage.ErrMemoryNotFound
	}
	if tier != nil {
		m.Tier = *tier
	}
	if crit != nil {
		m.Criticality = *crit
	}
	b.memories[id] = m
	return nil
}

func (b *backend) AdvanceMemoryStatus(_ context.Context, id uuid.UUID, to model.MemoryStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return storage.ErrMemoryNotFound
	}
	if !m.Status.CanTransition(to) {
		return storage.ErrInvalidStatusTransition
	}
	m.Status = to
	b.memories[id] = m
	return nil
}

// --- txn.Store ---

func (b *backend) GetMemoriesByIDs(_ context.Context, ids []uuid.UUID, includeDeleted bool) ([]model.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Memory
	for _, id := range ids {
		m, ok := b.memories[id]
		if !ok {
			continue
		}
		if !includeDeleted && m.Status != model.MemoryStatusActive {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (b *backend) CreatePendingInteraction(_ context.Context, in model.Interaction) (model.Interaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interactions[in.ID] = in
	return in, nil
}

func (b *backend) GetInteraction(_ context.Context, id uuid.UUID) (model.Interaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.interactions[id]
	if !ok {
		return model.Interaction{}, storage.ErrInteractionNotFound
	}
	return in, nil
}

func (b *backend) RecordSingleShot(_ context.Context, rec storage.CompletedRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interactions[rec.Interaction.ID] = rec.Interaction
	b.scores[rec.Interaction.ID] = rec.Scores
	b.edges = append(b.edges, rec.Edges...)
	return nil
}

func (b *backend) CompletePendingInteraction(_ context.Context, rec storage.CompletedRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.interactions[rec.Interaction.ID]
	if !ok || existing.Status != model.TransactionPending {
		return storage.ErrInteractionNotFound
	}
	b.interactions[rec.Interaction.ID] = rec.Interaction
	b.scores[rec.Interaction.ID] = rec.Scores
	b.edges = append(b.edges, rec.Edges...)
	return nil
}

func (b *backend) GetScoresByInteraction(_ context.Context, id uuid.UUID) ([]model.AttributionScore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scores[id], nil
}

func (b *backend) FailExpiredPending(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (b *backend) TouchLastAccessed(context.Context, []uuid.UUID) error { return nil }

func (b *backend) InsertStatementAttribution(context.Context, model.ResponseNode, []model.StatementAttributionEdge) error {
	return nil
}

// --- AttributionReader ---

func (b *backend) GetScoresByMemory(_ context.Context, id uuid.UUID, _ int) ([]model.AttributionScore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.AttributionScore
	for _, scores := range b.scores {
		for _, s := range scores {
			if s.MemoryID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (b *backend) GetProfile(_ context.Context, id uuid.UUID) (model.MemoryProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return model.MemoryProfile{}, storage.ErrProfileNotFound
	}
	return *p, nil
}

// --- compliance.Store (provenance slice) ---

func (b *backend) GetInteractionIDsByAgent(_ context.Context, agentID string) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uuid.UUID
	for id, in := range b.interactions {
		if in.AgentID == agentID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *backend) GetCreationEdgesFrom(_ context.Context, ids []uuid.UUID) ([]model.CreationEdge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var out []model.CreationEdge
	for _, e := range b.creations {
		if in[e.InteractionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *backend) GetDerivationEdgesFrom(_ context.Context, ids []uuid.UUID) ([]model.DerivationEdge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var out []model.DerivationEdge
	for _, e := range b.derivations {
		if in[e.SourceID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *backend) InfluencedInteractions(_ context.Context, memoryIDs []uuid.UUID) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range memoryIDs {
		in[id] = true
	}
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, e := range b.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score > 0 && !seen[e.InteractionID] {
			seen[e.InteractionID] = true
			out = append(out, e.InteractionID)
		}
	}
	return out, nil
}

func (b *backend) ZeroAttributionForMemories(_ context.Context, ids []uuid.UUID) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var n int64
	for i, e := range b.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score != 0 {
			b.edges[i].IsCurrent = false
			b.edges = append(b.edges, model.AttributionEdge{
				ID: model.NewID(), MemoryID: e.MemoryID, InteractionID: e.InteractionID,
				Score: 0, ScoreType: model.ScoreTypeCalibrated, Version: e.Version + 1, IsCurrent: true,
			})
			n++
		}
	}
	return n, nil
}

func (b *backend) InsertCertificate(_ context.Context, c model.ComplianceCertificate) (model.ComplianceCertificate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.certs[c.ID] = c
	return c, nil
}

func (b *backend) GetCertificate(_ context.Context, id uuid.UUID) (model.ComplianceCertificate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.certs[id]
	if !ok {
		return model.ComplianceCertificate{}, storage.ErrCertificateNotFound
	}
	return c, nil
}

func (b *backend) SetCertificateVerified(_ context.Context, id uuid.UUID, v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.certs[id]
	c.Verified = v
	b.certs[id] = c
	return nil
}

func (b *backend) CountOrphanDerivationEdges(context.Context) (int64, error) { return 0, nil }

func (b *backend) CountNonzeroCurrentEdges(_ context.Context, ids []uuid.UUID) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var n int64
	for _, e := range b.edges {
		if in[e.MemoryID] && e.IsCurrent && e.Score != 0 {
			n++
		}
	}
	return n, nil
}

func (b *backend) HardDeleteExpired(context.Context, time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (b *backend) ListCertificatesByUser(_ context.Context, userID string) ([]model.ComplianceCertificate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ComplianceCertificate
	for _, c := range b.certs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *backend) ListInteractionsByAgent(_ context.Context, agentID string, _ int) ([]model.Interaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Interaction
	for _, in := range b.interactions {
		if in.AgentID == agentID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (b *backend) UpsertContradiction(_ context.Context, c model.Contradiction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contradictions = append(b.contradictions, c)
	return nil
}

// --- portfolio.Store ---

func (b *backend) GetMemoryEconomics(_ context.Context, ownerID string) ([]storage.MemoryEconomics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.MemoryEconomics
	for _, m := range b.memories {
		if m.Status != model.MemoryStatusActive {
			continue
		}
		if ownerID != "" && m.OwnerID != ownerID {
			continue
		}
		var emb []float32
		if m.Embedding != nil {
			emb = m.Embedding.Slice()
		}
		out = append(out, storage.MemoryEconomics{
			ID: m.ID, OwnerID: m.OwnerID, TokenCount: m.TokenCount, Embedding: emb,
			CreatedAt: m.CreatedAt, LastAccessed: m.LastAccessed,
		})
	}
	return out, nil
}

func (b *backend) GetCurrentScores(_ context.Context, agentID string) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []float64
	for _, e := range b.edges {
		if !e.IsCurrent {
			continue
		}
		if agentID != "" {
			in, ok := b.interactions[e.InteractionID]
			if !ok || in.AgentID != agentID {
				continue
			}
		}
		out = append(out, e.Score)
	}
	return out, nil
}

func (b *backend) GetContradictions(context.Context, string) ([]model.Contradiction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contradictions, nil
}

func (b *backend) GetCostConfig(context.Context, string) (model.AgentCostConfig, error) {
	return model.AgentCostConfig{}, storage.ErrNotFound
}

func (b *backend) ListAgentIDs(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, in := range b.interactions {
		if !seen[in.AgentID] {
			seen[in.AgentID] = true
			out = append(out, in.AgentID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *backend) InsertHealthSnapshot(context.Context, model.HealthSnapshot) error { return nil }

type testEmbedder struct{}

func (testEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 8)
	for i, r := range text {
		v[i%8] += float32(r%13) + 1
	}
	return vecmath.Normalize(v), nil
}

func (e testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (testEmbedder) Dimensions() int { return 8 }

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *backend) {
	t.Helper()
	b := newBackend()
	emb := testEmbedder{}
	engine := attribution.NewEngine(nil, attribution.ContextCiteConfig{}, attribution.ShapleyConfig{}, nil)
	memSvc := memories.New(b, emb, nil, 16, nil)
	txnSvc := txn.New(b, emb, engine, nil, txn.Config{}, nil)
	compSvc := compliance.New(b, nil, 30*24*time.Hour, nil)
	pfSvc := portfolio.New(b, portfolio.Pricing{InputTokenCost: 0.001, QueriesPerDay: 10}, portfolio.DefaultThresholds(), nil)

	srv := New(Config{Port: 0, AdminAPIKey: apiKey, Version: "test"}, memSvc, txnSvc, compSvc, pfSvc, b, b, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func doJSON(t *testing.T, method, url, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAuth_Required(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/memories", "", map[string]any{"content": "x", "owner": "a"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/memories", "secret", map[string]any{"content": "x", "owner": "a"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestMemoryLifecycle(t *testing.T) {
	ts, b := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/memories", "", map[string]any{
		"content": "the build uses bazel", "owner": "agent-1", "tier": "hot", "criticality": "normal", "memory_type": "raw",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	id := body["memory_id"].(string)

	resp = doJSON(t, http.MethodPatch, ts.URL+"/v1/memories/"+id, "", map[string]any{"tier": "cold"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/memories/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	memID := uuid.MustParse(id)
	assert.Equal(t, model.MemoryStatusPendingDeletion, b.memories[memID].Status)

	// Soft delete is monotonic; repeating it conflicts.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/memories/"+id, "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func seedMemoriesHTTP(t *testing.T, ts *httptest.Server) []string {
	t.Helper()
	var ids []string
	for _, content := range []string{"alpha fact", "beta fact", "gamma fact"} {
		resp := doJSON(t, http.MethodPost, ts.URL+"/v1/memories", "", map[string]any{
			"content": content, "owner": "agent-1",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		ids = append(ids, decodeBody(t, resp)["memory_id"].(string))
	}
	return ids
}

func TestSingleShotAndAttributionReads(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ids := seedMemoriesHTTP(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions", "", map[string]any{
		"query_text": "what is alpha", "response_text": "alpha is a fact",
		"memory_ids": ids, "agent_id": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	txnID := body["interaction_id"].(string)
	assert.Equal(t, "eas", body["method"])
	assert.Len(t, body["scores"].([]any), 3)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/attributions/transaction/"+txnID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scores := decodeBody(t, resp)["scores"].([]any)
	assert.Len(t, scores, 3)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/attributions/memory/"+ids[0], "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	memBody := decodeBody(t, resp)
	assert.Len(t, memBody["scores"].([]any), 1)
}

func TestTwoPhaseOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ids := seedMemoriesHTTP(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions/initiate", "", map[string]any{
		"query_text": "q", "memory_ids": ids, "agent_id": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	txnID := decodeBody(t, resp)["transaction_id"].(string)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/transactions/%s/complete", ts.URL, txnID), "", map[string]any{
		"response_text": "the answer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody(t, resp)["scores"].([]any), 3)

	// Unknown transaction maps to 404.
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/transactions/%s/complete", ts.URL, uuid.New()), "", map[string]any{
		"response_text": "x",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEmptyMemorySetRejected(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions", "", map[string]any{
		"query_text": "q", "response_text": "r", "memory_ids": []string{}, "agent_id": "a",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestComplianceEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ids := seedMemoriesHTTP(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions", "", map[string]any{
		"query_text": "q", "response_text": "r", "memory_ids": ids, "agent_id": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/compliance/footprint/agent-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fp := decodeBody(t, resp)
	assert.NotEmpty(t, fp["certificate_hash"])

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/compliance/delete/agent-1", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	del := decodeBody(t, resp)
	assert.NotEmpty(t, del["certificate_id"])
	assert.Equal(t, true, del["verified"])
}

func TestContradictionIngest(t *testing.T) {
	ts, b := newTestServer(t, "")

	a, c := uuid.New(), uuid.New()
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/contradictions", "", map[string]any{
		"memory_a_id": a, "memory_b_id": c, "probability": 0.4,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	require.Len(t, b.contradictions, 1)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/contradictions", "", map[string]any{
		"memory_a_id": a, "memory_b_id": c, "probability": 1.4,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/contradictions", "", map[string]any{
		"memory_a_id": a, "memory_b_id": a, "probability": 0.2,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCertificateListing(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ids := seedMemoriesHTTP(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions", "", map[string]any{
		"query_text": "q", "response_text": "r", "memory_ids": ids, "agent_id": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/compliance/delete/agent-1", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/compliance/certificates/agent-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	certs := decodeBody(t, resp)["certificates"].([]any)
	assert.Len(t, certs, 1)
}

func TestDashboardOverview(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ids := seedMemoriesHTTP(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transactions", "", map[string]any{
		"query_text": "q", "response_text": "r", "memory_ids": ids, "agent_id": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/dashboard/overview", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "global_gini")
	assert.Contains(t, body, "agents")
}
