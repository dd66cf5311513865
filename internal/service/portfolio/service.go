package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/profile"
	"github.com/ashita-ai/kioku/internal/storage"
)

// Store is the slice of the storage layer the metrics engine reads.
type Store interface {
	GetMemoryEconomics(ctx context.Context, ownerID string) ([]storage.MemoryEconomics, error)
	GetCurrentScores(ctx context.Context, agentID string) ([]float64, error)
	GetContradictions(ctx context.Context, ownerID string) ([]model.Contradiction, error)
	GetCostConfig(ctx context.Context, agentID string) (model.AgentCostConfig, error)
	ListAgentIDs(ctx context.Context) ([]string, error)
	InsertHealthSnapshot(ctx context.Context, s model.HealthSnapshot) error
}

// Pricing is the default token economics, used when an agent has no
// agent_cost_configs row.
type Pricing struct {
	InputTokenCost  float64
	OutputTokenCost float64
	QueriesPerDay   float64
}

// Report is the full per-agent metric set.
type Report struct {
	AgentID               string          `json:"agent_id"`
	MemoryCount           int             `json:"memory_count"`
	MemoryTokenCostDaily  float64         `json:"memory_token_cost_daily"`
	TokenWasteRatePct     float64         `json:"token_waste_rate_pct"`
	MeanScore             float64         `json:"mean_score"`
	ScoreVariance         float64         `json:"score_variance"`
	Gini                  float64         `json:"gini"`
	SNRdB                 float64         `json:"snr_db"`
	StalenessPct          float64         `json:"staleness_pct"`
	ContradictionRisk     float64         `json:"contradiction_risk"`
	RedundantPairs        []RedundantPair `json:"redundant_pairs,omitempty"`
	RedundancyMonthlyCost float64         `json:"redundancy_monthly_cost"`
	ROI                   []ROIEntry      `json:"roi"`
}

// Overview is the dashboard aggregate: global concentration and waste plus a
// per-agent report list.
type Overview struct {
	GlobalGini     float64  `json:"global_gini"`
	GlobalSNRdB    float64  `json:"global_snr_db"`
	GlobalWastePct float64  `json:"global_waste_pct"`
	Agents         []Report `json:"agents"`
}

// Service computes portfolio metrics from the stored record.
type Service struct {
	store    Store
	defaults Pricing
	th       Thresholds
	logger   *slog.Logger
}

// New creates a portfolio service.
func New(store Store, defaults Pricing, th Thresholds, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if th.WasteScore == 0 {
		th = DefaultThresholds()
	}
	return &Service{store: store, defaults: defaults, th: th, logger: logger}
}

// pricing resolves an agent's token economics, falling back to defaults.
func (s *Service) pricing(ctx context.Context, agentID string) Pricing {
	cfg, err := s.store.GetCostConfig(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("portfolio: cost config lookup failed, using defaults", "agent_id", agentID, "error", err)
		}
		return s.defaults
	}
	return Pricing{
		InputTokenCost:  cfg.InputTokenCost,
		OutputTokenCost: cfg.OutputTokenCost,
		QueriesPerDay:   cfg.QueriesPerDay,
	}
}

// AgentReport computes the full metric set for one agent's memory portfolio.
func (s *Service) AgentReport(ctx context.Context, agentID string) (Report, error) {
	econ, err := s.store.GetMemoryEconomics(ctx, agentID)
	if err != nil {
		return Report{}, fmt.Errorf("portfolio: agent report: %w", err)
	}
	price := s.pricing(ctx, agentID)
	return s.buildReport(ctx, agentID, econ, price)
}

func (s *Service) buildReport(ctx context.Context, agentID string, econ []storage.MemoryEconomics, price Pricing) (Report, error) {
	n := len(econ)
	tokens := make([]int, n)
	means := make([]float64, n)
	monthly := make([]float64, n)
	embeddings := make([][]float32, n)
	created := make([]time.Time, n)
	accessed := make([]time.Time, n)
	ids := make([]uuid.UUID, n)
	for i, e := range econ {
		tokens[i] = e.TokenCount
		means[i] = e.MeanScore
		monthly[i] = float64(e.TokenCount) * price.InputTokenCost * price.QueriesPerDay * 30
		embeddings[i] = e.Embedding
		created[i] = e.CreatedAt
		accessed[i] = e.LastAccessed
		ids[i] = e.ID
	}

	scores, err := s.store.GetCurrentScores(ctx, agentID)
	if err != nil {
		return Report{}, fmt.Errorf("portfolio: current scores: %w", err)
	}
	var scoreStats profile.Welford
	for _, x := range scores {
		scoreStats.Add(x)
	}

	contradictions, err := s.store.GetContradictions(ctx, agentID)
	if err != nil {
		return Report{}, fmt.Errorf("portfolio: contradictions: %w", err)
	}
	probs := make([]float64, len(contradictions))
	for i, c := range contradictions {
		probs[i] = c.Probability
	}

	pairs, redundancyCost := RedundancyTax(ids, embeddings, tokens, price.InputTokenCost, price.QueriesPerDay, s.th)

	return Report{
		AgentID:               agentID,
		MemoryCount:           n,
		MemoryTokenCostDaily:  MemoryTokenCost(tokens, price.InputTokenCost, price.QueriesPerDay),
		TokenWasteRatePct:     TokenWasteRate(tokens, means, s.th.WasteScore),
		MeanScore:             scoreStats.Mean,
		ScoreVariance:         scoreStats.Variance(),
		Gini:                  Gini(scores),
		SNRdB:                 SNR(scores),
		StalenessPct:          StalenessIndex(created, accessed, time.Now().UTC(), s.th),
		ContradictionRisk:     ContradictionRisk(probs),
		RedundantPairs:        pairs,
		RedundancyMonthlyCost: redundancyCost,
		ROI:                   ROI(ids, means, monthly),
	}, nil
}

// Overview computes the dashboard aggregate: global Gini/SNR/waste plus one
// report per agent.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	globalScores, err := s.store.GetCurrentScores(ctx, "")
	if err != nil {
		return Overview{}, fmt.Errorf("portfolio: global scores: %w", err)
	}

	econ, err := s.store.GetMemoryEconomics(ctx, "")
	if err != nil {
		return Overview{}, fmt.Errorf("portfolio: global economics: %w", err)
	}
	tokens := make([]int, len(econ))
	means := make([]float64, len(econ))
	for i, e := range econ {
		tokens[i] = e.TokenCount
		means[i] = e.MeanScore
	}

	out := Overview{
		GlobalGini:     Gini(globalScores),
		GlobalSNRdB:    SNR(globalScores),
		GlobalWastePct: TokenWasteRate(tokens, means, s.th.WasteScore),
	}

	agents, err := s.store.ListAgentIDs(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("portfolio: list agents: %w", err)
	}
	for _, agentID := range agents {
		r, err := s.AgentReport(ctx, agentID)
		if err != nil {
			return Overview{}, err
		}
		out.Agents = append(out.Agents, r)
	}
	return out, nil
}

// Snapshot writes one global health snapshot row.
func (s *Service) Snapshot(ctx context.Context) error {
	o, err := s.Overview(ctx)
	if err != nil {
		return err
	}
	return s.store.InsertHealthSnapshot(ctx, model.HealthSnapshot{
		ID:       model.NewID(),
		Gini:     o.GlobalGini,
		SNRdB:    o.GlobalSNRdB,
		WastePct: o.GlobalWastePct,
		TakenAt:  time.Now().UTC(),
	})
}

// SnapshotLoop writes health snapshots on the given interval until the
// context ends.
func (s *Service) SnapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				s.logger.Warn("portfolio: health snapshot failed", "error", err)
			}
		}
	}
}
