// Package portfolio computes portfolio-level economics and health metrics
// over the persisted attribution record: waste, redundancy, concentration,
// signal quality, contradiction risk, staleness, and per-memory ROI.
//
// The metric formulas are pure functions in this file; Service wires them to
// storage.
package portfolio

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/vecmath"
)

// snrEpsilon keeps the SNR ratio and its logarithm finite when there is no
// signal or no noise mass.
const snrEpsilon = 1e-10

// Thresholds carries the tunable constants of the metric formulas.
type Thresholds struct {
	WasteScore          float64       // |score| below this counts as waste. Default 0.01.
	SimilarityThreshold float64       // Cosine above this marks a redundant pair. Default 0.92.
	CoRetrievalRate     float64       // Fraction of queries expected to co-retrieve a redundant pair. Default 0.3.
	StalenessWindow     time.Duration // Memories older than this are stale. Default 90 days.
	AccessWindow        time.Duration // Memories accessed within this are "frequent". Default 30 days.
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WasteScore:          0.01,
		SimilarityThreshold: 0.92,
		CoRetrievalRate:     0.3,
		StalenessWindow:     90 * 24 * time.Hour,
		AccessWindow:        30 * 24 * time.Hour,
	}
}

// Gini returns the Gini coefficient of xs: sum(|xi-xj|) / (2 n^2 mean).
// Returns 0 for empty input or zero mean.
func Gini(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	if mean == 0 {
		return 0
	}
	var diff float64
	for i := range xs {
		for j := range xs {
			diff += math.Abs(xs[i] - xs[j])
		}
	}
	return diff / (2 * float64(n) * float64(n) * mean)
}

// SNR returns the signal-to-noise ratio of the scores in decibels:
// 10*log10((sum of squares of positive scores + epsilon) / (sum of squares of
// non-positive scores + epsilon)). Always finite.
func SNR(xs []float64) float64 {
	var signal, noise float64
	for _, x := range xs {
		if x > 0 {
			signal += x * x
		} else {
			noise += x * x
		}
	}
	return 10 * math.Log10((signal+snrEpsilon)/(noise+snrEpsilon))
}

// MemoryTokenCost is the daily carrying cost of a memory set:
// sum(tokens) * price per input token * queries per day.
func MemoryTokenCost(tokenCounts []int, inputTokenCost, queriesPerDay float64) float64 {
	var tokens float64
	for _, t := range tokenCounts {
		tokens += float64(t)
	}
	return tokens * inputTokenCost * queriesPerDay
}

// TokenWasteRate is the percentage of retrieved tokens spent on memories
// whose attribution magnitude stayed below the waste threshold.
func TokenWasteRate(tokenCounts []int, scores []float64, wasteThreshold float64) float64 {
	var wasted, total float64
	for i, t := range tokenCounts {
		total += float64(t)
		if i < len(scores) && math.Abs(scores[i]) < wasteThreshold {
			wasted += float64(t)
		}
	}
	if total == 0 {
		return 0
	}
	return wasted / total * 100
}

// ROIEntry is one memory's return on its token cost.
type ROIEntry struct {
	MemoryID         uuid.UUID `json:"memory_id"`
	MeanAttribution  float64   `json:"mean_attribution"`
	MonthlyTokenCost float64   `json:"monthly_token_cost"`
	ROI              float64   `json:"roi"`
}

// ROI scores each memory as (mean attribution / monthly token cost) * 1000
// and returns entries sorted descending. A zero-cost memory with positive
// attribution sorts first.
func ROI(ids []uuid.UUID, meanAttribution []float64, monthlyCost []float64) []ROIEntry {
	entries := make([]ROIEntry, 0, len(ids))
	for i, id := range ids {
		e := ROIEntry{MemoryID: id, MeanAttribution: meanAttribution[i], MonthlyTokenCost: monthlyCost[i]}
		if monthlyCost[i] > 0 {
			e.ROI = meanAttribution[i] / monthlyCost[i] * 1000
		} else if meanAttribution[i] > 0 {
			e.ROI = math.MaxFloat64
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ROI > entries[j].ROI })
	return entries
}

// RedundantPair is a pair of near-duplicate memories and the wasted tokens it
// represents.
type RedundantPair struct {
	MemoryAID    uuid.UUID `json:"memory_a_id"`
	MemoryBID    uuid.UUID `json:"memory_b_id"`
	Similarity   float64   `json:"similarity"`
	WastedTokens int       `json:"wasted_tokens"`
}

// RedundancyTax finds all memory pairs above the similarity threshold and
// prices the smaller member of each pair: monthly cost =
// sum(min tokens) * price * queries/day * 30 * co-retrieval rate.
func RedundancyTax(ids []uuid.UUID, embeddings [][]float32, tokenCounts []int, inputTokenCost, queriesPerDay float64, th Thresholds) (pairs []RedundantPair, monthlyCost float64) {
	var wasted float64
	for i := 0; i < len(embeddings); i++ {
		for j := i + 1; j < len(embeddings); j++ {
			sim, err := vecmath.Cosine(embeddings[i], embeddings[j])
			if err != nil || sim <= th.SimilarityThreshold {
				continue
			}
			minTokens := min(tokenCounts[i], tokenCounts[j])
			wasted += float64(minTokens)
			pairs = append(pairs, RedundantPair{
				MemoryAID:    ids[i],
				MemoryBID:    ids[j],
				Similarity:   sim,
				WastedTokens: minTokens,
			})
		}
	}
	monthlyCost = wasted * inputTokenCost * queriesPerDay * 30 * th.CoRetrievalRate
	return pairs, monthlyCost
}

// AccuracyDelta is the relative improvement of with-memory scores over
// without-memory scores, in percent. Returns 0 when the baseline mean is 0.
func AccuracyDelta(withScores, withoutScores []float64) float64 {
	meanOf := func(xs []float64) float64 {
		if len(xs) == 0 {
			return 0
		}
		var s float64
		for _, x := range xs {
			s += x
		}
		return s / float64(len(xs))
	}
	with, without := meanOf(withScores), meanOf(withoutScores)
	if without == 0 {
		return 0
	}
	return (with - without) / without * 100
}

// ContradictionRisk aggregates pairwise contradiction probabilities into the
// probability that at least one contradiction is real: 1 - prod(1 - p).
func ContradictionRisk(probabilities []float64) float64 {
	clean := 1.0
	for _, p := range probabilities {
		p = math.Max(0, math.Min(1, p))
		clean *= 1 - p
	}
	return 1 - clean
}

// StalenessIndex measures, among memories accessed within the access window
// (the frequent set), the percentage created before the staleness window.
// Returns 0 when the frequent set is empty.
func StalenessIndex(createdAt, lastAccessed []time.Time, now time.Time, th Thresholds) float64 {
	frequent, stale := 0, 0
	for i := range createdAt {
		if now.Sub(lastAccessed[i]) > th.AccessWindow {
			continue
		}
		frequent++
		if now.Sub(createdAt[i]) > th.StalenessWindow {
			stale++
		}
	}
	if frequent == 0 {
		return 0
	}
	return float64(stale) / float64(frequent) * 100
}
