package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ShapleyConfig tunes both Shapley variants.
type ShapleyConfig struct {
	MaxExactK   int // Exact enumeration cap. Default 15.
	MCSamples   int // Monte-Carlo permutations. Default 100.
	Parallelism int // Concurrent value-function calls. Default 4.
	Retry       RetryConfig
}

func (c ShapleyConfig) withDefaults() ShapleyConfig {
	if c.MaxExactK <= 0 {
		c.MaxExactK = 15
	}
	if c.MCSamples <= 0 {
		c.MCSamples = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// ShapleyResult carries per-memory values and confidences.
type ShapleyResult struct {
	Values []float64

	// Confidence per memory: 1 for exact; 1/(1 + sd/sqrt(m)) for TMC, where
	// sd is the sample standard deviation of that memory's marginal
	// contributions over the m permutations used.
	Confidence []float64

	// SamplesUsed is, for TMC, the number of permutations that completed
	// (the configured count unless the deadline elapsed mid-run); for exact
	// enumeration it is the number of subsets evaluated, 2^k.
	SamplesUsed int

	// Partial reports a deadline-truncated TMC run.
	Partial bool
}

// Shapley computes game-theoretic attribution over a value function.
type Shapley struct {
	cfg    ShapleyConfig
	logger *slog.Logger
}

// NewShapley creates a Shapley engine.
func NewShapley(cfg ShapleyConfig, logger *slog.Logger) *Shapley {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shapley{cfg: cfg.withDefaults(), logger: logger}
}

// Exact enumerates all 2^k subsets and applies the Shapley formula. Fails
// with ErrInfeasibleExactShapley when k exceeds the exact cap, and fails hard
// on deadline (no partial exact values exist).
func (s *Shapley) Exact(ctx context.Context, k int, v ValueFunc) (ShapleyResult, error) {
	if k == 0 {
		return ShapleyResult{}, ErrEmptyRetrievedSet
	}
	if k > s.cfg.MaxExactK {
		return ShapleyResult{}, fmt.Errorf("%w: k=%d > %d", ErrInfeasibleExactShapley, k, s.cfg.MaxExactK)
	}

	values, err := s.evaluateAll(ctx, k, v)
	if err != nil {
		return ShapleyResult{}, err
	}

	// weight[s] = s! * (k-s-1)! / k! for a subset of size s not containing i.
	weight := make([]float64, k)
	for size := 0; size < k; size++ {
		weight[size] = 1 / (float64(k) * binomial(k-1, size))
	}

	phi := make([]float64, k)
	full := uint32(1)<<k - 1
	for subset := uint32(0); subset <= full; subset++ {
		size := popcount(subset)
		for i := 0; i < k; i++ {
			bit := uint32(1) << i
			if subset&bit != 0 {
				continue
			}
			phi[i] += weight[size] * (values[subset|bit] - values[subset])
		}
	}

	conf := make([]float64, k)
	for i := range conf {
		conf[i] = 1
	}
	return ShapleyResult{Values: phi, Confidence: conf, SamplesUsed: 1 << k}, nil
}

// evaluateAll scores every subset bitmask, fanning value-function calls out
// across workers. Results land in a positionally indexed slice so reduction
// order never depends on completion order.
func (s *Shapley) evaluateAll(ctx context.Context, k int, v ValueFunc) ([]float64, error) {
	total := 1 << k
	values := make([]float64, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for subset := 0; subset < total; subset++ {
		g.Go(func() error {
			included := maskFromBits(uint32(subset), k) //nolint:gosec // subset < 2^15
			val, err := s.cfg.Retry.retry(gctx, func() (float64, error) {
				return v.Value(gctx, included)
			})
			if err != nil {
				return fmt.Errorf("shapley: value(%b): %w", subset, err)
			}
			values[subset] = val
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// Approx runs TMC-Shapley: sample m permutations from the seeded source, walk
// each accumulating marginal contributions, and average per memory. On
// deadline the running mean over completed permutations is returned with
// reduced confidence.
func (s *Shapley) Approx(ctx context.Context, k int, v ValueFunc, seed uint64) (ShapleyResult, error) {
	if k == 0 {
		return ShapleyResult{}, ErrEmptyRetrievedSet
	}
	m := s.cfg.MCSamples

	// All permutations are drawn up front from the seeded source so the
	// sample set is a pure function of the seed.
	rng := newRand(seed)
	perms := make([][]int, m)
	for i := range perms {
		perms[i] = rng.Perm(k)
	}

	// The empty-set value anchors every walk.
	empty, err := s.cfg.Retry.retry(ctx, func() (float64, error) {
		return v.Value(ctx, make([]bool, k))
	})
	if err != nil {
		return ShapleyResult{}, fmt.Errorf("shapley: value of empty set: %w", err)
	}

	// Value memo: permutation prefixes repeat across samples, and v is pure.
	memo := &valueMemo{values: map[uint32]float64{0: empty}}

	marginals := make([][]float64, m) // marginals[p][i]: memory i's marginal in permutation p.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for p, perm := range perms {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil // Deadline: drop this permutation.
			}
			row, err := s.walkPermutation(gctx, k, perm, v, memo, empty)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			marginals[p] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return ShapleyResult{}, err
	}

	// Reduce in permutation order: completion order never changes the sums.
	phi := make([]float64, k)
	sumSq := make([]float64, k)
	used := 0
	for _, row := range marginals {
		if row == nil {
			continue
		}
		used++
		for i := range row {
			phi[i] += row[i]
			sumSq[i] += row[i] * row[i]
		}
	}
	if used == 0 {
		if ctx.Err() != nil {
			return ShapleyResult{}, fmt.Errorf("shapley: %w", ctx.Err())
		}
		return ShapleyResult{}, fmt.Errorf("shapley: no permutations completed")
	}

	conf := make([]float64, k)
	for i := range phi {
		mean := phi[i] / float64(used)
		var sd float64
		if used > 1 {
			variance := (sumSq[i] - float64(used)*mean*mean) / float64(used-1)
			if variance > 0 {
				sd = math.Sqrt(variance)
			}
		}
		phi[i] = mean
		conf[i] = 1 / (1 + sd/math.Sqrt(float64(used)))
	}

	return ShapleyResult{
		Values:      phi,
		Confidence:  conf,
		SamplesUsed: used,
		Partial:     used < m,
	}, nil
}

// walkPermutation accumulates marginal contributions along one permutation.
func (s *Shapley) walkPermutation(ctx context.Context, k int, perm []int, v ValueFunc, memo *valueMemo, empty float64) ([]float64, error) {
	row := make([]float64, k)
	var bits uint32
	prev := empty
	for _, i := range perm {
		bits |= uint32(1) << i //nolint:gosec // i < k <= 32
		val, hit := memo.get(bits)
		if !hit {
			var err error
			val, err = s.cfg.Retry.retry(ctx, func() (float64, error) {
				return v.Value(ctx, maskFromBits(bits, k))
			})
			if err != nil {
				return nil, fmt.Errorf("shapley: value(%b): %w", bits, err)
			}
			memo.put(bits, val)
		}
		row[i] = val - prev
		prev = val
	}
	return row, nil
}

// valueMemo caches value-function results by subset bitmask.
type valueMemo struct {
	mu     sync.Mutex
	values map[uint32]float64
}

func (m *valueMemo) get(bits uint32) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[bits]
	return v, ok
}

func (m *valueMemo) put(bits uint32, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[bits] = v
}

// maskFromBits expands a subset bitmask into a positional inclusion slice.
func maskFromBits(bits uint32, k int) []bool {
	mask := make([]bool, k)
	for i := 0; i < k; i++ {
		mask[i] = bits&(uint32(1)<<i) != 0
	}
	return mask
}

func popcount(x uint32) int {
	count := 0
	for ; x != 0; x &= x - 1 {
		count++
	}
	return count
}

// binomial computes C(n, r) in float64; n stays <= 15 here so precision is
// exact.
func binomial(n, r int) float64 {
	if r < 0 || r > n {
		return 0
	}
	out := 1.0
	for i := 1; i <= r; i++ {
		out = out * float64(n-r+i) / float64(i)
	}
	return out
}
