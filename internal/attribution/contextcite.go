package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ContextCiteConfig tunes the ablation surrogate.
type ContextCiteConfig struct {
	NumSamples    int     // Ablation masks, including all-zeros and all-ones. Default 64.
	Lambda        float64 // LASSO regularization. Default 0.1.
	MinConfidence float64 // LDS below this marks the fit untrustworthy. Default 0.8.
	Parallelism   int     // Concurrent oracle calls. Default 4.
	Retry         RetryConfig
}

func (c ContextCiteConfig) withDefaults() ContextCiteConfig {
	if c.NumSamples < 2 {
		c.NumSamples = 64
	}
	if c.Lambda <= 0 {
		c.Lambda = 0.1
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.8
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// ContextCiteResult is the fitted sparse surrogate.
type ContextCiteResult struct {
	// Weights are the LASSO coefficients, positional over the retrieved set.
	// Unlike EAS scores they may be negative and do not sum to 1.
	Weights []float64

	// LDS is the Pearson correlation between surrogate predictions and true
	// log-probs over the sampled masks: the surrogate's self-confidence.
	LDS float64

	// Confidence is LDS, forced strictly below MinConfidence on
	// deadline-partial fits and to 0 on oracle exhaustion.
	Confidence float64

	// Partial reports that not every mask was scored before the deadline or
	// retry budget ran out.
	Partial bool

	// SamplesUsed is the number of masks that contributed to the fit.
	SamplesUsed int
}

// ContextCite fits a sparse linear surrogate of the oracle's response
// log-probability as a function of which memories are included.
type ContextCite struct {
	oracle LogProb
	cfg    ContextCiteConfig
	logger *slog.Logger
}

// NewContextCite creates a ContextCite engine.
func NewContextCite(oracle LogProb, cfg ContextCiteConfig, logger *slog.Logger) *ContextCite {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextCite{oracle: oracle, cfg: cfg.withDefaults(), logger: logger}
}

// Masks generates n ablation masks over k memories: all-zeros, all-ones, then
// i.i.d. Bernoulli(1/2) rows from the seeded source. Exported so replays and
// offline tooling can reproduce the design matrix.
func Masks(n, k int, seed uint64) [][]bool {
	if n < 2 {
		n = 2
	}
	rng := newRand(seed)
	masks := make([][]bool, n)
	masks[0] = make([]bool, k)
	masks[1] = make([]bool, k)
	for j := range masks[1] {
		masks[1][j] = true
	}
	for i := 2; i < n; i++ {
		row := make([]bool, k)
		for j := range row {
			row[j] = rng.Uint64()&1 == 1
		}
		masks[i] = row
	}
	return masks
}

// Attribute runs the full ContextCite pipeline: mask generation, oracle
// scoring, LASSO fit, and LDS computation. The seed fixes mask sampling so
// identical inputs yield identical scores.
//
// On context deadline the fit runs over the masks completed so far and the
// result is flagged Partial with confidence held below MinConfidence. If the
// oracle's retry budget is exhausted on any mask, confidence drops to 0.
func (c *ContextCite) Attribute(ctx context.Context, query string, memories []string, response string, seed uint64) (ContextCiteResult, error) {
	if len(memories) == 0 {
		return ContextCiteResult{}, ErrEmptyRetrievedSet
	}

	k := len(memories)
	masks := Masks(c.cfg.NumSamples, k, seed)
	y := make([]float64, len(masks))
	ok := make([]bool, len(masks))
	var exhausted bool
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, mask := range masks {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil // Deadline: leave this mask unscored.
			}
			subset := applyMask(memories, mask)
			v, err := c.cfg.Retry.retry(gctx, func() (float64, error) {
				return c.oracle.LogProb(gctx, query, subset, response)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				c.logger.Warn("contextcite: oracle exhausted retries", "mask", i, "error", err)
				exhausted = true
				return nil
			}
			y[i] = v
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait() // Goroutines only report via the shared state above.

	// Assemble the design matrix from scored masks, preserving mask order.
	var z [][]float64
	var ys []float64
	for i, mask := range masks {
		if !ok[i] {
			continue
		}
		row := make([]float64, k)
		for j, inc := range mask {
			if inc {
				row[j] = 1
			}
		}
		z = append(z, row)
		ys = append(ys, y[i])
	}

	if len(z) < 2 {
		if ctx.Err() != nil {
			return ContextCiteResult{}, fmt.Errorf("contextcite: %w", ctx.Err())
		}
		return ContextCiteResult{}, fmt.Errorf("contextcite: only %d of %d masks scored", len(z), len(masks))
	}

	w := Lasso(z, ys, LassoConfig{Lambda: c.cfg.Lambda})

	// LDS: correlation of surrogate predictions with true log-probs.
	pred := make([]float64, len(z))
	for i, row := range z {
		for j := range row {
			pred[i] += row[j] * w[j]
		}
	}
	lds := pearson(pred, ys)

	res := ContextCiteResult{
		Weights:     w,
		LDS:         lds,
		Confidence:  lds,
		Partial:     len(z) < len(masks),
		SamplesUsed: len(z),
	}
	if exhausted {
		res.Confidence = 0
	} else if res.Partial && res.Confidence >= c.cfg.MinConfidence {
		res.Confidence = math.Nextafter(c.cfg.MinConfidence, 0)
	}
	return res, nil
}

// AttributeStatements runs a per-statement ContextCite fit, one oracle sweep
// per statement. Seeds are derived per statement index so each fit replays
// deterministically.
func (c *ContextCite) AttributeStatements(ctx context.Context, query string, memories []string, statements []string, seed uint64) ([]ContextCiteResult, error) {
	results := make([]ContextCiteResult, len(statements))
	for i, stmt := range statements {
		r, err := c.Attribute(ctx, query, memories, stmt, seed+uint64(i)+1) //nolint:gosec // i is a small slice index
		if err != nil {
			return nil, fmt.Errorf("contextcite: statement %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

// SplitStatements breaks a response into statements on sentence terminators.
// Empty fragments are dropped; a response with no terminator is one statement.
func SplitStatements(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// applyMask returns the included memories in order.
func applyMask(memories []string, mask []bool) []string {
	out := make([]string, 0, len(memories))
	for i, inc := range mask {
		if inc {
			out = append(out, memories[i])
		}
	}
	return out
}
