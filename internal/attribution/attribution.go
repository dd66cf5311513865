// Package attribution implements the attribution kernel: the closed-form
// Embedding Attribution Score, ContextCite (ablation masks + LASSO surrogate),
// and Shapley values (exact enumeration and TMC sampling).
//
// All engines are pure functions of their inputs and oracle outputs. Oracle
// calls may be parallelized freely; results are reduced in input order so
// replays are byte-identical.
package attribution

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyRetrievedSet is returned when attribution is requested over zero
	// memories. Scores are never fabricated.
	ErrEmptyRetrievedSet = errors.New("attribution: empty retrieved set")

	// ErrInfeasibleExactShapley is returned when exact enumeration is requested
	// for more memories than the exact cap allows.
	ErrInfeasibleExactShapley = errors.New("attribution: exact shapley infeasible")
)

// LogProb is the oracle that scores how likely the generated response is
// given the query and an ablated subset of the retrieved memories.
type LogProb interface {
	LogProb(ctx context.Context, query string, memories []string, response string) (float64, error)
}

// ValueFunc scores the quality of a memory subset for Shapley computation.
// included is positional over the retrieved set.
type ValueFunc interface {
	Value(ctx context.Context, included []bool) (float64, error)
}

// ValueFn adapts a plain function to ValueFunc.
type ValueFn func(ctx context.Context, included []bool) (float64, error)

// Value implements ValueFunc.
func (f ValueFn) Value(ctx context.Context, included []bool) (float64, error) {
	return f(ctx, included)
}

// RetryConfig bounds oracle retry behavior. Transient oracle failures are
// retried with jittered exponential backoff. On exhaustion ContextCite fits
// the masks that were scored and reports confidence 0; the Shapley engines
// return no partial result and fail with the oracle's error.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// withDefaults fills zero fields.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	return c
}

// retry runs fn up to MaxRetries+1 times. Context errors are returned
// immediately so deadline handling stays in the caller.
func (c RetryConfig) retry(ctx context.Context, fn func() (float64, error)) (float64, error) {
	cfg := c.withDefaults()
	delay := cfg.BaseDelay
	var err error
	var v float64
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt == cfg.MaxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return 0, err
}

// Seed derives a deterministic RNG seed from the attribution inputs. Mask and
// permutation sampling is seeded from this digest so that single-shot and
// two-phase replays of the same (query, response, memory set) produce
// byte-identical score vectors.
func Seed(queryText, responseText string, memoryIDs []uuid.UUID) uint64 {
	h := sha256.New()
	h.Write([]byte(queryText))
	h.Write([]byte{0})
	h.Write([]byte(responseText))
	for _, id := range memoryIDs {
		h.Write(id[:])
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// newRand returns the deterministic source used for mask and permutation
// sampling.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // deterministic sampling, not security
}

// pearson returns the Pearson correlation of a and b, or 0 when either side
// has zero variance.
func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
