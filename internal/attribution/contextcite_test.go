package attribution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearOracle scores a masked subset as the sum of per-memory weights.
// The weight of a memory is looked up by its content.
type linearOracle struct {
	weights map[string]float64
	calls   atomic.Int64
	fail    error
}

func (o *linearOracle) LogProb(_ context.Context, _ string, memories []string, _ string) (float64, error) {
	o.calls.Add(1)
	if o.fail != nil {
		return 0, o.fail
	}
	var sum float64
	for _, m := range memories {
		sum += o.weights[m]
	}
	return sum, nil
}

func TestContextCite_IrrelevantMemoryZeroed(t *testing.T) {
	oracle := &linearOracle{weights: map[string]float64{"a": 5, "b": 3, "c": 0}}
	// Enough masks that the empirical design is near-balanced and the L1
	// subgradient keeps the irrelevant coordinate at exactly zero.
	cc := NewContextCite(oracle, ContextCiteConfig{NumSamples: 200, Lambda: 2.0}, nil)

	res, err := cc.Attribute(context.Background(), "q", []string{"a", "b", "c"}, "r", 99)
	require.NoError(t, err)
	require.Len(t, res.Weights, 3)
	assert.Less(t, absF(res.Weights[2]), 0.01, "memory with no effect on log-prob gets zero weight")
	assert.Greater(t, res.Weights[0], 0.0)
	assert.Greater(t, res.Weights[1], 0.0)
	assert.False(t, res.Partial)
	assert.Equal(t, 200, res.SamplesUsed)
}

func TestContextCite_LDSHighOnLinearOracle(t *testing.T) {
	// A truly linear oracle is perfectly modeled by the surrogate.
	oracle := &linearOracle{weights: map[string]float64{"a": 2, "b": -1}}
	cc := NewContextCite(oracle, ContextCiteConfig{NumSamples: 16, Lambda: 0.01}, nil)

	res, err := cc.Attribute(context.Background(), "q", []string{"a", "b"}, "r", 5)
	require.NoError(t, err)
	assert.Greater(t, res.LDS, 0.99)
	assert.Equal(t, res.LDS, res.Confidence)
}

func TestContextCite_EmptyRetrievedSet(t *testing.T) {
	cc := NewContextCite(&linearOracle{}, ContextCiteConfig{}, nil)
	_, err := cc.Attribute(context.Background(), "q", nil, "r", 1)
	assert.ErrorIs(t, err, ErrEmptyRetrievedSet)
}

func TestContextCite_Deterministic(t *testing.T) {
	oracle := &linearOracle{weights: map[string]float64{"a": 1, "b": 2, "c": 3}}
	cc := NewContextCite(oracle, ContextCiteConfig{NumSamples: 24}, nil)

	a, err := cc.Attribute(context.Background(), "q", []string{"a", "b", "c"}, "r", 1234)
	require.NoError(t, err)
	b, err := cc.Attribute(context.Background(), "q", []string{"a", "b", "c"}, "r", 1234)
	require.NoError(t, err)
	assert.Equal(t, a.Weights, b.Weights, "same seed must replay byte-identically")
	assert.Equal(t, a.LDS, b.LDS)
}

func TestContextCite_OracleExhaustionZeroConfidence(t *testing.T) {
	oracle := &linearOracle{weights: map[string]float64{}, fail: errors.New("rate limited")}
	cc := NewContextCite(oracle, ContextCiteConfig{
		NumSamples: 8,
		Retry:      RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond},
	}, nil)
	_, err := cc.Attribute(context.Background(), "q", []string{"a", "b"}, "r", 1)
	// Every mask failed, so there is nothing to fit.
	assert.Error(t, err)
}

func TestMasks_FirstTwoAreAnchors(t *testing.T) {
	masks := Masks(10, 4, 77)
	require.Len(t, masks, 10)
	assert.Equal(t, []bool{false, false, false, false}, masks[0], "all-zeros anchor")
	assert.Equal(t, []bool{true, true, true, true}, masks[1], "all-ones anchor")
}

func TestMasks_Deterministic(t *testing.T) {
	assert.Equal(t, Masks(16, 5, 3), Masks(16, 5, 3))
	assert.NotEqual(t, Masks(16, 5, 3), Masks(16, 5, 4))
}

func TestSeed_DependsOnAllInputs(t *testing.T) {
	id := uuid.New()
	s1 := Seed("q", "r", nil)
	s2 := Seed("q2", "r", nil)
	s3 := Seed("q", "r2", nil)
	s4 := Seed("q", "r", []uuid.UUID{id})
	assert.NotEqual(t, s1, s2)
	assert.NotEqual(t, s1, s3)
	assert.NotEqual(t, s1, s4)
	assert.Equal(t, s4, Seed("q", "r", []uuid.UUID{id}), "seed is stable for identical inputs")
}

func TestSplitStatements(t *testing.T) {
	got := SplitStatements("First point. Second point! A question? trailing")
	assert.Equal(t, []string{"First point.", "Second point!", "A question?", "trailing"}, got)
	assert.Nil(t, SplitStatements("   "))
}

func TestAttributeStatements_PerStatementFits(t *testing.T) {
	oracle := &linearOracle{weights: map[string]float64{"a": 4, "b": 0}}
	cc := NewContextCite(oracle, ContextCiteConfig{NumSamples: 32, Lambda: 0.5}, nil)

	results, err := cc.AttributeStatements(context.Background(), "q", []string{"a", "b"}, []string{"s1.", "s2."}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Greater(t, res.Weights[0], 0.0)
		assert.Less(t, absF(res.Weights[1]), 0.01)
	}
}
