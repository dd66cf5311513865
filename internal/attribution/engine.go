package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
)

// ErrNoOracle is returned when an oracle-backed method is requested but no
// LogProb oracle is configured. EAS never needs one.
var ErrNoOracle = errors.New("attribution: no log-prob oracle configured")

// ErrMethodNotRunnable is returned for score types that no engine produces
// directly (calibrated scores come from update_attribution, not a scorer).
var ErrMethodNotRunnable = errors.New("attribution: method not directly runnable")

// MemoryInput is one retrieved memory as the kernel sees it.
type MemoryInput struct {
	ID        uuid.UUID
	Content   string
	Embedding []float32
}

// Request is a single attribution computation over an ordered retrieved set.
type Request struct {
	QueryText         string
	ResponseText      string
	QueryEmbedding    []float32
	ResponseEmbedding []float32
	Memories          []MemoryInput
	Method            model.ScoreType
}

// Result is positional over Request.Memories.
type Result struct {
	Scores     []float64
	Confidence []float64
	Method     model.ScoreType
	LDS        float64 // ContextCite only.
	Partial    bool
}

// Engine dispatches attribution requests to the configured scorer. EAS is the
// oracle-free default; ContextCite and Shapley require a LogProb oracle.
type Engine struct {
	oracle  LogProb
	cc      *ContextCite
	shapley *Shapley
	logger  *slog.Logger
}

// NewEngine creates an attribution engine. oracle may be nil, which restricts
// the engine to EAS.
func NewEngine(oracle LogProb, ccCfg ContextCiteConfig, shCfg ShapleyConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		oracle:  oracle,
		cc:      NewContextCite(oracle, ccCfg, logger),
		shapley: NewShapley(shCfg, logger),
		logger:  logger,
	}
}

// Attribute runs the requested method. An empty method runs EAS, the
// production default: closed-form, O(k*d), zero oracle calls.
func (e *Engine) Attribute(ctx context.Context, req Request) (Result, error) {
	if len(req.Memories) == 0 {
		return Result{}, ErrEmptyRetrievedSet
	}

	method := req.Method
	if method == "" {
		method = model.ScoreTypeEAS
	}

	switch method {
	case model.ScoreTypeEAS:
		return e.attributeEAS(req)
	case model.ScoreTypeContextCite:
		return e.attributeContextCite(ctx, req)
	case model.ScoreTypeExact, model.ScoreTypeApprox:
		return e.attributeShapley(ctx, req, method)
	case model.ScoreTypeCalibrated:
		return Result{}, fmt.Errorf("%w: %s", ErrMethodNotRunnable, method)
	default:
		return Result{}, fmt.Errorf("attribution: unknown method %q", method)
	}
}

func (e *Engine) attributeEAS(req Request) (Result, error) {
	embeddings := make([][]float32, len(req.Memories))
	for i, m := range req.Memories {
		embeddings[i] = m.Embedding
	}
	scores, err := EAS(embeddings, req.QueryEmbedding, req.ResponseEmbedding)
	if err != nil {
		return Result{}, err
	}
	conf := make([]float64, len(scores))
	for i := range conf {
		conf[i] = 1
	}
	return Result{Scores: scores, Confidence: conf, Method: model.ScoreTypeEAS}, nil
}

func (e *Engine) attributeContextCite(ctx context.Context, req Request) (Result, error) {
	if e.oracle == nil {
		return Result{}, ErrNoOracle
	}
	contents, ids := splitInputs(req.Memories)
	res, err := e.cc.Attribute(ctx, req.QueryText, contents, req.ResponseText, Seed(req.QueryText, req.ResponseText, ids))
	if err != nil {
		return Result{}, err
	}
	conf := make([]float64, len(res.Weights))
	for i := range conf {
		conf[i] = res.Confidence
	}
	return Result{
		Scores:     res.Weights,
		Confidence: conf,
		Method:     model.ScoreTypeContextCite,
		LDS:        res.LDS,
		Partial:    res.Partial,
	}, nil
}

func (e *Engine) attributeShapley(ctx context.Context, req Request, method model.ScoreType) (Result, error) {
	if e.oracle == nil {
		return Result{}, ErrNoOracle
	}
	contents, ids := splitInputs(req.Memories)
	k := len(contents)

	// The value of a subset is the oracle's log-prob of the response given
	// only that subset.
	valuer := ValueFn(func(ctx context.Context, included []bool) (float64, error) {
		subset := make([]string, 0, k)
		for i, inc := range included {
			if inc {
				subset = append(subset, contents[i])
			}
		}
		return e.oracle.LogProb(ctx, req.QueryText, subset, req.ResponseText)
	})

	var res ShapleyResult
	var err error
	if method == model.ScoreTypeExact {
		res, err = e.shapley.Exact(ctx, k, valuer)
	} else {
		res, err = e.shapley.Approx(ctx, k, valuer, Seed(req.QueryText, req.ResponseText, ids))
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		Scores:     res.Values,
		Confidence: res.Confidence,
		Method:     method, // Approximate results are labeled approx, never exact.
		Partial:    res.Partial,
	}, nil
}

func splitInputs(memories []MemoryInput) ([]string, []uuid.UUID) {
	contents := make([]string, len(memories))
	ids := make([]uuid.UUID, len(memories))
	for i, m := range memories {
		contents[i] = m.Content
		ids[i] = m.ID
	}
	return contents, ids
}
