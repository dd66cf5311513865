package kioku

import "context"

// EmbeddingProvider generates vector embeddings from text. When provided via
// WithEmbeddingProvider it replaces the auto-detected OpenAI/noop provider.
// Vectors are normalized to unit norm before the attribution kernel sees
// them, so implementations need not normalize themselves.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// LogProbOracle scores how likely a response is given the query and an
// ablated subset of the retrieved memories. Required for the ContextCite and
// Shapley attribution methods; EAS runs without one.
type LogProbOracle interface {
	LogProb(ctx context.Context, query string, memories []string, response string) (float64, error)
}
