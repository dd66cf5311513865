package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/vecmath"
)

type fixedProvider struct {
	vec []float32
}

func (f fixedProvider) Embed(context.Context, string) ([]float32, error) {
	return append([]float32(nil), f.vec...), nil
}

func (f fixedProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), f.vec...)
	}
	return out, nil
}

func (f fixedProvider) Dimensions() int { return len(f.vec) }

func TestUnitNorm_NormalizesOutput(t *testing.T) {
	p := UnitNorm(fixedProvider{vec: []float32{3, 4}})
	v, err := p.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vecmath.Norm(v), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
}

func TestUnitNorm_Batch(t *testing.T) {
	p := UnitNorm(fixedProvider{vec: []float32{0, 5}})
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	for _, v := range vecs {
		assert.InDelta(t, 1.0, vecmath.Norm(v), 1e-6)
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(768)
	assert.Equal(t, 768, p.Dimensions())
	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoProvider)
	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "text-embedding-3-small", 768)
	assert.Error(t, err)
}

func TestOpenAIProvider_ParsesBatchInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Respond out of order; the client must reorder by index.
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0, 1}, "index": 1},
				{"embedding": []float32{1, 0}, "index": 0},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("test-key", "text-embedding-3-small", 2)
	require.NoError(t, err)
	p.httpClient = srv.Client()
	// Point the provider at the test server by swapping the transport.
	p.httpClient.Transport = rewriteHost(srv.URL)

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

// rewriteHost redirects every request to the test server regardless of URL.
type rewriteHost string

func (h rewriteHost) RoundTrip(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	req.URL.Scheme = "http"
	req.URL.Host = string(h)[len("http://"):]
	return http.DefaultTransport.RoundTrip(req)
}
