package embedder

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragstack/internal/gateway"
)

// fakeClient returns a fixed vector per text and records every upstream call.
type fakeClient struct {
	mu     sync.Mutex
	calls  [][]string
	health map[string]gateway.ProviderStatus
}

func (f *fakeClient) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts)
	f.mu.Unlock()

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		// Deterministic non-unit vector derived from the text length.
		vectors[i] = []float32{float32(len(text)), 4}
	}
	return vectors, nil
}

func (f *fakeClient) HealthCheck(_ context.Context) map[string]gateway.ProviderStatus {
	return f.health
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEmbedder(t *testing.T, client Client, cfg Config) *GatewayEmbedder {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "jina-embeddings-v3"
	}
	e, err := New(client, cfg)
	require.NoError(t, err)
	return e
}

func TestNewRejectsUnknownModel(t *testing.T) {
	_, err := New(&fakeClient{}, Config{Model: "not-a-model"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrModelUnknown)

	_, err = New(&fakeClient{}, Config{})
	require.Error(t, err)
}

func TestEmbedNormalizesVectors(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmbedder(t, client, Config{})

	// len("abc") = 3, so the raw vector is (3, 4) with norm 5.
	vec, err := e.Embed(context.Background(), "abc", "")
	require.NoError(t, err)
	require.Len(t, vec, 2)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmbedder(t, client, Config{})

	texts := []string{"a", "bb", "ccc", "dddd"}
	vectors, err := e.EmbedBatch(context.Background(), texts, "")
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, text := range texts {
		// First component before normalization is len(text); ordering of
		// the normalized components follows the text length.
		expected := float32(len(text)) / float32(math.Sqrt(float64(len(text)*len(text)+16)))
		assert.InDelta(t, expected, vectors[i][0], 1e-6, "vector %d", i)
	}
}

func TestEmbedBatchUsesCache(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmbedder(t, client, Config{})

	_, err := e.Embed(context.Background(), "hello", "")
	require.NoError(t, err)
	require.Equal(t, 1, client.callCount())

	// Same text again: served from cache, no second upstream call.
	vec, err := e.Embed(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, 1, client.callCount())
	assert.NotEmpty(t, vec)

	// A different model misses the cache.
	_, err = e.Embed(context.Background(), "hello", "jina-embeddings-v4")
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount())
}

func TestEmbedBatchSplitsLargeInputs(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmbedder(t, client, Config{BatchSize: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := e.EmbedBatch(context.Background(), texts, "")
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	// 5 texts at batch size 2 means 3 upstream calls.
	assert.Equal(t, 3, client.callCount())
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmbedder(t, client, Config{})

	vectors, err := e.EmbedBatch(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Equal(t, 0, client.callCount())
}

func TestDimension(t *testing.T) {
	e := newTestEmbedder(t, &fakeClient{}, Config{})

	dim, err := e.Dimension("")
	require.NoError(t, err)
	assert.Equal(t, 1024, dim)

	dim, err = e.Dimension("Qwen/Qwen3-Embedding-8B")
	require.NoError(t, err)
	assert.Equal(t, 4096, dim)

	_, err = e.Dimension("nope")
	assert.ErrorIs(t, err, gateway.ErrModelUnknown)
}

func TestHealthCheckRollup(t *testing.T) {
	tests := []struct {
		name   string
		health map[string]gateway.ProviderStatus
		want   string
	}{
		{
			name: "all connected",
			health: map[string]gateway.ProviderStatus{
				"nebius": {Connected: true},
				"jina":   {Connected: true},
			},
			want: "healthy",
		},
		{
			name: "partially connected",
			health: map[string]gateway.ProviderStatus{
				"nebius": {Connected: true},
				"jina":   {Connected: false, Error: "connection refused"},
			},
			want: "degraded",
		},
		{
			name: "none connected",
			health: map[string]gateway.ProviderStatus{
				"nebius": {Connected: false, Error: "connection refused"},
			},
			want: "unhealthy",
		},
		{
			name:   "no providers",
			health: map[string]gateway.ProviderStatus{},
			want:   "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEmbedder(t, &fakeClient{health: tt.health}, Config{})
			got := e.HealthCheck(context.Background())
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}
