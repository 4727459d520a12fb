package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragstack/internal/vectorstore"
)

type fakeStore struct {
	vectorstore.Store

	results    []vectorstore.SearchResult
	err        error
	collection string
	limit      int
	filter     vectorstore.Filter
}

func (f *fakeStore) Search(_ context.Context, collection string, _ []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	f.collection = collection
	f.limit = topK
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fixedEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = f.vec
	}
	return vecs, f.err
}

func (f *fixedEmbedder) Dimension(string) (int, error) { return len(f.vec), nil }
func (f *fixedEmbedder) DefaultModel() string          { return "fixed" }

func candidate(id string, index int64, score float32) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Chunk: vectorstore.Chunk{ID: id, ChunkIndex: index, Text: "chunk " + id},
		Score: score,
	}
}

func newTestSearcher(store *fakeStore) *Searcher {
	return New(store, &fixedEmbedder{vec: []float32{1, 0}}, Config{})
}

func TestSearchReturnsTopKSorted(t *testing.T) {
	store := &fakeStore{results: []vectorstore.SearchResult{
		candidate("c", 2, 0.7),
		candidate("a", 0, 0.9),
		candidate("b", 1, 0.8),
		candidate("d", 3, 0.6),
	}}
	s := newTestSearcher(store)

	results, err := s.Search(context.Background(), Request{Query: "anything", Collection: "docs", TopK: 2})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Chunk.ID)
	assert.Equal(t, "b", results[1].Chunk.ID)
	assert.Equal(t, 4, store.limit, "fetch twice the requested top_k")
	assert.Equal(t, "docs", store.collection)
}

func TestSearchBoostReordersBeyondVectorRank(t *testing.T) {
	store := &fakeStore{results: []vectorstore.SearchResult{
		{Chunk: vectorstore.Chunk{ID: "plain", ChunkIndex: 0}, Score: 0.70},
		{Chunk: vectorstore.Chunk{
			ID:         "enriched",
			ChunkIndex: 1,
			Keywords:   "battery, capacity, iphone",
			Questions:  "What is the battery capacity?",
		}, Score: 0.65},
	}}
	s := newTestSearcher(store)

	req := Request{Query: "battery capacity", Collection: "docs", TopK: 2, MetadataBoost: true}
	results, err := s.Search(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "enriched", results[0].Chunk.ID, "metadata matches must outrank a small vector gap")
	assert.Greater(t, results[0].MetadataBoost, 0.0)
	assert.InDelta(t, 0.65, results[0].VectorScore, 0.0001, "vector score survives boosting")
	assert.ElementsMatch(t, []string{"battery", "capacity"}, results[0].MetadataMatches.KeywordsMatched)

	// Without boost the vector order stands.
	req.MetadataBoost = false
	results, err = s.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "plain", results[0].Chunk.ID)
	assert.Zero(t, results[0].MetadataBoost)
}

func TestSearchTieBreaksOnChunkIndex(t *testing.T) {
	store := &fakeStore{results: []vectorstore.SearchResult{
		candidate("later", 5, 0.8),
		candidate("earlier", 2, 0.8),
	}}
	s := newTestSearcher(store)

	results, err := s.Search(context.Background(), Request{Query: "q", Collection: "docs", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, "earlier", results[0].Chunk.ID)
	assert.Equal(t, "later", results[1].Chunk.ID)
}

func TestSearchDefaultsAndClamps(t *testing.T) {
	store := &fakeStore{}
	s := newTestSearcher(store)

	_, err := s.Search(context.Background(), Request{Query: "q", Collection: "docs"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK*2, store.limit)

	_, err = s.Search(context.Background(), Request{Query: "q", Collection: "docs", TopK: 90})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, store.limit, "fetch limit caps at MaxTopK")
}

func TestSearchPassesTenantFilter(t *testing.T) {
	store := &fakeStore{}
	s := newTestSearcher(store)

	_, err := s.Search(context.Background(), Request{Query: "q", Collection: "docs", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", store.filter.TenantID)
	assert.Empty(t, store.filter.DocumentID)
}

func TestSearchValidatesInput(t *testing.T) {
	s := newTestSearcher(&fakeStore{})

	_, err := s.Search(context.Background(), Request{Collection: "docs"})
	assert.Error(t, err)

	_, err = s.Search(context.Background(), Request{Query: "q"})
	assert.Error(t, err)
}

func TestSearchPropagatesErrors(t *testing.T) {
	s := New(&fakeStore{}, &fixedEmbedder{err: errors.New("embed down")}, Config{})
	_, err := s.Search(context.Background(), Request{Query: "q", Collection: "docs"})
	assert.ErrorContains(t, err, "failed to embed query")

	s = newTestSearcher(&fakeStore{err: vectorstore.ErrCollectionNotFound})
	_, err = s.Search(context.Background(), Request{Query: "q", Collection: "docs"})
	assert.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestSearchRequestWeightsOverride(t *testing.T) {
	store := &fakeStore{results: []vectorstore.SearchResult{
		{Chunk: vectorstore.Chunk{ID: "kw", Keywords: "battery"}, Score: 0.5},
	}}
	s := newTestSearcher(store)

	heavy := &BoostWeights{Keywords: 0.4}
	results, err := s.Search(context.Background(), Request{
		Query: "battery", Collection: "docs", MetadataBoost: true, Weights: heavy,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, results[0].MetadataBoost, 0.0001)
}
