package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/stage"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu          sync.Mutex
	collections map[string][]vectorstore.Chunk
	deletes     []vectorstore.Filter
	insertErr   error
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string][]vectorstore.Chunk)}
}

func (m *memStore) CreateCollection(_ context.Context, name string, _ int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return vectorstore.ErrCollectionExists
	}
	m.collections[name] = nil
	return nil
}

func (m *memStore) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		return vectorstore.ErrCollectionNotFound
	}
	delete(m.collections, name)
	return nil
}

func (m *memStore) ListCollections(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	return names, nil
}

func (m *memStore) DescribeCollection(_ context.Context, name string) (*vectorstore.CollectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks, ok := m.collections[name]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	return &vectorstore.CollectionInfo{Name: name, Count: int64(len(chunks))}, nil
}

func (m *memStore) Insert(_ context.Context, collection string, chunks []vectorstore.Chunk, createIfMissing bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	if _, ok := m.collections[collection]; !ok {
		if !createIfMissing {
			return 0, vectorstore.ErrCollectionNotFound
		}
		m.collections[collection] = nil
	}
	m.collections[collection] = append(m.collections[collection], chunks...)
	return len(chunks), nil
}

func (m *memStore) DeleteByFilter(_ context.Context, collection string, filter vectorstore.Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, filter)
	chunks, ok := m.collections[collection]
	if !ok {
		return 0, vectorstore.ErrCollectionNotFound
	}
	var kept []vectorstore.Chunk
	var removed int64
	for _, c := range chunks {
		match := (filter.DocumentID == "" || c.DocumentID == filter.DocumentID) &&
			(filter.TenantID == "" || c.TenantID == filter.TenantID)
		if match {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.collections[collection] = kept
	return removed, nil
}

func (m *memStore) Update(ctx context.Context, collection string, filter vectorstore.Filter, chunks []vectorstore.Chunk) (int, error) {
	if _, err := m.DeleteByFilter(ctx, collection, filter); err != nil {
		return 0, err
	}
	return m.Insert(ctx, collection, chunks, false)
}

func (m *memStore) Search(_ context.Context, _ string, _ []float32, _ int, _ vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (m *memStore) HealthCheck(_ context.Context) error { return nil }
func (m *memStore) Close() error                        { return nil }

func (m *memStore) stored(collection string) []vectorstore.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collections[collection]
}

var _ vectorstore.Store = (*memStore)(nil)

// stubEmbedder returns fixed-dimension vectors without a backend.
type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0, 0}
	}
	return vecs, nil
}

func (s *stubEmbedder) Dimension(string) (int, error) { return 4, nil }
func (s *stubEmbedder) DefaultModel() string          { return "stub-embed" }

func newTestPipeline(store vectorstore.Store, embed *stubEmbedder, respond func(attempt int) (string, error)) *Pipeline {
	if respond == nil {
		respond = func(int) (string, error) {
			return `{"keywords": "kw", "topics": "tp", "questions": "q1", "summary": "sum"}`, nil
		}
	}
	client := &fakeCompleter{respond: func(_ gateway.CompletionRequest, attempt int) (string, error) {
		return respond(attempt)
	}}
	extractor := NewMetadataExtractor(client, MetadataConfig{Model: "meta-model"})
	return NewPipeline(store, embed, extractor, PipelineConfig{})
}

func TestIngestEndToEnd(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		DocumentID:         "doc_1",
		CollectionName:     "products",
		GenerateMetadata:   true,
		GenerateEmbeddings: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "doc_1", result.DocumentID)
	assert.Equal(t, "products", result.CollectionName)
	assert.Equal(t, 1, result.ChunksCreated)
	assert.Equal(t, 1, result.ChunksInserted)
	assert.True(t, result.Stages[stage.Chunking].Success)
	assert.True(t, result.Stages[stage.Metadata].Success)
	assert.True(t, result.Stages[stage.Embedding].Success)
	assert.True(t, result.Stages[stage.Storage].Success)

	stored := store.stored("products")
	require.Len(t, stored, 1)
	chunk := stored[0]
	assert.Equal(t, "doc_1_chunk_0000", chunk.ID)
	assert.Equal(t, "doc_1", chunk.DocumentID)
	assert.Equal(t, "default", chunk.TenantID)
	assert.EqualValues(t, 0, chunk.ChunkIndex)
	assert.Equal(t, "kw", chunk.Keywords)
	assert.Equal(t, "sum", chunk.Summary)
	assert.Equal(t, []float32{1, 0, 0, 0}, chunk.DenseVector)
	assert.NotEmpty(t, chunk.CreatedAt)
	assert.Positive(t, chunk.CharCount)
	assert.Positive(t, chunk.TokenCount)
}

func TestIngestMultiChunkOrdering(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	paragraphs := make([]string, 6)
	for i := range paragraphs {
		paragraphs[i] = fmt.Sprintf("Paragraph %d. %s", i, strings.Repeat("some searchable content here ", 20))
	}

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               strings.Join(paragraphs, "\n\n"),
		DocumentID:         "doc_multi",
		CollectionName:     "docs",
		MaxChunkSize:       150,
		GenerateEmbeddings: true,
	})
	require.NoError(t, err)
	require.Greater(t, result.ChunksCreated, 1)
	assert.Equal(t, result.ChunksCreated, result.ChunksInserted)

	stored := store.stored("docs")
	require.Len(t, stored, result.ChunksInserted)
	for i, chunk := range stored {
		assert.EqualValues(t, i, chunk.ChunkIndex, "chunk order must survive storage")
		assert.Equal(t, fmt.Sprintf("doc_multi_chunk_%04d", i), chunk.ID)
	}
}

func TestIngestReplacesExistingDocument(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	req := IngestRequest{
		Text:               sampleText,
		DocumentID:         "doc_1",
		CollectionName:     "products",
		GenerateEmbeddings: true,
	}
	_, err := p.Ingest(context.Background(), req)
	require.NoError(t, err)

	req.Text = "Replacement text for the same document, long enough to chunk."
	result, err := p.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksInserted)

	stored := store.stored("products")
	require.Len(t, stored, 1, "re-ingest must replace, not append")
	assert.Contains(t, stored[0].Text, "Replacement")

	// Both ingests issued a scoped delete first.
	require.GreaterOrEqual(t, len(store.deletes), 2)
	assert.Equal(t, "doc_1", store.deletes[len(store.deletes)-1].DocumentID)
	assert.Equal(t, "default", store.deletes[len(store.deletes)-1].TenantID)
}

func TestIngestEmptyText(t *testing.T) {
	p := newTestPipeline(newMemStore(), &stubEmbedder{}, nil)

	_, err := p.Ingest(context.Background(), IngestRequest{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIngestStorageRequiresEmbeddings(t *testing.T) {
	p := newTestPipeline(newMemStore(), &stubEmbedder{}, nil)

	_, err := p.Ingest(context.Background(), IngestRequest{
		Text:           sampleText,
		CollectionName: "products",
		StorageMode:    StorageNew,
	})
	assert.ErrorIs(t, err, ErrEmbeddingsRequired)
}

func TestIngestExistingModeRequiresCollection(t *testing.T) {
	p := newTestPipeline(newMemStore(), &stubEmbedder{}, nil)

	_, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		StorageMode:        StorageExisting,
		GenerateEmbeddings: true,
	})
	assert.ErrorIs(t, err, ErrCollectionRequired)
}

func TestIngestDocumentTooShort(t *testing.T) {
	client := &fakeCompleter{respond: func(_ gateway.CompletionRequest, _ int) (string, error) {
		return `{}`, nil
	}}
	extractor := NewMetadataExtractor(client, MetadataConfig{Model: "meta-model"})
	p := NewPipeline(newMemStore(), &stubEmbedder{}, extractor, PipelineConfig{MinDocumentLength: 50})

	_, err := p.Ingest(context.Background(), IngestRequest{Text: "too short"})
	assert.ErrorIs(t, err, ErrDocumentTooShort)
}

func TestIngestTooManyChunks(t *testing.T) {
	client := &fakeCompleter{respond: func(_ gateway.CompletionRequest, _ int) (string, error) {
		return `{}`, nil
	}}
	extractor := NewMetadataExtractor(client, MetadataConfig{Model: "meta-model"})
	p := NewPipeline(newMemStore(), &stubEmbedder{}, extractor, PipelineConfig{MaxChunksPerDocument: 2})

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60),
		CollectionName:     "products",
		MaxChunkSize:       100,
		GenerateEmbeddings: true,
	})
	require.ErrorIs(t, err, ErrTooManyChunks)
	require.NotNil(t, result)
	assert.False(t, result.Stages[stage.Chunking].Success)
	assert.Equal(t, 0, result.ChunksInserted)
}

func TestIngestEmbedderFailureIsFatal(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{err: errors.New("provider down")}, nil)

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		DocumentID:         "doc_1",
		CollectionName:     "products",
		GenerateMetadata:   true,
		GenerateEmbeddings: true,
	})
	require.Error(t, err)
	require.NotNil(t, result, "stage reports must survive the failure")
	assert.False(t, result.Stages[stage.Embedding].Success)
	assert.Empty(t, store.stored("products"), "nothing may reach the store")
}

func TestIngestMetadataFailureDegrades(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, func(int) (string, error) {
		return "", errors.New("metadata backend down")
	})

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		DocumentID:         "doc_1",
		CollectionName:     "products",
		GenerateMetadata:   true,
		GenerateEmbeddings: true,
	})
	require.NoError(t, err, "metadata failure must not fail the ingest")

	report := result.Stages[stage.Metadata]
	assert.True(t, report.Success, "per-chunk failures degrade inside the batch")
	assert.True(t, result.Stages[stage.Storage].Success)

	stored := store.stored("products")
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].Keywords)
	assert.Empty(t, stored[0].Summary)
}

func TestIngestStorageNone(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:        sampleText,
		StorageMode: StorageNone,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksCreated)
	assert.Equal(t, 0, result.ChunksInserted)
	assert.True(t, result.Stages[stage.Storage].Skipped)
	assert.Empty(t, store.deletes, "storage none must not touch the store")
}

func TestIngestGeneratesIdentifiers(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	result, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		GenerateEmbeddings: true,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.DocumentID, "doc_"))
	assert.Len(t, result.DocumentID, len("doc_")+12)
	assert.True(t, strings.HasPrefix(result.CollectionName, "collection_"))
	assert.Len(t, result.CollectionName, len("collection_")+8)
}

func TestUpdateDocument(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	_, err := p.UpdateDocument(context.Background(), "", IngestRequest{Text: sampleText})
	require.Error(t, err, "update requires a document id")

	result, err := p.UpdateDocument(context.Background(), "doc_42", IngestRequest{
		Text:               sampleText,
		CollectionName:     "products",
		GenerateEmbeddings: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "doc_42", result.DocumentID)
}

func TestDeleteDocument(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &stubEmbedder{}, nil)

	_, err := p.Ingest(context.Background(), IngestRequest{
		Text:               sampleText,
		DocumentID:         "doc_1",
		CollectionName:     "products",
		GenerateEmbeddings: true,
	})
	require.NoError(t, err)

	deleted, err := p.DeleteDocument(context.Background(), "products", "doc_1", "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	assert.Empty(t, store.stored("products"))

	_, err = p.DeleteDocument(context.Background(), "products", "", "")
	assert.Error(t, err, "delete requires a document id")
}
