package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/ragstack/internal/embedder"
	"github.com/knoguchi/ragstack/internal/stage"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

// Storage modes for an ingest request.
const (
	// StorageNone chunks and enriches without writing to the vector store.
	StorageNone = "none"

	// StorageNew writes to the named collection, creating it on first
	// insert; an empty name gets a generated one.
	StorageNew = "new"

	// StorageExisting writes to a collection that must already exist.
	StorageExisting = "existing"
)

// MaxDocumentBytes caps the raw text accepted by one ingest.
const MaxDocumentBytes = 10_000_000

// Default per-stage deadlines inside a single ingest.
const (
	DefaultMetadataTimeout = 60 * time.Second
	DefaultEmbedTimeout    = 30 * time.Second
)

var (
	// ErrEmptyDocument means the text was empty or chunking produced
	// nothing worth indexing.
	ErrEmptyDocument = errors.New("document produced no chunks")

	// ErrDocumentTooLarge means the text exceeds MaxDocumentBytes.
	ErrDocumentTooLarge = errors.New("document text too large")

	// ErrEmbeddingsRequired means a storage mode was requested without
	// embedding generation.
	ErrEmbeddingsRequired = errors.New("storage requires embeddings")

	// ErrCollectionRequired means storage mode "existing" was requested
	// without a collection name.
	ErrCollectionRequired = errors.New("collection name required for existing storage mode")

	// ErrDocumentTooShort means the text is below the configured minimum.
	ErrDocumentTooShort = errors.New("document text too short")

	// ErrTooManyChunks means chunking exceeded the configured cap.
	ErrTooManyChunks = errors.New("document produced too many chunks")
)

// IngestRequest is one document to push through the pipeline.
type IngestRequest struct {
	Text           string
	DocumentID     string
	CollectionName string
	TenantID       string

	// Chunking parameters; zero values take chunker defaults.
	ChunkingMethod  string
	MaxChunkSize    int
	ChunkOverlap    int
	Separators      []string
	MarkdownHeaders []string

	GenerateMetadata bool
	Metadata         ExtractOptions

	GenerateEmbeddings bool
	EmbeddingModel     string

	// StorageMode is none, new or existing. Empty means new.
	StorageMode string
}

// IngestResult reports what one ingest produced. Stages is populated even
// when the ingest fails partway so callers can see which stage broke.
type IngestResult struct {
	DocumentID     string                  `json:"document_id"`
	CollectionName string                  `json:"collection_name,omitempty"`
	ChunksCreated  int                     `json:"chunks_created"`
	ChunksInserted int                     `json:"chunks_inserted"`
	TotalTimeMS    int64                   `json:"processing_time_ms"`
	Stages         map[string]stage.Report `json:"stages"`
}

// PipelineConfig configures the ingestion orchestrator.
type PipelineConfig struct {
	// MetadataTimeout bounds the metadata stage per ingest.
	MetadataTimeout time.Duration

	// EmbedTimeout bounds the embedding stage per ingest.
	EmbedTimeout time.Duration

	// MaxDocumentBytes caps the raw text size. Zero means the package
	// default.
	MaxDocumentBytes int

	// MinDocumentLength rejects text shorter than this many characters.
	// Zero disables the check.
	MinDocumentLength int

	// MaxChunksPerDocument fails an ingest whose chunking exceeds it.
	// Zero disables the check.
	MaxChunksPerDocument int

	Logger *slog.Logger
}

// Pipeline composes chunking, metadata extraction, embedding and storage
// for single documents. Metadata and embedding run in parallel; metadata
// failures degrade to empty fields while embedding failures abort the
// ingest.
type Pipeline struct {
	store    vectorstore.Store
	embedder embedder.Embedder
	metadata *MetadataExtractor
	config   PipelineConfig
	logger   *slog.Logger
}

// NewPipeline creates an ingestion pipeline over the given collaborators.
func NewPipeline(store vectorstore.Store, embed embedder.Embedder, metadata *MetadataExtractor, config PipelineConfig) *Pipeline {
	if config.MetadataTimeout <= 0 {
		config.MetadataTimeout = DefaultMetadataTimeout
	}
	if config.EmbedTimeout <= 0 {
		config.EmbedTimeout = DefaultEmbedTimeout
	}
	if config.MaxDocumentBytes <= 0 {
		config.MaxDocumentBytes = MaxDocumentBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		store:    store,
		embedder: embed,
		metadata: metadata,
		config:   config,
		logger:   logger.With("component", "ingestion"),
	}
}

// Ingest runs one document through chunk, enrich and store. Re-ingesting a
// document_id replaces its previous chunks (delete then insert), making the
// operation idempotent per (document_id, collection).
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyDocument
	}
	if p.config.MinDocumentLength > 0 && len(text) < p.config.MinDocumentLength {
		return nil, fmt.Errorf("%w: %d chars (min %d)", ErrDocumentTooShort, len(text), p.config.MinDocumentLength)
	}
	if len(text) > p.config.MaxDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrDocumentTooLarge, len(text), p.config.MaxDocumentBytes)
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = "doc_" + shortID(12)
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	storageMode := req.StorageMode
	if storageMode == "" {
		storageMode = StorageNew
	}

	if storageMode != StorageNone && !req.GenerateEmbeddings {
		return nil, ErrEmbeddingsRequired
	}
	if storageMode == StorageExisting && req.CollectionName == "" {
		return nil, ErrCollectionRequired
	}

	result := &IngestResult{
		DocumentID: documentID,
		Stages:     make(map[string]stage.Report),
	}

	// Stage 1: chunking.
	chunkStart := time.Now()
	chunker := NewChunker(ChunkerConfig{
		Method:          req.ChunkingMethod,
		MaxSize:         req.MaxChunkSize,
		Overlap:         req.ChunkOverlap,
		Separators:      req.Separators,
		MarkdownHeaders: req.MarkdownHeaders,
	})
	chunks := chunker.Chunk(text)
	if len(chunks) == 0 {
		result.Stages[stage.Chunking] = stage.Failed(chunkStart, ErrEmptyDocument)
		result.TotalTimeMS = millisSince(start)
		return result, ErrEmptyDocument
	}
	if p.config.MaxChunksPerDocument > 0 && len(chunks) > p.config.MaxChunksPerDocument {
		err := fmt.Errorf("%w: %d chunks (max %d)", ErrTooManyChunks, len(chunks), p.config.MaxChunksPerDocument)
		result.Stages[stage.Chunking] = stage.Failed(chunkStart, err)
		result.TotalTimeMS = millisSince(start)
		return result, err
	}
	result.ChunksCreated = len(chunks)
	result.Stages[stage.Chunking] = stage.OK(chunkStart, map[string]any{
		"chunks": len(chunks),
		"method": chunker.config.Method,
	})

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	// Stage 2: metadata and embeddings fan out in parallel. An embedding
	// failure cancels the group; a metadata failure only empties fields.
	var (
		metaReport  stage.Report
		embedReport stage.Report
		metas       []Metadata
		vectors     [][]float32
	)

	embeddingModel := req.EmbeddingModel
	if req.GenerateEmbeddings && embeddingModel == "" {
		embeddingModel = p.embedder.DefaultModel()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if req.GenerateMetadata {
		eg.Go(func() error {
			stageStart := time.Now()
			mctx, cancel := context.WithTimeout(egCtx, p.config.MetadataTimeout)
			defer cancel()

			extracted, err := p.metadata.ExtractBatch(mctx, texts, req.Metadata)
			if err != nil {
				p.logger.Warn("metadata stage failed, continuing with empty fields",
					"document_id", documentID, "error", err)
				metaReport = stage.Failed(stageStart, err)
				return nil
			}
			metas = extracted
			filled := 0
			for _, m := range extracted {
				if m != (Metadata{}) {
					filled++
				}
			}
			metaReport = stage.OK(stageStart, map[string]any{"extracted": filled})
			return nil
		})
	} else {
		metaReport = stage.Disabled("metadata generation disabled")
	}

	if req.GenerateEmbeddings {
		eg.Go(func() error {
			stageStart := time.Now()
			ectx, cancel := context.WithTimeout(egCtx, p.config.EmbedTimeout)
			defer cancel()

			vecs, err := p.embedder.EmbedBatch(ectx, texts, embeddingModel)
			if err != nil {
				embedReport = stage.Failed(stageStart, err)
				return fmt.Errorf("embedding generation failed: %w", err)
			}
			vectors = vecs
			embedReport = stage.OK(stageStart, map[string]any{
				"model":   embeddingModel,
				"vectors": len(vecs),
			})
			return nil
		})
	} else {
		embedReport = stage.Disabled("embedding generation disabled")
	}

	err := eg.Wait()
	result.Stages[stage.Metadata] = metaReport
	result.Stages[stage.Embedding] = embedReport
	if err != nil {
		result.TotalTimeMS = millisSince(start)
		return result, err
	}
	if metas == nil {
		metas = make([]Metadata, len(chunks))
	}

	// Stage 3: storage.
	if storageMode == StorageNone {
		result.Stages[stage.Storage] = stage.Disabled("storage disabled")
		result.TotalTimeMS = millisSince(start)
		return result, nil
	}

	collection := req.CollectionName
	if collection == "" {
		collection = "collection_" + shortID(8)
	}
	result.CollectionName = collection

	storageStart := time.Now()
	records := assembleChunks(documentID, tenantID, chunks, metas, vectors)

	deleted, err := p.deleteExisting(ctx, collection, documentID, tenantID)
	if err != nil {
		result.Stages[stage.Storage] = stage.Failed(storageStart, err)
		result.TotalTimeMS = millisSince(start)
		return result, fmt.Errorf("failed to replace existing document chunks: %w", err)
	}

	inserted, err := p.store.Insert(ctx, collection, records, storageMode == StorageNew)
	if err != nil {
		result.Stages[stage.Storage] = stage.Failed(storageStart, err)
		result.TotalTimeMS = millisSince(start)
		return result, fmt.Errorf("failed to store chunks: %w", err)
	}

	result.ChunksInserted = inserted
	result.Stages[stage.Storage] = stage.OK(storageStart, map[string]any{
		"inserted": inserted,
		"replaced": deleted,
	})
	result.TotalTimeMS = millisSince(start)

	p.logger.Info("document ingested",
		"document_id", documentID,
		"collection", collection,
		"chunks", inserted,
		"total_ms", result.TotalTimeMS)
	return result, nil
}

// UpdateDocument replaces a document's chunks with a fresh ingest of new
// text. Delete and reinsert are not atomic: a failure after the delete
// leaves the collection without the document, and the caller must retry.
func (p *Pipeline) UpdateDocument(ctx context.Context, documentID string, req IngestRequest) (*IngestResult, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id required for update")
	}
	req.DocumentID = documentID
	return p.Ingest(ctx, req)
}

// DeleteDocument removes every chunk of a document from a collection,
// optionally scoped to one tenant.
func (p *Pipeline) DeleteDocument(ctx context.Context, collection, documentID, tenantID string) (int64, error) {
	if documentID == "" {
		return 0, fmt.Errorf("document id required for delete")
	}
	deleted, err := p.store.DeleteByFilter(ctx, collection, vectorstore.Filter{
		DocumentID: documentID,
		TenantID:   tenantID,
	})
	if err != nil {
		return 0, err
	}

	p.logger.Info("document deleted",
		"document_id", documentID,
		"collection", collection,
		"chunks", deleted)
	return deleted, nil
}

// deleteExisting clears prior chunks of the document so re-ingest replaces
// rather than duplicates. A missing collection just means nothing to clear.
func (p *Pipeline) deleteExisting(ctx context.Context, collection, documentID, tenantID string) (int64, error) {
	deleted, err := p.store.DeleteByFilter(ctx, collection, vectorstore.Filter{
		DocumentID: documentID,
		TenantID:   tenantID,
	})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	return deleted, err
}

// assembleChunks zips chunk texts, metadata and vectors into storage
// records. Indexes line up because both stages preserve input order.
func assembleChunks(documentID, tenantID string, chunks []Chunk, metas []Metadata, vectors [][]float32) []vectorstore.Chunk {
	now := time.Now().UTC().Format(time.RFC3339)

	records := make([]vectorstore.Chunk, len(chunks))
	for i, c := range chunks {
		record := vectorstore.Chunk{
			ID:         fmt.Sprintf("%s_chunk_%04d", documentID, c.Index),
			DocumentID: documentID,
			TenantID:   tenantID,
			ChunkIndex: int64(c.Index),
			Text:       c.Text,
			CharCount:  int64(c.CharCount),
			TokenCount: int64(c.TokenCount),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if i < len(metas) {
			record.Keywords = metas[i].Keywords
			record.Topics = metas[i].Topics
			record.Questions = metas[i].Questions
			record.Summary = metas[i].Summary
		}
		if i < len(vectors) {
			record.DenseVector = vectors[i]
		}
		records[i] = record
	}
	return records
}

// shortID returns the first n hex characters of a random UUID.
func shortID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

func millisSince(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
