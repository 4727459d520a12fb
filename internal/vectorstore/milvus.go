package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// Schema field names shared by both backends.
const (
	fieldID          = "id"
	fieldDocumentID  = "document_id"
	fieldChunkIndex  = "chunk_index"
	fieldText        = "text"
	fieldTenantID    = "tenant_id"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
	fieldCharCount   = "char_count"
	fieldTokenCount  = "token_count"
	fieldDenseVector = "dense_vector"
	fieldKeywords    = "keywords"
	fieldTopics      = "topics"
	fieldQuestions   = "questions"
	fieldSummary     = "summary"

	maxIDLength       = 100
	maxKeywordsLength = 500
	maxSummaryLength  = 1000

	defaultShards = 2
)

// searchOutputFields is everything Search fetches back; the dense vector is
// deliberately excluded.
var searchOutputFields = []string{
	fieldID, fieldDocumentID, fieldChunkIndex, fieldText, fieldTenantID,
	fieldCreatedAt, fieldUpdatedAt, fieldCharCount, fieldTokenCount,
	fieldKeywords, fieldTopics, fieldQuestions, fieldSummary,
}

// MilvusStore implements Store on Milvus. Tenancy uses the tenant_id
// partition key with NumPartitions partitions, so a tenant-filtered search
// only touches the partition the tenant hashes to. The dense vector is
// indexed FLAT with inner-product metric; inserts rely on bounded-staleness
// consistency instead of flushing, deletes flush before returning.
type MilvusStore struct {
	client client.Client
	logger *slog.Logger

	mu   sync.Mutex
	dims map[string]int // collection -> dimension, filled lazily
}

// NewMilvusStore connects to Milvus at addr ("host:port").
func NewMilvusStore(ctx context.Context, addr string) (*MilvusStore, error) {
	c, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", addr, ErrStoreUnavailable)
	}
	return &MilvusStore{
		client: c,
		logger: slog.Default().With("component", "vectorstore", "backend", "milvus"),
		dims:   make(map[string]int),
	}, nil
}

// Close closes the Milvus connection.
func (s *MilvusStore) Close() error {
	return s.client.Close()
}

// HealthCheck verifies Milvus answers a cheap metadata call.
func (s *MilvusStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("milvus health check failed: %w", ErrStoreUnavailable)
	}
	return nil
}

// CreateCollection creates the chunk collection with the fixed schema.
func (s *MilvusStore) CreateCollection(ctx context.Context, name string, dimension int, description string) error {
	exists, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if exists {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionExists)
	}

	schema := chunkSchema(name, dimension, description)
	err = s.client.CreateCollection(ctx, schema, defaultShards,
		client.WithConsistencyLevel(entity.ClBounded),
		client.WithPartitionNum(NumPartitions),
	)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	index, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	if err := s.client.CreateIndex(ctx, name, fieldDenseVector, index, false); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", name, err)
	}
	if err := s.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}

	s.mu.Lock()
	s.dims[name] = dimension
	s.mu.Unlock()

	s.logger.Info("collection created", "collection", name, "dimension", dimension)
	return nil
}

// DeleteCollection drops the collection and forgets its cached dimension.
func (s *MilvusStore) DeleteCollection(ctx context.Context, name string) error {
	exists, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if !exists {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	if err := s.client.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

// ListCollections returns all collection names.
func (s *MilvusStore) ListCollections(ctx context.Context) ([]string, error) {
	colls, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", ErrStoreUnavailable)
	}
	names := make([]string, 0, len(colls))
	for _, c := range colls {
		names = append(names, c.Name)
	}
	return names, nil
}

// DescribeCollection returns schema fields, dimension, and row count.
func (s *MilvusStore) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	exists, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if !exists {
		return nil, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}

	coll, err := s.client.DescribeCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe collection %s: %w", name, err)
	}

	info := &CollectionInfo{Name: name}
	if coll.Schema != nil {
		info.Description = coll.Schema.Description
		for _, f := range coll.Schema.Fields {
			info.Fields = append(info.Fields, f.Name)
			if f.Name == fieldDenseVector {
				if dim, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim]); err == nil {
					info.Dimension = dim
				}
			}
		}
	}

	stats, err := s.client.GetCollectionStatistics(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics for %s: %w", name, err)
	}
	if rc, err := strconv.ParseInt(stats["row_count"], 10, 64); err == nil {
		info.Count = rc
	}
	return info, nil
}

// Insert writes chunks without flushing; bounded-staleness consistency makes
// them searchable within about a second.
func (s *MilvusStore) Insert(ctx context.Context, collection string, chunks []Chunk, createIfMissing bool) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	dim, err := checkVectors(chunks)
	if err != nil {
		return 0, err
	}

	exists, err := s.client.HasCollection(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection %s: %w", collection, ErrStoreUnavailable)
	}
	if !exists {
		if !createIfMissing {
			return 0, fmt.Errorf("collection %s: %w", collection, ErrCollectionNotFound)
		}
		if err := s.CreateCollection(ctx, collection, dim, ""); err != nil {
			return 0, err
		}
	} else {
		existing, err := s.collectionDimension(ctx, collection)
		if err != nil {
			return 0, err
		}
		if existing != dim {
			return 0, fmt.Errorf("collection %s has dimension %d, chunks have %d: %w",
				collection, existing, dim, ErrDimensionMismatch)
		}
	}

	// Partition name stays empty: the partition key routes each row by
	// tenant_id.
	_, err = s.client.Insert(ctx, collection, "", chunkColumns(chunks, dim)...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %d chunks into %s: %w", len(chunks), collection, err)
	}
	return len(chunks), nil
}

// DeleteByFilter counts the matching chunks, deletes them, and flushes so
// the deletion is visible when the call returns.
func (s *MilvusStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if filter.IsZero() {
		return 0, fmt.Errorf("refusing unfiltered delete: %w", ErrInvalidFilter)
	}

	exists, err := s.client.HasCollection(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection %s: %w", collection, ErrStoreUnavailable)
	}
	if !exists {
		return 0, fmt.Errorf("collection %s: %w", collection, ErrCollectionNotFound)
	}

	expr := filter.Expr()
	rs, err := s.client.Query(ctx, collection, nil, expr, []string{fieldID})
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks matching %q: %w", expr, err)
	}
	var matched int64
	if col := rs.GetColumn(fieldID); col != nil {
		matched = int64(col.Len())
	}
	if matched == 0 {
		return 0, nil
	}

	if err := s.client.Delete(ctx, collection, "", expr); err != nil {
		return 0, fmt.Errorf("failed to delete chunks matching %q: %w", expr, err)
	}
	if err := s.client.Flush(ctx, collection, false); err != nil {
		return 0, fmt.Errorf("failed to flush %s after delete: %w", collection, err)
	}
	return matched, nil
}

// Update is delete-then-insert under the same filter.
func (s *MilvusStore) Update(ctx context.Context, collection string, filter Filter, chunks []Chunk) (int, error) {
	if _, err := s.DeleteByFilter(ctx, collection, filter); err != nil {
		return 0, err
	}
	return s.Insert(ctx, collection, chunks, false)
}

// Search runs an exact inner-product search. A tenant filter restricts the
// scan to that tenant's partition via partition-key pruning.
func (s *MilvusStore) Search(ctx context.Context, collection string, queryVector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.client.HasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", collection, ErrStoreUnavailable)
	}
	if !exists {
		return nil, fmt.Errorf("collection %s: %w", collection, ErrCollectionNotFound)
	}

	dim, err := s.collectionDimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(queryVector) != dim {
		return nil, fmt.Errorf("query vector has dimension %d, collection %s has %d: %w",
			len(queryVector), collection, dim, ErrDimensionMismatch)
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := s.client.Search(ctx, collection, nil, filter.Expr(), searchOutputFields,
		[]entity.Vector{entity.FloatVector(queryVector)}, fieldDenseVector, entity.IP, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search in %s failed: %w", collection, err)
	}

	var out []SearchResult
	for _, rs := range results {
		if rs.Err != nil {
			return nil, fmt.Errorf("search in %s failed: %w", collection, rs.Err)
		}
		converted, err := resultSetChunks(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, converted...)
	}
	return out, nil
}

// collectionDimension resolves and caches the vector dimension of a
// collection.
func (s *MilvusStore) collectionDimension(ctx context.Context, collection string) (int, error) {
	s.mu.Lock()
	if dim, ok := s.dims[collection]; ok {
		s.mu.Unlock()
		return dim, nil
	}
	s.mu.Unlock()

	info, err := s.DescribeCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	if info.Dimension == 0 {
		return 0, fmt.Errorf("collection %s has no %s field: %w", collection, fieldDenseVector, ErrDimensionMismatch)
	}

	s.mu.Lock()
	s.dims[collection] = info.Dimension
	s.mu.Unlock()
	return info.Dimension, nil
}

// chunkSchema builds the 14-field chunk schema: string ids, tenant
// partition key, counts, one dense vector, and the four semantic metadata
// strings.
func chunkSchema(name string, dimension int, description string) *entity.Schema {
	if description == "" {
		description = fmt.Sprintf("Multi-tenant dense chunk index (dim=%d)", dimension)
	}
	return entity.NewSchema().
		WithName(name).
		WithDescription(description).
		WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLength).WithIsPrimaryKey(true).WithDescription("unique chunk id")).
		WithField(entity.NewField().WithName(fieldDocumentID).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLength).WithDescription("parent document id")).
		WithField(entity.NewField().WithName(fieldChunkIndex).WithDataType(entity.FieldTypeInt64).
			WithDescription("chunk position in document")).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(MaxTextLength).WithDescription("chunk text")).
		WithField(entity.NewField().WithName(fieldTenantID).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLength).WithIsPartitionKey(true).WithDescription("tenant id (partition key)")).
		WithField(entity.NewField().WithName(fieldCreatedAt).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(50)).
		WithField(entity.NewField().WithName(fieldUpdatedAt).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(50)).
		WithField(entity.NewField().WithName(fieldCharCount).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldTokenCount).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldDenseVector).WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dimension)).WithDescription("dense semantic vector")).
		WithField(entity.NewField().WithName(fieldKeywords).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxKeywordsLength)).
		WithField(entity.NewField().WithName(fieldTopics).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxKeywordsLength)).
		WithField(entity.NewField().WithName(fieldQuestions).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxKeywordsLength)).
		WithField(entity.NewField().WithName(fieldSummary).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxSummaryLength))
}

// chunkColumns converts chunks into column-based insert data.
func chunkColumns(chunks []Chunk, dim int) []entity.Column {
	n := len(chunks)
	ids := make([]string, n)
	docIDs := make([]string, n)
	indexes := make([]int64, n)
	texts := make([]string, n)
	tenants := make([]string, n)
	created := make([]string, n)
	updated := make([]string, n)
	charCounts := make([]int64, n)
	tokenCounts := make([]int64, n)
	vectors := make([][]float32, n)
	keywords := make([]string, n)
	topics := make([]string, n)
	questions := make([]string, n)
	summaries := make([]string, n)

	for i, c := range chunks {
		ids[i] = c.ID
		docIDs[i] = c.DocumentID
		indexes[i] = c.ChunkIndex
		texts[i] = c.Text
		tenants[i] = c.TenantID
		created[i] = c.CreatedAt
		updated[i] = c.UpdatedAt
		charCounts[i] = c.CharCount
		tokenCounts[i] = c.TokenCount
		vectors[i] = c.DenseVector
		keywords[i] = c.Keywords
		topics[i] = c.Topics
		questions[i] = c.Questions
		summaries[i] = c.Summary
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldDocumentID, docIDs),
		entity.NewColumnInt64(fieldChunkIndex, indexes),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldTenantID, tenants),
		entity.NewColumnVarChar(fieldCreatedAt, created),
		entity.NewColumnVarChar(fieldUpdatedAt, updated),
		entity.NewColumnInt64(fieldCharCount, charCounts),
		entity.NewColumnInt64(fieldTokenCount, tokenCounts),
		entity.NewColumnFloatVector(fieldDenseVector, dim, vectors),
		entity.NewColumnVarChar(fieldKeywords, keywords),
		entity.NewColumnVarChar(fieldTopics, topics),
		entity.NewColumnVarChar(fieldQuestions, questions),
		entity.NewColumnVarChar(fieldSummary, summaries),
	}
}

// resultSetChunks converts one Milvus search result into SearchResults.
func resultSetChunks(rs client.SearchResult) ([]SearchResult, error) {
	strCol := func(name string) []string {
		if col, ok := rs.Fields.GetColumn(name).(*entity.ColumnVarChar); ok && col != nil {
			return col.Data()
		}
		return nil
	}
	intCol := func(name string) []int64 {
		if col, ok := rs.Fields.GetColumn(name).(*entity.ColumnInt64); ok && col != nil {
			return col.Data()
		}
		return nil
	}

	ids := strCol(fieldID)
	docIDs := strCol(fieldDocumentID)
	texts := strCol(fieldText)
	tenants := strCol(fieldTenantID)
	created := strCol(fieldCreatedAt)
	updated := strCol(fieldUpdatedAt)
	keywords := strCol(fieldKeywords)
	topics := strCol(fieldTopics)
	questions := strCol(fieldQuestions)
	summaries := strCol(fieldSummary)
	indexes := intCol(fieldChunkIndex)
	charCounts := intCol(fieldCharCount)
	tokenCounts := intCol(fieldTokenCount)

	strAt := func(vals []string, i int) string {
		if i < len(vals) {
			return vals[i]
		}
		return ""
	}
	intAt := func(vals []int64, i int) int64 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}

	out := make([]SearchResult, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		if i >= len(rs.Scores) {
			return nil, fmt.Errorf("milvus returned %d scores for %d results: %w",
				len(rs.Scores), rs.ResultCount, ErrStoreUnavailable)
		}
		out = append(out, SearchResult{
			Score: rs.Scores[i],
			Chunk: Chunk{
				ID:         strAt(ids, i),
				DocumentID: strAt(docIDs, i),
				TenantID:   strAt(tenants, i),
				ChunkIndex: intAt(indexes, i),
				Text:       strAt(texts, i),
				CharCount:  intAt(charCounts, i),
				TokenCount: intAt(tokenCounts, i),
				Keywords:   strAt(keywords, i),
				Topics:     strAt(topics, i),
				Questions:  strAt(questions, i),
				Summary:    strAt(summaries, i),
				CreatedAt:  strAt(created, i),
				UpdatedAt:  strAt(updated, i),
			},
		})
	}
	return out, nil
}

// Ensure MilvusStore implements Store.
var _ Store = (*MilvusStore)(nil)
