package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements Store on Qdrant for deployments without Milvus.
// Qdrant has no partition keys; tenancy is enforced with a tenant_id payload
// filter on every scoped operation. Point ids must be UUIDs, so the chunk id
// is hashed into a stable UUID and kept verbatim in the payload.
type QdrantStore struct {
	client *qdrant.Client
	logger *slog.Logger

	mu   sync.Mutex
	dims map[string]int
}

// NewQdrantStore creates a new Qdrant store client.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
		logger: slog.Default().With("component", "vectorstore", "backend", "qdrant"),
		dims:   make(map[string]int),
	}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// HealthCheck verifies Qdrant answers its health RPC.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", ErrStoreUnavailable)
	}
	return nil
}

// CreateCollection creates a collection with a single dense vector space
// using the dot-product metric.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dimension int, description string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if exists {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionExists)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Dot,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	s.mu.Lock()
	s.dims[name] = dimension
	s.mu.Unlock()

	s.logger.Info("collection created", "collection", name, "dimension", dimension)
	return nil
}

// DeleteCollection deletes a collection and everything in it.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if !exists {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

// ListCollections returns all collection names.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", ErrStoreUnavailable)
	}
	return names, nil
}

// DescribeCollection returns dimension and point count. Qdrant payloads are
// schemaless; Fields reports the facade's fixed field set.
func (s *QdrantStore) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", name, ErrStoreUnavailable)
	}
	if !exists {
		return nil, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}

	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe collection %s: %w", name, err)
	}

	fields := append([]string{}, searchOutputFields...)
	return &CollectionInfo{
		Name:      name,
		Dimension: int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		Count:     int64(info.GetPointsCount()),
		Fields:    fields,
	}, nil
}

// Insert upserts chunks as points. Wait is left off to match the facade's
// no-flush insert contract; points become searchable once indexed.
func (s *QdrantStore) Insert(ctx context.Context, collection string, chunks []Chunk, createIfMissing bool) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	dim, err := checkVectors(chunks)
	if err != nil {
		return 0, err
	}

	exists, err := s.client.CollectionExists(ctx, collection)
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

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(chunk.ID)),
			Vectors: qdrant.NewVectors(chunk.DenseVector...),
			Payload: chunkPayload(chunk),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %d points into %s: %w", len(chunks), collection, err)
	}
	return len(chunks), nil
}

// DeleteByFilter counts then deletes matching points, waiting for the
// deletion to apply.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if filter.IsZero() {
		return 0, fmt.Errorf("refusing unfiltered delete: %w", ErrInvalidFilter)
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection %s: %w", collection, ErrStoreUnavailable)
	}
	if !exists {
		return 0, fmt.Errorf("collection %s: %w", collection, ErrCollectionNotFound)
	}

	qf := qdrantFilter(filter)
	matched, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         qf,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count matching points in %s: %w", collection, err)
	}
	if matched == 0 {
		return 0, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete points in %s: %w", collection, err)
	}
	return int64(matched), nil
}

// Update is delete-then-insert under the same filter.
func (s *QdrantStore) Update(ctx context.Context, collection string, filter Filter, chunks []Chunk) (int, error) {
	if _, err := s.DeleteByFilter(ctx, collection, filter); err != nil {
		return 0, err
	}
	return s.Insert(ctx, collection, chunks, false)
}

// Search performs similarity search, tenant-scoped through a payload filter.
func (s *QdrantStore) Search(ctx context.Context, collection string, queryVector []float32, topK int, filter Filter) ([]SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", collection, ErrStoreUnavailable)
	}
	if !exists {
		return nil, fmt.Errorf("collection %s: %w", collection, ErrCollectionNotFound)
	}

	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !filter.IsZero() {
		query.Filter = qdrantFilter(filter)
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search in %s failed: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		results = append(results, SearchResult{
			Score: point.Score,
			Chunk: payloadChunk(point.Payload),
		})
	}
	return results, nil
}

func (s *QdrantStore) collectionDimension(ctx context.Context, collection string) (int, error) {
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
		return 0, fmt.Errorf("collection %s has no vector config: %w", collection, ErrDimensionMismatch)
	}

	s.mu.Lock()
	s.dims[collection] = info.Dimension
	s.mu.Unlock()
	return info.Dimension, nil
}

// pointID maps a chunk id to a stable UUID so re-ingesting the same chunk id
// overwrites the same point.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func qdrantFilter(filter Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if filter.DocumentID != "" {
		must = append(must, qdrant.NewMatch(fieldDocumentID, filter.DocumentID))
	}
	if filter.TenantID != "" {
		must = append(must, qdrant.NewMatch(fieldTenantID, filter.TenantID))
	}
	return &qdrant.Filter{Must: must}
}

func chunkPayload(chunk Chunk) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		fieldID:         qdrant.NewValueString(chunk.ID),
		fieldDocumentID: qdrant.NewValueString(chunk.DocumentID),
		fieldTenantID:   qdrant.NewValueString(chunk.TenantID),
		fieldChunkIndex: qdrant.NewValueInt(chunk.ChunkIndex),
		fieldText:       qdrant.NewValueString(chunk.Text),
		fieldCharCount:  qdrant.NewValueInt(chunk.CharCount),
		fieldTokenCount: qdrant.NewValueInt(chunk.TokenCount),
		fieldKeywords:   qdrant.NewValueString(chunk.Keywords),
		fieldTopics:     qdrant.NewValueString(chunk.Topics),
		fieldQuestions:  qdrant.NewValueString(chunk.Questions),
		fieldSummary:    qdrant.NewValueString(chunk.Summary),
		fieldCreatedAt:  qdrant.NewValueString(chunk.CreatedAt),
		fieldUpdatedAt:  qdrant.NewValueString(chunk.UpdatedAt),
	}
}

func payloadChunk(payload map[string]*qdrant.Value) Chunk {
	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	num := func(key string) int64 {
		if v, ok := payload[key]; ok {
			return v.GetIntegerValue()
		}
		return 0
	}
	return Chunk{
		ID:         str(fieldID),
		DocumentID: str(fieldDocumentID),
		TenantID:   str(fieldTenantID),
		ChunkIndex: num(fieldChunkIndex),
		Text:       str(fieldText),
		CharCount:  num(fieldCharCount),
		TokenCount: num(fieldTokenCount),
		Keywords:   str(fieldKeywords),
		Topics:     str(fieldTopics),
		Questions:  str(fieldQuestions),
		Summary:    str(fieldSummary),
		CreatedAt:  str(fieldCreatedAt),
		UpdatedAt:  str(fieldUpdatedAt),
	}
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
