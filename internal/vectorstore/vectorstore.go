// Package vectorstore owns the persistent chunk index. It exposes one Store
// facade with two backends: Milvus (primary, partition-key tenancy) and
// Qdrant (payload-filter tenancy).
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations. The HTTP layer maps these to status
// codes; backends wrap their transport errors into ErrStoreUnavailable.
var (
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrInvalidFilter      = errors.New("invalid filter")
	ErrStoreUnavailable   = errors.New("vector store unavailable")
)

// NumPartitions is the fixed partition count for new collections. Tenants
// map to partitions by a stable hash of tenant_id; Milvus does the hashing
// through its partition-key mechanism.
const NumPartitions = 256

// MaxTextLength bounds the text field in the store schema.
const MaxTextLength = 65535

// Chunk is the unit of storage and retrieval. Field names mirror the store
// schema; timestamps are ISO-8601 UTC strings as persisted.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	TenantID    string    `json:"tenant_id"`
	ChunkIndex  int64     `json:"chunk_index"`
	Text        string    `json:"text"`
	CharCount   int64     `json:"char_count"`
	TokenCount  int64     `json:"token_count"`
	DenseVector []float32 `json:"dense_vector,omitempty"`
	Keywords    string    `json:"keywords"`
	Topics      string    `json:"topics"`
	Questions   string    `json:"questions"`
	Summary     string    `json:"summary"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
}

// SearchResult pairs a stored chunk with its similarity score. The dense
// vector is not fetched back on search.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// CollectionInfo describes a collection's schema and size.
type CollectionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Dimension   int      `json:"dimension"`
	Count       int64    `json:"count"`
	Fields      []string `json:"fields"`
}

// Filter selects chunks by equality on document and tenant. A zero Filter
// matches everything; tenant-scoped searches set TenantID so backends can
// restrict work to a single partition.
type Filter struct {
	DocumentID string
	TenantID   string
}

// IsZero reports whether the filter matches all chunks.
func (f Filter) IsZero() bool {
	return f.DocumentID == "" && f.TenantID == ""
}

// Validate rejects filter values that cannot be safely embedded in a store
// expression.
func (f Filter) Validate() error {
	for _, v := range []string{f.DocumentID, f.TenantID} {
		if strings.ContainsAny(v, `"'\n`) {
			return fmt.Errorf("filter value %q contains quoting characters: %w", v, ErrInvalidFilter)
		}
	}
	return nil
}

// Expr renders the filter as a boolean expression in Milvus syntax.
func (f Filter) Expr() string {
	var parts []string
	if f.DocumentID != "" {
		parts = append(parts, fmt.Sprintf(`document_id == %q`, f.DocumentID))
	}
	if f.TenantID != "" {
		parts = append(parts, fmt.Sprintf(`tenant_id == %q`, f.TenantID))
	}
	return strings.Join(parts, " and ")
}

// Store is the facade over the vector database. Implementations must be
// safe for concurrent use.
type Store interface {
	// CreateCollection creates an empty collection with a fixed dimension.
	// Fails with ErrCollectionExists if the name is taken.
	CreateCollection(ctx context.Context, name string, dimension int, description string) error

	// DeleteCollection drops a collection and everything in it.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// DescribeCollection returns schema and row count for a collection.
	DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error)

	// Insert stores chunks. With createIfMissing, a missing collection is
	// created using the first chunk's vector length as its dimension.
	// Inserted data becomes visible within bounded latency; Insert does
	// not flush. Returns the number of chunks written.
	Insert(ctx context.Context, collection string, chunks []Chunk, createIfMissing bool) (int, error)

	// DeleteByFilter removes all chunks matching the filter and returns how
	// many were removed. Deletes are visible once the call returns.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) (int64, error)

	// Update replaces the chunks matched by filter with the given chunks.
	// It is delete plus insert; there is no in-place vector update.
	Update(ctx context.Context, collection string, filter Filter, chunks []Chunk) (int, error)

	// Search returns the topK nearest chunks by inner product, optionally
	// restricted by filter. Results come back best-first.
	Search(ctx context.Context, collection string, queryVector []float32, topK int, filter Filter) ([]SearchResult, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// checkVectors verifies every chunk carries a vector of the same length and
// returns that length.
func checkVectors(chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	dim := len(chunks[0].DenseVector)
	if dim == 0 {
		return 0, fmt.Errorf("chunk %s has no dense vector: %w", chunks[0].ID, ErrDimensionMismatch)
	}
	for _, c := range chunks[1:] {
		if len(c.DenseVector) != dim {
			return 0, fmt.Errorf("chunk %s has dimension %d, want %d: %w",
				c.ID, len(c.DenseVector), dim, ErrDimensionMismatch)
		}
	}
	return dim, nil
}
