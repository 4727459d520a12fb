package vectorstore

import (
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSchema(t *testing.T) {
	schema := chunkSchema("docs", 1024, "")
	assert.Equal(t, "docs", schema.CollectionName)
	require.Len(t, schema.Fields, 14)

	byName := make(map[string]*entity.Field, len(schema.Fields))
	for _, f := range schema.Fields {
		byName[f.Name] = f
	}

	id, ok := byName[fieldID]
	require.True(t, ok)
	assert.True(t, id.PrimaryKey)
	assert.Equal(t, entity.FieldTypeVarChar, id.DataType)

	tenant, ok := byName[fieldTenantID]
	require.True(t, ok)
	assert.True(t, tenant.IsPartitionKey, "tenant_id must be the partition key")

	vector, ok := byName[fieldDenseVector]
	require.True(t, ok)
	assert.Equal(t, entity.FieldTypeFloatVector, vector.DataType)
	assert.Equal(t, "1024", vector.TypeParams[entity.TypeParamDim])

	for _, name := range []string{fieldKeywords, fieldTopics, fieldQuestions, fieldSummary} {
		f, ok := byName[name]
		require.True(t, ok, name)
		assert.Equal(t, entity.FieldTypeVarChar, f.DataType, name)
	}
}

func TestChunkColumns(t *testing.T) {
	chunks := []Chunk{
		{
			ID: "doc1_chunk_0000", DocumentID: "doc1", TenantID: "acme", ChunkIndex: 0,
			Text: "first", CharCount: 5, TokenCount: 1,
			DenseVector: []float32{0.1, 0.2}, Keywords: "k", Topics: "t", Questions: "q?", Summary: "s",
			CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		},
		{
			ID: "doc1_chunk_0001", DocumentID: "doc1", TenantID: "acme", ChunkIndex: 1,
			Text: "second", CharCount: 6, TokenCount: 1,
			DenseVector: []float32{0.3, 0.4},
		},
	}

	cols := chunkColumns(chunks, 2)
	require.Len(t, cols, 14)

	names := make(map[string]entity.Column, len(cols))
	for _, col := range cols {
		assert.Equal(t, 2, col.Len(), col.Name())
		names[col.Name()] = col
	}

	ids, ok := names[fieldID].(*entity.ColumnVarChar)
	require.True(t, ok)
	assert.Equal(t, []string{"doc1_chunk_0000", "doc1_chunk_0001"}, ids.Data())

	idx, ok := names[fieldChunkIndex].(*entity.ColumnInt64)
	require.True(t, ok)
	assert.Equal(t, []int64{0, 1}, idx.Data())

	vec, ok := names[fieldDenseVector].(*entity.ColumnFloatVector)
	require.True(t, ok)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vec.Data())
}
