package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/ingestion"
	"github.com/knoguchi/ragstack/internal/retrieval"
	"github.com/knoguchi/ragstack/internal/search"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

// ingestRequest is the wire form of an ingest. The generate flags
// default to true when omitted, matching the pipeline's usual mode.
type ingestRequest struct {
	Text           string `json:"text"`
	DocumentID     string `json:"document_id,omitempty"`
	CollectionName string `json:"collection_name,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`

	ChunkingMethod  string   `json:"chunking_method,omitempty"`
	MaxChunkSize    int      `json:"max_chunk_size,omitempty"`
	ChunkOverlap    int      `json:"chunk_overlap,omitempty"`
	Separators      []string `json:"separators,omitempty"`
	MarkdownHeaders []string `json:"markdown_headers,omitempty"`

	GenerateMetadata *bool  `json:"generate_metadata,omitempty"`
	KeywordsCount    string `json:"keywords_count,omitempty"`
	TopicsCount      string `json:"topics_count,omitempty"`
	QuestionsCount   string `json:"questions_count,omitempty"`
	SummaryLength    string `json:"summary_length,omitempty"`

	GenerateEmbeddings *bool  `json:"generate_embeddings,omitempty"`
	EmbeddingModel     string `json:"embedding_model,omitempty"`

	StorageMode string `json:"storage_mode,omitempty"`
}

func (r ingestRequest) toPipeline() ingestion.IngestRequest {
	return ingestion.IngestRequest{
		Text:            r.Text,
		DocumentID:      r.DocumentID,
		CollectionName:  r.CollectionName,
		TenantID:        r.TenantID,
		ChunkingMethod:  r.ChunkingMethod,
		MaxChunkSize:    r.MaxChunkSize,
		ChunkOverlap:    r.ChunkOverlap,
		Separators:      r.Separators,
		MarkdownHeaders: r.MarkdownHeaders,

		GenerateMetadata: r.GenerateMetadata == nil || *r.GenerateMetadata,
		Metadata: ingestion.ExtractOptions{
			KeywordsCount:  r.KeywordsCount,
			TopicsCount:    r.TopicsCount,
			QuestionsCount: r.QuestionsCount,
			SummaryLength:  r.SummaryLength,
		},

		GenerateEmbeddings: r.GenerateEmbeddings == nil || *r.GenerateEmbeddings,
		EmbeddingModel:     r.EmbeddingModel,

		StorageMode: r.StorageMode,
	}
}

type ingestResponse struct {
	Success bool `json:"success"`
	ingestion.IngestResult
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.runIngest(w, r, req)
}

// handleUpdateDocument replaces a document under the ID from the URL.
// The body is an ingest request whose document_id, if present, is
// ignored in favor of the path parameter.
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.DocumentID = chi.URLParam(r, "id")

	s.runIngest(w, r, req)
}

// runIngest applies the shared concurrency cap and deadline, then hands
// the request to the pipeline. The wait for a slot counts against the
// ingest deadline.
func (s *Server) runIngest(w http.ResponseWriter, r *http.Request, req ingestRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), s.ingestTimeout)
	defer cancel()

	if err := s.ingestSem.Acquire(ctx, 1); err != nil {
		s.respondError(w, r, unavailable("no ingest slot before deadline: %v", err))
		return
	}
	defer s.ingestSem.Release(1)

	result, err := s.svc.Pipeline.Ingest(ctx, req.toPipeline())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ingestResponse{Success: true, IngestResult: *result})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	collection := r.URL.Query().Get("collection_name")
	if collection == "" {
		s.respondError(w, r, badRequest("collection_name query parameter is required"))
		return
	}

	filter := vectorstore.Filter{
		DocumentID: documentID,
		TenantID:   r.URL.Query().Get("tenant_id"),
	}
	deleted, err := s.svc.Store.DeleteByFilter(r.Context(), collection, filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"document_id":   documentID,
		"deleted_count": deleted,
	})
}

type createCollectionRequest struct {
	CollectionName string `json:"collection_name"`
	Dimension      int    `json:"dimension"`
	Description    string `json:"description,omitempty"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.CollectionName == "" {
		s.respondError(w, r, badRequest("collection_name is required"))
		return
	}
	if req.Dimension <= 0 {
		s.respondError(w, r, badRequest("dimension must be positive"))
		return
	}

	if err := s.svc.Store.CreateCollection(r.Context(), req.CollectionName, req.Dimension, req.Description); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"collection_name": req.CollectionName,
		"dimension":       req.Dimension,
	})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.Store.ListCollections(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"collections": names,
		"count":       len(names),
	})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.svc.Store.DeleteCollection(r.Context(), name); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"collection_name": name,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Query == "" {
		s.respondError(w, r, badRequest("query is required"))
		return
	}
	if req.Collection == "" {
		s.respondError(w, r, badRequest("collection_name is required"))
		return
	}

	resp, err := s.svc.Retriever.Retrieve(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query            string `json:"query"`
	CollectionName   string `json:"collection_name"`
	TenantID         string `json:"tenant_id,omitempty"`
	TopK             int    `json:"top_k,omitempty"`
	UseMetadataBoost *bool  `json:"use_metadata_boost,omitempty"`
	EmbeddingModel   string `json:"embedding_model,omitempty"`
}

type searchResponse struct {
	Success        bool            `json:"success"`
	Query          string          `json:"query"`
	CollectionName string          `json:"collection_name"`
	TenantID       string          `json:"tenant_id"`
	Results        []search.Result `json:"results"`
	Count          int             `json:"count"`
	SearchTimeMS   int64           `json:"search_time_ms"`
}

// handleSearch runs boosted vector search without reranking, compression
// or answer generation.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Query == "" {
		s.respondError(w, r, badRequest("query is required"))
		return
	}
	if req.CollectionName == "" {
		s.respondError(w, r, badRequest("collection_name is required"))
		return
	}
	if req.TopK <= 0 {
		req.TopK = retrieval.DefaultSearchTopK
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	start := time.Now()
	results, err := s.svc.Searcher.Search(r.Context(), search.Request{
		Query:          req.Query,
		Collection:     req.CollectionName,
		TenantID:       req.TenantID,
		TopK:           req.TopK,
		MetadataBoost:  req.UseMetadataBoost == nil || *req.UseMetadataBoost,
		EmbeddingModel: req.EmbeddingModel,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}

	s.respondJSON(w, http.StatusOK, searchResponse{
		Success:        true,
		Query:          req.Query,
		CollectionName: req.CollectionName,
		TenantID:       req.TenantID,
		Results:        results,
		Count:          len(results),
		SearchTimeMS:   time.Since(start).Milliseconds(),
	})
}

type intentRequest struct {
	Query    string `json:"query"`
	TenantID string `json:"tenant_id,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.svc.Classifier == nil {
		s.respondError(w, r, unavailable("intent detection is not configured"))
		return
	}

	var req intentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Query == "" {
		s.respondError(w, r, badRequest("query is required"))
		return
	}

	result, err := s.svc.Classifier.Classify(r.Context(), req.Query, req.TenantID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleIntentStats(w http.ResponseWriter, r *http.Request) {
	if s.svc.QueryLog == nil {
		s.respondError(w, r, unavailable("query logging is not configured"))
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.respondError(w, r, badRequest("hours must be a positive integer"))
			return
		}
		hours = parsed
	}

	stats, err := s.svc.QueryLog.Stats(hours)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.Gateway.CacheStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.svc.Gateway.ClearCache()
	s.logger.Info("gateway cache cleared", "entries_removed", cleared)

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"entries_removed": cleared,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := gateway.Models()

	s.respondJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}
