// Package retrieval composes the query-side pipeline. Intent
// classification runs concurrently with vector search; candidates then
// flow through reranking, optional contextual compression, and answer
// generation. Rerank and compression failures degrade to passthrough, so
// a retrieval fails outright only when search or answer generation does.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/knoguchi/ragstack/internal/answer"
	"github.com/knoguchi/ragstack/internal/compressor"
	"github.com/knoguchi/ragstack/internal/intent"
	"github.com/knoguchi/ragstack/internal/reranker"
	"github.com/knoguchi/ragstack/internal/search"
	"github.com/knoguchi/ragstack/internal/stage"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

const (
	DefaultSearchTopK       = 10
	DefaultRerankTopK       = 3
	DefaultMaxContextChunks = 3
	DefaultTimeout          = 30 * time.Second
	DefaultIntentTimeout    = 30 * time.Second
	DefaultMaxConcurrent    = 20
)

// NoResultsAnswer is returned with success=false when search yields no
// candidates to ground an answer on.
const NoResultsAnswer = "I couldn't find any relevant information to answer your question."

var (
	// ErrSearchStage marks a fatal search failure; without candidates the
	// request cannot proceed.
	ErrSearchStage = errors.New("search stage failed")

	// ErrAnswerStage marks a fatal answer-generation failure after the
	// earlier stages completed.
	ErrAnswerStage = errors.New("answer stage failed")
)

// Searcher runs the candidate-retrieval stage.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

// Classifier analyzes query intent. It runs concurrently with search and
// its result is consumed best-effort at answer time.
type Classifier interface {
	Classify(ctx context.Context, query, tenantID string) (*intent.Intent, error)
}

// Compressor condenses chunk texts against the query.
type Compressor interface {
	Compress(ctx context.Context, req compressor.Request) ([]compressor.Compressed, error)
}

// Generator produces the grounded answer.
type Generator interface {
	Generate(ctx context.Context, req answer.Request) (*answer.Response, error)
}

// Request is one retrieval call. Zero values select configured defaults;
// the pointer toggles default to enabled when absent.
type Request struct {
	Query            string `json:"query"`
	Collection       string `json:"collection_name"`
	TenantID         string `json:"tenant_id,omitempty"`
	SearchTopK       int    `json:"search_top_k,omitempty"`
	RerankTopK       int    `json:"rerank_top_k,omitempty"`
	MaxContextChunks int    `json:"max_context_chunks,omitempty"`

	EnableReranking   *bool   `json:"enable_reranking,omitempty"`
	EnableCompression bool    `json:"enable_compression,omitempty"`
	CompressionRatio  float64 `json:"compression_ratio,omitempty"`
	ScoreThreshold    float64 `json:"score_threshold,omitempty"`
	MetadataBoost     *bool   `json:"use_metadata_boost,omitempty"`

	Model           string  `json:"model,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
	ResponseStyle   string  `json:"response_style,omitempty"`
	EnableCitations *bool   `json:"enable_citations,omitempty"`
	NoCache         bool    `json:"no_cache,omitempty"`
}

// Response is the retrieval outcome with per-stage reports. Success is
// false when search found nothing; fatal stage errors surface as errors
// instead.
type Response struct {
	Success            bool                    `json:"success"`
	Query              string                  `json:"query"`
	Collection         string                  `json:"collection_name"`
	TenantID           string                  `json:"tenant_id"`
	Answer             string                  `json:"answer"`
	Citations          []answer.Citation       `json:"citations,omitempty"`
	ContextChunks      []answer.ContextChunk   `json:"context_chunks,omitempty"`
	Stages             map[string]stage.Report `json:"stages"`
	TotalTimeMS        int64                   `json:"total_time_ms"`
	SearchResultsCount int                     `json:"search_results_count"`
	RerankedCount      int                     `json:"reranked_count"`
	CompressedCount    int                     `json:"compressed_count"`
	ContextCount       int                     `json:"context_count"`
	Timestamp          string                  `json:"timestamp"`
}

// Config configures an Orchestrator. Zero values select defaults.
type Config struct {
	// SearchTopK is the candidate count when the request leaves it unset.
	SearchTopK int

	// RerankTopK is the post-rerank count when the request leaves it unset.
	RerankTopK int

	// MaxContextChunks bounds the chunks handed to answer generation.
	MaxContextChunks int

	// Timeout bounds one full retrieval including any wait for a slot.
	Timeout time.Duration

	// IntentTimeout bounds the concurrent classification call.
	IntentTimeout time.Duration

	// MaxConcurrent caps simultaneous retrievals; excess callers wait up
	// to the request deadline.
	MaxConcurrent int64

	Logger *slog.Logger
}

// Orchestrator runs the retrieval pipeline. The reranker, compressor, and
// classifier are optional; their stages report skipped when absent.
type Orchestrator struct {
	searcher   Searcher
	reranker   reranker.Reranker
	compressor Compressor
	generator  Generator
	classifier Classifier
	config     Config
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// New creates an Orchestrator over the given collaborators.
func New(searcher Searcher, rr reranker.Reranker, comp Compressor, gen Generator, cls Classifier, config Config) *Orchestrator {
	if config.SearchTopK <= 0 {
		config.SearchTopK = DefaultSearchTopK
	}
	if config.RerankTopK <= 0 {
		config.RerankTopK = DefaultRerankTopK
	}
	if config.MaxContextChunks <= 0 {
		config.MaxContextChunks = DefaultMaxContextChunks
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.IntentTimeout <= 0 {
		config.IntentTimeout = DefaultIntentTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		searcher:   searcher,
		reranker:   rr,
		compressor: comp,
		generator:  gen,
		classifier: cls,
		config:     config,
		sem:        semaphore.NewWeighted(config.MaxConcurrent),
		logger:     logger.With("component", "retrieval"),
	}
}

type intentOutcome struct {
	result  *intent.Intent
	err     error
	elapsed time.Duration
}

// Retrieve answers a query against a collection. Search and answer
// failures fail the call; rerank and compression failures degrade to
// passing their input through. Intent classification is applied only if
// it finished before answer generation starts.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}
	if req.Collection == "" {
		return nil, errors.New("collection name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("no retrieval slot before deadline: %w", err)
	}
	defer o.sem.Release(1)

	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	searchTopK := req.SearchTopK
	if searchTopK <= 0 {
		searchTopK = o.config.SearchTopK
	}
	rerankTopK := req.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = o.config.RerankTopK
	}
	maxContext := req.MaxContextChunks
	if maxContext <= 0 {
		maxContext = o.config.MaxContextChunks
	}

	var intentCh chan intentOutcome
	if o.classifier != nil {
		intentCh = make(chan intentOutcome, 1)
		go func() {
			ictx, icancel := context.WithTimeout(ctx, o.config.IntentTimeout)
			defer icancel()
			t0 := time.Now()
			result, err := o.classifier.Classify(ictx, req.Query, tenant)
			intentCh <- intentOutcome{result: result, err: err, elapsed: time.Since(t0)}
		}()
	}

	stages := make(map[string]stage.Report, 5)

	boost := req.MetadataBoost == nil || *req.MetadataBoost
	searchStart := time.Now()
	results, err := o.searcher.Search(ctx, search.Request{
		Query:         req.Query,
		Collection:    req.Collection,
		TenantID:      tenant,
		TopK:          searchTopK,
		MetadataBoost: boost,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchStage, err)
	}
	stages[stage.Search] = stage.OK(searchStart, map[string]any{
		"results_count":  len(results),
		"top_k":          searchTopK,
		"metadata_boost": boost,
	})

	if len(results) == 0 {
		o.logger.Info("no search results",
			"collection", req.Collection,
			"tenant", tenant)
		return o.noContextResponse(req, tenant, stages, start), nil
	}

	chunkByID := make(map[string]vectorstore.Chunk, len(results))
	for _, r := range results {
		chunkByID[r.Chunk.ID] = r.Chunk
	}

	var reranked []reranker.ScoredResult
	if rerankOn := req.EnableReranking == nil || *req.EnableReranking; rerankOn && o.reranker != nil {
		rerankStart := time.Now()
		scored, err := o.reranker.Rerank(ctx, req.Query, results, rerankTopK)
		if err != nil {
			o.logger.Warn("reranking degraded to vector order", "error", err)
			reranked = reranker.Passthrough(results, rerankTopK)
			stages[stage.Reranking] = stage.Degraded(rerankStart, err, map[string]any{
				"input_count":  len(results),
				"output_count": len(reranked),
			})
		} else {
			reranked = scored
			stages[stage.Reranking] = stage.OK(rerankStart, map[string]any{
				"input_count":  len(results),
				"output_count": len(reranked),
				"top_k":        rerankTopK,
			})
		}
	} else {
		reranked = reranker.Passthrough(results, rerankTopK)
		stages[stage.Reranking] = stage.Disabled("reranking disabled")
	}

	type piece struct {
		id   string
		text string
	}
	pieces := make([]piece, 0, len(reranked))

	if req.EnableCompression && o.compressor != nil {
		compStart := time.Now()
		chunks := make([]compressor.Chunk, len(reranked))
		for i, r := range reranked {
			chunks[i] = compressor.Chunk{
				ID:      r.Chunk.ID,
				Text:    r.Chunk.Text,
				Summary: r.Chunk.Summary,
				Score:   r.RerankerScore,
			}
		}
		out, err := o.compressor.Compress(ctx, compressor.Request{
			Query:          req.Query,
			Chunks:         chunks,
			Ratio:          req.CompressionRatio,
			ScoreThreshold: req.ScoreThreshold,
		})
		if err != nil {
			o.logger.Warn("compression degraded to original chunks", "error", err)
			for _, r := range reranked {
				pieces = append(pieces, piece{id: r.Chunk.ID, text: r.Chunk.Text})
			}
			stages[stage.Compression] = stage.Degraded(compStart, err, map[string]any{
				"input_count": len(chunks),
			})
		} else {
			var origLen, compLen int
			for _, c := range out {
				pieces = append(pieces, piece{id: c.ID, text: c.CompressedText})
				origLen += c.OriginalLength
				compLen += c.CompressedLength
			}
			meta := map[string]any{
				"input_count":  len(chunks),
				"output_count": len(out),
			}
			if origLen > 0 {
				meta["compression_ratio"] = math.Round(float64(compLen)/float64(origLen)*1000) / 1000
			}
			stages[stage.Compression] = stage.OK(compStart, meta)
		}
	} else {
		for _, r := range reranked {
			pieces = append(pieces, piece{id: r.Chunk.ID, text: r.Chunk.Text})
		}
		stages[stage.Compression] = stage.Disabled("compression disabled")
	}
	compressedCount := len(pieces)

	if len(pieces) == 0 {
		o.logger.Info("compression dropped every chunk as irrelevant",
			"collection", req.Collection)
		resp := o.noContextResponse(req, tenant, stages, start)
		resp.SearchResultsCount = len(results)
		resp.RerankedCount = len(reranked)
		return resp, nil
	}

	var detected *intent.Intent
	if intentCh == nil {
		stages[stage.IntentDetection] = stage.Disabled("intent detection disabled")
	} else {
		select {
		case out := <-intentCh:
			if out.err != nil {
				o.logger.Warn("intent classification failed, using defaults", "error", out.err)
				stages[stage.IntentDetection] = stage.Report{
					TimeMS: out.elapsed.Milliseconds(),
					Error:  out.err.Error(),
				}
			} else {
				detected = out.result
				meta := map[string]any{
					"intent":                 detected.Intent,
					"language":               detected.Language,
					"complexity":             detected.Complexity,
					"confidence":             detected.Confidence,
					"recommended_model":      detected.RecommendedModel,
					"recommended_max_tokens": detected.RecommendedMaxTokens,
					"response_style":         detected.ResponseStyle,
				}
				if detected.Fallback {
					meta["fallback"] = true
				}
				stages[stage.IntentDetection] = stage.Report{
					TimeMS:   out.elapsed.Milliseconds(),
					Success:  true,
					Metadata: meta,
				}
			}
		default:
			o.logger.Info("intent not ready before answer stage, using defaults")
			stages[stage.IntentDetection] = stage.Disabled("classification still running at answer start")
		}
	}

	if len(pieces) > maxContext {
		pieces = pieces[:maxContext]
	}
	ctxChunks := make([]answer.ContextChunk, len(pieces))
	for i, p := range pieces {
		cc := answer.ContextChunk{ChunkID: p.id, Text: p.text}
		if ch, ok := chunkByID[p.id]; ok {
			cc.DocumentID = ch.DocumentID
			cc.Topics = ch.Topics
			cc.Keywords = ch.Keywords
			cc.Questions = ch.Questions
			cc.Summary = ch.Summary
		}
		ctxChunks[i] = cc
	}

	citations := req.EnableCitations == nil || *req.EnableCitations
	answerStart := time.Now()
	gen, err := o.generator.Generate(ctx, answer.Request{
		Query:           req.Query,
		Chunks:          ctxChunks,
		Intent:          detected,
		Model:           req.Model,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		ResponseStyle:   req.ResponseStyle,
		EnableCitations: citations,
		NoCache:         req.NoCache,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnswerStage, err)
	}
	stages[stage.Answer] = stage.OK(answerStart, map[string]any{
		"context_chunks":  len(ctxChunks),
		"citations":       len(gen.Citations),
		"model_used":      gen.ModelUsed,
		"model_requested": req.Model,
		"tokens_used":     gen.TokensUsed,
		"cache_hit":       gen.CacheHit,
	})

	total := time.Since(start).Milliseconds()
	o.logger.Info("retrieval complete",
		"collection", req.Collection,
		"tenant", tenant,
		"search_results", len(results),
		"context_chunks", len(ctxChunks),
		"cache_hit", gen.CacheHit,
		"total_ms", total)

	return &Response{
		Success:            true,
		Query:              req.Query,
		Collection:         req.Collection,
		TenantID:           tenant,
		Answer:             gen.Answer,
		Citations:          gen.Citations,
		ContextChunks:      ctxChunks,
		Stages:             stages,
		TotalTimeMS:        total,
		SearchResultsCount: len(results),
		RerankedCount:      len(reranked),
		CompressedCount:    compressedCount,
		ContextCount:       len(ctxChunks),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// noContextResponse is the terminal response when nothing survives to
// ground an answer. It is a successful call reporting an unsuccessful
// retrieval.
func (o *Orchestrator) noContextResponse(req Request, tenant string, stages map[string]stage.Report, start time.Time) *Response {
	return &Response{
		Success:     false,
		Query:       req.Query,
		Collection:  req.Collection,
		TenantID:    tenant,
		Answer:      NoResultsAnswer,
		Stages:      stages,
		TotalTimeMS: time.Since(start).Milliseconds(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
