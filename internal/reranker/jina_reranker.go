package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/search"
)

// DefaultJinaModel is the hosted reranking model used when none is configured.
const DefaultJinaModel = "jina-reranker-v2-base-multilingual"

// RerankClient is the slice of the LLM gateway the hosted backend uses.
type RerankClient interface {
	Rerank(ctx context.Context, query string, docs []string, topK int, model string) ([]gateway.RerankResult, error)
}

// JinaReranker scores candidates with a hosted Jina reranking model reached
// through the gateway.
type JinaReranker struct {
	client RerankClient
	model  string
	logger *slog.Logger
}

// JinaConfig configures a JinaReranker. Zero values select defaults.
type JinaConfig struct {
	Model  string
	Logger *slog.Logger
}

// NewJina creates a hosted reranker backend.
func NewJina(client RerankClient, config JinaConfig) *JinaReranker {
	if config.Model == "" {
		config.Model = DefaultJinaModel
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &JinaReranker{
		client: client,
		model:  config.Model,
		logger: config.Logger.With("component", "reranker"),
	}
}

// Rerank sends the candidates to the hosted model and maps the returned
// index/score pairs back onto them.
func (r *JinaReranker) Rerank(ctx context.Context, query string, candidates []search.Result, topN int) ([]ScoredResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > MaxDocuments {
		return nil, fmt.Errorf("too many candidates: %d (limit %d)", len(candidates), MaxDocuments)
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = documentText(c)
	}

	results, err := r.client.Rerank(ctx, query, docs, topN, r.model)
	if err != nil {
		return nil, fmt.Errorf("hosted rerank failed: %w", err)
	}

	scored := make([]ScoredResult, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			r.logger.Warn("reranker returned out-of-range index", "index", res.Index, "candidates", len(candidates))
			continue
		}
		scored = append(scored, ScoredResult{Result: candidates[res.Index], RerankerScore: res.Score})
	}

	// The provider already sorts and truncates, but the contract is enforced
	// locally so a sloppy response cannot leak through.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankerScore > scored[j].RerankerScore
	})
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return scored, nil
}

var _ Reranker = (*JinaReranker)(nil)
