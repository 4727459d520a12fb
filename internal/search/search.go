// Package search runs dense vector search over a collection and boosts
// raw similarity scores with chunk metadata matches. Boosting is additive
// and capped, so a strong vector match can never be displaced by metadata
// alone.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/knoguchi/ragstack/internal/embedder"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

const (
	// DefaultTopK is the result count when the request leaves it zero.
	DefaultTopK = 10

	// MaxTopK caps both the requested result count and the candidate
	// fetch from the vector store.
	MaxTopK = 100

	// DefaultMaxBoost caps the total additive metadata boost.
	DefaultMaxBoost = 0.50
)

// BoostWeights holds the per-field boost weights.
type BoostWeights struct {
	Questions float64 `json:"questions"`
	Keywords  float64 `json:"keywords"`
	Topics    float64 `json:"topics"`
	Summary   float64 `json:"summary"`
}

// DefaultBoostWeights favors question similarity, then exact keyword
// matches, with topics and summary coverage as weaker signals.
var DefaultBoostWeights = BoostWeights{
	Questions: 0.20,
	Keywords:  0.15,
	Topics:    0.10,
	Summary:   0.05,
}

func (w BoostWeights) isZero() bool {
	return w == BoostWeights{}
}

// MetadataMatch details which metadata fields contributed to the boost.
type MetadataMatch struct {
	KeywordsMatched    []string `json:"keywords_matched,omitempty"`
	TopicsMatched      []string `json:"topics_matched,omitempty"`
	QuestionSimilarity float64  `json:"question_similarity,omitempty"`
	SummaryCoverage    float64  `json:"summary_coverage,omitempty"`
}

// Result is one scored candidate. Score is the final rank key; VectorScore
// and MetadataBoost expose its two components.
type Result struct {
	Chunk           vectorstore.Chunk `json:"chunk"`
	Score           float64           `json:"score"`
	VectorScore     float64           `json:"vector_score"`
	MetadataBoost   float64           `json:"metadata_boost"`
	MetadataMatches MetadataMatch     `json:"metadata_matches"`
}

// Request describes one search.
type Request struct {
	Query          string
	Collection     string
	TenantID       string
	TopK           int
	MetadataBoost  bool
	Weights        *BoostWeights
	EmbeddingModel string
}

// Config configures a Searcher.
type Config struct {
	// Weights are the default boost weights; zero means
	// DefaultBoostWeights.
	Weights BoostWeights

	// MaxBoost caps the summed boost; zero means DefaultMaxBoost.
	MaxBoost float64

	Logger *slog.Logger
}

// Searcher embeds queries and searches the vector store.
type Searcher struct {
	store    vectorstore.Store
	embedder embedder.Embedder
	config   Config
	logger   *slog.Logger
}

// New creates a Searcher over the given store and embedder.
func New(store vectorstore.Store, embed embedder.Embedder, config Config) *Searcher {
	if config.Weights.isZero() {
		config.Weights = DefaultBoostWeights
	}
	if config.MaxBoost <= 0 {
		config.MaxBoost = DefaultMaxBoost
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Searcher{
		store:    store,
		embedder: embed,
		config:   config,
		logger:   logger.With("component", "search"),
	}
}

// Search embeds the query, fetches up to twice the requested candidates so
// boosting can reorder beyond the cut line, applies metadata boosts, and
// returns at most TopK results sorted by boosted score. Ties break on
// ascending chunk index.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query required")
	}
	if req.Collection == "" {
		return nil, fmt.Errorf("collection required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vec, err := s.embedder.Embed(ctx, req.Query, req.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fetchLimit := topK * 2
	if fetchLimit > MaxTopK {
		fetchLimit = MaxTopK
	}
	candidates, err := s.store.Search(ctx, req.Collection, vec, fetchLimit, vectorstore.Filter{TenantID: req.TenantID})
	if err != nil {
		return nil, err
	}

	weights := s.config.Weights
	if req.Weights != nil && !req.Weights.isZero() {
		weights = *req.Weights
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		r := Result{
			Chunk:       c.Chunk,
			Score:       float64(c.Score),
			VectorScore: float64(c.Score),
		}
		if req.MetadataBoost {
			boost, match := applyBoost(req.Query, c.Chunk, weights, s.config.MaxBoost)
			r.MetadataBoost = boost
			r.MetadataMatches = match
			r.Score += boost
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ChunkIndex < results[j].Chunk.ChunkIndex
	})
	if len(results) > topK {
		results = results[:topK]
	}

	s.logger.Debug("search complete",
		"collection", req.Collection,
		"candidates", len(candidates),
		"returned", len(results),
		"boost", req.MetadataBoost)
	return results, nil
}
