// Package embedder turns text into dense vectors through the LLM gateway.
// It batches requests, bounds outbound concurrency, caches per (model, text),
// and L2-normalizes every vector so downstream inner-product search behaves
// like cosine similarity.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/ragstack/internal/gateway"
)

const (
	// DefaultBatchSize is the largest number of texts sent upstream in one
	// call; providers reject larger batches.
	DefaultBatchSize = 128

	// DefaultConcurrency caps in-flight embedding calls.
	DefaultConcurrency = 20

	// DefaultCacheSize bounds the embedding cache.
	DefaultCacheSize = 10000

	// DefaultCacheTTL bounds cache entry lifetime.
	DefaultCacheTTL = 2 * time.Hour
)

// Embedder is the interface consumed by ingestion and search.
type Embedder interface {
	// Embed returns the vector for a single text. An empty model selects
	// the configured default.
	Embed(ctx context.Context, text, model string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error)

	// Dimension reports the output dimension of a model.
	Dimension(model string) (int, error)

	// DefaultModel returns the configured default embedding model.
	DefaultModel() string
}

// Client is the slice of the gateway the embedder uses.
type Client interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
	HealthCheck(ctx context.Context) map[string]gateway.ProviderStatus
}

// Config configures a GatewayEmbedder.
type Config struct {
	// Model is the default embedding model.
	Model string

	// BatchSize caps texts per upstream call.
	BatchSize int

	// Concurrency caps parallel upstream calls.
	Concurrency int

	// CacheSize and CacheTTL bound the per-(model, text) vector cache.
	CacheSize int
	CacheTTL  time.Duration

	Logger *slog.Logger
}

// GatewayEmbedder implements Embedder on top of the LLM gateway.
type GatewayEmbedder struct {
	client    Client
	model     string
	batchSize int
	sem       chan struct{}
	cache     *expirable.LRU[string, []float32]
	logger    *slog.Logger
}

// New builds a GatewayEmbedder. Zero config values fall back to defaults.
func New(client Client, cfg Config) (*GatewayEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedder requires a default model")
	}
	if _, err := gateway.EmbeddingDimension(cfg.Model); err != nil {
		return nil, fmt.Errorf("invalid default embedding model: %w", err)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GatewayEmbedder{
		client:    client,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		sem:       make(chan struct{}, cfg.Concurrency),
		cache:     expirable.NewLRU[string, []float32](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    logger.With("component", "embedder"),
	}, nil
}

// DefaultModel returns the configured default embedding model.
func (e *GatewayEmbedder) DefaultModel() string {
	return e.model
}

// Dimension reports the output dimension of a model (default model if empty).
func (e *GatewayEmbedder) Dimension(model string) (int, error) {
	if model == "" {
		model = e.model
	}
	return gateway.EmbeddingDimension(model)
}

// Embed returns the vector for one text.
func (e *GatewayEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in input order. Cached texts are served from
// memory; the rest are fetched in batches of at most BatchSize, with at most
// Concurrency batches in flight.
func (e *GatewayEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = e.model
	}
	if _, err := gateway.EmbeddingDimension(model); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(vectorKey(model, text)); ok {
			vectors[i] = vec
		} else {
			missIdx = append(missIdx, i)
		}
	}
	if len(missIdx) == 0 {
		return vectors, nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missIdx); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]

		eg.Go(func() error {
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			batchTexts := make([]string, len(batch))
			for i, idx := range batch {
				batchTexts[i] = texts[idx]
			}

			fetched, err := e.client.Embed(ctx, batchTexts, model)
			if err != nil {
				return fmt.Errorf("failed to embed batch of %d texts: %w", len(batchTexts), err)
			}
			if len(fetched) != len(batchTexts) {
				return fmt.Errorf("embedding batch returned %d vectors for %d texts: %w",
					len(fetched), len(batchTexts), gateway.ErrInvalidResponse)
			}

			for i, idx := range batch {
				vec := fetched[i]
				normalize(vec)
				vectors[idx] = vec
				e.cache.Add(vectorKey(model, texts[idx]), vec)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Health summarizes provider reachability for the aggregated health
// endpoint.
type Health struct {
	Status    string                            `json:"status"`
	Providers map[string]gateway.ProviderStatus `json:"providers"`
}

// HealthCheck probes every configured provider through the gateway and
// rolls the results up: healthy when all answer, degraded when some do,
// unhealthy when none do.
func (e *GatewayEmbedder) HealthCheck(ctx context.Context) Health {
	providers := e.client.HealthCheck(ctx)

	connected := 0
	for _, status := range providers {
		if status.Connected {
			connected++
		}
	}

	status := "healthy"
	switch {
	case len(providers) == 0 || connected == 0:
		status = "unhealthy"
	case connected < len(providers):
		status = "degraded"
	}
	return Health{Status: status, Providers: providers}
}

// vectorKey builds the cache key for a (model, text) pair.
func vectorKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// normalize scales v to unit L2 norm in place. Zero vectors pass through.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// Ensure GatewayEmbedder implements Embedder.
var _ Embedder = (*GatewayEmbedder)(nil)
