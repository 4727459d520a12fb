// Package gateway is the single entry point for all outbound LLM traffic.
// It maps model identifiers to providers, pools HTTP connections, caches
// completions, enforces a global rate budget, and retries transient upstream
// failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCacheTTL bounds how long a cached completion stays valid.
	DefaultCacheTTL = 2 * time.Hour

	// DefaultCacheSize bounds the number of cached completions.
	DefaultCacheSize = 10000

	// DefaultMaxInflight caps concurrent outbound provider calls.
	DefaultMaxInflight = 50

	// DefaultRequestTimeout bounds a single provider call.
	DefaultRequestTimeout = 60 * time.Second

	// healthProbeTimeout is the standard per-provider health budget.
	healthProbeTimeout = 2 * time.Second
)

// retryBackoff holds the delays between retry attempts for transient
// upstream failures (rate limits, timeouts).
var retryBackoff = []time.Duration{250 * time.Millisecond, 750 * time.Millisecond}

// Config configures the gateway. Zero values fall back to the defaults
// above; providers with an empty API key are left unconfigured and any
// request routed to them fails with ErrProviderUnavailable.
type Config struct {
	NebiusBaseURL    string
	NebiusAPIKey     string
	SambaNovaBaseURL string
	SambaNovaAPIKey  string
	JinaBaseURL      string
	JinaAPIKey       string

	CacheTTL       time.Duration
	CacheSize      int
	CacheDisabled  bool
	MaxInflight    int64
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion call.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`

	// NoCache bypasses the response cache for this call.
	NoCache bool `json:"no_cache,omitempty"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the gateway's answer to a CompletionRequest. Cached
// responses are identical to live ones except for Cached, CacheAgeSeconds,
// and latency.
type CompletionResponse struct {
	Content          string  `json:"content"`
	Model            string  `json:"model"`
	Usage            Usage   `json:"usage"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	ResponseTimeMS   float64 `json:"response_time_ms"`
	Cached           bool    `json:"cached"`
	CacheAgeSeconds  float64 `json:"cache_age_seconds,omitempty"`
}

// RerankResult scores one input document; Index refers to the caller's
// document slice.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// ProviderStatus reports reachability of one provider.
type ProviderStatus struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// UsageStats accumulates gateway-wide consumption since start.
type UsageStats struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Gateway routes completion, embedding, and rerank calls to the configured
// providers. All methods are safe for concurrent use.
type Gateway struct {
	clients  map[Provider]*openai.Client
	jina     *jinaClient
	cache    *responseCache
	cacheOff bool
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	usage UsageStats
}

// New builds a Gateway from cfg. Clients for all providers with an API key
// share one pooled transport (see newTransport).
func New(cfg Config) *Gateway {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	transport := newTransport()
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	clients := make(map[Provider]*openai.Client)
	if cfg.NebiusAPIKey != "" {
		clients[ProviderNebius] = newOpenAIClient(cfg.NebiusBaseURL, cfg.NebiusAPIKey, httpClient)
	}
	if cfg.SambaNovaAPIKey != "" {
		clients[ProviderSambaNova] = newOpenAIClient(cfg.SambaNovaBaseURL, cfg.SambaNovaAPIKey, httpClient)
	}

	var jc *jinaClient
	if cfg.JinaAPIKey != "" {
		clients[ProviderJina] = newOpenAIClient(cfg.JinaBaseURL, cfg.JinaAPIKey, httpClient)
		jc = newJinaClient(cfg.JinaBaseURL, cfg.JinaAPIKey, httpClient)
	}

	return &Gateway{
		clients:  clients,
		jina:     jc,
		cache:    newResponseCache(cfg.CacheSize, cfg.CacheTTL),
		cacheOff: cfg.CacheDisabled,
		sem:      semaphore.NewWeighted(cfg.MaxInflight),
		timeout:  cfg.RequestTimeout,
		logger:   logger,
	}
}

// newTransport builds the shared connection pool. The sizing assumes many
// concurrent requests fanning out to a handful of provider hosts.
func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 200,
		IdleConnTimeout:     60 * time.Second,
	}
}

func newOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimSuffix(baseURL, "/")
	clientConfig.HTTPClient = httpClient
	return openai.NewClientWithConfig(clientConfig)
}

// completionTuple is the canonical cache key input for Complete.
type completionTuple struct {
	Model       string    `json:"model"`
	Temperature float32   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

// Complete runs a chat completion against the model's provider. Identical
// requests within the cache TTL are served from memory.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	info, err := ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if info.Kind != KindChat {
		return nil, fmt.Errorf("model %q is not a chat model: %w", req.Model, ErrModelUnknown)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("completion request has no messages: %w", ErrInvalidResponse)
	}

	key := cacheKey(completionTuple{Model: req.Model, Temperature: req.Temperature, Messages: req.Messages})
	if !req.NoCache && !g.cacheOff {
		if entry, ok := g.cache.get(key); ok {
			return &CompletionResponse{
				Content:          entry.content,
				Model:            entry.model,
				Usage:            Usage{PromptTokens: entry.promptTokens, CompletionTokens: entry.completionTokens, TotalTokens: entry.promptTokens + entry.completionTokens},
				EstimatedCostUSD: estimateCost(info, entry.promptTokens, entry.completionTokens),
				ResponseTimeMS:   msSince(start),
				Cached:           true,
				CacheAgeSeconds:  time.Since(entry.storedAt).Seconds(),
			}, nil
		}
	}

	client, err := g.client(info.Provider)
	if err != nil {
		return nil, err
	}

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	oaReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		oaReq.Messages = append(oaReq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	var resp openai.ChatCompletionResponse
	err = g.withRetry(ctx, info.Provider, "complete", func(callCtx context.Context) error {
		var callErr error
		resp, callErr = client.CreateChatCompletion(callCtx, oaReq)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion from %s returned no choices: %w", info.Provider, ErrInvalidResponse)
	}

	content := resp.Choices[0].Message.Content
	if info.Reasoning {
		content = StripReasoning(content)
	}

	cost := estimateCost(info, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	g.record(int64(resp.Usage.TotalTokens), cost)

	if !g.cacheOff {
		g.cache.put(key, cachedCompletion{
			content:          content,
			model:            resp.Model,
			promptTokens:     resp.Usage.PromptTokens,
			completionTokens: resp.Usage.CompletionTokens,
		})
	}

	return &CompletionResponse{
		Content:          content,
		Model:            resp.Model,
		Usage:            Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
		EstimatedCostUSD: cost,
		ResponseTimeMS:   msSince(start),
	}, nil
}

// Embed fetches dense vectors for texts from the embedding model's provider.
// Vectors come back in input order regardless of provider response order.
func (g *Gateway) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	info, err := ResolveModel(model)
	if err != nil {
		return nil, err
	}
	if info.Kind != KindEmbedding {
		return nil, fmt.Errorf("model %q is not an embedding model: %w", model, ErrModelUnknown)
	}

	client, err := g.client(info.Provider)
	if err != nil {
		return nil, err
	}

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	var resp openai.EmbeddingResponse
	err = g.withRetry(ctx, info.Provider, "embed", func(callCtx context.Context) error {
		var callErr error
		resp, callErr = client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(model),
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response from %s has %d vectors for %d inputs: %w",
			info.Provider, len(resp.Data), len(texts), ErrInvalidResponse)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range: %w", item.Index, ErrInvalidResponse)
		}
		vectors[item.Index] = item.Embedding
	}

	g.record(int64(resp.Usage.TotalTokens), estimateCost(info, resp.Usage.PromptTokens, 0))
	return vectors, nil
}

// Rerank scores docs against query using a hosted rerank model and returns
// the topK most relevant, best first.
func (g *Gateway) Rerank(ctx context.Context, query string, docs []string, topK int, model string) ([]RerankResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	info, err := ResolveModel(model)
	if err != nil {
		return nil, err
	}
	if info.Kind != KindRerank {
		return nil, fmt.Errorf("model %q is not a rerank model: %w", model, ErrModelUnknown)
	}
	if g.jina == nil {
		return nil, fmt.Errorf("jina provider not configured: %w", ErrProviderUnavailable)
	}

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	var results []RerankResult
	err = g.withRetry(ctx, info.Provider, "rerank", func(callCtx context.Context) error {
		var callErr error
		results, callErr = g.jina.rerank(callCtx, model, query, docs, topK)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// HealthCheck probes every configured provider concurrently with a 2 s
// budget each and reports per-provider reachability.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]ProviderStatus {
	var mu sync.Mutex
	statuses := make(map[string]ProviderStatus)

	eg, ctx := errgroup.WithContext(ctx)
	for provider, client := range g.clients {
		eg.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()

			start := time.Now()
			status := ProviderStatus{Connected: true}
			if err := probeProvider(probeCtx, provider, client, g.jina); err != nil {
				status.Connected = false
				status.Error = err.Error()
			}
			status.LatencyMS = msSince(start)

			mu.Lock()
			statuses[string(provider)] = status
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return statuses
}

// probeProvider issues the cheapest request each provider supports. Jina has
// no model listing; any HTTP response from its endpoint counts as reachable.
func probeProvider(ctx context.Context, provider Provider, client *openai.Client, jina *jinaClient) error {
	if provider == ProviderJina && jina != nil {
		return jina.ping(ctx)
	}
	_, err := client.ListModels(ctx)
	return err
}

// CacheStats exposes response cache counters for the introspection endpoint.
func (g *Gateway) CacheStats() CacheStats {
	return g.cache.stats()
}

// ClearCache drops all cached responses and returns how many were evicted.
func (g *Gateway) ClearCache() int {
	n := g.cache.clear()
	g.logger.Info("response cache cleared", "entries_removed", n)
	return n
}

// Stats returns accumulated usage since the gateway started.
func (g *Gateway) Stats() UsageStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

func (g *Gateway) record(tokens int64, cost float64) {
	g.mu.Lock()
	g.usage.TotalRequests++
	g.usage.TotalTokens += tokens
	g.usage.EstimatedCostUSD += cost
	g.mu.Unlock()
}

func (g *Gateway) client(provider Provider) (*openai.Client, error) {
	client, ok := g.clients[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured: %w", provider, ErrProviderUnavailable)
	}
	return client, nil
}

// acquire takes one slot of the global rate budget, waiting up to the
// request deadline.
func (g *Gateway) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("rate budget exhausted before deadline: %w", ErrGatewayBusy)
	}
	return nil
}

// withRetry runs call and retries transient failures (rate limits, upstream
// timeouts) with the fixed backoff schedule. Permanent failures and context
// cancellation return immediately.
func (g *Gateway) withRetry(ctx context.Context, provider Provider, op string, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			g.logger.Debug("retrying provider call",
				"provider", provider, "op", op, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s %s cancelled: %w", provider, op, ctx.Err())
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = classifyProviderError(provider, err)
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamTimeout)
}

// classifyProviderError folds transport and API errors into the gateway's
// sentinel taxonomy.
func classifyProviderError(provider Provider, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s call exceeded deadline: %w", provider, ErrUpstreamTimeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s call timed out: %w", provider, ErrUpstreamTimeout)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %s: %w", provider, apiErr.Message, ErrRateLimited)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%s returned %d: %w", provider, apiErr.HTTPStatusCode, ErrProviderUnavailable)
		default:
			return fmt.Errorf("%s returned %d: %s: %w", provider, apiErr.HTTPStatusCode, apiErr.Message, ErrInvalidResponse)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w", provider, ErrRateLimited)
		}
		if reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%s returned %d: %w", provider, reqErr.HTTPStatusCode, ErrProviderUnavailable)
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s unreachable: %w", provider, ErrProviderUnavailable)
	}

	return fmt.Errorf("%s call failed: %w", provider, err)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
