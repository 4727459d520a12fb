// Package answer turns retrieval context into a grounded answer with
// citations. The system prompt is selected per intent from a template table,
// context chunks are serialized as numbered sources, and [Source N]
// references in the model output become structured citations.
package answer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/intent"
)

const (
	// DefaultModel answers when neither the caller nor the intent
	// classifier picked one.
	DefaultModel = "meta-llama/Llama-3.3-70B-Instruct-fast"

	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.3

	// MaxContextChunks bounds how many sources go into one prompt.
	MaxContextChunks = 10

	DefaultCacheTTL  = 2 * time.Hour
	DefaultCacheSize = 1024

	snippetLen = 200
)

// CompletionClient is the slice of the LLM gateway the generator uses.
type CompletionClient interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// ContextChunk is one numbered source in the prompt. The metadata fields are
// optional; present ones are rendered above the chunk text.
type ContextChunk struct {
	ChunkID    string `json:"chunk_id"`
	Text       string `json:"text"`
	DocumentID string `json:"document_id"`
	Topics     string `json:"topics,omitempty"`
	Keywords   string `json:"keywords,omitempty"`
	Questions  string `json:"questions,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Citation ties a [Source N] reference in the answer back to its chunk.
type Citation struct {
	SourceID    int    `json:"source_id"`
	ChunkID     string `json:"chunk_id"`
	DocumentID  string `json:"document_id"`
	TextSnippet string `json:"text_snippet"`
}

// Request describes one generation call. Model and MaxTokens override the
// intent recommendation, which overrides the configured defaults. A zero
// Temperature selects the default.
type Request struct {
	Query           string
	Chunks          []ContextChunk
	Intent          *intent.Intent
	Model           string
	MaxTokens       int
	Temperature     float32
	ResponseStyle   string
	EnableCitations bool
	NoCache         bool
}

// Response is the generation outcome.
type Response struct {
	Answer           string     `json:"answer"`
	Citations        []Citation `json:"citations,omitempty"`
	ModelUsed        string     `json:"model_used"`
	TokensUsed       int        `json:"tokens_used"`
	CacheHit         bool       `json:"cache_hit"`
	GenerationTimeMS float64    `json:"generation_time_ms"`
}

// Config configures a Generator. Zero values select defaults.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float32
	CacheTTL    time.Duration
	CacheSize   int
	Logger      *slog.Logger
}

type cachedAnswer struct {
	answer     string
	citations  []Citation
	tokensUsed int
	model      string
}

// Generator produces answers from context chunks through the gateway.
type Generator struct {
	client CompletionClient
	config Config
	cache  *expirable.LRU[string, cachedAnswer]
	logger *slog.Logger
}

// New creates a Generator.
func New(client CompletionClient, config Config) *Generator {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Temperature <= 0 {
		config.Temperature = DefaultTemperature
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Generator{
		client: client,
		config: config,
		cache:  expirable.NewLRU[string, cachedAnswer](config.CacheSize, nil, config.CacheTTL),
		logger: config.Logger.With("component", "answer"),
	}
}

// Generate answers the query from the supplied context.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if len(req.Chunks) == 0 {
		return nil, fmt.Errorf("no context chunks provided")
	}

	chunks := req.Chunks
	if len(chunks) > MaxContextChunks {
		chunks = chunks[:MaxContextChunks]
	}

	model, maxTokens, label, style := g.resolve(req)

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = g.config.Temperature
	}

	key := g.cacheKey(req.Query, label, style, chunks, model, temperature)
	if !req.NoCache {
		if entry, ok := g.cache.Get(key); ok {
			return &Response{
				Answer:           entry.answer,
				Citations:        entry.citations,
				ModelUsed:        entry.model,
				TokensUsed:       entry.tokensUsed,
				CacheHit:         true,
				GenerationTimeMS: msSince(start),
			}, nil
		}
	}

	resp, err := g.client.Complete(ctx, gateway.CompletionRequest{
		Model: model,
		Messages: []gateway.Message{
			{Role: "system", Content: systemPrompt(label, style)},
			{Role: "user", Content: buildContextPrompt(req.Query, chunks, req.EnableCitations)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	// The gateway strips reasoning for models flagged as reasoning models;
	// stripping here again covers models that emit think blocks unflagged.
	text := gateway.StripReasoning(resp.Content)

	var citations []Citation
	if req.EnableCitations {
		text, citations = extractCitations(text, chunks)
	}

	if !req.NoCache {
		g.cache.Add(key, cachedAnswer{
			answer:     text,
			citations:  citations,
			tokensUsed: resp.Usage.TotalTokens,
			model:      model,
		})
	}

	g.logger.Debug("answer generated",
		"model", model,
		"intent", label,
		"chunks", len(chunks),
		"citations", len(citations),
		"tokens", resp.Usage.TotalTokens)

	return &Response{
		Answer:           text,
		Citations:        citations,
		ModelUsed:        model,
		TokensUsed:       resp.Usage.TotalTokens,
		GenerationTimeMS: msSince(start),
	}, nil
}

// ClearCache empties the answer cache and reports how many entries dropped.
func (g *Generator) ClearCache() int {
	n := g.cache.Len()
	g.cache.Purge()
	return n
}

// resolve picks model, token budget, intent label, and style for a request.
// Caller values win over intent recommendations, which win over defaults.
func (g *Generator) resolve(req Request) (model string, maxTokens int, label, style string) {
	model = req.Model
	maxTokens = req.MaxTokens

	if req.Intent != nil {
		label = req.Intent.Intent
		style = req.Intent.ResponseStyle
		if model == "" {
			model = req.Intent.RecommendedModel
		}
		if maxTokens <= 0 {
			maxTokens = req.Intent.RecommendedMaxTokens
		}
	}
	if req.ResponseStyle != "" {
		style, _ = intent.ValidateStyle(label, req.ResponseStyle)
	}
	if model == "" {
		model = g.config.Model
	}
	if maxTokens <= 0 {
		maxTokens = g.config.MaxTokens
	}
	return model, maxTokens, label, style
}

type answerTuple struct {
	Query       string   `json:"query"`
	Intent      string   `json:"intent"`
	Style       string   `json:"style,omitempty"`
	ChunkIDs    []string `json:"chunk_ids"`
	Model       string   `json:"model"`
	Temperature float32  `json:"temperature"`
}

// cacheKey hashes the answer identity: the query, the intent and style
// shaping the prompt, the ordered context chunk ids, the model, and the
// temperature.
func (g *Generator) cacheKey(query, label, style string, chunks []ContextChunk, model string, temperature float32) string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	raw, err := json.Marshal(answerTuple{
		Query:       query,
		Intent:      label,
		Style:       style,
		ChunkIDs:    ids,
		Model:       model,
		Temperature: temperature,
	})
	if err != nil {
		return fmt.Sprintf("%s|%s|%s|%s|%v", query, label, style, model, temperature)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// buildContextPrompt serializes the chunks as numbered sources. Topics,
// keywords, and summary ride along; stored questions are left out to save
// tokens.
func buildContextPrompt(query string, chunks []ContextChunk, enableCitations bool) string {
	var sb strings.Builder

	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nContext:\n")

	for i, c := range chunks {
		fmt.Fprintf(&sb, "[Source %d]\n", i+1)
		if c.Topics != "" {
			sb.WriteString("Topics: ")
			sb.WriteString(c.Topics)
			sb.WriteString("\n")
		}
		if c.Keywords != "" {
			sb.WriteString("Keywords: ")
			sb.WriteString(c.Keywords)
			sb.WriteString("\n")
		}
		if c.Summary != "" {
			sb.WriteString("Summary: ")
			sb.WriteString(c.Summary)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n")
		if c.DocumentID != "" {
			fmt.Fprintf(&sb, "(Document: %s)\n", c.DocumentID)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Please provide a comprehensive answer to the question based on the context above.")
	if enableCitations {
		sb.WriteString("\n\nWhen referencing information, cite the source using [Source X] notation.")
	}
	return sb.String()
}

var sourceRefRE = regexp.MustCompile(`\[Source (\d+)\]`)

// extractCitations collects the distinct [Source N] references in order of
// first appearance and builds a citation for each. References to sources
// that do not exist are removed from the answer text.
func extractCitations(answer string, chunks []ContextChunk) (string, []Citation) {
	var citations []Citation
	seen := make(map[int]bool)

	cleaned := sourceRefRE.ReplaceAllStringFunc(answer, func(ref string) string {
		m := sourceRefRE.FindStringSubmatch(ref)
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) {
			return ""
		}
		if !seen[n] {
			seen[n] = true
			c := chunks[n-1]
			snippet := c.Text
			if len(snippet) > snippetLen {
				snippet = snippet[:snippetLen] + "..."
			}
			citations = append(citations, Citation{
				SourceID:    n,
				ChunkID:     c.ChunkID,
				DocumentID:  c.DocumentID,
				TextSnippet: snippet,
			})
		}
		return ref
	})

	return strings.TrimSpace(cleaned), citations
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
