// Package compressor shrinks retrieval context by asking an LLM to extract
// only the sentences of each chunk that matter for the query, preserving the
// original wording. All chunks go out in one batched completion; the response
// is split back apart on per-chunk markers.
//
// Compression trades latency for downstream token savings. The retrieval
// pipeline leaves it off by default.
package compressor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/knoguchi/ragstack/internal/gateway"
)

const (
	// MaxChunksPerRequest caps one batched compression call.
	MaxChunksPerRequest = 20

	// DefaultScoreThreshold drops chunks whose relevance score from the
	// previous stage falls below it.
	DefaultScoreThreshold = 0.3

	// DefaultRatio is the target fraction of the input to keep.
	DefaultRatio = 0.5

	// DefaultMaxTokensPerChunk bounds the completion budget per kept chunk.
	DefaultMaxTokensPerChunk = 200

	// DefaultModel favors speed; extraction does not need a strong model.
	DefaultModel = "meta-llama/Llama-3.1-8B-Instruct-fast"

	compressionTemperature = 0.1
	compressionTopP        = 0.9

	// Extractions shorter than this are treated as parse noise and replaced
	// by the chunk's fallback text.
	minExtractionLen = 20

	fallbackTextLen = 500
)

// CompletionClient is the slice of the LLM gateway the compressor uses.
type CompletionClient interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// Chunk is one piece of context offered for compression. Score carries the
// relevance assigned by the reranking stage and drives threshold filtering;
// Summary, when present, serves as the fallback text if extraction fails.
type Chunk struct {
	ID      string
	Text    string
	Summary string
	Score   float64
}

// Compressed is the per-chunk outcome. Ratio is CompressedLength over
// OriginalLength.
type Compressed struct {
	ID               string  `json:"id"`
	OriginalText     string  `json:"original_text"`
	CompressedText   string  `json:"compressed_text"`
	OriginalLength   int     `json:"original_length"`
	CompressedLength int     `json:"compressed_length"`
	Ratio            float64 `json:"compression_ratio"`
}

// Request describes one compression call. Zero values for Ratio,
// ScoreThreshold, and Model select the configured defaults.
type Request struct {
	Query          string
	Chunks         []Chunk
	Ratio          float64
	ScoreThreshold float64
	Model          string
}

// Config configures a Compressor. Zero values select defaults.
type Config struct {
	Model             string
	MaxTokensPerChunk int
	ScoreThreshold    float64
	Logger            *slog.Logger
}

// Compressor batches chunks through the gateway and splits the response
// back into per-chunk extractions.
type Compressor struct {
	client CompletionClient
	config Config
	logger *slog.Logger
}

// New creates a Compressor.
func New(client CompletionClient, config Config) *Compressor {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokensPerChunk <= 0 {
		config.MaxTokensPerChunk = DefaultMaxTokensPerChunk
	}
	if config.ScoreThreshold <= 0 {
		config.ScoreThreshold = DefaultScoreThreshold
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Compressor{
		client: client,
		config: config,
		logger: config.Logger.With("component", "compressor"),
	}
}

// Compress extracts query-relevant sentences from each chunk. Chunks scored
// below the threshold are dropped before the LLM call; chunks the model
// declares irrelevant are dropped from the output. A chunk whose extraction
// cannot be recovered from the response falls back to its summary, or to a
// truncated copy of its text. A failed gateway call returns an error and the
// caller decides how to degrade.
func (c *Compressor) Compress(ctx context.Context, req Request) ([]Compressed, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if len(req.Chunks) == 0 {
		return nil, nil
	}
	if len(req.Chunks) > MaxChunksPerRequest {
		return nil, fmt.Errorf("too many chunks: %d (limit %d)", len(req.Chunks), MaxChunksPerRequest)
	}

	threshold := req.ScoreThreshold
	if threshold <= 0 {
		threshold = c.config.ScoreThreshold
	}
	kept := c.filterByScore(req.Chunks, threshold)

	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	resp, err := c.client.Complete(ctx, gateway.CompletionRequest{
		Model:       model,
		Messages:    []gateway.Message{{Role: "user", Content: buildBatchPrompt(req.Query, kept)}},
		Temperature: compressionTemperature,
		TopP:        compressionTopP,
		MaxTokens:   c.tokenBudget(kept, req.Ratio),
	})
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	return c.assemble(kept, resp.Content), nil
}

// filterByScore removes chunks below the relevance threshold. If every chunk
// would be removed the filter is skipped: a miscalibrated threshold must not
// wipe out the answer context.
func (c *Compressor) filterByScore(chunks []Chunk, threshold float64) []Chunk {
	kept := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Score >= threshold {
			kept = append(kept, ch)
		}
	}
	if len(kept) == 0 {
		c.logger.Warn("all chunks below score threshold, keeping all", "threshold", threshold, "chunks", len(chunks))
		return chunks
	}
	if len(kept) < len(chunks) {
		c.logger.Debug("filtered chunks below score threshold", "kept", len(kept), "dropped", len(chunks)-len(kept), "threshold", threshold)
	}
	return kept
}

// tokenBudget sizes the completion from the target ratio against a rough
// 4-chars-per-token estimate, bounded per kept chunk.
func (c *Compressor) tokenBudget(chunks []Chunk, ratio float64) int {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultRatio
	}
	totalChars := 0
	for _, ch := range chunks {
		totalChars += len(ch.Text)
	}
	budget := int(ratio * float64(totalChars) / 4)
	ceiling := c.config.MaxTokensPerChunk * len(chunks)
	if budget > ceiling {
		budget = ceiling
	}
	if budget < c.config.MaxTokensPerChunk {
		budget = c.config.MaxTokensPerChunk
	}
	return budget
}

const chunkMarker = "=== CHUNK"

func buildBatchPrompt(query string, chunks []Chunk) string {
	var sb strings.Builder

	sb.WriteString("Extract and preserve relevant information from each chunk below that helps answer the question.\n")
	sb.WriteString("Return the compressed version of each chunk, keeping the \"=== CHUNK [N] ===\" markers.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	for i, ch := range chunks {
		id := ch.ID
		if id == "" {
			id = fmt.Sprintf("chunk_%d", i)
		}
		fmt.Fprintf(&sb, "%s %d (ID: %s) ===\n%s\n\n", chunkMarker, i+1, id, ch.Text)
	}

	sb.WriteString(`Instructions:
- Extract sentences relevant to the question
- For factual/specification queries: Preserve ALL factual details, numbers, specs, features, and data points
- For comparison queries: Keep both technical details AND their intended use/benefits
- Include supporting context and descriptive details that explain WHY or HOW things work
- Preserve technical terms along with their purpose or function
- Keep lists, bullet points, and structured data intact
- If you see sections labeled "Technical Specifications", "Features", "Details", preserve them completely
- Keep exact wording from original text
- Maintain the "=== CHUNK [N] (ID: ...)" markers in your response
- If a chunk has no relevant content, write "No relevant content" for that chunk
- Aim for informative compression that preserves all key facts, not minimal extraction

Compressed Chunks:`)

	return sb.String()
}

var chunkNumberRE = regexp.MustCompile(`^\s*(\d+)`)

// assemble maps the batched response back onto the input chunks by marker
// number. Irrelevant chunks are dropped; unparseable ones keep a fallback.
func (c *Compressor) assemble(chunks []Chunk, response string) []Compressed {
	parts := strings.Split(response, chunkMarker)
	byNumber := make(map[int]string, len(parts))
	for _, part := range parts {
		m := chunkNumberRE.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, seen := byNumber[n]; seen {
			continue
		}
		// Text begins after the marker's own line.
		if _, rest, found := strings.Cut(part, "\n"); found {
			byNumber[n] = strings.TrimSpace(rest)
		}
	}

	out := make([]Compressed, 0, len(chunks))
	for i, ch := range chunks {
		text := byNumber[i+1]
		if strings.Contains(strings.ToLower(text), "no relevant content") {
			c.logger.Debug("chunk judged irrelevant, dropping", "chunk_id", ch.ID)
			continue
		}
		if text == "" || len(text) < minExtractionLen {
			text = fallbackText(ch)
		}
		out = append(out, Compressed{
			ID:               ch.ID,
			OriginalText:     ch.Text,
			CompressedText:   text,
			OriginalLength:   len(ch.Text),
			CompressedLength: len(text),
			Ratio:            ratio(len(text), len(ch.Text)),
		})
	}
	return out
}

// fallbackText substitutes for a chunk whose extraction was lost: the stored
// summary when one exists, otherwise the head of the original text.
func fallbackText(ch Chunk) string {
	if ch.Summary != "" {
		return ch.Summary
	}
	if len(ch.Text) > fallbackTextLen {
		return ch.Text[:fallbackTextLen]
	}
	return ch.Text
}

func ratio(compressed, original int) float64 {
	if original == 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}
