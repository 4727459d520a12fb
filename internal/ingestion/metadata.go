package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/ragstack/internal/gateway"
)

// Metadata extraction limits.
const (
	// minMetadataLength is the shortest text worth an extraction call.
	// Shorter chunks get empty fields without touching the LLM.
	minMetadataLength = 50

	// Field length caps matching the storage schema.
	maxMetadataField  = 500
	maxSummaryField   = 1000
	metadataMaxTokens = 1000

	// DefaultMetadataConcurrency caps parallel extraction calls.
	DefaultMetadataConcurrency = 20
)

var (
	jsonFenceRE  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	jsonObjectRE = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	spaceRunRE   = regexp.MustCompile(`\s+`)
)

// Metadata holds the four semantic fields extracted per chunk.
type Metadata struct {
	Keywords  string `json:"keywords"`
	Topics    string `json:"topics"`
	Questions string `json:"questions"`
	Summary   string `json:"summary"`
}

// MetadataConfig controls the extraction backend.
type MetadataConfig struct {
	// Model is the chat model used for extraction.
	Model string

	// Concurrency caps parallel LLM calls during batch extraction.
	Concurrency int

	Logger *slog.Logger
}

// ExtractOptions are the per-request knobs spliced into the prompt. They
// are free-form counts, e.g. "5" or "1-2 sentences"; empty values take the
// defaults.
type ExtractOptions struct {
	KeywordsCount  string
	TopicsCount    string
	QuestionsCount string
	SummaryLength  string
}

func (o *ExtractOptions) applyDefaults() {
	if o.KeywordsCount == "" {
		o.KeywordsCount = "5"
	}
	if o.TopicsCount == "" {
		o.TopicsCount = "3"
	}
	if o.QuestionsCount == "" {
		o.QuestionsCount = "3"
	}
	if o.SummaryLength == "" {
		o.SummaryLength = "1-2 sentences"
	}
}

// CompletionClient is the slice of the gateway the extractor uses.
type CompletionClient interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// MetadataExtractor asks an LLM for keywords, topics, questions and a
// summary for each chunk. Extraction is best effort: a chunk that cannot
// be processed gets empty fields rather than failing the batch.
type MetadataExtractor struct {
	client CompletionClient
	config MetadataConfig
	sem    chan struct{}
	logger *slog.Logger
}

// NewMetadataExtractor creates an extractor with defaults applied.
func NewMetadataExtractor(client CompletionClient, config MetadataConfig) *MetadataExtractor {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultMetadataConcurrency
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MetadataExtractor{
		client: client,
		config: config,
		sem:    make(chan struct{}, config.Concurrency),
		logger: logger.With("component", "metadata"),
	}
}

// ExtractBatch extracts metadata for every text in parallel, bounded by the
// configured concurrency. The result slice matches the input order. Chunks
// that are too short or whose extraction fails twice come back with empty
// fields; the batch itself only fails on context cancellation.
func (m *MetadataExtractor) ExtractBatch(ctx context.Context, texts []string, opts ExtractOptions) ([]Metadata, error) {
	opts.applyDefaults()
	results := make([]Metadata, len(texts))

	eg, ctx := errgroup.WithContext(ctx)
	for i, text := range texts {
		if len(strings.TrimSpace(text)) < minMetadataLength {
			continue
		}

		eg.Go(func() error {
			select {
			case m.sem <- struct{}{}:
				defer func() { <-m.sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			meta, err := m.extract(ctx, text, opts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("metadata extraction failed, using empty fields",
					"chunk", i, "error", err)
				return nil
			}
			results[i] = meta
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// extract runs one extraction with a single lower-temperature retry on
// parse failure.
func (m *MetadataExtractor) extract(ctx context.Context, text string, opts ExtractOptions) (Metadata, error) {
	prompt := m.buildPrompt(sanitizeForLLM(text), opts)

	meta, err := m.complete(ctx, prompt, 0.3)
	if err == nil {
		return meta, nil
	}
	if ctx.Err() != nil {
		return Metadata{}, err
	}

	// Retry once colder; malformed JSON is usually temperature noise.
	meta, retryErr := m.complete(ctx, prompt, 0.0)
	if retryErr != nil {
		return Metadata{}, fmt.Errorf("extraction failed after retry: %w", retryErr)
	}
	return meta, nil
}

func (m *MetadataExtractor) complete(ctx context.Context, prompt string, temperature float32) (Metadata, error) {
	resp, err := m.client.Complete(ctx, gateway.CompletionRequest{
		Model:       m.config.Model,
		Messages:    []gateway.Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   metadataMaxTokens,
	})
	if err != nil {
		return Metadata{}, err
	}

	meta, err := parseMetadataResponse(resp.Content)
	if err != nil {
		return Metadata{}, err
	}
	return truncateMetadata(meta), nil
}

func (m *MetadataExtractor) buildPrompt(text string, opts ExtractOptions) string {
	var b strings.Builder
	b.WriteString("You must respond with ONLY valid JSON. Do not include any reasoning, thinking, or explanations.\n\n")
	b.WriteString("TEXT:\n")
	b.WriteString(text)
	b.WriteString("\n\nExtract these 4 fields:\n")
	fmt.Fprintf(&b, "- keywords (%s): literal terms that appear in the text, exactly as written (product names, company names, model numbers, dates, technical terms) - comma separated\n", opts.KeywordsCount)
	fmt.Fprintf(&b, "- topics (%s): high-level themes and categories - comma separated\n", opts.TopicsCount)
	fmt.Fprintf(&b, "- questions (%s): natural questions this text answers (what, why, how, who, when, where) - use \" | \" to separate\n", opts.QuestionsCount)
	fmt.Fprintf(&b, "- summary (%s): concise overview in complete sentences\n", opts.SummaryLength)
	b.WriteString("\nExtract only what is present in the text. Do not invent terms that are not there.\n")
	b.WriteString("\nOutput format (respond with ONLY this JSON, nothing else):\n")
	b.WriteString(`{"keywords": "term1, term2", "topics": "theme1, theme2", "questions": "question1 | question2", "summary": "brief overview"}`)
	return b.String()
}

// parseMetadataResponse pulls a metadata JSON object out of an LLM reply.
// It tolerates reasoning tags, markdown fences and surrounding prose; list
// values are flattened to comma-joined strings.
func parseMetadataResponse(content string) (Metadata, error) {
	cleaned := strings.TrimSpace(gateway.StripReasoning(content))

	candidates := []string{cleaned}
	if match := jsonFenceRE.FindStringSubmatch(cleaned); match != nil {
		candidates = append(candidates, match[1])
	}
	if match := jsonObjectRE.FindString(cleaned); match != "" {
		candidates = append(candidates, match)
	}

	var lastErr error
	for _, candidate := range candidates {
		var raw map[string]any
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			lastErr = err
			continue
		}
		return Metadata{
			Keywords:  flattenField(raw["keywords"], ", "),
			Topics:    flattenField(raw["topics"], ", "),
			Questions: flattenField(raw["questions"], " | "),
			Summary:   flattenField(raw["summary"], " "),
		}, nil
	}

	preview := content
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return Metadata{}, fmt.Errorf("no valid JSON in response %q: %w", preview, lastErr)
}

// flattenField renders a JSON value as a single string, joining arrays with
// the given separator.
func flattenField(v any, sep string) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, strings.TrimSpace(fmt.Sprint(item)))
		}
		return strings.Join(parts, sep)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// truncateMetadata enforces the storage schema's field limits, cutting at
// the last complete item so no value ends mid-term.
func truncateMetadata(meta Metadata) Metadata {
	meta.Keywords = truncateAtSeparator(meta.Keywords, maxMetadataField)
	meta.Topics = truncateAtSeparator(meta.Topics, maxMetadataField)
	meta.Questions = truncateAtSeparator(meta.Questions, maxMetadataField)
	meta.Summary = truncateAtSeparator(meta.Summary, maxSummaryField)
	return meta
}

func truncateAtSeparator(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	truncated := s[:limit]
	lastComma := strings.LastIndex(truncated, ",")
	lastPipe := strings.LastIndex(truncated, "|")
	last := lastComma
	if lastPipe > last {
		last = lastPipe
	}
	if last > 0 {
		truncated = truncated[:last]
	}
	return strings.TrimSpace(truncated)
}

// sanitizeForLLM strips control characters that would corrupt the JSON the
// model echoes back, then collapses whitespace runs.
func sanitizeForLLM(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(' ')
		case r < 32 || r == 127:
			// drop
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(spaceRunRE.ReplaceAllString(b.String(), " "))
}
