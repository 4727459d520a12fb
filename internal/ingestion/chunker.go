// Package ingestion handles document processing: chunking, metadata
// extraction, embedding, and pipeline orchestration.
package ingestion

import (
	"strings"
	"unicode"
)

// Chunking methods supported by the Chunker.
const (
	MethodRecursive = "recursive"
	MethodMarkdown  = "markdown"
	MethodToken     = "token"
)

// Size limits for chunker parameters, in estimated tokens.
const (
	MinChunkSize = 100
	MaxChunkSize = 10000
	MaxOverlap   = 1000

	DefaultChunkSize = 1000
	DefaultOverlap   = 300
)

// defaultSeparators ranks split points from strongest to weakest. Headers
// and horizontal rules outrank paragraph breaks so sections do not bleed
// into each other; the empty string is the character-level fallback.
var defaultSeparators = []string{
	"\n### ",
	"\n## ",
	"\n# ",
	"\n---\n",
	"\n***\n",
	"\n___\n",
	"\n\n",
	"\n",
	" ",
	"",
}

// defaultMarkdownHeaders are the header levels the markdown method splits at.
var defaultMarkdownHeaders = []string{"#", "##", "###"}

// Chunk is a contiguous piece of a document's text.
type Chunk struct {
	Text       string
	Index      int
	CharCount  int
	TokenCount int
}

// ChunkerConfig controls how text is segmented.
type ChunkerConfig struct {
	// Method selects the strategy: recursive, markdown, or token.
	Method string

	// MaxSize caps each chunk at this many estimated tokens.
	MaxSize int

	// Overlap carries this many estimated tokens between adjacent chunks.
	Overlap int

	// Separators overrides the ranked separator list for the recursive
	// method.
	Separators []string

	// MarkdownHeaders overrides the header levels for the markdown method.
	MarkdownHeaders []string
}

// Chunker segments text with one of the configured strategies.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker, applying defaults and clamping sizes into
// their valid ranges.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.Method == "" {
		config.Method = MethodRecursive
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultChunkSize
	}
	if config.MaxSize < MinChunkSize {
		config.MaxSize = MinChunkSize
	}
	if config.MaxSize > MaxChunkSize {
		config.MaxSize = MaxChunkSize
	}
	if config.Overlap < 0 {
		config.Overlap = 0
	}
	if config.Overlap > MaxOverlap {
		config.Overlap = MaxOverlap
	}
	if config.Overlap >= config.MaxSize {
		config.Overlap = config.MaxSize / 2
	}
	if len(config.Separators) == 0 {
		config.Separators = defaultSeparators
	}
	if len(config.MarkdownHeaders) == 0 {
		config.MarkdownHeaders = defaultMarkdownHeaders
	}
	return &Chunker{config: config}
}

// Chunk splits text into chunks using the configured method. Chunks are
// returned in document order with ascending indexes and computed counts.
func (c *Chunker) Chunk(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	switch c.config.Method {
	case MethodMarkdown:
		pieces = c.splitMarkdown(text)
	case MethodToken:
		pieces = c.splitTokens(text)
	default:
		pieces = c.splitRecursive(text, c.config.Separators)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, piece := range pieces {
		if !validChunk(piece) {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:       piece,
			Index:      len(chunks),
			CharCount:  len(piece),
			TokenCount: estimateTokens(piece),
		})
	}
	return chunks
}

// splitRecursive splits on the strongest separator present in the text,
// recursing with the remaining separators for any piece still over the
// size limit, then merges adjacent pieces back together with overlap.
func (c *Chunker) splitRecursive(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var remaining []string
	for i, s := range separators {
		if s == "" {
			separator = ""
			remaining = nil
			break
		}
		if strings.Contains(text, s) {
			separator = s
			remaining = separators[i+1:]
			break
		}
	}

	splits := splitKeepingSeparator(text, separator)

	var final []string
	var good []string
	for _, split := range splits {
		if estimateTokens(split) < c.config.MaxSize {
			good = append(good, split)
			continue
		}
		if len(good) > 0 {
			final = append(final, c.mergeSplits(good)...)
			good = nil
		}
		if len(remaining) == 0 {
			final = append(final, split)
		} else {
			final = append(final, c.splitRecursive(split, remaining)...)
		}
	}
	if len(good) > 0 {
		final = append(final, c.mergeSplits(good)...)
	}
	return final
}

// splitMarkdown first cuts the text at configured header lines, then
// applies the recursive strategy inside any section that is still too big.
// Fenced code blocks are never mistaken for headers.
func (c *Chunker) splitMarkdown(text string) []string {
	var sections []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		section := strings.TrimSpace(strings.Join(current, "\n"))
		if section != "" {
			sections = append(sections, section)
		}
		current = nil
	}

	inCode := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inCode = !inCode
		}
		if !inCode && isHeaderLine(trimmed, c.config.MarkdownHeaders) {
			flush()
		}
		current = append(current, line)
	}
	flush()

	var out []string
	for _, section := range sections {
		if estimateTokens(section) <= c.config.MaxSize {
			out = append(out, section)
			continue
		}
		out = append(out, c.splitRecursive(section, c.config.Separators)...)
	}
	return out
}

// splitTokens produces fixed-size token windows with an overlap stride.
// Words are never split; windows advance so each starts roughly Overlap
// tokens before the previous one ended.
func (c *Chunker) splitTokens(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	wordTokens := make([]int, len(words))
	for i, w := range words {
		// Account for the joining space.
		wordTokens[i] = estimateTokens(w + " ")
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start
		total := 0
		for end < len(words) && total+wordTokens[end] <= c.config.MaxSize {
			total += wordTokens[end]
			end++
		}
		if end == start {
			// A single word over the limit still makes progress.
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end >= len(words) {
			break
		}

		next := end
		back := 0
		for next > start+1 && back < c.config.Overlap {
			next--
			back += wordTokens[next]
		}
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// mergeSplits packs consecutive splits into chunks up to MaxSize tokens,
// carrying Overlap tokens of trailing context into each following chunk.
func (c *Chunker) mergeSplits(splits []string) []string {
	var docs []string
	var current []string
	total := 0

	for _, split := range splits {
		splitLen := estimateTokens(split)
		if total+splitLen > c.config.MaxSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for len(current) > 0 && (total > c.config.Overlap || total+splitLen > c.config.MaxSize) {
				total -= estimateTokens(current[0])
				current = current[1:]
			}
		}
		current = append(current, split)
		total += splitLen
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepingSeparator splits text on separator, attaching the separator
// to the start of the following piece so no characters are lost. An empty
// separator splits into individual characters.
func splitKeepingSeparator(text, separator string) []string {
	if separator == "" {
		runes := []rune(text)
		out := make([]string, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out
	}

	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if i > 0 {
			part = separator + part
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// isHeaderLine reports whether line is a markdown header at one of the
// given levels. The prefix-plus-space check keeps "#" from matching "##".
func isHeaderLine(line string, headers []string) bool {
	for _, h := range headers {
		if strings.HasPrefix(line, h+" ") {
			return true
		}
	}
	return false
}

// validChunk rejects pieces with no meaningful content: empty strings,
// bare separator runs, and fragments with fewer than 5 alphanumeric
// characters. Headers are always kept.
func validChunk(text string) bool {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return false
	}

	onlySeparators := true
	for _, r := range stripped {
		if !strings.ContainsRune("-*_ \t\n", r) {
			onlySeparators = false
			break
		}
	}
	if onlySeparators {
		return false
	}

	if strings.HasPrefix(stripped, "#") {
		return true
	}

	alnum := 0
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
			if alnum >= 5 {
				return true
			}
		}
	}
	return false
}

// estimateTokens approximates the token count of text. English BPE
// tokenizers average close to 4 characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
