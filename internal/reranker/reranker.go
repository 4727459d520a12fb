// Package reranker re-orders search candidates by scoring query-document
// pairs together, cross-encoder style, instead of relying on embedding
// similarity alone.
//
// # Trade-offs
//
// Reranking is a per-request toggle on the retrieval pipeline.
//
//   - Latency: adds one provider round trip per query
//   - Quality: noticeably better ordering when the vector top-k scores are close
//   - Cost: the hosted backend is metered per document; the LLM backend spends
//     completion tokens instead
//
// Keep it on for accuracy-sensitive collections, off for latency-sensitive
// ones. A backend failure is not fatal: callers fall back to Passthrough and
// the pipeline continues on vector order.
package reranker

import (
	"context"
	"strings"

	"github.com/knoguchi/ragstack/internal/search"
)

// MaxDocuments caps the candidate list a single rerank call accepts.
const MaxDocuments = 100

// ScoredResult is a search candidate with the reranker's relevance score.
// The embedded result keeps its original fields, including the vector score.
type ScoredResult struct {
	search.Result
	RerankerScore float64 `json:"reranker_score"`
}

// Reranker re-orders candidates by relevance to the query.
type Reranker interface {
	// Rerank scores each candidate against the query and returns the topN
	// best, highest first. Implementations must not mutate candidates.
	Rerank(ctx context.Context, query string, candidates []search.Result, topN int) ([]ScoredResult, error)
}

// Passthrough returns the candidates in their original order carrying their
// search-stage scores, truncated to topN. Callers use it when reranking is
// disabled or has failed.
func Passthrough(candidates []search.Result, topN int) []ScoredResult {
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	scored := make([]ScoredResult, topN)
	for i, c := range candidates[:topN] {
		scored[i] = ScoredResult{Result: c, RerankerScore: c.Score}
	}
	return scored
}

// documentText renders one candidate for scoring. Extracted metadata is
// appended so the scorer sees topical context beyond the raw chunk text; the
// candidate itself keeps its original text.
func documentText(r search.Result) string {
	var sb strings.Builder
	sb.WriteString(r.Chunk.Text)
	if r.Chunk.Topics != "" {
		sb.WriteString("\n\nTopics: ")
		sb.WriteString(r.Chunk.Topics)
	}
	if r.Chunk.Keywords != "" {
		sb.WriteString("\nKeywords: ")
		sb.WriteString(r.Chunk.Keywords)
	}
	if r.Chunk.Questions != "" {
		sb.WriteString("\nQuestions: ")
		sb.WriteString(r.Chunk.Questions)
	}
	if r.Chunk.Summary != "" {
		sb.WriteString("\nSummary: ")
		sb.WriteString(r.Chunk.Summary)
	}
	return sb.String()
}
