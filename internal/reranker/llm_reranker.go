package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/search"
)

// CompletionClient is the slice of the LLM gateway the prompt backend uses.
type CompletionClient interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// LLMReranker asks a chat model to re-score query-document pairs. The model
// sees query and document together, which approximates a cross-encoder
// without a dedicated reranking endpoint.
type LLMReranker struct {
	client CompletionClient
	model  string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model used for scoring.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLM creates an LLM-based reranker backend. Scoring defaults to a fast
// instruct model since the output is a short JSON block.
func NewLLM(client CompletionClient, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		client: client,
		model:  "meta-llama/Llama-3.1-8B-Instruct-fast",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank asks the model to score every candidate's relevance to the query.
// A response that cannot be parsed falls back to the search-stage order
// rather than failing the call.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []search.Result, topN int) ([]ScoredResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > MaxDocuments {
		return nil, fmt.Errorf("too many candidates: %d (limit %d)", len(candidates), MaxDocuments)
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	req := gateway.CompletionRequest{
		Model:       r.model,
		Messages:    []gateway.Message{{Role: "user", Content: r.buildRerankPrompt(query, candidates)}},
		Temperature: 0.1,
		MaxTokens:   1024,
	}

	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm reranking failed: %w", err)
	}

	scores, err := r.parseRerankResponse(resp.Content, len(candidates))
	if err != nil {
		// The model ignored the output contract; keep the vector order.
		return Passthrough(candidates, topN), nil
	}

	scored := make([]ScoredResult, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredResult{Result: c, RerankerScore: scores[i]}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankerScore > scored[j].RerankerScore
	})

	return scored[:topN], nil
}

// buildRerankPrompt constructs the scoring prompt. Documents are truncated
// to keep the request inside the model's context window.
func (r *LLMReranker) buildRerankPrompt(query string, candidates []search.Result) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, c := range candidates {
		content := documentText(c)
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts scores from the LLM response.
func (r *LLMReranker) parseRerankResponse(response string, numCandidates int) ([]float64, error) {
	response = strings.TrimSpace(response)

	// Extract JSON from markdown code blocks if present.
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	// Build score array indexed by doc_index.
	scores := make([]float64, numCandidates)
	for i := range scores {
		scores[i] = 0.5 // Default score for missing entries
	}

	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < numCandidates {
			score := s.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[s.DocIndex] = score
		}
	}

	return scores, nil
}

var _ Reranker = (*LLMReranker)(nil)
