package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// jinaClient talks to Jina's rerank endpoint, which is not OpenAI-shaped.
// It shares the gateway's pooled HTTP client.
type jinaClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newJinaClient(baseURL, apiKey string, httpClient *http.Client) *jinaClient {
	return &jinaClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type jinaRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type jinaRerankResponse struct {
	Model   string `json:"model"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// rerank scores documents against the query, best first. Document texts are
// not echoed back; Index points into the caller's slice.
func (c *jinaClient) rerank(ctx context.Context, model, query string, docs []string, topN int) ([]RerankResult, error) {
	body, err := json.Marshal(jinaRerankRequest{
		Model:     model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("jina rerank (status %d): %w", resp.StatusCode, ErrRateLimited)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("jina rerank (status %d): %w", resp.StatusCode, ErrProviderUnavailable)
		default:
			return nil, fmt.Errorf("jina rerank (status %d): %s: %w", resp.StatusCode, string(raw), ErrInvalidResponse)
		}
	}

	var result jinaRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}

	out := make([]RerankResult, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, fmt.Errorf("rerank result index %d out of range: %w", r.Index, ErrInvalidResponse)
		}
		out = append(out, RerankResult{Index: r.Index, Score: r.RelevanceScore})
	}
	return out, nil
}

// ping checks reachability only. Jina exposes no model listing, so any HTTP
// response, including 4xx, means the endpoint is up.
func (c *jinaClient) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rerank", nil)
	if err != nil {
		return fmt.Errorf("creating ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jina unreachable: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	return nil
}
