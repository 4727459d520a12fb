// Package intent classifies query intent for the retrieval pipeline. One
// LLM call maps a query onto a closed 15-label taxonomy plus language,
// complexity and confidence; thresholds reject unclassifiable queries or
// fall back to factual retrieval, and every intent carries model, token
// and style recommendations for answer generation.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/querylog"
)

// The closed label set, grouped by taxonomy tier.
const (
	// Core retrieval.
	SimpleLookup          = "simple_lookup"
	ListEnumeration       = "list_enumeration"
	YesNo                 = "yes_no"
	DefinitionExplanation = "definition_explanation"
	FactualRetrieval      = "factual_retrieval"

	// Analytical.
	Comparison            = "comparison"
	Aggregation           = "aggregation"
	Temporal              = "temporal"
	RelationshipMapping   = "relationship_mapping"
	ContextualExplanation = "contextual_explanation"

	// Advanced logic.
	NegativeLogic  = "negative_logic"
	CrossReference = "cross_reference"
	Synthesis      = "synthesis"

	// Meta and structural.
	DocumentNavigation = "document_navigation"
	ExceptionHandling  = "exception_handling"
)

// Labels lists every intent the classifier can return.
var Labels = []string{
	SimpleLookup, ListEnumeration, YesNo, DefinitionExplanation, FactualRetrieval,
	Comparison, Aggregation, Temporal, RelationshipMapping, ContextualExplanation,
	NegativeLogic, CrossReference, Synthesis,
	DocumentNavigation, ExceptionHandling,
}

// Response styles for answer generation.
const (
	StyleConcise       = "concise"
	StyleBalanced      = "balanced"
	StyleComprehensive = "comprehensive"
)

// Classifier defaults.
const (
	DefaultModel             = "Qwen/Qwen3-32B-fast"
	DefaultFastAnswerModel   = "meta-llama/Llama-3.1-8B-Instruct-fast"
	DefaultStrongAnswerModel = "meta-llama/Llama-3.3-70B-Instruct-fast"
	DefaultRejectThreshold   = 0.40
	DefaultFallbackThreshold = 0.60

	detectionMaxTokens   = 1024
	detectionTemperature = 0.1
)

// ErrQueryRejected means classification confidence fell below the reject
// threshold; the caller should ask the user to rephrase.
var ErrQueryRejected = errors.New("query intent unclear")

// Intent is a classified query with answer-generation recommendations.
type Intent struct {
	Intent               string  `json:"intent"`
	Language             string  `json:"language"`
	Complexity           string  `json:"complexity"`
	Confidence           float64 `json:"confidence"`
	Reasoning            string  `json:"reasoning,omitempty"`
	RecommendedModel     string  `json:"recommended_model"`
	RecommendedMaxTokens int     `json:"recommended_max_tokens"`
	ResponseStyle        string  `json:"response_style"`
	Fallback             bool    `json:"fallback,omitempty"`
	AnalysisTimeMS       int64   `json:"analysis_time_ms"`
}

// CompletionClient is the slice of the gateway the classifier needs.
type CompletionClient interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// QueryLog receives rejected and low-confidence query events. Optional.
type QueryLog interface {
	Log(e querylog.Entry)
}

// Config configures a Classifier. Zero values take the defaults above.
type Config struct {
	// Model runs the classification call.
	Model string

	// FastAnswerModel and StrongAnswerModel are the answer-generation
	// tiers recommended per intent.
	FastAnswerModel   string
	StrongAnswerModel string

	// RejectThreshold rejects queries classified below it;
	// FallbackThreshold downgrades them to factual retrieval.
	RejectThreshold   float64
	FallbackThreshold float64

	QueryLog QueryLog
	Logger   *slog.Logger
}

// Classifier maps queries onto the intent taxonomy.
type Classifier struct {
	client   CompletionClient
	config   Config
	querylog QueryLog
	logger   *slog.Logger
}

// New creates a Classifier over the given completion client.
func New(client CompletionClient, config Config) *Classifier {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.FastAnswerModel == "" {
		config.FastAnswerModel = DefaultFastAnswerModel
	}
	if config.StrongAnswerModel == "" {
		config.StrongAnswerModel = DefaultStrongAnswerModel
	}
	if config.RejectThreshold <= 0 {
		config.RejectThreshold = DefaultRejectThreshold
	}
	if config.FallbackThreshold <= 0 {
		config.FallbackThreshold = DefaultFallbackThreshold
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		client:   client,
		config:   config,
		querylog: config.QueryLog,
		logger:   logger.With("component", "intent"),
	}
}

// Known reports whether label belongs to the closed intent set.
func Known(label string) bool {
	for _, l := range Labels {
		if l == label {
			return true
		}
	}
	return false
}

// detection is the raw JSON payload the classification model returns.
type detection struct {
	Intent     string  `json:"intent"`
	Language   string  `json:"language"`
	Complexity string  `json:"complexity"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classify runs intent detection for a query. Classification errors never
// surface: parse failures and upstream errors degrade to factual_retrieval
// at confidence 0.5. The only returned error besides an empty query is
// ErrQueryRejected when confidence lands below the reject threshold.
func (c *Classifier) Classify(ctx context.Context, query, tenantID string) (*Intent, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query required")
	}

	det, err := c.detect(ctx, query)
	if err != nil {
		c.logger.Warn("intent detection degraded to fallback", "error", err)
		det = detection{
			Intent:     FactualRetrieval,
			Language:   "en",
			Complexity: "moderate",
			Confidence: 0.5,
			Reasoning:  "fallback due to classification error",
		}
	}

	result := &Intent{
		Intent:     det.Intent,
		Language:   det.Language,
		Complexity: det.Complexity,
		Confidence: det.Confidence,
		Reasoning:  det.Reasoning,
	}

	if result.Confidence < c.config.RejectThreshold {
		msg := fmt.Sprintf("confidence %.2f below reject threshold %.2f", result.Confidence, c.config.RejectThreshold)
		c.logEvent(querylog.EventRejected, query, tenantID, result, msg)
		c.logger.Warn("query rejected", "confidence", result.Confidence)
		return nil, fmt.Errorf("%w: %s", ErrQueryRejected, msg)
	}

	if result.Confidence < c.config.FallbackThreshold {
		c.logEvent(querylog.EventLowConfidence, query, tenantID, result, "")
		c.logger.Info("low confidence, using fallback intent",
			"detected", result.Intent, "confidence", result.Confidence)
		result.Intent = FactualRetrieval
		result.Complexity = "moderate"
		result.Fallback = true
	}

	if !Known(result.Intent) {
		c.logger.Warn("unknown intent label, using fallback", "intent", result.Intent)
		result.Intent = FactualRetrieval
	}

	result.RecommendedModel = c.RecommendModel(result.Intent)
	result.RecommendedMaxTokens = RecommendMaxTokens(result.Intent)
	result.ResponseStyle = RecommendStyle(result.Intent)
	result.AnalysisTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

func (c *Classifier) detect(ctx context.Context, query string) (detection, error) {
	resp, err := c.client.Complete(ctx, gateway.CompletionRequest{
		Model:       c.config.Model,
		Messages:    []gateway.Message{{Role: "user", Content: buildDetectionPrompt(query)}},
		Temperature: detectionTemperature,
		MaxTokens:   detectionMaxTokens,
	})
	if err != nil {
		return detection{}, err
	}
	return parseDetection(resp.Content)
}

func parseDetection(content string) (detection, error) {
	content = strings.TrimSpace(gateway.StripReasoning(content))
	if strings.HasPrefix(content, "```json") {
		content = content[len("```json"):]
	} else if strings.HasPrefix(content, "```") {
		content = content[len("```"):]
	}
	content = strings.TrimSpace(content)
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var det detection
	if err := json.Unmarshal([]byte(content), &det); err != nil {
		return detection{}, fmt.Errorf("malformed classification response: %w", err)
	}

	if det.Language == "" {
		det.Language = "en"
	}
	switch det.Complexity {
	case "simple", "moderate", "complex":
	default:
		det.Complexity = "moderate"
	}
	if det.Confidence < 0 {
		det.Confidence = 0
	}
	if det.Confidence > 1 {
		det.Confidence = 1
	}
	return det, nil
}

func (c *Classifier) logEvent(eventType, query, tenantID string, result *Intent, errMsg string) {
	if c.querylog == nil {
		return
	}
	c.querylog.Log(querylog.Entry{
		EventType:  eventType,
		Query:      query,
		Intent:     result.Intent,
		Confidence: result.Confidence,
		Language:   result.Language,
		Complexity: result.Complexity,
		Thresholds: querylog.Thresholds{
			Reject:   c.config.RejectThreshold,
			Fallback: c.config.FallbackThreshold,
		},
		TenantID:     tenantID,
		Reasoning:    result.Reasoning,
		ErrorMessage: errMsg,
	})
}

func buildDetectionPrompt(query string) string {
	return fmt.Sprintf(`Classify the intent of a search query against a document collection.

Query: %q

Choose exactly one intent:

Core retrieval:
- simple_lookup: find one specific value or attribute
- list_enumeration: list all items matching a criterion
- yes_no: confirm or deny a single fact
- definition_explanation: define or explain a term or concept
- factual_retrieval: general factual question about document content

Analytical:
- comparison: compare two or more items side by side
- aggregation: count, sum, average or rank across items
- temporal: dates, durations or ordering of events
- relationship_mapping: how entities relate to each other
- contextual_explanation: why something is the case, causes and background

Advanced logic:
- negative_logic: what is absent, missing or excluded
- cross_reference: match or intersect items across documents or sets
- synthesis: integrate multiple sources into one conclusion

Meta:
- document_navigation: where information is located in the documents
- exception_handling: violations, deviations or special cases of rules

Respond with ONLY this JSON object, nothing else:
{"intent": "<label>", "language": "<ISO 639-1 code of the query language>", "complexity": "<simple|moderate|complex>", "confidence": <0.0-1.0>, "reasoning": "<one short sentence>"}`, query)
}
