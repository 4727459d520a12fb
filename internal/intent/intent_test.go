package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/querylog"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   int
	lastReq gateway.CompletionRequest
	content string
	err     error
}

func (f *fakeClient) Complete(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.CompletionResponse{Content: f.content}, nil
}

type captureLog struct {
	mu      sync.Mutex
	entries []querylog.Entry
}

func (c *captureLog) Log(e querylog.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func TestClassifyParsesDetection(t *testing.T) {
	client := &fakeClient{content: `{"intent": "comparison", "language": "en", "complexity": "moderate", "confidence": 0.92, "reasoning": "compares two products"}`}
	c := New(client, Config{})

	result, err := c.Classify(context.Background(), "iPhone 15 vs Galaxy S24, which has better battery?", "")
	require.NoError(t, err)

	assert.Equal(t, Comparison, result.Intent)
	assert.Equal(t, "en", result.Language)
	assert.InDelta(t, 0.92, result.Confidence, 0.0001)
	assert.False(t, result.Fallback)
	assert.Equal(t, DefaultFastAnswerModel, result.RecommendedModel)
	assert.Equal(t, 2048, result.RecommendedMaxTokens)
	assert.Equal(t, StyleBalanced, result.ResponseStyle)

	assert.Equal(t, DefaultModel, client.lastReq.Model)
	assert.InDelta(t, detectionTemperature, float64(client.lastReq.Temperature), 0.0001)
	assert.Contains(t, client.lastReq.Messages[0].Content, "iPhone 15 vs Galaxy S24")
	assert.Contains(t, client.lastReq.Messages[0].Content, "negative_logic")
}

func TestClassifyRoutesComplexIntentsToStrongModel(t *testing.T) {
	client := &fakeClient{content: `{"intent": "cross_reference", "language": "en", "complexity": "complex", "confidence": 0.9}`}
	c := New(client, Config{StrongAnswerModel: "strong-70b", FastAnswerModel: "fast-8b"})

	result, err := c.Classify(context.Background(), "which vendors appear in both sets?", "")
	require.NoError(t, err)
	assert.Equal(t, CrossReference, result.Intent)
	assert.Equal(t, "strong-70b", result.RecommendedModel)
	assert.Equal(t, StyleComprehensive, result.ResponseStyle)
}

func TestClassifyRejectsBelowThreshold(t *testing.T) {
	log := &captureLog{}
	client := &fakeClient{content: `{"intent": "simple_lookup", "language": "en", "complexity": "simple", "confidence": 0.2}`}
	c := New(client, Config{QueryLog: log})

	_, err := c.Classify(context.Background(), "asdf", "acme")
	require.ErrorIs(t, err, ErrQueryRejected)

	require.Len(t, log.entries, 1)
	e := log.entries[0]
	assert.Equal(t, querylog.EventRejected, e.EventType)
	assert.Equal(t, "asdf", e.Query)
	assert.Equal(t, "acme", e.TenantID)
	assert.InDelta(t, 0.40, e.Thresholds.Reject, 0.0001)
	assert.InDelta(t, 0.60, e.Thresholds.Fallback, 0.0001)
	assert.NotEmpty(t, e.ErrorMessage)
}

func TestClassifyFallsBackOnMidConfidence(t *testing.T) {
	log := &captureLog{}
	client := &fakeClient{content: `{"intent": "synthesis", "language": "en", "complexity": "complex", "confidence": 0.5}`}
	c := New(client, Config{QueryLog: log})

	result, err := c.Classify(context.Background(), "hmm what about things", "")
	require.NoError(t, err)

	assert.Equal(t, FactualRetrieval, result.Intent)
	assert.Equal(t, "moderate", result.Complexity)
	assert.True(t, result.Fallback)
	assert.Equal(t, 1024, result.RecommendedMaxTokens)

	require.Len(t, log.entries, 1)
	assert.Equal(t, querylog.EventLowConfidence, log.entries[0].EventType)
	assert.Equal(t, Synthesis, log.entries[0].Intent, "the log keeps the detected intent, not the fallback")
}

func TestClassifyDegradesOnGarbageResponse(t *testing.T) {
	client := &fakeClient{content: "I think this query is about products."}
	c := New(client, Config{})

	result, err := c.Classify(context.Background(), "what is the warranty period?", "")
	require.NoError(t, err, "parse failures must not fail classification")
	assert.Equal(t, FactualRetrieval, result.Intent)
	assert.InDelta(t, 0.5, result.Confidence, 0.0001)
	assert.True(t, result.Fallback)
}

func TestClassifyDegradesOnClientError(t *testing.T) {
	client := &fakeClient{err: errors.New("gateway busy")}
	c := New(client, Config{})

	result, err := c.Classify(context.Background(), "what is the warranty period?", "")
	require.NoError(t, err)
	assert.Equal(t, FactualRetrieval, result.Intent)
	assert.Equal(t, "en", result.Language)
	assert.True(t, result.Fallback)
}

func TestClassifyReplacesUnknownLabel(t *testing.T) {
	client := &fakeClient{content: `{"intent": "chitchat", "confidence": 0.95}`}
	c := New(client, Config{})

	result, err := c.Classify(context.Background(), "tell me everything", "")
	require.NoError(t, err)
	assert.Equal(t, FactualRetrieval, result.Intent)
	assert.Equal(t, "en", result.Language, "missing language defaults")
	assert.Equal(t, "moderate", result.Complexity, "missing complexity defaults")
	assert.False(t, result.Fallback, "label replacement is not the confidence fallback")
}

func TestClassifyEmptyQuery(t *testing.T) {
	c := New(&fakeClient{}, Config{})
	_, err := c.Classify(context.Background(), "   ", "")
	assert.Error(t, err)
}

func TestParseDetectionStripsWrapping(t *testing.T) {
	raw := "<think>The user wants a list.</think>\n```json\n{\"intent\": \"list_enumeration\", \"language\": \"en\", \"complexity\": \"simple\", \"confidence\": 0.88}\n```"
	det, err := parseDetection(raw)
	require.NoError(t, err)
	assert.Equal(t, ListEnumeration, det.Intent)
	assert.InDelta(t, 0.88, det.Confidence, 0.0001)
}

func TestParseDetectionClampsConfidence(t *testing.T) {
	det, err := parseDetection(`{"intent": "yes_no", "confidence": 1.7}`)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, det.Confidence, 0.0001)

	det, err = parseDetection(`{"intent": "yes_no", "confidence": -0.3}`)
	require.NoError(t, err)
	assert.Zero(t, det.Confidence)
}

func TestRecommendMaxTokens(t *testing.T) {
	cases := map[string]int{
		ListEnumeration:       3072,
		Aggregation:           2048,
		Synthesis:             2048,
		Comparison:            2048,
		CrossReference:        2048,
		ContextualExplanation: 2048,
		RelationshipMapping:   2048,
		DefinitionExplanation: 1024,
		FactualRetrieval:      1024,
		DocumentNavigation:    1024,
		Temporal:              1024,
		ExceptionHandling:     1024,
		NegativeLogic:         1024,
		YesNo:                 512,
		SimpleLookup:          512,
		"anything_else":       DefaultAnswerTokens,
	}
	for label, want := range cases {
		assert.Equal(t, want, RecommendMaxTokens(label), label)
	}
}

func TestRecommendStyle(t *testing.T) {
	assert.Equal(t, StyleConcise, RecommendStyle(SimpleLookup))
	assert.Equal(t, StyleConcise, RecommendStyle(NegativeLogic))
	assert.Equal(t, StyleBalanced, RecommendStyle(Comparison))
	assert.Equal(t, StyleBalanced, RecommendStyle(ListEnumeration))
	assert.Equal(t, StyleComprehensive, RecommendStyle(Synthesis))
	assert.Equal(t, StyleComprehensive, RecommendStyle(ExceptionHandling))
}

func TestValidateStyle(t *testing.T) {
	style, honored := ValidateStyle(Aggregation, StyleConcise)
	assert.Equal(t, StyleBalanced, style, "depth-requiring intents refuse concise")
	assert.False(t, honored)

	style, honored = ValidateStyle(SimpleLookup, StyleComprehensive)
	assert.Equal(t, StyleComprehensive, style)
	assert.True(t, honored)

	style, honored = ValidateStyle(Synthesis, StyleBalanced)
	assert.Equal(t, StyleBalanced, style)
	assert.True(t, honored)

	style, honored = ValidateStyle(Comparison, "verbose")
	assert.Equal(t, StyleBalanced, style, "unknown styles fall back to the recommendation")
	assert.False(t, honored)
}

func TestKnownCoversTaxonomy(t *testing.T) {
	require.Len(t, Labels, 15)
	for _, label := range Labels {
		assert.True(t, Known(label), label)
	}
	assert.False(t, Known("chitchat"))
}
