package compressor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragstack/internal/gateway"
)

type fakeClient struct {
	lastReq gateway.CompletionRequest
	content string
	err     error
}

func (f *fakeClient) Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.CompletionResponse{Content: f.content, Model: req.Model}, nil
}

func chunk(id, text string, score float64) Chunk {
	return Chunk{ID: id, Text: text, Score: score}
}

const longText = "The battery holds 5000 mAh and charges over USB-C at up to 45 watts. " +
	"It reaches an 80 percent charge in about 35 minutes under normal conditions. " +
	"The casing is made of recycled aluminium."

func TestCompressExtractsPerChunk(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C at up to 45 watts.\n" +
		"=== CHUNK 2 (ID: c2) ===\n" +
		"It reaches an 80 percent charge in about 35 minutes.\n"}
	c := New(client, Config{})

	out, err := c.Compress(context.Background(), Request{
		Query:  "how fast does the battery charge",
		Chunks: []Chunk{chunk("c1", longText, 0.9), chunk("c2", longText, 0.8)},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "c1", out[0].ID)
	assert.Equal(t, "The battery holds 5000 mAh and charges over USB-C at up to 45 watts.", out[0].CompressedText)
	assert.Equal(t, longText, out[0].OriginalText)
	assert.Equal(t, len(longText), out[0].OriginalLength)
	assert.Equal(t, len(out[0].CompressedText), out[0].CompressedLength)
	assert.InDelta(t, float64(out[0].CompressedLength)/float64(len(longText)), out[0].Ratio, 1e-9)

	assert.Equal(t, "c2", out[1].ID)
	assert.Equal(t, "It reaches an 80 percent charge in about 35 minutes.", out[1].CompressedText)
}

func TestCompressPromptCarriesMarkersAndQuery(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\nsome extracted sentence here.\n"}
	c := New(client, Config{})

	_, err := c.Compress(context.Background(), Request{
		Query:  "what is the warranty period",
		Chunks: []Chunk{chunk("c1", longText, 0.9)},
	})
	require.NoError(t, err)

	prompt := client.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "Question: what is the warranty period")
	assert.Contains(t, prompt, "=== CHUNK 1 (ID: c1) ===")
	assert.Contains(t, prompt, "No relevant content")
	assert.Equal(t, DefaultModel, client.lastReq.Model)
	assert.Equal(t, float32(0.1), client.lastReq.Temperature)
	assert.Equal(t, float32(0.9), client.lastReq.TopP)
}

func TestCompressDropsIrrelevantChunks(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C.\n" +
		"=== CHUNK 2 (ID: c2) ===\nNo relevant content\n"}
	c := New(client, Config{})

	out, err := c.Compress(context.Background(), Request{
		Query:  "battery",
		Chunks: []Chunk{chunk("c1", longText, 0.9), chunk("c2", longText, 0.8)},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
}

func TestCompressFallsBackOnMissingOrTinyExtraction(t *testing.T) {
	// Chunk 2 is absent from the response, chunk 3's extraction is too short
	// to trust. Both keep fallback text instead.
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C.\n" +
		"=== CHUNK 3 (ID: c3) ===\nok\n"}
	c := New(client, Config{})

	withSummary := chunk("c2", longText, 0.8)
	withSummary.Summary = "Battery capacity and charging."

	longRaw := chunk("c3", strings.Repeat("x", 700), 0.7)

	out, err := c.Compress(context.Background(), Request{
		Query:  "battery",
		Chunks: []Chunk{chunk("c1", longText, 0.9), withSummary, longRaw},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "Battery capacity and charging.", out[1].CompressedText)
	assert.Equal(t, strings.Repeat("x", 500), out[2].CompressedText, "no summary falls back to truncated text")
}

func TestCompressFiltersByScoreThreshold(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C.\n"}
	c := New(client, Config{})

	out, err := c.Compress(context.Background(), Request{
		Query:  "battery",
		Chunks: []Chunk{chunk("c1", longText, 0.9), chunk("c2", longText, 0.1)},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
	assert.NotContains(t, client.lastReq.Messages[0].Content, "ID: c2")
}

func TestCompressKeepsAllWhenEveryScoreIsLow(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C.\n" +
		"=== CHUNK 2 (ID: c2) ===\n" +
		"It reaches an 80 percent charge in about 35 minutes.\n"}
	c := New(client, Config{})

	out, err := c.Compress(context.Background(), Request{
		Query:  "battery",
		Chunks: []Chunk{chunk("c1", longText, 0.05), chunk("c2", longText, 0.01)},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2, "threshold filter must not wipe the context")
}

func TestCompressCustomThresholdAndModel(t *testing.T) {
	client := &fakeClient{content: "=== CHUNK 1 (ID: c1) ===\n" +
		"The battery holds 5000 mAh and charges over USB-C.\n"}
	c := New(client, Config{})

	_, err := c.Compress(context.Background(), Request{
		Query:          "battery",
		Chunks:         []Chunk{chunk("c1", longText, 0.75), chunk("c2", longText, 0.6)},
		ScoreThreshold: 0.7,
		Model:          "meta-llama/Llama-3.3-70B-Instruct-fast",
	})
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-3.3-70B-Instruct-fast", client.lastReq.Model)
	assert.NotContains(t, client.lastReq.Messages[0].Content, "ID: c2")
}

func TestCompressTokenBudget(t *testing.T) {
	c := New(&fakeClient{}, Config{})

	// 2000 chars at ratio 0.5 is about 250 tokens, inside the per-chunk cap.
	chunks := []Chunk{chunk("c1", strings.Repeat("a", 1000), 0.9), chunk("c2", strings.Repeat("b", 1000), 0.9)}
	assert.Equal(t, 250, c.tokenBudget(chunks, 0.5))

	// A tiny input still gets at least one chunk's worth of budget.
	assert.Equal(t, DefaultMaxTokensPerChunk, c.tokenBudget([]Chunk{chunk("c1", "short", 0.9)}, 0.5))

	// A huge input is capped at MaxTokensPerChunk per chunk.
	big := []Chunk{chunk("c1", strings.Repeat("a", 10000), 0.9)}
	assert.Equal(t, DefaultMaxTokensPerChunk, c.tokenBudget(big, 1.0))

	// Out-of-range ratios fall back to the default.
	assert.Equal(t, 250, c.tokenBudget(chunks, -1))
	assert.Equal(t, 250, c.tokenBudget(chunks, 1.5))
}

func TestCompressGatewayErrorSurfaces(t *testing.T) {
	client := &fakeClient{err: errors.New("gateway unavailable")}
	c := New(client, Config{})

	_, err := c.Compress(context.Background(), Request{
		Query:  "battery",
		Chunks: []Chunk{chunk("c1", longText, 0.9)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression failed")
}

func TestCompressValidation(t *testing.T) {
	c := New(&fakeClient{}, Config{})

	_, err := c.Compress(context.Background(), Request{Query: "  ", Chunks: []Chunk{chunk("c1", longText, 0.9)}})
	require.Error(t, err)

	out, err := c.Compress(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Nil(t, out)

	many := make([]Chunk, MaxChunksPerRequest+1)
	for i := range many {
		many[i] = chunk(fmt.Sprintf("c%d", i), longText, 0.9)
	}
	_, err = c.Compress(context.Background(), Request{Query: "q", Chunks: many})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many chunks")
}

func TestAssembleIgnoresDuplicateMarkers(t *testing.T) {
	c := New(&fakeClient{}, Config{})

	response := "=== CHUNK 1 (ID: c1) ===\nfirst extraction wins for this chunk.\n" +
		"=== CHUNK 1 (ID: c1) ===\nsecond extraction must be ignored entirely.\n"
	out := c.assemble([]Chunk{chunk("c1", longText, 0.9)}, response)
	require.Len(t, out, 1)
	assert.Equal(t, "first extraction wins for this chunk.", out[0].CompressedText)
}

func TestAssembleStripsMarkerContamination(t *testing.T) {
	c := New(&fakeClient{}, Config{})

	// A response with preamble text before the first marker still parses.
	response := "Here are the compressed chunks:\n=== CHUNK 1 (ID: c1) ===\nthe battery charges at 45 watts over USB-C.\n"
	out := c.assemble([]Chunk{chunk("c1", longText, 0.9)}, response)
	require.Len(t, out, 1)
	assert.Equal(t, "the battery charges at 45 watts over USB-C.", out[0].CompressedText)
}
