package gateway

import (
	"fmt"
	"sort"
)

// Provider identifies an upstream inference provider.
type Provider string

const (
	ProviderNebius    Provider = "nebius"
	ProviderSambaNova Provider = "sambanova"
	ProviderJina      Provider = "jina"
)

// ModelKind classifies what a model can do.
type ModelKind string

const (
	KindChat      ModelKind = "chat"
	KindEmbedding ModelKind = "embedding"
	KindRerank    ModelKind = "rerank"
)

// ModelInfo describes a single entry in the model registry.
type ModelInfo struct {
	// ID is the provider-side model identifier used on the wire.
	ID string `json:"id"`

	// Provider is the upstream the model is served by.
	Provider Provider `json:"provider"`

	// Kind is the model's capability class.
	Kind ModelKind `json:"kind"`

	// Dimension is the output vector size for embedding models, 0 otherwise.
	Dimension int `json:"dimension,omitempty"`

	// InputPricePerM and OutputPricePerM are USD per one million tokens.
	InputPricePerM  float64 `json:"input_price_per_m"`
	OutputPricePerM float64 `json:"output_price_per_m"`

	// Reasoning marks models that emit <think> blocks before the answer.
	// The gateway strips those blocks from completions for flagged models.
	Reasoning bool `json:"reasoning,omitempty"`
}

// registry is the closed table of models the gateway will talk to. Requests
// naming anything else fail with ErrModelUnknown before any provider call.
var registry = map[string]ModelInfo{
	// Nebius chat models.
	"Qwen/Qwen3-32B-fast": {
		ID: "Qwen/Qwen3-32B-fast", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.13, OutputPricePerM: 0.40, Reasoning: true,
	},
	"meta-llama/Llama-3.3-70B-Instruct-fast": {
		ID: "meta-llama/Llama-3.3-70B-Instruct-fast", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.25, OutputPricePerM: 0.75,
	},
	"meta-llama/Llama-3.1-8B-Instruct-fast": {
		ID: "meta-llama/Llama-3.1-8B-Instruct-fast", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.03, OutputPricePerM: 0.09,
	},
	"Qwen/Qwen3-Coder-480B-A35B-Instruct": {
		ID: "Qwen/Qwen3-Coder-480B-A35B-Instruct", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.40, OutputPricePerM: 1.80,
	},
	"deepseek-ai/DeepSeek-R1-0528": {
		ID: "deepseek-ai/DeepSeek-R1-0528", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.80, OutputPricePerM: 2.40, Reasoning: true,
	},
	"Qwen/Qwen2.5-VL-72B-Instruct": {
		ID: "Qwen/Qwen2.5-VL-72B-Instruct", Provider: ProviderNebius, Kind: KindChat,
		InputPricePerM: 0.25, OutputPricePerM: 0.75,
	},

	// SambaNova chat models.
	"Meta-Llama-3.3-70B-Instruct": {
		ID: "Meta-Llama-3.3-70B-Instruct", Provider: ProviderSambaNova, Kind: KindChat,
		InputPricePerM: 0.60, OutputPricePerM: 1.20,
	},
	"Meta-Llama-3.1-8B-Instruct": {
		ID: "Meta-Llama-3.1-8B-Instruct", Provider: ProviderSambaNova, Kind: KindChat,
		InputPricePerM: 0.10, OutputPricePerM: 0.20,
	},
	"DeepSeek-R1": {
		ID: "DeepSeek-R1", Provider: ProviderSambaNova, Kind: KindChat,
		InputPricePerM: 5.00, OutputPricePerM: 7.00, Reasoning: true,
	},
	"Qwen3-32B": {
		ID: "Qwen3-32B", Provider: ProviderSambaNova, Kind: KindChat,
		InputPricePerM: 0.40, OutputPricePerM: 0.80, Reasoning: true,
	},

	// Embedding models. Dimension is fixed per model and drives collection
	// dimensions downstream.
	"jina-embeddings-v3": {
		ID: "jina-embeddings-v3", Provider: ProviderJina, Kind: KindEmbedding,
		Dimension: 1024, InputPricePerM: 0.02,
	},
	"jina-embeddings-v4": {
		ID: "jina-embeddings-v4", Provider: ProviderJina, Kind: KindEmbedding,
		Dimension: 2048, InputPricePerM: 0.08,
	},
	"BAAI/bge-multilingual-gemma2": {
		ID: "BAAI/bge-multilingual-gemma2", Provider: ProviderNebius, Kind: KindEmbedding,
		Dimension: 3584, InputPricePerM: 0.01,
	},
	"intfloat/e5-mistral-7b-instruct": {
		ID: "intfloat/e5-mistral-7b-instruct", Provider: ProviderNebius, Kind: KindEmbedding,
		Dimension: 4096, InputPricePerM: 0.01,
	},
	"BAAI/bge-en-icl": {
		ID: "BAAI/bge-en-icl", Provider: ProviderNebius, Kind: KindEmbedding,
		Dimension: 4096, InputPricePerM: 0.01,
	},
	"Qwen/Qwen3-Embedding-8B": {
		ID: "Qwen/Qwen3-Embedding-8B", Provider: ProviderNebius, Kind: KindEmbedding,
		Dimension: 4096, InputPricePerM: 0.01,
	},

	// Rerank models.
	"jina-reranker-v2-base-multilingual": {
		ID: "jina-reranker-v2-base-multilingual", Provider: ProviderJina, Kind: KindRerank,
		InputPricePerM: 0.02,
	},
}

// ResolveModel looks up a model identifier in the registry.
func ResolveModel(id string) (ModelInfo, error) {
	info, ok := registry[id]
	if !ok {
		return ModelInfo{}, fmt.Errorf("model %q: %w", id, ErrModelUnknown)
	}
	return info, nil
}

// Models returns the full registry sorted by provider then id, for the
// introspection endpoint.
func Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EmbeddingDimension returns the output dimension for an embedding model.
func EmbeddingDimension(id string) (int, error) {
	info, err := ResolveModel(id)
	if err != nil {
		return 0, err
	}
	if info.Kind != KindEmbedding {
		return 0, fmt.Errorf("model %q is not an embedding model: %w", id, ErrModelUnknown)
	}
	return info.Dimension, nil
}

// estimateCost converts token usage into an estimated USD cost using the
// per-million-token prices from the registry.
func estimateCost(info ModelInfo, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*info.InputPricePerM/1e6 +
		float64(completionTokens)*info.OutputPricePerM/1e6
}
