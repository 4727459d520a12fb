// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the RAG service. It is parsed once at
// startup, validated, and passed by pointer to constructors; nothing mutates
// it afterwards.
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`

	// Vector store
	VectorBackend string `env:"VECTOR_BACKEND" envDefault:"milvus"`
	MilvusAddr    string `env:"MILVUS_ADDR" envDefault:"localhost:19530"`
	QdrantGRPCURL string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`

	// Providers. Keys are held by the gateway only; at least one must be set.
	NebiusAPIURL    string `env:"NEBIUS_API_URL" envDefault:"https://api.studio.nebius.ai/v1"`
	NebiusAPIKey    string `env:"NEBIUS_API_KEY"`
	SambaNovaAPIURL string `env:"SAMBANOVA_API_URL" envDefault:"https://api.sambanova.ai/v1"`
	SambaNovaAPIKey string `env:"SAMBANOVA_API_KEY"`
	JinaAPIURL      string `env:"JINA_API_URL" envDefault:"https://api.jina.ai/v1"`
	JinaAPIKey      string `env:"JINA_API_KEY"`

	// Gateway
	GatewayCacheEnabled bool          `env:"GATEWAY_CACHE_ENABLED" envDefault:"true"`
	GatewayCacheTTL     time.Duration `env:"GATEWAY_CACHE_TTL" envDefault:"2h"`
	GatewayCacheSize    int           `env:"GATEWAY_CACHE_SIZE" envDefault:"10000"`
	GatewayMaxInflight  int64         `env:"GATEWAY_MAX_INFLIGHT" envDefault:"50"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"60s"`

	// Default models. Every id must exist in the gateway's registry.
	DefaultEmbeddingModel string `env:"DEFAULT_EMBEDDING_MODEL" envDefault:"jina-embeddings-v3"`
	DefaultAnswerModel    string `env:"DEFAULT_ANSWER_MODEL" envDefault:"meta-llama/Llama-3.3-70B-Instruct-fast"`
	AnswerModelFast       string `env:"ANSWER_MODEL_FAST" envDefault:"meta-llama/Llama-3.1-8B-Instruct-fast"`
	AnswerModelStrong     string `env:"ANSWER_MODEL_STRONG" envDefault:"meta-llama/Llama-3.3-70B-Instruct-fast"`
	IntentModel           string `env:"INTENT_MODEL" envDefault:"Qwen/Qwen3-32B-fast"`
	MetadataModel         string `env:"METADATA_MODEL" envDefault:"Qwen/Qwen3-32B-fast"`
	CompressionModel      string `env:"COMPRESSION_MODEL" envDefault:"meta-llama/Llama-3.1-8B-Instruct-fast"`
	RerankModel           string `env:"RERANK_MODEL" envDefault:"jina-reranker-v2-base-multilingual"`

	// Reranker backend: "jina" (hosted), "llm" (cross-encoder style scoring
	// through the gateway) or "off".
	RerankerBackend string `env:"RERANKER_BACKEND" envDefault:"jina"`

	// Embedder
	EmbedConcurrency int           `env:"EMBED_CONCURRENCY" envDefault:"20"`
	EmbedBatchSize   int           `env:"EMBED_BATCH_SIZE" envDefault:"128"`
	EmbedCacheSize   int           `env:"EMBED_CACHE_SIZE" envDefault:"4096"`
	EmbedCacheTTL    time.Duration `env:"EMBED_CACHE_TTL" envDefault:"1h"`
	EmbedTimeout     time.Duration `env:"EMBED_TIMEOUT" envDefault:"30s"`

	// Metadata extraction
	MetadataConcurrency int           `env:"METADATA_CONCURRENCY" envDefault:"20"`
	MetadataTimeout     time.Duration `env:"METADATA_TIMEOUT" envDefault:"60s"`

	// Ingestion
	IngestTimeout        time.Duration `env:"INGEST_TIMEOUT" envDefault:"120s"`
	MaxDocumentBytes     int           `env:"MAX_DOCUMENT_BYTES" envDefault:"10485760"`
	MinDocumentLength    int           `env:"MIN_DOCUMENT_LENGTH" envDefault:"50"`
	MaxChunksPerDocument int           `env:"MAX_CHUNKS_PER_DOCUMENT" envDefault:"1000"`
	MaxConcurrentIngests int64         `env:"MAX_CONCURRENT_INGESTS" envDefault:"10"`

	// Retrieval
	RetrieveTimeout         time.Duration `env:"RETRIEVE_TIMEOUT" envDefault:"30s"`
	MaxConcurrentRetrievals int64         `env:"MAX_CONCURRENT_RETRIEVALS" envDefault:"20"`
	SearchTopK              int           `env:"SEARCH_TOP_K" envDefault:"10"`
	RerankTopK              int           `env:"RERANK_TOP_K" envDefault:"3"`
	MaxContextChunks        int           `env:"MAX_CONTEXT_CHUNKS" envDefault:"3"`
	AnswerTemperature       float64       `env:"ANSWER_TEMPERATURE" envDefault:"0.3"`
	AnswerCacheTTL          time.Duration `env:"ANSWER_CACHE_TTL" envDefault:"2h"`
	AnswerCacheSize         int           `env:"ANSWER_CACHE_SIZE" envDefault:"1024"`

	// Metadata boost weights applied to search scores. Total boost is capped.
	BoostQuestions float64 `env:"BOOST_QUESTIONS" envDefault:"0.20"`
	BoostKeywords  float64 `env:"BOOST_KEYWORDS" envDefault:"0.15"`
	BoostTopics    float64 `env:"BOOST_TOPICS" envDefault:"0.10"`
	BoostSummary   float64 `env:"BOOST_SUMMARY" envDefault:"0.05"`
	BoostCap       float64 `env:"BOOST_CAP" envDefault:"0.50"`

	// Intent classification
	IntentTimeout           time.Duration `env:"INTENT_TIMEOUT" envDefault:"30s"`
	IntentRejectThreshold   float64       `env:"INTENT_REJECT_THRESHOLD" envDefault:"0.40"`
	IntentFallbackThreshold float64       `env:"INTENT_FALLBACK_THRESHOLD" envDefault:"0.60"`

	// Query logging for rejected / low-confidence queries
	QueryLogPath      string        `env:"QUERY_LOG_PATH" envDefault:"logs/queries.jsonl"`
	QueryLogRetention time.Duration `env:"QUERY_LOG_RETENTION" envDefault:"168h"`

	// Tenant API keys in "key:TenantName" pairs, e.g.
	// TENANT_API_KEYS="abc123:Developer,def456:Enterprise".
	// Empty map disables key checking (every caller becomes "Internal").
	TenantAPIKeys map[string]string `env:"TENANT_API_KEYS" envSeparator:","`

	// CORS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.VectorBackend {
	case "milvus", "qdrant":
	default:
		return fmt.Errorf("invalid VECTOR_BACKEND %q (want milvus or qdrant)", c.VectorBackend)
	}
	switch c.RerankerBackend {
	case "jina", "llm", "off":
	default:
		return fmt.Errorf("invalid RERANKER_BACKEND %q (want jina, llm or off)", c.RerankerBackend)
	}
	if c.NebiusAPIKey == "" && c.SambaNovaAPIKey == "" && c.JinaAPIKey == "" {
		return fmt.Errorf("at least one provider API key is required: NEBIUS_API_KEY, SAMBANOVA_API_KEY or JINA_API_KEY")
	}
	if c.BoostCap < 0 || c.BoostCap > 1 {
		return fmt.Errorf("BOOST_CAP %v out of range [0,1]", c.BoostCap)
	}
	if c.IntentRejectThreshold > c.IntentFallbackThreshold {
		return fmt.Errorf("INTENT_REJECT_THRESHOLD %v must not exceed INTENT_FALLBACK_THRESHOLD %v",
			c.IntentRejectThreshold, c.IntentFallbackThreshold)
	}
	return nil
}
