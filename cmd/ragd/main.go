package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/ragstack/internal/answer"
	"github.com/knoguchi/ragstack/internal/compressor"
	"github.com/knoguchi/ragstack/internal/config"
	"github.com/knoguchi/ragstack/internal/embedder"
	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/ingestion"
	"github.com/knoguchi/ragstack/internal/intent"
	"github.com/knoguchi/ragstack/internal/querylog"
	"github.com/knoguchi/ragstack/internal/reranker"
	"github.com/knoguchi/ragstack/internal/retrieval"
	"github.com/knoguchi/ragstack/internal/search"
	"github.com/knoguchi/ragstack/internal/server"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"vector_backend", cfg.VectorBackend,
	)

	// Initialize the LLM gateway
	gw := gateway.New(gateway.Config{
		NebiusBaseURL:    cfg.NebiusAPIURL,
		NebiusAPIKey:     cfg.NebiusAPIKey,
		SambaNovaBaseURL: cfg.SambaNovaAPIURL,
		SambaNovaAPIKey:  cfg.SambaNovaAPIKey,
		JinaBaseURL:      cfg.JinaAPIURL,
		JinaAPIKey:       cfg.JinaAPIKey,
		CacheTTL:         cfg.GatewayCacheTTL,
		CacheSize:        cfg.GatewayCacheSize,
		CacheDisabled:    !cfg.GatewayCacheEnabled,
		MaxInflight:      cfg.GatewayMaxInflight,
		RequestTimeout:   cfg.ProviderTimeout,
	})
	slog.Info("initialized LLM gateway", "cache_enabled", cfg.GatewayCacheEnabled)

	// Initialize the vector store backend
	var store vectorstore.Store
	switch cfg.VectorBackend {
	case "qdrant":
		store, err = vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	default:
		store, err = vectorstore.NewMilvusStore(ctx, cfg.MilvusAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to vector store: %w", err)
	}
	defer store.Close()
	slog.Info("connected to vector store", "backend", cfg.VectorBackend)

	// Initialize the embedder
	embed, err := embedder.New(gw, embedder.Config{
		Model:       cfg.DefaultEmbeddingModel,
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		CacheSize:   cfg.EmbedCacheSize,
		CacheTTL:    cfg.EmbedCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	slog.Info("initialized embedder", "model", cfg.DefaultEmbeddingModel)

	// Initialize the ingestion pipeline
	metadata := ingestion.NewMetadataExtractor(gw, ingestion.MetadataConfig{
		Model:       cfg.MetadataModel,
		Concurrency: cfg.MetadataConcurrency,
	})
	pipeline := ingestion.NewPipeline(store, embed, metadata, ingestion.PipelineConfig{
		MetadataTimeout:      cfg.MetadataTimeout,
		EmbedTimeout:         cfg.EmbedTimeout,
		MaxDocumentBytes:     cfg.MaxDocumentBytes,
		MinDocumentLength:    cfg.MinDocumentLength,
		MaxChunksPerDocument: cfg.MaxChunksPerDocument,
	})

	// Initialize the retrieval side
	searcher := search.New(store, embed, search.Config{
		Weights: search.BoostWeights{
			Questions: cfg.BoostQuestions,
			Keywords:  cfg.BoostKeywords,
			Topics:    cfg.BoostTopics,
			Summary:   cfg.BoostSummary,
		},
		MaxBoost: cfg.BoostCap,
	})

	var rr reranker.Reranker
	switch cfg.RerankerBackend {
	case "jina":
		rr = reranker.NewJina(gw, reranker.JinaConfig{Model: cfg.RerankModel})
	case "llm":
		rr = reranker.NewLLM(gw, reranker.WithModel(cfg.AnswerModelFast))
	}
	if rr != nil {
		slog.Info("initialized reranker", "backend", cfg.RerankerBackend)
	} else {
		slog.Info("reranking disabled")
	}

	comp := compressor.New(gw, compressor.Config{Model: cfg.CompressionModel})

	gen := answer.New(gw, answer.Config{
		Model:       cfg.DefaultAnswerModel,
		Temperature: float32(cfg.AnswerTemperature),
		CacheTTL:    cfg.AnswerCacheTTL,
		CacheSize:   cfg.AnswerCacheSize,
	})

	qlog, err := querylog.Open(querylog.Config{
		Path:      cfg.QueryLogPath,
		Retention: cfg.QueryLogRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to open query log: %w", err)
	}
	defer qlog.Close()

	cls := intent.New(gw, intent.Config{
		Model:             cfg.IntentModel,
		FastAnswerModel:   cfg.AnswerModelFast,
		StrongAnswerModel: cfg.AnswerModelStrong,
		RejectThreshold:   cfg.IntentRejectThreshold,
		FallbackThreshold: cfg.IntentFallbackThreshold,
		QueryLog:          qlog,
	})

	retriever := retrieval.New(searcher, rr, comp, gen, cls, retrieval.Config{
		SearchTopK:       cfg.SearchTopK,
		RerankTopK:       cfg.RerankTopK,
		MaxContextChunks: cfg.MaxContextChunks,
		Timeout:          cfg.RetrieveTimeout,
		IntentTimeout:    cfg.IntentTimeout,
		MaxConcurrent:    cfg.MaxConcurrentRetrievals,
	})

	// Create the HTTP server
	httpServer := server.New(server.Services{
		Pipeline:   pipeline,
		Retriever:  retriever,
		Searcher:   searcher,
		Classifier: cls,
		QueryLog:   qlog,
		Gateway:    gw,
		Store:      store,
	}, server.Config{
		Port:                 cfg.HTTPPort,
		Version:              cfg.Version,
		AllowedOrigins:       cfg.AllowedOrigins,
		TenantAPIKeys:        cfg.TenantAPIKeys,
		MaxConcurrentIngests: cfg.MaxConcurrentIngests,
		IngestTimeout:        cfg.IngestTimeout,
	})

	// Start the server
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ server.Ingestor   = (*ingestion.Pipeline)(nil)
	_ server.Retriever  = (*retrieval.Orchestrator)(nil)
	_ server.Searcher   = (*search.Searcher)(nil)
	_ server.Classifier = (*intent.Classifier)(nil)
	_ server.QueryStats = (*querylog.Logger)(nil)
	_ server.LLMGateway = (*gateway.Gateway)(nil)
	_ embedder.Client   = (*gateway.Gateway)(nil)
	_ reranker.Reranker = (*reranker.JinaReranker)(nil)
	_ reranker.Reranker = (*reranker.LLMReranker)(nil)
)
