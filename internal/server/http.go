// Package server exposes the ingestion and retrieval pipelines over HTTP.
//
// All bodies are JSON. Errors are returned as {"error": "..."} with a
// status derived from the sentinel chain of the underlying error, so a
// missing collection surfaces as 404 whether it was hit during ingest,
// deletion, or a retrieval search.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/knoguchi/ragstack/internal/auth"
	"github.com/knoguchi/ragstack/internal/gateway"
	"github.com/knoguchi/ragstack/internal/ingestion"
	"github.com/knoguchi/ragstack/internal/intent"
	"github.com/knoguchi/ragstack/internal/querylog"
	"github.com/knoguchi/ragstack/internal/retrieval"
	"github.com/knoguchi/ragstack/internal/search"
	"github.com/knoguchi/ragstack/internal/vectorstore"
)

const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = 8000

	// DefaultMaxConcurrentIngests bounds ingest requests in flight.
	DefaultMaxConcurrentIngests = 10

	// DefaultIngestTimeout bounds one full ingest including the wait
	// for a slot.
	DefaultIngestTimeout = 120 * time.Second

	// healthProbeTimeout bounds each dependency check on /health.
	healthProbeTimeout = 2 * time.Second
)

// Ingestor runs the document ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req ingestion.IngestRequest) (*ingestion.IngestResult, error)
}

// Retriever runs the retrieval pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Searcher performs vector search without the rest of the pipeline.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

// Classifier analyzes query intent.
type Classifier interface {
	Classify(ctx context.Context, query, tenantID string) (*intent.Intent, error)
}

// QueryStats reports aggregates from the query log.
type QueryStats interface {
	Stats(hours int) (*querylog.Stats, error)
}

// LLMGateway is the slice of the gateway the server exposes directly.
type LLMGateway interface {
	HealthCheck(ctx context.Context) map[string]gateway.ProviderStatus
	CacheStats() gateway.CacheStats
	ClearCache() int
	Stats() gateway.UsageStats
}

// Services holds the collaborators behind the HTTP surface. Pipeline,
// Retriever, Searcher, Gateway and Store are required. Classifier and
// QueryLog may be nil when intent detection is disabled; the matching
// endpoints then return 503.
type Services struct {
	Pipeline   Ingestor
	Retriever  Retriever
	Searcher   Searcher
	Classifier Classifier
	QueryLog   QueryStats
	Gateway    LLMGateway
	Store      vectorstore.Store
}

// Config holds configuration for the HTTP server.
type Config struct {
	// Port is the listen port. Zero means DefaultPort.
	Port int

	// Version is reported by /health.
	Version string

	// AllowedOrigins lists CORS allowed origins. Empty allows all.
	AllowedOrigins []string

	// TenantAPIKeys maps API key to tenant name. Empty disables key
	// checking and every caller becomes the internal tenant.
	TenantAPIKeys map[string]string

	// MaxConcurrentIngests bounds ingest and document-update requests
	// in flight. Zero means DefaultMaxConcurrentIngests.
	MaxConcurrentIngests int64

	// IngestTimeout bounds one full ingest. Zero means
	// DefaultIngestTimeout.
	IngestTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front end for the two pipelines.
type Server struct {
	server        *http.Server
	router        *chi.Mux
	logger        *slog.Logger
	svc           Services
	version       string
	ingestSem     *semaphore.Weighted
	ingestTimeout time.Duration
	startedAt     time.Time
}

// New assembles the router and returns a server ready to Start.
func New(svc Services, config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.MaxConcurrentIngests <= 0 {
		config.MaxConcurrentIngests = DefaultMaxConcurrentIngests
	}
	if config.IngestTimeout <= 0 {
		config.IngestTimeout = DefaultIngestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger,
		svc:           svc,
		version:       config.Version,
		ingestSem:     semaphore.NewWeighted(config.MaxConcurrentIngests),
		ingestTimeout: config.IngestTimeout,
		startedAt:     time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(requestLoggingMiddleware(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware(config.AllowedOrigins))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/health", s.handleHealth)

	authMW := auth.New(config.TenantAPIKeys)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Post("/ingest", s.handleIngest)
		r.Post("/collections", s.handleCreateCollection)
		r.Get("/collections", s.handleListCollections)
		r.Delete("/collections/{name}", s.handleDeleteCollection)
		r.Put("/documents/{id}", s.handleUpdateDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/search", s.handleSearch)
		r.Post("/intent", s.handleIntent)
		r.Get("/intent/stats", s.handleIntentStats)
	})

	s.router.Route("/gateway", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Get("/models", s.handleModels)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // LLM calls can run long
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	s.logger.Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err)
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

// errBadRequest forces a 400 for validation failures that have no
// sentinel of their own.
type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }

func badRequest(format string, args ...any) error {
	return errBadRequest{err: fmt.Errorf(format, args...)}
}

// errUnavailable forces a 503 for endpoints whose backing service is
// not configured.
type errUnavailable struct{ err error }

func (e errUnavailable) Error() string { return e.err.Error() }

func unavailable(format string, args ...any) error {
	return errUnavailable{err: fmt.Errorf(format, args...)}
}

// statusFor maps an error chain to an HTTP status. Storage sentinels
// are checked before the stage sentinels that wrap them, so a missing
// collection stays a 404 even when it surfaces through the search stage.
func statusFor(err error) int {
	var (
		br errBadRequest
		ua errUnavailable
	)
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.As(err, &ua):
		return http.StatusServiceUnavailable
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, vectorstore.ErrCollectionExists):
		return http.StatusConflict
	case errors.Is(err, vectorstore.ErrDimensionMismatch),
		errors.Is(err, vectorstore.ErrInvalidFilter),
		errors.Is(err, ingestion.ErrEmptyDocument),
		errors.Is(err, ingestion.ErrDocumentTooShort),
		errors.Is(err, ingestion.ErrDocumentTooLarge),
		errors.Is(err, ingestion.ErrTooManyChunks),
		errors.Is(err, ingestion.ErrEmbeddingsRequired),
		errors.Is(err, ingestion.ErrCollectionRequired),
		errors.Is(err, intent.ErrQueryRejected),
		errors.Is(err, gateway.ErrModelUnknown):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, retrieval.ErrAnswerStage):
		return http.StatusBadGateway
	case errors.Is(err, retrieval.ErrSearchStage),
		errors.Is(err, gateway.ErrGatewayBusy),
		errors.Is(err, gateway.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// No origins configured: allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
