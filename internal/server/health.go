package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// handleHealth reports aggregated service health. Dependencies are
// probed concurrently with a short per-probe deadline so a hung backend
// cannot stall the endpoint. The vector store is a hard dependency;
// provider outages only degrade.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		mu   sync.Mutex
		deps = make(map[string]string)
	)
	set := func(name, status string) {
		mu.Lock()
		deps[name] = status
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		if err := s.svc.Store.HealthCheck(probeCtx); err != nil {
			set("vector_store", "unhealthy")
		} else {
			set("vector_store", "healthy")
		}
		return nil
	})

	g.Go(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		for name, status := range s.svc.Gateway.HealthCheck(probeCtx) {
			if status.Connected {
				set(name, "healthy")
			} else {
				set(name, "unhealthy")
			}
		}
		return nil
	})

	_ = g.Wait()

	status := "healthy"
	for name, st := range deps {
		if st == "healthy" {
			continue
		}
		if name == "vector_store" {
			status = "unhealthy"
			break
		}
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	s.respondJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"dependencies":   deps,
		"usage":          s.svc.Gateway.Stats(),
	})
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReadyz is the readiness probe. It checks the vector store only;
// the service can serve degraded traffic without the LLM providers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	probeCtx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	if err := s.svc.Store.HealthCheck(probeCtx); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
