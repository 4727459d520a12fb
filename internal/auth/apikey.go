// Package auth provides tenant API-key authentication for the HTTP surface.
// Keys map to tenant names; loopback callers and deployments with no keys
// configured bypass checking as the internal tenant.
package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// APIKeyHeader carries the tenant key. An Authorization header with or
	// without a Bearer prefix is accepted as an alternative.
	APIKeyHeader = "X-API-Key"

	// InternalTenant is assigned to callers that bypass key checking.
	InternalTenant = "Internal"

	tenantContextKey contextKey = "tenant"
)

// TenantInfo identifies the authenticated caller.
type TenantInfo struct {
	Name string
	Key  string
}

// Middleware validates tenant API keys on every request.
type Middleware struct {
	keys map[string]string // api key -> tenant name
}

// New creates the middleware from a key-to-tenant-name map. An empty map
// disables checking; every caller then becomes InternalTenant.
func New(keys map[string]string) *Middleware {
	return &Middleware{keys: keys}
}

// Handler wraps next with tenant authentication. A missing key yields 401
// and an unknown key 403.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.keys) == 0 || isLoopback(r) {
			ctx := WithTenant(r.Context(), &TenantInfo{Name: InternalTenant})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key (provide X-API-Key or Authorization header)")
			return
		}
		name, ok := m.keys[key]
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		ctx := WithTenant(r.Context(), &TenantInfo{Name: name, Key: key})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithTenant returns a context carrying the tenant.
func WithTenant(ctx context.Context, tenant *TenantInfo) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// TenantFromContext extracts the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*TenantInfo)
	return tenant, ok
}

// TenantName returns the authenticated tenant name, or "" outside the
// middleware.
func TenantName(ctx context.Context) string {
	if tenant, ok := TenantFromContext(ctx); ok {
		return tenant.Name
	}
	return ""
}

// extractAPIKey reads the key from X-API-Key first, then Authorization with
// an optional Bearer prefix.
func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	raw = strings.TrimPrefix(raw, "Bearer ")
	return strings.TrimSpace(raw)
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
