package gateway

import "errors"

// Sentinel errors returned by gateway operations. Callers should test with
// errors.Is; the HTTP layer maps these to status codes.
var (
	// ErrModelUnknown indicates the requested model is not in the registry.
	ErrModelUnknown = errors.New("model unknown")

	// ErrProviderUnavailable indicates the upstream provider returned a
	// server error or could not be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited indicates the upstream provider rejected the call
	// with a rate-limit response.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrGatewayBusy indicates the gateway's own concurrency budget was
	// exhausted before the request deadline.
	ErrGatewayBusy = errors.New("gateway busy")

	// ErrUpstreamTimeout indicates the provider call exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrInvalidResponse indicates the provider returned a response the
	// gateway could not interpret.
	ErrInvalidResponse = errors.New("invalid provider response")
)
