// Package shield provides the HTTP middleware shared by the seopilot API:
// security headers, body limits, request tracing, HEAD handling and keyed
// token-bucket rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack() {
//	    r.Use(mw)
//	}
//	r.With(shield.NewKeyedLimiter(10, 20).Middleware(shield.ExtractIP)).Get("/api/v1/agent/manifest", h)
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Order: HeadToGet, SecurityHeaders, MaxBody, TraceID.
func DefaultAPIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(1 << 20),
		TraceID,
	}
}
