package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/seopilot/kit"
)

// TraceID assigns a random trace ID to each request, echoes it in
// X-Trace-ID and attaches a request-scoped logger to the context.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)

		ctx := kit.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default(). A site
// resolved for the request is added as site_id.
func GetLogger(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(LoggerKey).(*slog.Logger)
	if !ok {
		l = slog.Default()
	}
	if id := kit.GetSiteID(ctx); id != "" {
		l = l.With("site_id", id)
	}
	return l
}
