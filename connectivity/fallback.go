package connectivity

import (
	"context"
	"log/slog"
)

// WithFallback answers from local when the primary handler fails. Context
// cancellation is not treated as a failure. A nil local disables fallback.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			if logger != nil {
				logger.WarnContext(ctx, "remote failed, using local fallback",
					"service", service,
					"remote_error", err)
			}
			return local(ctx, payload)
		}
	}
}
