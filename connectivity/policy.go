package connectivity

import (
	"log/slog"
	"time"
)

// Policy describes the resilience envelope of one remote dependency.
type Policy struct {
	Service          string
	Timeout          time.Duration // per attempt
	Retries          int
	Backoff          time.Duration // first retry wait; default 200ms
	BreakerThreshold int           // 0 disables the breaker
	BreakerReset     time.Duration // default 30s
	Fallback         Handler
}

// Resilient wraps h as Recovery, Logging, Fallback, CircuitBreaker, Retry
// and Timeout, outermost first. The breaker sees each retried attempt
// as a single call.
func Resilient(h Handler, p Policy, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	mws := []HandlerMiddleware{
		Recovery(logger),
		Logging(logger, p.Service),
		WithFallback(p.Fallback, p.Service, logger),
	}
	if p.BreakerThreshold > 0 {
		opts := []BreakerOption{WithBreakerThreshold(p.BreakerThreshold)}
		if p.BreakerReset > 0 {
			opts = append(opts, WithBreakerResetTimeout(p.BreakerReset))
		}
		opts = append(opts, WithBreakerLogger(logger, p.Service))
		mws = append(mws, WithCircuitBreaker(NewCircuitBreaker(opts...), p.Service))
	}
	mws = append(mws, WithRetry(p.Retries, p.Backoff, logger), Timeout(p.Timeout))
	return Chain(mws...)(h)
}
