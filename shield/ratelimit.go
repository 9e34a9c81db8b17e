package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter is a token-bucket rate limiter partitioned by an arbitrary
// key (client IP, agent token hash). Idle keys are dropped by GC.
type KeyedLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewKeyedLimiter allows perSecond requests per key with the given burst.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow reports whether one more request for key fits the bucket.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	e, ok := kl.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(kl.rate, kl.burst)}
		kl.entries[key] = e
	}
	e.lastSeen = time.Now()
	kl.mu.Unlock()
	return e.lim.Allow()
}

// GC removes keys idle for longer than idle.
func (kl *KeyedLimiter) GC(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for k, e := range kl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(kl.entries, k)
		}
	}
}

// StartGC runs GC every interval until done is closed.
func (kl *KeyedLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				kl.GC(10 * time.Minute)
			}
		}
	}()
}

// Middleware enforces the limit using keyFn to partition requests.
// Rejected requests get a JSON 429 with Retry-After.
func (kl *KeyedLimiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if kl.Allow(key) {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("ratelimit: request blocked", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
