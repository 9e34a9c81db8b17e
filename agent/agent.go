// Package agent is the site-side half of seopilot. An Agent pulls its
// site's manifest on an interval, keeps the last good copy in memory and
// applies the entry for each request path to outgoing HTML.
//
// The agent never fails closed: a rejected credential, an unreachable
// server or a malformed manifest leaves the previous cache in place, and a
// document that cannot be mutated is served unmodified.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/seopilot/horosafe"
	"github.com/hazyhaar/seopilot/manifest"
	"github.com/hazyhaar/seopilot/rule"
)

// ManifestPath is the server endpoint agents poll.
const ManifestPath = "/api/v1/agent/manifest"

// maxManifestBody caps a manifest download (4 MiB).
const maxManifestBody int64 = 4 << 20

var (
	// ErrUnauthorized is returned by Sync when the server rejects the token.
	ErrUnauthorized = errors.New("agent: credential rejected")
	// ErrRateLimited is returned by Sync on 429.
	ErrRateLimited = errors.New("agent: rate limited")
)

// Config configures an Agent.
type Config struct {
	Server     string        // base URL of the seopilot server
	Token      string        // site credential (sp_...)
	Interval   time.Duration // sync period; default 60s
	HTTPClient *http.Client  // default: 10s timeout
	Logger     *slog.Logger
	Clock      func() time.Time
}

type cache struct {
	rules     map[string]manifest.Entry
	meta      manifest.Meta
	etag      string
	fetchedAt time.Time
}

// Status is a point-in-time view of the agent cache.
type Status struct {
	Rules     int       `json:"rules"`
	FetchedAt time.Time `json:"fetchedAt"`
	ETag      string    `json:"etag,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Agent holds the manifest cache. Safe for concurrent use: the cache is
// replaced whole on every successful sync and read without locks.
type Agent struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	cache   atomic.Pointer[cache]
	lastErr atomic.Pointer[string]
}

// New creates an Agent with an empty cache.
func New(cfg Config) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	a := &Agent{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		now:    cfg.Clock,
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 10 * time.Second}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.cache.Store(&cache{rules: map[string]manifest.Entry{}})
	return a
}

// Sync fetches the manifest once. On 200 the cache is replaced atomically;
// on 304 only the fetch time moves. Any failure keeps the previous cache
// and is returned.
func (a *Agent) Sync(ctx context.Context) error {
	err := a.sync(ctx)
	if err != nil {
		msg := err.Error()
		a.lastErr.Store(&msg)
	} else {
		a.lastErr.Store(nil)
	}
	return err
}

func (a *Agent) sync(ctx context.Context) error {
	prev := a.cache.Load()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.cfg.Server, "/")+ManifestPath, nil)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		next := *prev
		next.fetchedAt = a.now()
		a.cache.Store(&next)
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("agent: manifest status %d", resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, maxManifestBody)
	if err != nil {
		return fmt.Errorf("agent: read manifest: %w", err)
	}
	m, skipped, err := manifest.Decode(body)
	if err != nil {
		return err
	}
	manifest.LogSkipped(a.logger, m.Meta.SiteID, skipped)

	rules := make(map[string]manifest.Entry, len(m.Rules))
	for path, e := range m.Rules {
		rules[rule.NormalizePath(path)] = e
	}
	a.cache.Store(&cache{
		rules:     rules,
		meta:      m.Meta,
		etag:      resp.Header.Get("ETag"),
		fetchedAt: a.now(),
	})
	a.logger.Debug("agent: manifest synced", "site_id", m.Meta.SiteID, "rules", len(rules), "skipped", len(skipped))
	return nil
}

// Run syncs immediately and then every Interval until ctx is done.
// Sync errors are logged; the loop never stops on them.
func (a *Agent) Run(ctx context.Context) {
	if err := a.Sync(ctx); err != nil {
		a.logger.Warn("agent: sync failed, keeping previous manifest", "error", err)
	}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sync(ctx); err != nil {
				a.logger.Warn("agent: sync failed, keeping previous manifest", "error", err)
			}
		}
	}
}

// Lookup returns the cached entry for path, normalized.
func (a *Agent) Lookup(path string) (manifest.Entry, bool) {
	e, ok := a.cache.Load().rules[rule.NormalizePath(path)]
	return e, ok
}

// Status reports the cache state.
func (a *Agent) Status() Status {
	c := a.cache.Load()
	s := Status{Rules: len(c.rules), FetchedAt: c.fetchedAt, ETag: c.etag}
	if msg := a.lastErr.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}
