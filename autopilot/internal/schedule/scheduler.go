// Package schedule drives the autopilot: on every tick it runs the
// per-site unit of work for each site whose policy allows it.
//
// Sites run concurrently up to Config.Concurrency. A unit that fails or
// panics is logged and counted; it never stops the other sites.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
)

// Config controls the scheduler behaviour.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// Concurrency bounds how many sites run at once.
	Concurrency int
	// RunAtStart runs a tick immediately instead of waiting one interval.
	RunAtStart bool
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// SiteLister returns the sites eligible for autonomous operation.
type SiteLister interface {
	ListAutopilotSites(ctx context.Context) ([]*store.Site, error)
}

// Unit is the per-site work of one tick.
type Unit func(ctx context.Context, site *store.Site) error

// Summary reports one tick.
type Summary struct {
	Sites    int
	Failed   int
	Duration time.Duration
}

// Scheduler runs Unit for every eligible site on a ticker.
type Scheduler struct {
	sites  SiteLister
	unit   Unit
	config Config
	logger *slog.Logger
}

// New creates a scheduler.
func New(sites SiteLister, unit Unit, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sites: sites, unit: unit, config: cfg, logger: logger}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler: started",
		"interval", s.config.Interval,
		"concurrency", s.config.Concurrency)

	if s.config.RunAtStart {
		s.tickAndLog(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	sum, err := s.Tick(ctx)
	if err != nil {
		s.logger.Warn("scheduler: tick failed", "error", err)
		return
	}
	s.logger.Info("scheduler: tick done",
		"sites", sum.Sites, "failed", sum.Failed, "duration_ms", sum.Duration.Milliseconds())
}

// Tick runs one pass over the eligible sites and waits for all of them.
// Only failing to list the sites is an error.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	start := time.Now()
	sites, err := s.sites.ListAutopilotSites(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("schedule: list sites: %w", err)
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.runSite(ctx, site); err != nil {
				failed.Add(1)
				s.logger.Warn("scheduler: site failed", "site_id", site.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return Summary{Sites: len(sites), Failed: int(failed.Load()), Duration: time.Since(start)}, nil
}

// runSite is the bulkhead around one unit.
func (s *Scheduler) runSite(ctx context.Context, site *store.Site) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: site panic recovered",
				"site_id", site.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("schedule: panic: %v", r)
		}
	}()
	return s.unit(ctx, site)
}
