// Package autopilot is the autonomous optimization control loop. It
// decides, per site and per tick, whether to ask the rule synthesizer for
// changes, filters what comes back against the site's rank trajectory and
// daily energy, stores the admitted rules with their audit trail and
// serves the compiled manifest to agents.
//
// Pipeline per site:
//
//	performance snapshots → volatility → (defense | strategic)
//	rank snapshots → stability → divergence filter (strategic only)
//	synthesizer → duplicate check → energy → rule + audit event
//
// Usage:
//
//	p, err := autopilot.New(cfg, autopilot.Deps{Synthesizer: s}, logger)
//	defer p.Close()
//	p.RegisterMCP(mcpServer)
//	router.Mount("/", p.Handler(jwtSecret))
//	p.Start(ctx)
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/seopilot/autopilot/internal/brain"
	"github.com/hazyhaar/seopilot/autopilot/internal/compile"
	"github.com/hazyhaar/seopilot/autopilot/internal/ledger"
	"github.com/hazyhaar/seopilot/autopilot/internal/quota"
	"github.com/hazyhaar/seopilot/autopilot/internal/schedule"
	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/idgen"
	"github.com/hazyhaar/seopilot/observability"
	"github.com/hazyhaar/seopilot/shield"
	"github.com/hazyhaar/seopilot/synth"
)

var (
	ErrForbidden    = errors.New("autopilot: site not owned by operator")
	ErrUnauthorized = errors.New("autopilot: invalid credential")
	ErrNotFound     = store.ErrNotFound
)

// Deps are the external collaborators of the loop. Every field is optional.
type Deps struct {
	Synthesizer synth.Synthesizer
	Market      brain.MarketSensor
	Publisher   ledger.Publisher
	Metrics     *observability.MetricsManager
	Clock       func() time.Time
	IDs         idgen.Generator
}

// Pilot is the autopilot orchestrator.
type Pilot struct {
	store     *store.Store
	quota     *quota.Ledger
	stability *brain.Stability
	detector  *brain.Detector
	compiler  *compile.Compiler
	ledger    *ledger.Ledger
	scheduler *schedule.Scheduler
	synth     synth.Synthesizer
	metrics   *observability.MetricsManager
	ids       idgen.Generator
	now       func() time.Time
	locks     *siteLocks
	limiter   *shield.KeyedLimiter
	config    *Config
	logger    *slog.Logger
}

// New opens the database at cfg.DBPath and wires the loop.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Pilot, error) {
	cfg.defaults()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("autopilot: open store: %w", err)
	}
	p, err := newPilot(st, cfg, deps, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return p, nil
}

func newPilot(st *store.Store, cfg *Config, deps Deps, logger *slog.Logger) (*Pilot, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = synth.Nop{}
	}
	if deps.Market == nil {
		deps.Market = brain.StaticMarket(cfg.Market.Value)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.IDs == nil {
		deps.IDs = idgen.Default
	}
	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("autopilot: quota timezone: %w", err)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithIDs(deps.IDs),
		ledger.WithLogger(logger),
		ledger.WithClock(deps.Clock),
	}
	if deps.Publisher != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(deps.Publisher, cfg.NATS.SubjectPrefix))
	}

	p := &Pilot{
		store: st,
		quota: quota.New(st,
			quota.WithCeiling(cfg.Quota.DailyCeiling),
			quota.WithExemptTiers(cfg.Quota.ExemptTiers...),
			quota.WithLocation(loc),
			quota.WithClock(deps.Clock),
			quota.WithLogger(logger),
		),
		stability: brain.NewStability(st, logger),
		detector:  &brain.Detector{Market: deps.Market, Thresholds: cfg.Policy.Thresholds, Logger: logger},
		compiler:  compile.New(st, logger).WithClock(deps.Clock),
		ledger:    ledger.New(st, ledgerOpts...),
		synth:     deps.Synthesizer,
		metrics:   deps.Metrics,
		ids:       deps.IDs,
		now:       deps.Clock,
		locks:     &siteLocks{held: make(map[string]bool)},
		limiter:   shield.NewKeyedLimiter(cfg.AgentAPI.RatePerSecond, cfg.AgentAPI.Burst),
		config:    cfg,
		logger:    logger,
	}
	p.scheduler = schedule.New(st, p.scheduledUnit, schedule.Config{
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
		RunAtStart:  cfg.Scheduler.RunAtStart,
	}, logger)
	return p, nil
}

// Start launches the scheduler unless it is disabled. The agent rate
// limiter is garbage-collected until ctx is done.
func (p *Pilot) Start(ctx context.Context) {
	p.limiter.StartGC(ctx.Done(), time.Minute)
	if p.config.Scheduler.Disabled {
		p.logger.Info("autopilot: scheduler disabled", "db", p.config.DBPath)
		return
	}
	go p.scheduler.Run(ctx)
	p.logger.Info("autopilot: started", "db", p.config.DBPath, "interval", p.config.Scheduler.Interval)
}

// Tick runs one scheduler pass synchronously.
func (p *Pilot) Tick(ctx context.Context) (schedule.Summary, error) {
	return p.scheduler.Tick(ctx)
}

// Close closes the database.
func (p *Pilot) Close() error {
	return p.store.Close()
}

// Store returns the underlying store for direct access (testing, admin).
func (p *Pilot) Store() *store.Store {
	return p.store
}

func (p *Pilot) record(name, siteID string, value float64, unit string) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordSite(name, siteID, value, unit)
}

// siteLocks serializes cycles per site within the process.
type siteLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *siteLocks) tryLock(siteID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[siteID] {
		return false
	}
	l.held[siteID] = true
	return true
}

func (l *siteLocks) unlock(siteID string) {
	l.mu.Lock()
	delete(l.held, siteID)
	l.mu.Unlock()
}
