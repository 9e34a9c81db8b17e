// Package quota is the per-site daily budget of autonomous high-impact
// actions ("energy").
//
// The counter lives on the site row and is reset lazily: the first access
// on a new calendar day (in the ledger's location) zeroes it. Consumption
// is one conditional UPDATE, so two concurrent calls can never both take
// the last unit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
)

// DefaultCeiling is the daily energy of a non-exempt site.
const DefaultCeiling = 50

// Result is the outcome of a Consume call.
type Result struct {
	OK      bool `json:"ok"`
	Used    int  `json:"used"`
	Ceiling int  `json:"ceiling"`
	// Bypass is set when the ceiling did not apply: defense calls and
	// exempt plan tiers.
	Bypass bool `json:"bypass,omitempty"`
}

// State is a read of the ledger for one site.
type State struct {
	SiteID    string `json:"site_id"`
	Day       string `json:"day"`
	Used      int    `json:"used"`
	Ceiling   int    `json:"ceiling"`
	Exempt    bool   `json:"exempt"`
	Remaining int    `json:"remaining"`
}

// Ledger gates autonomous actions per site.
type Ledger struct {
	store   *store.Store
	ceiling int
	exempt  map[string]bool
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCeiling sets the daily ceiling.
func WithCeiling(n int) Option { return func(l *Ledger) { l.ceiling = n } }

// WithExemptTiers lists plan tiers the ceiling does not apply to.
func WithExemptTiers(tiers ...string) Option {
	return func(l *Ledger) {
		for _, t := range tiers {
			l.exempt[t] = true
		}
	}
}

// WithLocation sets the timezone that defines the calendar day.
func WithLocation(loc *time.Location) Option { return func(l *Ledger) { l.loc = loc } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New creates a Ledger backed by st.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		ceiling: DefaultCeiling,
		exempt:  make(map[string]bool),
		loc:     time.UTC,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Today returns the current calendar day key (YYYY-MM-DD).
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(time.DateOnly)
}

// Consume spends one unit of the site's energy. Defense calls always
// succeed and do not spend, but still roll the counter over to today.
// Exempt tiers spend without a ceiling. A missing site returns
// store.ErrNotFound.
func (l *Ledger) Consume(ctx context.Context, siteID string, defense bool) (Result, error) {
	site, err := l.store.GetSite(ctx, siteID)
	if err != nil {
		return Result{}, fmt.Errorf("quota: %w", err)
	}
	today := l.Today()

	if defense {
		used, err := l.store.RollEnergy(ctx, siteID, today)
		if err != nil {
			return Result{}, fmt.Errorf("quota: roll: %w", err)
		}
		return Result{OK: true, Used: used, Ceiling: l.ceiling, Bypass: true}, nil
	}

	ceiling := l.ceiling
	exempt := l.exempt[site.PlanTier]
	if exempt {
		ceiling = -1
	}
	used, ok, err := l.store.ConsumeEnergy(ctx, siteID, today, ceiling)
	if err != nil {
		return Result{}, fmt.Errorf("quota: consume: %w", err)
	}
	if !ok {
		l.logger.Debug("quota: denied", "site_id", siteID, "used", used, "ceiling", l.ceiling)
	}
	return Result{OK: ok, Used: used, Ceiling: l.ceiling, Bypass: exempt}, nil
}

// State reports the site's energy for today without spending.
func (l *Ledger) State(ctx context.Context, siteID string) (*State, error) {
	site, err := l.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("quota: %w", err)
	}
	today := l.Today()
	used, err := l.store.RollEnergy(ctx, siteID, today)
	if err != nil {
		return nil, fmt.Errorf("quota: roll: %w", err)
	}
	st := &State{
		SiteID:  siteID,
		Day:     today,
		Used:    used,
		Ceiling: l.ceiling,
		Exempt:  l.exempt[site.PlanTier],
	}
	if !st.Exempt {
		st.Remaining = max(l.ceiling-used, 0)
	}
	return st, nil
}
