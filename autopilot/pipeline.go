package autopilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/seopilot/autopilot/internal/brain"
	"github.com/hazyhaar/seopilot/autopilot/internal/ledger"
	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/kit"
	"github.com/hazyhaar/seopilot/observability"
	"github.com/hazyhaar/seopilot/rule"
	"github.com/hazyhaar/seopilot/synth"
)

// Cycle modes.
const (
	ModeStrategic = "strategic"
	ModeDefense   = "defense"
)

// Report describes one per-site cycle.
type Report struct {
	RunID      string            `json:"run_id,omitempty"`
	SiteID     string            `json:"site_id"`
	Mode       string            `json:"mode,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Flat       bool              `json:"flat"`
	Volatility *brain.Assessment `json:"volatility,omitempty"`
	Proposed   int               `json:"proposed"`
	Admitted   int               `json:"admitted"`
	Created    int               `json:"created"`
	Duplicates int               `json:"duplicates"`
	Denied     int               `json:"denied"`
	RuleIDs    []string          `json:"rule_ids,omitempty"`
}

// RunCycle runs the pipeline for one site now.
func (p *Pilot) RunCycle(ctx context.Context, siteID string) (*Report, error) {
	site, err := p.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return p.runSite(ctx, site)
}

// scheduledUnit adapts runSite to the scheduler: a cycle that ended in
// error counts as a failed site.
func (p *Pilot) scheduledUnit(ctx context.Context, site *store.Site) error {
	rep, err := p.runSite(kit.WithTransport(ctx, "scheduler"), site)
	if err != nil {
		return err
	}
	if rep.Status == store.RunError {
		return errors.New(rep.Error)
	}
	return nil
}

// runSite is the per-site unit of work. Store failures abort the cycle and
// are returned; synthesis failures end it with no new rules and are
// reported in the Report.
func (p *Pilot) runSite(ctx context.Context, site *store.Site) (*Report, error) {
	rep := &Report{SiteID: site.ID}
	if !p.locks.tryLock(site.ID) {
		rep.Status = store.RunSkipped
		rep.Error = "cycle already running for site"
		return rep, nil
	}
	defer p.locks.unlock(site.ID)

	start := p.now()
	run := &store.CycleRun{ID: p.ids(), SiteID: site.ID, StartedAt: start.UnixMilli()}
	if err := p.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("autopilot: start run: %w", err)
	}
	rep.RunID = run.ID

	err := p.cycle(ctx, site, rep)
	if err != nil {
		rep.Status = store.RunError
		rep.Error = err.Error()
	} else if rep.Status == "" {
		rep.Status = store.RunOK
	}

	run.Mode, run.Status, run.Error = rep.Mode, rep.Status, rep.Error
	run.Proposed, run.Admitted, run.Created = rep.Proposed, rep.Admitted, rep.Created
	if ferr := p.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		p.logger.Warn("autopilot: finish run", "site_id", site.ID, "run_id", run.ID, "error", ferr)
	}

	p.record(observability.MetricCycleDurationMs, site.ID, float64(time.Since(start).Milliseconds()), "ms")
	if rep.Created > 0 {
		p.record(observability.MetricRulesCreatedCount, site.ID, float64(rep.Created), "count")
	}
	if rep.Status == store.RunError {
		p.record(observability.MetricCycleFailedCount, site.ID, 1, "count")
	}
	p.logger.Info("autopilot: cycle done",
		"site_id", site.ID, "mode", rep.Mode, "status", rep.Status,
		"proposed", rep.Proposed, "admitted", rep.Admitted, "created", rep.Created,
		"duplicates", rep.Duplicates, "denied", rep.Denied)

	if err != nil && !errors.Is(err, errSynthesis) {
		return rep, err
	}
	return rep, nil
}

var errSynthesis = errors.New("synthesis failed")

func (p *Pilot) cycle(ctx context.Context, site *store.Site, rep *Report) error {
	cur, prev, err := p.store.LatestPerformance(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("performance: %w", err)
	}
	assess := p.detector.Assess(ctx, cur, prev)
	rep.Volatility = &assess
	if cur != nil && prev != nil {
		p.record(observability.MetricVolatilityDropPct, site.ID, assess.DropPct, "pct")
	}

	defense := assess.Volatile && cur != nil
	if defense {
		claimed, err := p.store.ClaimDefense(ctx, site.ID, cur.ID)
		if err != nil {
			return fmt.Errorf("claim defense: %w", err)
		}
		if !claimed {
			p.logger.Debug("autopilot: defense already deployed for snapshot", "site_id", site.ID, "snapshot_id", cur.ID)
			defense = false
		}
	}
	rep.Mode = ModeStrategic
	if defense {
		rep.Mode = ModeDefense
		if _, err := p.ledger.Record(ctx, site.ID, ledger.EventAlgorithmAlert, "", ledger.Details{
			DropPct: assess.DropPct, Market: assess.Market, Message: assess.Message,
		}); err != nil {
			return fmt.Errorf("alert: %w", err)
		}
		p.logger.Warn("autopilot: defense triggered", "site_id", site.ID, "drop_pct", assess.DropPct, "market", assess.Market)
	}

	rep.Flat = p.stability.IsFlat(ctx, site.ID, "")

	in, err := p.synthInput(ctx, site, defense, rep.Flat, assess)
	if err != nil {
		return err
	}
	cands, err := p.synthesize(ctx, site.ID, in)
	if err != nil {
		p.logger.Warn("autopilot: synthesis failed", "site_id", site.ID, "error", err)
		return fmt.Errorf("%w: %v", errSynthesis, err)
	}
	rep.Proposed = len(cands)

	if !defense {
		cands = brain.Admit(cands, rep.Flat, p.config.Policy.DivergenceThreshold)
	}
	rep.Admitted = len(cands)

	for _, c := range cands {
		stop, err := p.commitCandidate(ctx, site, c, defense, assess, rep)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return nil
}

// synthesize calls the synthesizer under the configured timeout. A
// cancelled or failed call yields no candidates at all.
func (p *Pilot) synthesize(ctx context.Context, siteID string, in synth.Input) ([]synth.Candidate, error) {
	sctx, cancel := context.WithTimeout(ctx, p.config.Scheduler.SynthTimeout)
	defer cancel()

	start := time.Now()
	cands, err := p.synth.Synthesize(sctx, in)
	p.record(observability.MetricSynthLatencyMs, siteID, float64(time.Since(start).Milliseconds()), "ms")
	if err != nil {
		return nil, err
	}
	if err := sctx.Err(); err != nil {
		return nil, err
	}
	return cands, nil
}

// commitCandidate stores one admitted candidate. It reports stop when
// the site has no energy left for today.
func (p *Pilot) commitCandidate(ctx context.Context, site *store.Site, c synth.Candidate, defense bool, assess brain.Assessment, rep *Report) (stop bool, err error) {
	payload := c.Payload
	source, evType := rule.SourceStrategic, ledger.EventStrategicFix
	if defense {
		payload = rule.Defense{Cause: assess.Message, Inner: c.Payload}
		source, evType = rule.SourceDefense, ledger.EventDefenseDeployed
	}
	raw, err := rule.Encode(payload)
	if err != nil {
		return false, fmt.Errorf("encode candidate: %w", err)
	}
	hash, err := rule.Hash(payload)
	if err != nil {
		return false, fmt.Errorf("hash candidate: %w", err)
	}
	path := rule.NormalizePath(c.TargetPath)

	dup, err := p.store.HasActiveDuplicate(ctx, site.ID, path, payload.Type(), hash)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		rep.Duplicates++
		return false, nil
	}

	res, err := p.quota.Consume(ctx, site.ID, defense)
	if err != nil {
		return false, err
	}
	if !res.OK {
		rep.Denied++
		p.record(observability.MetricQuotaDeniedCount, site.ID, 1, "count")
		p.logger.Info("autopilot: energy exhausted", "site_id", site.ID, "used", res.Used, "ceiling", res.Ceiling)
		return true, nil
	}

	r := &store.Rule{
		ID:          p.ids(),
		SiteID:      site.ID,
		TargetPath:  path,
		Type:        payload.Type(),
		Payload:     raw,
		PayloadHash: hash,
		Active:      true,
		Confidence:  c.Confidence,
		Divergence:  c.Divergence,
		Reasoning:   c.Reasoning,
		Source:      source,
		CreatedAt:   p.now().UnixMilli(),
	}
	var d ledger.Details
	if defense {
		d.DropPct, d.Market = assess.DropPct, assess.Market
	}
	if _, err := p.ledger.CreateRule(ctx, r, evType, d); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			rep.Duplicates++
			return false, nil
		}
		return false, err
	}
	rep.Created++
	rep.RuleIDs = append(rep.RuleIDs, r.ID)
	return false, nil
}

const (
	contextRankings = 20
	contextIssues   = 20
)

func (p *Pilot) synthInput(ctx context.Context, site *store.Site, defense, flat bool, assess brain.Assessment) (synth.Input, error) {
	in := synth.Input{
		SiteID: site.ID,
		Domain: site.Domain,
		Mode:   synth.ModeStrategic,
		Flat:   flat,
	}
	if defense {
		in.Mode = synth.ModeDefense
		in.DropPct = assess.DropPct
		in.Alert = assess.Message
	}

	cur, _, err := p.store.LatestPerformance(ctx, site.ID)
	if err != nil {
		return in, fmt.Errorf("performance: %w", err)
	}
	if cur != nil {
		in.Performance = &synth.Performance{
			Clicks:      cur.Clicks,
			Impressions: cur.Impressions,
			CTR:         cur.CTR,
			Position:    cur.Position,
			CapturedAt:  time.UnixMilli(cur.CapturedAt).UTC(),
		}
	}

	ranks, err := p.store.LatestRankings(ctx, site.ID, contextRankings)
	if err != nil {
		return in, fmt.Errorf("rankings: %w", err)
	}
	for _, r := range ranks {
		in.Rankings = append(in.Rankings, synth.Ranking{Keyword: r.Keyword, Position: r.Position})
	}

	issues, err := p.store.ListIssues(ctx, site.ID, contextIssues)
	if err != nil {
		return in, fmt.Errorf("issues: %w", err)
	}
	for _, is := range issues {
		in.Issues = append(in.Issues, synth.Issue{Path: is.Path, Kind: is.Kind, Detail: is.Detail, Excerpt: is.Excerpt})
	}

	rules, err := p.store.ListRules(ctx, site.ID, true)
	if err != nil {
		return in, fmt.Errorf("rules: %w", err)
	}
	for _, r := range rules {
		in.ActiveRules = append(in.ActiveRules, synth.ActiveRule{Path: r.TargetPath, Type: r.Type})
	}
	return in, nil
}
