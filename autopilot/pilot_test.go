package autopilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seopilot/autopilot/internal/ledger"
	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/dbopen"
	"github.com/hazyhaar/seopilot/idgen"
	"github.com/hazyhaar/seopilot/rule"
	"github.com/hazyhaar/seopilot/synth"
)

const testToken = "sp_test_token"

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// testPilot wires a Pilot on an in-memory database with one operator
// ("op-1") owning one site ("s1").
func testPilot(t *testing.T, syn synth.Synthesizer, mutate func(*Config)) (*Pilot, *store.Store) {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	cfg.Scheduler.SynthTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	p, err := newPilot(st, cfg, Deps{
		Synthesizer: syn,
		Clock:       func() time.Time { return testNow },
		IDs:         idgen.Sequence("id-"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := st.InsertOperator(ctx, &store.Operator{ID: "op-1", Email: "owner@example.com", PasswordHash: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertSite(ctx, &store.Site{
		ID: "s1", Domain: "shop.example.com", TokenHash: HashToken(testToken), OwnerID: "op-1", AutopilotEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	return p, st
}

func div(v float64) *float64 { return &v }

func metaCandidate(path, title string, divergence *float64) synth.Candidate {
	return synth.Candidate{
		TargetPath: path,
		Type:       rule.TypeMetadata,
		Payload:    rule.Metadata{Title: title},
		Reasoning:  "title too short",
		Confidence: 0.8,
		Divergence: divergence,
	}
}

func fixed(cands ...synth.Candidate) synth.Synthesizer {
	return synth.Func(func(context.Context, synth.Input) ([]synth.Candidate, error) {
		return cands, nil
	})
}

func seedDrop(t *testing.T, p *Pilot, from, to int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := p.RecordPerformance(ctx, "s1", PerformanceInput{Clicks: from, Impressions: from, CapturedAt: testNow.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.RecordPerformance(ctx, "s1", PerformanceInput{Clicks: to, Impressions: to, CapturedAt: testNow.Add(-24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
}

func TestRunCycle_StrategicFiltersDivergence(t *testing.T) {
	p, st := testPilot(t, fixed(
		metaCandidate("/pricing", "Pricing plans", div(0.9)),
		metaCandidate("/about/", "About us", div(0.2)),
	), nil)
	ctx := context.Background()

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mode != ModeStrategic || rep.Status != store.RunOK {
		t.Fatalf("mode=%s status=%s", rep.Mode, rep.Status)
	}
	if rep.Proposed != 2 || rep.Admitted != 1 || rep.Created != 1 {
		t.Fatalf("proposed=%d admitted=%d created=%d", rep.Proposed, rep.Admitted, rep.Created)
	}

	rules, err := st.ListRules(ctx, "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].TargetPath != "/about" || rules[0].Source != rule.SourceStrategic {
		t.Fatalf("rules = %+v", rules)
	}

	energy, err := p.Energy(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if energy.Used != 1 {
		t.Errorf("energy used = %d, want 1", energy.Used)
	}

	events, err := p.Events(ctx, "s1", ledger.EventStrategicFix, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("strategic events = %d, want 1", len(events))
	}

	runs, err := p.Runs(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunOK || runs[0].Created != 1 || runs[0].FinishedAt == nil {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunCycle_FlatAdmitsEverything(t *testing.T) {
	p, _ := testPilot(t, fixed(
		metaCandidate("/a", "A", div(0.95)),
		metaCandidate("/b", "B", div(0.99)),
	), nil)
	ctx := context.Background()
	for i := range 3 {
		if _, err := p.RecordRanks(ctx, "s1", []RankInput{{Keyword: "shoes", Position: 7, CapturedAt: testNow.Add(time.Duration(i-3) * time.Hour)}}); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Flat || rep.Created != 2 {
		t.Fatalf("flat=%v created=%d", rep.Flat, rep.Created)
	}
}

func TestRunCycle_DefenseBypassesQuotaAndFilter(t *testing.T) {
	var mu sync.Mutex
	var seen synth.Input
	syn := synth.Func(func(_ context.Context, in synth.Input) ([]synth.Candidate, error) {
		mu.Lock()
		seen = in
		mu.Unlock()
		return []synth.Candidate{
			metaCandidate("/", "Home", div(0.95)),
			metaCandidate("/blog", "Blog", nil),
		}, nil
	})
	p, st := testPilot(t, syn, nil)
	ctx := context.Background()
	seedDrop(t, p, 1000, 500)

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mode != ModeDefense || rep.Created != 2 {
		t.Fatalf("mode=%s created=%d", rep.Mode, rep.Created)
	}
	if rep.Volatility == nil || rep.Volatility.DropPct != 50 {
		t.Errorf("volatility = %+v", rep.Volatility)
	}
	if seen.Mode != synth.ModeDefense || seen.DropPct != 50 || seen.Performance == nil {
		t.Errorf("synth input = %+v", seen)
	}

	rules, err := st.ListRules(ctx, "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rules {
		if r.Type != rule.TypeDefense || r.Source != rule.SourceDefense {
			t.Errorf("rule %s type=%s source=%s", r.ID, r.Type, r.Source)
		}
	}

	energy, err := p.Energy(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if energy.Used != 0 {
		t.Errorf("defense spent energy: used = %d", energy.Used)
	}

	alerts, err := p.Events(ctx, "s1", ledger.EventAlgorithmAlert, 0)
	if err != nil {
		t.Fatal(err)
	}
	deployed, err := p.Events(ctx, "s1", ledger.EventDefenseDeployed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || len(deployed) != 2 {
		t.Errorf("alerts=%d deployed=%d", len(alerts), len(deployed))
	}

	m, err := p.Manifest(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Rules["/"].Title; got != "Home" {
		t.Errorf("manifest title for / = %q, want Home", got)
	}
}

func TestRunCycle_DefenseOncePerSnapshot(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	syn := synth.Func(func(context.Context, synth.Input) ([]synth.Candidate, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return []synth.Candidate{metaCandidate("/", fmt.Sprintf("Home v%d", n), div(0.1))}, nil
	})
	p, st := testPilot(t, syn, nil)
	ctx := context.Background()
	seedDrop(t, p, 1000, 500)

	modes := make([]string, 0, 3)
	for range 3 {
		rep, err := p.RunCycle(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		modes = append(modes, rep.Mode)
	}
	if modes[0] != ModeDefense || modes[1] != ModeStrategic || modes[2] != ModeStrategic {
		t.Fatalf("modes = %v, want defense then strategic", modes)
	}

	countDefense := func() int {
		t.Helper()
		rules, err := st.ListRules(ctx, "s1", false)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, r := range rules {
			if r.Source == rule.SourceDefense {
				n++
			}
		}
		return n
	}
	alerts, err := p.Events(ctx, "s1", ledger.EventAlgorithmAlert, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || countDefense() != 1 {
		t.Fatalf("alerts=%d defense rules=%d, want 1 and 1", len(alerts), countDefense())
	}
	energy, err := p.Energy(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if energy.Used != 2 {
		t.Errorf("energy used = %d, want 2 strategic units", energy.Used)
	}

	// A fresh snapshot with another drop is a new trigger.
	if _, err := p.RecordPerformance(ctx, "s1", PerformanceInput{Clicks: 250, Impressions: 250, CapturedAt: testNow}); err != nil {
		t.Fatal(err)
	}
	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mode != ModeDefense || countDefense() != 2 {
		t.Fatalf("new snapshot: mode=%s defense rules=%d", rep.Mode, countDefense())
	}
}

func TestRunCycle_SynthesisFailure(t *testing.T) {
	p, st := testPilot(t, synth.Func(func(context.Context, synth.Input) ([]synth.Candidate, error) {
		return nil, synth.ErrMalformed
	}), nil)
	ctx := context.Background()

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatalf("synthesis failure returned as error: %v", err)
	}
	if rep.Status != store.RunError || rep.Error == "" {
		t.Fatalf("status=%s error=%q", rep.Status, rep.Error)
	}
	rules, _ := st.ListRules(ctx, "s1", false)
	if len(rules) != 0 {
		t.Errorf("rules created on failure: %d", len(rules))
	}
	runs, _ := p.Runs(ctx, "s1", 1)
	if len(runs) != 1 || runs[0].Status != store.RunError {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunCycle_SynthesisTimeout(t *testing.T) {
	slow := synth.Func(func(ctx context.Context, _ synth.Input) ([]synth.Candidate, error) {
		<-ctx.Done()
		return []synth.Candidate{metaCandidate("/late", "Late", nil)}, ctx.Err()
	})
	p, st := testPilot(t, slow, func(c *Config) { c.Scheduler.SynthTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != store.RunError || rep.Created != 0 {
		t.Fatalf("status=%s created=%d", rep.Status, rep.Created)
	}
	rules, _ := st.ListRules(ctx, "s1", false)
	if len(rules) != 0 {
		t.Errorf("late candidates stored: %d", len(rules))
	}
}

func TestRunCycle_DuplicateSkippedWithoutEnergy(t *testing.T) {
	p, _ := testPilot(t, fixed(metaCandidate("/pricing", "Pricing", nil)), nil)
	ctx := context.Background()

	if _, err := p.RunCycle(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Duplicates != 1 || rep.Created != 0 {
		t.Fatalf("duplicates=%d created=%d", rep.Duplicates, rep.Created)
	}
	energy, _ := p.Energy(ctx, "s1")
	if energy.Used != 1 {
		t.Errorf("energy used = %d, want 1", energy.Used)
	}
}

func TestRunCycle_QuotaStopsLoop(t *testing.T) {
	p, _ := testPilot(t, fixed(
		metaCandidate("/a", "A", nil),
		metaCandidate("/b", "B", nil),
		metaCandidate("/c", "C", nil),
	), func(c *Config) { c.Quota.DailyCeiling = 2 })
	ctx := context.Background()

	rep, err := p.RunCycle(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Created != 2 || rep.Denied != 1 {
		t.Fatalf("created=%d denied=%d", rep.Created, rep.Denied)
	}
	energy, _ := p.Energy(ctx, "s1")
	if energy.Used != 2 || energy.Remaining != 0 {
		t.Errorf("energy = %+v", energy)
	}
}

func TestRunCycle_SkippedWhileRunning(t *testing.T) {
	p, _ := testPilot(t, fixed(metaCandidate("/a", "A", nil)), nil)
	if !p.locks.tryLock("s1") {
		t.Fatal("lock unexpectedly held")
	}
	defer p.locks.unlock("s1")

	rep, err := p.RunCycle(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != store.RunSkipped || rep.Created != 0 {
		t.Fatalf("status=%s created=%d", rep.Status, rep.Created)
	}
}

func TestRunCycle_UnknownSite(t *testing.T) {
	p, _ := testPilot(t, nil, nil)
	if _, err := p.RunCycle(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTick_CountsFailedSites(t *testing.T) {
	p, st := testPilot(t, synth.Func(func(_ context.Context, in synth.Input) ([]synth.Candidate, error) {
		if in.SiteID == "s2" {
			return nil, errors.New("upstream down")
		}
		return nil, nil
	}), func(c *Config) { c.Scheduler.Concurrency = 1 })
	ctx := context.Background()
	if err := st.InsertSite(ctx, &store.Site{ID: "s2", Domain: "blog.example.com", TokenHash: "h2", OwnerID: "op-1", AutopilotEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertSite(ctx, &store.Site{ID: "s3", Domain: "off.example.com", TokenHash: "h3", OwnerID: "op-1"}); err != nil {
		t.Fatal(err)
	}

	sum, err := p.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sites != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestIssuesClearedByRedirect(t *testing.T) {
	p, st := testPilot(t, nil, nil)
	ctx := context.Background()

	if _, err := p.RecordIssues(ctx, "s1", []IssueInput{
		{Path: "/old-page/", Kind: "broken-link", Detail: "404"},
		{Path: "/other", Kind: "missing-title"},
	}); err != nil {
		t.Fatal(err)
	}
	r, err := p.CreateRedirect(ctx, "s1", "/old-page", "/new-page", 301, "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if r.Source != rule.SourceRemediation {
		t.Errorf("source = %s", r.Source)
	}

	issues, err := st.ListIssues(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 || issues[0].Path != "/other" {
		t.Fatalf("issues = %+v", issues)
	}
	fixes, _ := p.Events(ctx, "s1", ledger.EventAutoFix, 0)
	if len(fixes) != 1 {
		t.Errorf("auto-fix events = %d", len(fixes))
	}
	energy, _ := p.Energy(ctx, "s1")
	if energy.Used != 0 {
		t.Errorf("remediation spent energy: %d", energy.Used)
	}
}

func TestToggleWithPayloadSupersedes(t *testing.T) {
	p, st := testPilot(t, fixed(metaCandidate("/pricing", "Pricing", nil)), nil)
	ctx := context.Background()
	rep, err := p.RunCycle(ctx, "s1")
	if err != nil || len(rep.RuleIDs) != 1 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	oldID := rep.RuleIDs[0]

	nr, err := p.ToggleRule(ctx, "s1", oldID, true, []byte(`{"title":"Plans and pricing"}`), "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if nr.ID == oldID {
		t.Fatal("supersession reused the old rule ID")
	}
	old, err := st.GetRule(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Active {
		t.Error("superseded rule still active")
	}
	m, err := p.Manifest(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Rules["/pricing"].Title; got != "Plans and pricing" {
		t.Errorf("title = %q", got)
	}
}
