package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seopilot/dbopen"
	"github.com/hazyhaar/seopilot/rule"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func seedSite(t *testing.T, s *Store, id string) *Site {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetOperator(ctx, "op-1"); errors.Is(err, ErrNotFound) {
		if err := s.InsertOperator(ctx, &Operator{ID: "op-1", Email: "op@example.com", PasswordHash: "x"}); err != nil {
			t.Fatalf("insert operator: %v", err)
		}
	}
	site := &Site{ID: id, Domain: id + ".example.com", TokenHash: "hash-" + id, OwnerID: "op-1", AutopilotEnabled: true}
	if err := s.InsertSite(ctx, site); err != nil {
		t.Fatalf("insert site: %v", err)
	}
	return site
}

func TestSite_CRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	got, err := s.GetSite(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Domain != "s1.example.com" || got.PlanTier != "free" || !got.AutopilotEnabled {
		t.Fatalf("unexpected site: %+v", got)
	}

	byToken, err := s.GetSiteByTokenHash(ctx, "hash-s1")
	if err != nil || byToken.ID != "s1" {
		t.Fatalf("by token: %v %v", byToken, err)
	}

	if _, err := s.GetSite(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing site: %v", err)
	}

	if err := s.SetAutopilot(ctx, "s1", false); err != nil {
		t.Fatal(err)
	}
	sites, err := s.ListAutopilotSites(ctx)
	if err != nil || len(sites) != 0 {
		t.Fatalf("autopilot sites = %d, %v", len(sites), err)
	}
	if err := s.SetTokenHash(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set token on missing site: %v", err)
	}
}

func TestConsumeEnergy_CeilingAndRollover(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	for i := 1; i <= 2; i++ {
		used, ok, err := s.ConsumeEnergy(ctx, "s1", "2026-01-01", 2)
		if err != nil || !ok || used != i {
			t.Fatalf("consume %d: used=%d ok=%v err=%v", i, used, ok, err)
		}
	}
	used, ok, err := s.ConsumeEnergy(ctx, "s1", "2026-01-01", 2)
	if err != nil || ok || used != 2 {
		t.Fatalf("over ceiling: used=%d ok=%v err=%v", used, ok, err)
	}

	used, ok, err = s.ConsumeEnergy(ctx, "s1", "2026-01-02", 2)
	if err != nil || !ok || used != 1 {
		t.Fatalf("next day: used=%d ok=%v err=%v", used, ok, err)
	}
}

func TestConsumeEnergy_ZeroCeilingRollsOver(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")
	if _, err := s.DB.Exec(`UPDATE sites SET energy_used = 7, energy_reset_on = '2026-01-01' WHERE id = 's1'`); err != nil {
		t.Fatal(err)
	}

	used, ok, err := s.ConsumeEnergy(ctx, "s1", "2026-01-02", 0)
	if err != nil || ok || used != 0 {
		t.Fatalf("used=%d ok=%v err=%v", used, ok, err)
	}
}

func TestConsumeEnergy_MissingSite(t *testing.T) {
	s := testStore(t)
	if _, _, err := s.ConsumeEnergy(context.Background(), "nope", "2026-01-01", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRollEnergy_NeverIncrements(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")
	s.ConsumeEnergy(ctx, "s1", "2026-01-01", -1)

	for range 3 {
		used, err := s.RollEnergy(ctx, "s1", "2026-01-01")
		if err != nil || used != 1 {
			t.Fatalf("roll same day: used=%d err=%v", used, err)
		}
	}
	used, err := s.RollEnergy(ctx, "s1", "2026-01-02")
	if err != nil || used != 0 {
		t.Fatalf("roll next day: used=%d err=%v", used, err)
	}
}

func TestConsumeEnergy_EarlierDateNeverResets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")
	s.ConsumeEnergy(ctx, "s1", "2026-01-02", 3)
	s.ConsumeEnergy(ctx, "s1", "2026-01-02", 3)

	used, ok, err := s.ConsumeEnergy(ctx, "s1", "2026-01-01", 3)
	if err != nil || !ok || used != 3 {
		t.Fatalf("earlier day: used=%d ok=%v err=%v", used, ok, err)
	}
	used, err = s.RollEnergy(ctx, "s1", "2026-01-01")
	if err != nil || used != 3 {
		t.Fatalf("roll earlier day: used=%d err=%v", used, err)
	}
	var day string
	s.DB.QueryRow(`SELECT energy_reset_on FROM sites WHERE id = 's1'`).Scan(&day)
	if day != "2026-01-02" {
		t.Fatalf("reset date = %q, want 2026-01-02", day)
	}
}

func TestClaimDefense(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	for _, tc := range []struct {
		snapshot string
		want     bool
	}{
		{"perf-1", true},
		{"perf-1", false},
		{"perf-2", true},
		{"perf-2", false},
	} {
		got, err := s.ClaimDefense(ctx, "s1", tc.snapshot)
		if err != nil || got != tc.want {
			t.Fatalf("claim %s: got %v err %v, want %v", tc.snapshot, got, err, tc.want)
		}
	}
	if _, err := s.ClaimDefense(ctx, "nope", "perf-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing site: err = %v", err)
	}
}

func TestRules_OrderAndDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	div := 0.4
	rules := []*Rule{
		{ID: "r1", SiteID: "s1", TargetPath: "/a", Type: rule.TypeRedirect, Payload: json.RawMessage(`{"to":"/b"}`), PayloadHash: "h1", Active: true, Source: rule.SourceManual, CreatedAt: 100},
		{ID: "r2", SiteID: "s1", TargetPath: "/a", Type: rule.TypeMetadata, Payload: json.RawMessage(`{"title":"A"}`), PayloadHash: "h2", Active: true, Divergence: &div, Source: rule.SourceStrategic, CreatedAt: 100},
		{ID: "r3", SiteID: "s1", TargetPath: "/c", Type: rule.TypeMetadata, Payload: json.RawMessage(`{"title":"C"}`), PayloadHash: "h3", Active: false, Source: rule.SourceStrategic, CreatedAt: 50},
	}
	for _, r := range rules {
		if err := s.InsertRule(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	active, err := s.ListRules(ctx, "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != "r1" || active[1].ID != "r2" {
		t.Fatalf("active order wrong: %+v", active)
	}
	if active[1].Divergence == nil || *active[1].Divergence != 0.4 || active[0].Divergence != nil {
		t.Fatal("divergence not round-tripped")
	}

	all, _ := s.ListRules(ctx, "s1", false)
	if len(all) != 3 || all[0].ID != "r3" {
		t.Fatalf("all rules: %d first=%s", len(all), all[0].ID)
	}

	dup, err := s.HasActiveDuplicate(ctx, "s1", "/a", rule.TypeMetadata, "h2")
	if err != nil || !dup {
		t.Fatalf("duplicate = %v, %v", dup, err)
	}
	dup, _ = s.HasActiveDuplicate(ctx, "s1", "/c", rule.TypeMetadata, "h3")
	if dup {
		t.Fatal("inactive rule counted as duplicate")
	}

	if _, err := s.GetRule(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if err := s.SetRuleActive(ctx, "nope", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set missing: %v", err)
	}
}

func TestInTx_RollsBackTogether(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRule(ctx, &Rule{ID: "r1", SiteID: "s1", TargetPath: "/", Type: rule.TypeMetadata, Payload: json.RawMessage(`{"title":"x"}`), Active: true}); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, &Event{ID: "e1", SiteID: "s1", Type: "info"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.GetRule(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("rule survived rollback")
	}
	events, _ := s.ListEvents(ctx, "s1", "", 10)
	if len(events) != 0 {
		t.Fatal("event survived rollback")
	}
}

func TestEvents_NewestFirstAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	s.InsertEvent(ctx, &Event{ID: "e1", SiteID: "s1", Type: "strategic-fix", OccurredAt: 1})
	s.InsertEvent(ctx, &Event{ID: "e2", SiteID: "s1", Type: "undo", Details: json.RawMessage(`{"ruleId":"r1"}`), OccurredAt: 2})

	events, err := s.ListEvents(ctx, "s1", "", 0)
	if err != nil || len(events) != 2 || events[0].ID != "e2" {
		t.Fatalf("events: %+v %v", events, err)
	}
	if string(events[1].Details) != "{}" {
		t.Fatalf("default details = %s", events[1].Details)
	}
	undos, _ := s.ListEvents(ctx, "s1", "undo", 10)
	if len(undos) != 1 || undos[0].ID != "e2" {
		t.Fatalf("undo filter: %+v", undos)
	}
}

func TestDeleteIssuesForPaths(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	for i, p := range []string{"/blog", "blog", "/other"} {
		if err := s.InsertIssue(ctx, &Issue{ID: string(rune('a' + i)), SiteID: "s1", Path: p, Kind: "broken-link"}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteIssuesForPaths(ctx, "s1", rule.PathVariants("/blog/"))
	if err != nil || n != 2 {
		t.Fatalf("deleted %d, %v", n, err)
	}
	left, _ := s.ListIssues(ctx, "s1", 10)
	if len(left) != 1 || left[0].Path != "/other" {
		t.Fatalf("remaining: %+v", left)
	}
}

func TestRankSnapshots_RecentOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	for i, pos := range []int{5, 4, 4} {
		s.InsertRankSnapshot(ctx, &RankSnapshot{ID: string(rune('a' + i)), SiteID: "s1", Keyword: "shoes", Position: pos, CapturedAt: int64(i + 1)})
	}
	s.InsertRankSnapshot(ctx, &RankSnapshot{ID: "z", SiteID: "s1", Keyword: "boots", Position: NotRanked, CapturedAt: 9})

	snaps, err := s.RecentRankSnapshots(ctx, "s1", "shoes", 3)
	if err != nil || len(snaps) != 3 || snaps[0].CapturedAt != 3 {
		t.Fatalf("recent: %+v %v", snaps, err)
	}
	all, _ := s.RecentRankSnapshots(ctx, "s1", "", 3)
	if all[0].Keyword != "boots" {
		t.Fatalf("unscoped newest = %s", all[0].Keyword)
	}

	latest, err := s.LatestRankings(ctx, "s1", 10)
	if err != nil || len(latest) != 2 || latest[0].Keyword != "shoes" || latest[0].Position != 4 {
		t.Fatalf("latest: %+v %v", latest, err)
	}
}

func TestPerformanceSnapshots_KeepsTwo(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	cur, prev, err := s.LatestPerformance(ctx, "s1")
	if err != nil || cur != nil || prev != nil {
		t.Fatalf("empty: %v %v %v", cur, prev, err)
	}

	for i, clicks := range []int64{1000, 900, 500} {
		if err := s.InsertPerformanceSnapshot(ctx, &PerformanceSnapshot{
			ID: string(rune('a' + i)), SiteID: "s1", Clicks: clicks, Impressions: 10000, CapturedAt: int64(i + 1),
		}); err != nil {
			t.Fatal(err)
		}
	}
	cur, prev, err = s.LatestPerformance(ctx, "s1")
	if err != nil || cur.Clicks != 500 || prev.Clicks != 900 {
		t.Fatalf("cur=%+v prev=%+v err=%v", cur, prev, err)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM performance_snapshots WHERE site_id = 's1'`).Scan(&n)
	if n != 2 {
		t.Fatalf("retained %d snapshots, want 2", n)
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedSite(t, s, "s1")

	run := &CycleRun{ID: "run-1", SiteID: "s1"}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Mode, run.Status, run.Proposed, run.Created = "strategic", RunOK, 3, 2
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	runs, err := s.ListRuns(ctx, "s1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs: %v", err)
	}
	if r := runs[0]; r.Status != RunOK || r.Created != 2 || r.FinishedAt == nil {
		t.Fatalf("run: %+v", r)
	}
}
