package observability

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seopilot/dbopen"
)

func TestMetricsManager_FlushOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordSimple(MetricCycleDurationMs, 42, "milliseconds")
	mm.RecordSite(MetricRulesCreatedCount, "site1", 3, "count")
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("metrics: got %d, want 2", len(got))
	}

	created, err := mm.Query(MetricRulesCreatedCount, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0].Labels["site_id"] != "site1" || created[0].Value != 3 {
		t.Fatalf("labelled metric: %+v", created)
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.RecordSimple(MetricQuotaDeniedCount, 1, "count")
	mm.RecordSimple(MetricQuotaDeniedCount, 1, "count")

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows after full buffer: %d", n)
	}
}

func TestMetricsManager_QuerySite(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.RecordSite(MetricRulesCreatedCount, "s1", 2, "count")
	mm.RecordSite(MetricRulesCreatedCount, "s2", 5, "count")
	mm.RecordSite(MetricCycleDurationMs, "s1", 80, "ms")
	mm.RecordSimple(MetricRulesCreatedCount, 9, "count")
	mm.Close()

	ctx := context.Background()
	since := time.Now().Add(-time.Hour)
	got, err := mm.QuerySite(ctx, "s1", "", since, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("s1 metrics: got %d, want 2", len(got))
	}
	got, err = mm.QuerySite(ctx, "s2", MetricRulesCreatedCount, since, 0)
	if err != nil || len(got) != 1 || got[0].Value != 5 {
		t.Fatalf("s2 rules created: %+v %v", got, err)
	}
	got, err = mm.QuerySite(ctx, "s1", "", time.Now().Add(time.Hour), 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("future since: %+v %v", got, err)
	}
}

func TestMetricsManager_RunRetention(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.Record(&Metric{Name: MetricCycleDurationMs, Timestamp: time.Now().AddDate(0, 0, -40), Value: 1, Unit: "ms"})
	mm.Record(&Metric{Name: MetricCycleDurationMs, Timestamp: time.Now(), Value: 2, Unit: "ms"})
	mm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mm.RunRetention(ctx, 30, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rows = %d after retention, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_FileFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.log")
	logger, closer, err := NewLogger(slog.LevelInfo, path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("cycle finished", "site_id", "s1")
	closer.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() || !strings.Contains(sc.Text(), `"site_id":"s1"`) {
		t.Fatalf("log file content: %q", sc.Text())
	}
}
