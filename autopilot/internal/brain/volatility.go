package brain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
)

// Thresholds configure the volatility detector. Drops are percentages.
type Thresholds struct {
	HighDropPct    float64 `yaml:"high_drop_pct"`
	LowDropPct     float64 `yaml:"low_drop_pct"`
	MarketElevated float64 `yaml:"market_elevated"`
}

// DefaultThresholds: 25% alone, or 10% in an elevated market (> 0.6).
var DefaultThresholds = Thresholds{HighDropPct: 25, LowDropPct: 10, MarketElevated: 0.6}

// Assessment is the detector's verdict. Message is always set.
type Assessment struct {
	Volatile bool    `json:"volatile"`
	DropPct  float64 `json:"dropPct"`
	Market   float64 `json:"market"`
	Message  string  `json:"message"`
}

// Assess compares the current performance snapshot with the previous one.
// A nil previous snapshot is the cold start: never volatile.
func Assess(cur, prev *store.PerformanceSnapshot, market float64, th Thresholds) Assessment {
	if cur == nil || prev == nil {
		return Assessment{Market: market, Message: "establishing baseline: no previous performance snapshot"}
	}
	clicks := decline(prev.Clicks, cur.Clicks)
	impressions := decline(prev.Impressions, cur.Impressions)
	drop := max(clicks, impressions)

	a := Assessment{DropPct: drop, Market: market}
	elevated := market > th.MarketElevated
	switch {
	case drop > th.HighDropPct:
		a.Volatile = true
		a.Message = fmt.Sprintf("sharp drop: clicks -%.1f%%, impressions -%.1f%%", clicks, impressions)
	case drop > th.LowDropPct && elevated:
		a.Volatile = true
		a.Message = fmt.Sprintf("drop of %.1f%% during market turbulence (%.2f)", drop, market)
	case drop > th.LowDropPct:
		a.Message = fmt.Sprintf("drop of %.1f%% in a calm market (%.2f), watching", drop, market)
	default:
		a.Message = fmt.Sprintf("stable: drop %.1f%%, market %.2f", drop, market)
	}
	return a
}

// decline is the percentage fall from prev to cur, 0 when prev is 0 or
// the value rose.
func decline(prev, cur int64) float64 {
	if prev <= 0 || cur >= prev {
		return 0
	}
	return float64(prev-cur) * 100 / float64(prev)
}

// Detector pairs the thresholds with a market sensor.
type Detector struct {
	Market     MarketSensor
	Thresholds Thresholds
	Logger     *slog.Logger
}

// Assess reads the market sensor and evaluates the snapshots. A sensor
// error counts as a calm market.
func (d *Detector) Assess(ctx context.Context, cur, prev *store.PerformanceSnapshot) Assessment {
	var market float64
	if d.Market != nil && prev != nil {
		m, err := d.Market.Volatility(ctx)
		if err != nil {
			logger := d.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("brain: market sensor failed", "error", err)
		} else {
			market = m
		}
	}
	return Assess(cur, prev, market, d.Thresholds)
}
