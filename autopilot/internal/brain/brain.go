// Package brain holds the decision functions of the control loop: the
// stability assessor, the divergence filter and the volatility detector.
// Only the assessor and the market sensors do I/O.
package brain

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/synth"
)

// StabilityWindow is how many recent rank snapshots must agree for a
// trajectory to be flat.
const StabilityWindow = 3

// DefaultDivergenceThreshold is the highest divergence admitted in stable mode.
const DefaultDivergenceThreshold = 0.7

// RankSource returns recent rank snapshots, newest first.
type RankSource interface {
	RecentRankSnapshots(ctx context.Context, siteID, keyword string, n int) ([]*store.RankSnapshot, error)
}

// Stability classifies a site's rank trajectory as flat or moving.
type Stability struct {
	src    RankSource
	logger *slog.Logger
}

// NewStability creates a Stability assessor.
func NewStability(src RankSource, logger *slog.Logger) *Stability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stability{src: src, logger: logger}
}

// IsFlat reports whether the last StabilityWindow snapshots of the site
// (of keyword when non-empty) exist and share one position. Retrieval
// errors answer false.
func (s *Stability) IsFlat(ctx context.Context, siteID, keyword string) bool {
	snaps, err := s.src.RecentRankSnapshots(ctx, siteID, keyword, StabilityWindow)
	if err != nil {
		s.logger.Warn("brain: rank snapshots unavailable, assuming moving", "site_id", siteID, "error", err)
		return false
	}
	if len(snaps) < StabilityWindow {
		return false
	}
	first := snaps[0].Position
	for _, sn := range snaps[1:StabilityWindow] {
		if sn.Position != first {
			return false
		}
	}
	return true
}

// Admit filters candidates by divergence. When flat, everything passes.
// Otherwise candidates scoring above threshold are dropped; a missing
// score counts as 0. The input slice is not modified.
func Admit(cands []synth.Candidate, flat bool, threshold float64) []synth.Candidate {
	out := make([]synth.Candidate, 0, len(cands))
	for _, c := range cands {
		if !flat && c.DivergenceScore() > threshold {
			continue
		}
		out = append(out, c)
	}
	return out
}
