// Package synth is the boundary with the rule synthesizer, the external
// model that turns a site's situation into candidate rules. The control
// loop only sees the Synthesizer interface; the concrete clients call a
// remote HTTP service or Gemini through a connectivity.Handler.
package synth

import (
	"context"
	"time"

	"github.com/hazyhaar/seopilot/rule"
)

// Mode tells the synthesizer why it is being asked.
type Mode string

const (
	ModeStrategic Mode = "strategic"
	ModeDefense   Mode = "defense"
)

// Performance is the latest aggregate search performance of a site.
type Performance struct {
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	CTR         float64   `json:"ctr"`
	Position    float64   `json:"position"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Ranking is one tracked keyword position.
type Ranking struct {
	Keyword  string `json:"keyword"`
	Position int    `json:"position"`
}

// Issue is a crawler-reported problem, optionally with the page HTML
// around it.
type Issue struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// ActiveRule summarises a rule already live on the site.
type ActiveRule struct {
	Path string    `json:"path"`
	Type rule.Type `json:"type"`
}

// Input is everything the synthesizer is told about a site.
type Input struct {
	SiteID      string       `json:"siteId"`
	Domain      string       `json:"domain"`
	Mode        Mode         `json:"mode"`
	Flat        bool         `json:"flat"`
	DropPct     float64      `json:"dropPct,omitempty"`
	Alert       string       `json:"alert,omitempty"`
	Performance *Performance `json:"performance,omitempty"`
	Rankings    []Ranking    `json:"rankings,omitempty"`
	Issues      []Issue      `json:"issues,omitempty"`
	ActiveRules []ActiveRule `json:"activeRules,omitempty"`
}

// Synthesizer proposes candidate rules. Implementations must honour ctx
// cancellation; the returned slice is either complete or absent.
type Synthesizer interface {
	Synthesize(ctx context.Context, in Input) ([]Candidate, error)
}

// Func adapts a function to Synthesizer.
type Func func(ctx context.Context, in Input) ([]Candidate, error)

func (f Func) Synthesize(ctx context.Context, in Input) ([]Candidate, error) { return f(ctx, in) }

// Nop never proposes anything. It is the synthesizer of a deployment
// without a model configured.
type Nop struct{}

func (Nop) Synthesize(context.Context, Input) ([]Candidate, error) { return nil, nil }
