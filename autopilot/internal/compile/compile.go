// Package compile projects a site's active rules into its manifest.
package compile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/manifest"
	"github.com/hazyhaar/seopilot/rule"
)

// Source is the slice of the store the compiler reads.
type Source interface {
	GetSite(ctx context.Context, id string) (*store.Site, error)
	ListRules(ctx context.Context, siteID string, activeOnly bool) ([]*store.Rule, error)
}

// Compiler builds manifests.
type Compiler struct {
	src    Source
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Compiler.
func New(src Source, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{src: src, logger: logger, now: time.Now}
}

// WithClock replaces the generatedAt time source.
func (c *Compiler) WithClock(now func() time.Time) *Compiler {
	c.now = now
	return c
}

// Compile returns the manifest of siteID. Rules whose payload no longer
// decodes are skipped and logged.
func (c *Compiler) Compile(ctx context.Context, siteID string) (*manifest.Manifest, error) {
	site, err := c.src.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("compile: site: %w", err)
	}
	rules, err := c.src.ListRules(ctx, siteID, true)
	if err != nil {
		return nil, fmt.Errorf("compile: rules: %w", err)
	}
	m, skipped := Project(site, rules, c.now())
	for _, s := range skipped {
		c.logger.Warn("compile: rule skipped", "site_id", siteID, "rule_id", s.Path, "error", s.Err)
	}
	return m, nil
}

// Project is the pure part of Compile. rules must be in creation order;
// for a path targeted by several rules the last one wins whole, fields
// are never merged across rules. Inactive rules are ignored. Skipped
// rules are reported with their rule ID in EntryError.Path.
func Project(site *store.Site, rules []*store.Rule, now time.Time) (*manifest.Manifest, []manifest.EntryError) {
	m := manifest.New(site.ID, site.Domain, now)
	var skipped []manifest.EntryError
	for _, r := range rules {
		if !r.Active {
			continue
		}
		p, err := rule.DecodePayload(r.Type, r.Payload)
		if err != nil {
			skipped = append(skipped, manifest.EntryError{Path: r.ID, Err: err})
			continue
		}
		m.Rules[rule.NormalizePath(r.TargetPath)] = rule.Entry(r.ID, p)
	}
	return m, skipped
}
