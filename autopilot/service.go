package autopilot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/seopilot/auth"
	"github.com/hazyhaar/seopilot/autopilot/internal/ledger"
	"github.com/hazyhaar/seopilot/autopilot/internal/quota"
	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/idgen"
	"github.com/hazyhaar/seopilot/manifest"
	"github.com/hazyhaar/seopilot/observability"
	"github.com/hazyhaar/seopilot/rule"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// HashToken is the stored form of an agent credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// EnsureAdmin creates the configured admin when no operator exists yet.
func (p *Pilot) EnsureAdmin(ctx context.Context) error {
	n, err := p.store.CountOperators(ctx)
	if err != nil || n > 0 {
		return err
	}
	a := p.config.Admin
	if a.Email == "" || a.Password == "" {
		p.logger.Warn("autopilot: no operator and no admin configured")
		return nil
	}
	hash, err := auth.HashPassword(a.Password)
	if err != nil {
		return err
	}
	op := &store.Operator{ID: p.ids(), Email: strings.ToLower(a.Email), Name: a.Name, PasswordHash: hash, Role: RoleAdmin}
	if err := p.store.InsertOperator(ctx, op); err != nil {
		return fmt.Errorf("autopilot: seed admin: %w", err)
	}
	p.logger.Info("autopilot: admin seeded", "email", op.Email)
	return nil
}

// CreateOperator registers an operator account.
func (p *Pilot) CreateOperator(ctx context.Context, email, name, password, role string) (*store.Operator, error) {
	if role == "" {
		role = RoleOperator
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	op := &store.Operator{ID: p.ids(), Email: strings.ToLower(email), Name: name, PasswordHash: hash, Role: role}
	if err := p.store.InsertOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Login checks operator credentials and returns session claims.
func (p *Pilot) Login(ctx context.Context, email, password string) (*auth.OperatorClaims, error) {
	op, err := p.store.GetOperatorByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(op.PasswordHash, password); err != nil {
		return nil, err
	}
	return &auth.OperatorClaims{OperatorID: op.ID, Email: op.Email, Role: op.Role}, nil
}

// Authorize returns the site if the operator owns it or is an admin.
func (p *Pilot) Authorize(ctx context.Context, claims *auth.OperatorClaims, siteID string) (*store.Site, error) {
	if claims == nil {
		return nil, ErrUnauthorized
	}
	site, err := p.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site.OwnerID != claims.OperatorID && claims.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	return site, nil
}

// RegisterSite creates a site for ownerID and returns its agent
// credential. The credential is not stored and cannot be read back.
func (p *Pilot) RegisterSite(ctx context.Context, ownerID, domain, tier string) (*store.Site, string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, "", errors.New("autopilot: domain required")
	}
	token := idgen.Token()
	site := &store.Site{
		ID:               p.ids(),
		Domain:           domain,
		TokenHash:        HashToken(token),
		OwnerID:          ownerID,
		PlanTier:         tier,
		AutopilotEnabled: true,
	}
	if err := p.store.InsertSite(ctx, site); err != nil {
		return nil, "", fmt.Errorf("autopilot: register site: %w", err)
	}
	return site, token, nil
}

// RotateToken replaces a site's agent credential.
func (p *Pilot) RotateToken(ctx context.Context, siteID string) (string, error) {
	token := idgen.Token()
	if err := p.store.SetTokenHash(ctx, siteID, HashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

// ListSites returns the operator's sites, or every site for an admin.
func (p *Pilot) ListSites(ctx context.Context, claims *auth.OperatorClaims) ([]*store.Site, error) {
	if claims.Role == RoleAdmin {
		return p.store.ListSites(ctx, "")
	}
	return p.store.ListSites(ctx, claims.OperatorID)
}

// SetAutopilot enables or disables autonomous cycles for a site.
func (p *Pilot) SetAutopilot(ctx context.Context, siteID string, enabled bool) error {
	return p.store.SetAutopilot(ctx, siteID, enabled)
}

// Manifest compiles the current manifest of a site.
func (p *Pilot) Manifest(ctx context.Context, siteID string) (*manifest.Manifest, error) {
	return p.compiler.Compile(ctx, siteID)
}

// SiteForToken resolves an agent credential.
func (p *Pilot) SiteForToken(ctx context.Context, token string) (*store.Site, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	site, err := p.store.GetSiteByTokenHash(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	return site, err
}

// ListRules returns a site's rules in creation order.
func (p *Pilot) ListRules(ctx context.Context, siteID string, activeOnly bool) ([]*store.Rule, error) {
	return p.store.ListRules(ctx, siteID, activeOnly)
}

// ToggleRule sets a rule's active flag. A non-empty payload never edits
// the rule: it supersedes it with a new rule carrying that payload.
func (p *Pilot) ToggleRule(ctx context.Context, siteID, ruleID string, active bool, payload json.RawMessage, actor string) (*store.Rule, error) {
	if len(payload) > 0 && string(payload) != "null" {
		return p.ledger.Supersede(ctx, siteID, ruleID, payload, active, p.ids(), actor)
	}
	return p.ledger.SetActive(ctx, siteID, ruleID, active, actor)
}

// Undo deactivates a rule and records the compensation.
func (p *Pilot) Undo(ctx context.Context, siteID, ruleID, actor string) (*store.Event, error) {
	return p.ledger.Undo(ctx, siteID, ruleID, actor)
}

// CreateRedirect is the broken-link remediation: a redirect rule from
// `from` to `to`, recorded as an auto-fix. It does not spend energy.
func (p *Pilot) CreateRedirect(ctx context.Context, siteID, from, to string, status int, actor string) (*store.Rule, error) {
	payload := rule.Redirect{To: to, Status: status}
	if err := rule.Validate(payload); err != nil {
		return nil, err
	}
	raw, err := rule.Encode(payload)
	if err != nil {
		return nil, err
	}
	hash, err := rule.Hash(payload)
	if err != nil {
		return nil, err
	}
	r := &store.Rule{
		ID:          p.ids(),
		SiteID:      siteID,
		TargetPath:  rule.NormalizePath(from),
		Type:        rule.TypeRedirect,
		Payload:     raw,
		PayloadHash: hash,
		Active:      true,
		Confidence:  1,
		Reasoning:   "broken link remediation",
		Source:      rule.SourceRemediation,
		CreatedAt:   p.now().UnixMilli(),
	}
	if _, err := p.ledger.CreateRule(ctx, r, ledger.EventAutoFix, ledger.Details{Actor: actor}); err != nil {
		return nil, err
	}
	return r, nil
}

// Events returns a site's audit events, newest first.
func (p *Pilot) Events(ctx context.Context, siteID, typ string, limit int) ([]*store.Event, error) {
	return p.ledger.List(ctx, siteID, typ, limit)
}

// Energy reports the site's quota state for today.
func (p *Pilot) Energy(ctx context.Context, siteID string) (*quota.State, error) {
	return p.quota.State(ctx, siteID)
}

// Runs returns a site's recent cycle runs.
func (p *Pilot) Runs(ctx context.Context, siteID string, limit int) ([]*store.CycleRun, error) {
	return p.store.ListRuns(ctx, siteID, limit)
}

// Metrics returns the site's control-loop datapoints since the given time,
// newest first. It is empty when no metrics database is configured.
func (p *Pilot) Metrics(ctx context.Context, siteID, name string, since time.Time, limit int) ([]*observability.Metric, error) {
	if p.metrics == nil {
		return []*observability.Metric{}, nil
	}
	out, err := p.metrics.QuerySite(ctx, siteID, name, since, limit)
	if out == nil && err == nil {
		out = []*observability.Metric{}
	}
	return out, err
}

// IssueInput is one crawler-reported issue.
type IssueInput struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
	Excerpt string `json:"excerpt"`
}

// RecordIssues stores crawler issues for a site.
func (p *Pilot) RecordIssues(ctx context.Context, siteID string, issues []IssueInput) (int, error) {
	now := p.now().UnixMilli()
	err := p.store.InTx(ctx, func(tx *store.Tx) error {
		for _, in := range issues {
			if in.Kind == "" {
				return errors.New("autopilot: issue kind required")
			}
			if err := tx.InsertIssue(ctx, &store.Issue{
				ID: p.ids(), SiteID: siteID, Path: rule.NormalizePath(in.Path),
				Kind: in.Kind, Detail: in.Detail, Excerpt: in.Excerpt, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(issues), nil
}

// PerformanceInput is the performance snapshot intake shape.
type PerformanceInput struct {
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	CTR         float64   `json:"ctr"`
	Position    float64   `json:"position"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// RecordPerformance stores a performance snapshot. Only the latest two
// per site are kept.
func (p *Pilot) RecordPerformance(ctx context.Context, siteID string, in PerformanceInput) (*store.PerformanceSnapshot, error) {
	if in.Clicks < 0 || in.Impressions < 0 {
		return nil, errors.New("autopilot: negative counters")
	}
	captured := in.CapturedAt
	if captured.IsZero() {
		captured = p.now()
	}
	snap := &store.PerformanceSnapshot{
		ID: p.ids(), SiteID: siteID, Clicks: in.Clicks, Impressions: in.Impressions,
		CTR: in.CTR, Position: in.Position, CapturedAt: captured.UnixMilli(),
	}
	if err := p.store.InsertPerformanceSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RankInput is one keyword position observation. A zero or missing
// position means not ranked.
type RankInput struct {
	Keyword    string    `json:"keyword"`
	Position   int       `json:"position"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RecordRanks stores rank snapshots.
func (p *Pilot) RecordRanks(ctx context.Context, siteID string, ranks []RankInput) (int, error) {
	for _, in := range ranks {
		if strings.TrimSpace(in.Keyword) == "" {
			return 0, errors.New("autopilot: keyword required")
		}
		pos := in.Position
		if pos <= 0 || pos > store.NotRanked {
			pos = store.NotRanked
		}
		captured := in.CapturedAt
		if captured.IsZero() {
			captured = p.now()
		}
		if err := p.store.InsertRankSnapshot(ctx, &store.RankSnapshot{
			ID: p.ids(), SiteID: siteID, Keyword: in.Keyword, Position: pos, CapturedAt: captured.UnixMilli(),
		}); err != nil {
			return 0, err
		}
	}
	return len(ranks), nil
}
