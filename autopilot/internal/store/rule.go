package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hazyhaar/seopilot/rule"
)

// Rule is a stored rule. Payload is kept as raw JSON so a row that no
// longer decodes is still listable and can be deactivated.
type Rule struct {
	ID          string          `json:"id"`
	SiteID      string          `json:"site_id"`
	TargetPath  string          `json:"target_path"`
	Type        rule.Type       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	Active      bool            `json:"active"`
	Confidence  float64         `json:"confidence"`
	Divergence  *float64        `json:"divergence,omitempty"`
	Reasoning   string          `json:"reasoning"`
	Source      rule.Source     `json:"source"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

const ruleColumns = `id, site_id, target_path, type, payload, payload_hash, active, confidence,
	divergence, reasoning, source, created_at, updated_at`

func scanRule(sc interface{ Scan(...any) error }) (*Rule, error) {
	r := &Rule{}
	var payload string
	var active int
	var div sql.NullFloat64
	if err := sc.Scan(&r.ID, &r.SiteID, &r.TargetPath, &r.Type, &payload, &r.PayloadHash, &active,
		&r.Confidence, &div, &r.Reasoning, &r.Source, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.Active = active != 0
	if div.Valid {
		r.Divergence = &div.Float64
	}
	return r, nil
}

// InsertRule inserts a rule. CreatedAt defaults to now.
func (o ops) InsertRule(ctx context.Context, r *Rule) error {
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.SiteID, r.TargetPath, string(r.Type), string(r.Payload), r.PayloadHash, boolInt(r.Active),
		r.Confidence, nullFloat(r.Divergence), r.Reasoning, string(r.Source), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRule returns a rule by ID.
func (o ops) GetRule(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(o.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	return r, notFound(err)
}

// ListRules returns a site's rules in creation order (oldest first, insert
// order breaking ties), optionally only the active ones.
func (o ops) ListRules(ctx context.Context, siteID string, activeOnly bool) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE site_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := o.q.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleActive sets the active flag and bumps updated_at.
func (o ops) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := o.q.ExecContext(ctx, `UPDATE rules SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasActiveDuplicate reports whether an active rule with the same path,
// type and payload hash already exists for the site.
func (o ops) HasActiveDuplicate(ctx context.Context, siteID, path string, typ rule.Type, hash string) (bool, error) {
	var one int
	err := o.q.QueryRowContext(ctx, `
		SELECT 1 FROM rules
		WHERE site_id = ? AND target_path = ? AND type = ? AND payload_hash = ? AND active = 1
		LIMIT 1`, siteID, path, string(typ), hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
