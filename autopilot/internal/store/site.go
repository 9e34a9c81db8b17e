package store

import (
	"context"
	"time"

	"github.com/hazyhaar/seopilot/dbopen"
)

// Site is a website under management.
type Site struct {
	ID               string `json:"id"`
	Domain           string `json:"domain"`
	TokenHash        string `json:"-"`
	OwnerID          string `json:"owner_id"`
	PlanTier         string `json:"plan_tier"`
	AutopilotEnabled bool   `json:"autopilot_enabled"`
	EnergyUsed       int    `json:"energy_used"`
	EnergyResetOn    string `json:"energy_reset_on"`
	CreatedAt        int64  `json:"created_at"`
}

const siteColumns = `id, domain, token_hash, owner_id, plan_tier, autopilot_enabled, energy_used, energy_reset_on, created_at`

func scanSite(sc interface{ Scan(...any) error }) (*Site, error) {
	s := &Site{}
	var enabled int
	if err := sc.Scan(&s.ID, &s.Domain, &s.TokenHash, &s.OwnerID, &s.PlanTier, &enabled,
		&s.EnergyUsed, &s.EnergyResetOn, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.AutopilotEnabled = enabled != 0
	return s, nil
}

// InsertSite inserts a new site.
func (s *Store) InsertSite(ctx context.Context, site *Site) error {
	if site.CreatedAt == 0 {
		site.CreatedAt = time.Now().UnixMilli()
	}
	if site.PlanTier == "" {
		site.PlanTier = "free"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sites (`+siteColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		site.ID, site.Domain, site.TokenHash, site.OwnerID, site.PlanTier, boolInt(site.AutopilotEnabled),
		site.EnergyUsed, site.EnergyResetOn, site.CreatedAt,
	)
	return err
}

// GetSite returns a site by ID.
func (s *Store) GetSite(ctx context.Context, id string) (*Site, error) {
	site, err := scanSite(s.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	return site, notFound(err)
}

// GetSiteByTokenHash resolves an agent credential.
func (s *Store) GetSiteByTokenHash(ctx context.Context, hash string) (*Site, error) {
	site, err := scanSite(s.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE token_hash = ?`, hash))
	return site, notFound(err)
}

// ListSites returns sites owned by ownerID, or every site when ownerID is empty.
func (s *Store) ListSites(ctx context.Context, ownerID string) ([]*Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`
	return s.querySites(ctx, query, args...)
}

// ListAutopilotSites returns the sites whose policy allows autonomous operation.
func (s *Store) ListAutopilotSites(ctx context.Context) ([]*Site, error) {
	return s.querySites(ctx, `SELECT `+siteColumns+` FROM sites WHERE autopilot_enabled = 1 ORDER BY created_at ASC`)
}

func (s *Store) querySites(ctx context.Context, query string, args ...any) ([]*Site, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// SetAutopilot toggles autonomous operation for a site.
func (s *Store) SetAutopilot(ctx context.Context, id string, enabled bool) error {
	return s.updateOne(ctx, `UPDATE sites SET autopilot_enabled = ? WHERE id = ?`, boolInt(enabled), id)
}

// SetTokenHash replaces a site's credential hash.
func (s *Store) SetTokenHash(ctx context.Context, id, hash string) error {
	return s.updateOne(ctx, `UPDATE sites SET token_hash = ? WHERE id = ?`, hash, id)
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeEnergy spends one unit of the site's daily budget in a single
// conditional statement. A stored reset date earlier than today counts as
// a zero counter and is replaced by today. A stored date later than today
// (the clock went back) is kept along with its counter. ceiling < 0 means
// unlimited. It returns the counter after the call and whether the unit
// was granted. A denied call still rolls the counter over to today.
func (s *Store) ConsumeEnergy(ctx context.Context, siteID, today string, ceiling int) (used int, ok bool, err error) {
	err = dbopen.Retry(ctx, func() error {
		return s.DB.QueryRowContext(ctx, `
			UPDATE sites
			SET energy_used = CASE WHEN energy_reset_on < ? THEN 1 ELSE energy_used + 1 END,
			    energy_reset_on = MAX(energy_reset_on, ?)
			WHERE id = ?
			  AND (? < 0 OR (CASE WHEN energy_reset_on < ? THEN 0 ELSE energy_used END) < ?)
			RETURNING energy_used`,
			today, today, siteID, ceiling, today, ceiling,
		).Scan(&used)
	})
	if err == nil {
		return used, true, nil
	}
	if err = notFound(err); err != ErrNotFound {
		return 0, false, err
	}
	used, err = s.RollEnergy(ctx, siteID, today)
	return used, false, err
}

// RollEnergy resets the counter when the stored date is earlier than
// today and returns the current counter. It never increments.
func (s *Store) RollEnergy(ctx context.Context, siteID, today string) (int, error) {
	var used int
	err := s.DB.QueryRowContext(ctx, `
		UPDATE sites
		SET energy_used = CASE WHEN energy_reset_on < ? THEN 0 ELSE energy_used END,
		    energy_reset_on = MAX(energy_reset_on, ?)
		WHERE id = ?
		RETURNING energy_used`,
		today, today, siteID,
	).Scan(&used)
	return used, notFound(err)
}

// ClaimDefense records snapshotID as the performance snapshot that
// triggered a defense response. It reports false when that snapshot has
// already triggered one.
func (s *Store) ClaimDefense(ctx context.Context, siteID, snapshotID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sites SET defense_snapshot_id = ?
		WHERE id = ? AND defense_snapshot_id != ?`,
		snapshotID, siteID, snapshotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSite(ctx, siteID); err != nil {
		return false, err
	}
	return false, nil
}
