package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/seopilot/dbopen"
)

// RankSnapshot is one keyword position observation. Position 101 stands
// for "not in the top 100".
type RankSnapshot struct {
	ID         string `json:"id"`
	SiteID     string `json:"site_id"`
	Keyword    string `json:"keyword"`
	Position   int    `json:"position"`
	CapturedAt int64  `json:"captured_at"`
}

// NotRanked is the position recorded for a keyword outside the tracked range.
const NotRanked = 101

// PerformanceSnapshot is the aggregate search performance of a site at a
// point in time.
type PerformanceSnapshot struct {
	ID          string  `json:"id"`
	SiteID      string  `json:"site_id"`
	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
	CapturedAt  int64   `json:"captured_at"`
}

// keptPerformance is how many performance snapshots survive per site:
// current and previous.
const keptPerformance = 2

// InsertRankSnapshot appends a rank observation.
func (s *Store) InsertRankSnapshot(ctx context.Context, r *RankSnapshot) error {
	if r.CapturedAt == 0 {
		r.CapturedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rank_snapshots (id, site_id, keyword, position, captured_at) VALUES (?,?,?,?,?)`,
		r.ID, r.SiteID, r.Keyword, r.Position, r.CapturedAt,
	)
	return err
}

// RecentRankSnapshots returns the n most recent rank snapshots of a site,
// newest first, optionally for one keyword.
func (s *Store) RecentRankSnapshots(ctx context.Context, siteID, keyword string, n int) ([]*RankSnapshot, error) {
	query := `SELECT id, site_id, keyword, position, captured_at FROM rank_snapshots WHERE site_id = ?`
	args := []any{siteID}
	if keyword != "" {
		query += ` AND keyword = ?`
		args = append(args, keyword)
	}
	query += ` ORDER BY captured_at DESC, rowid DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RankSnapshot
	for rows.Next() {
		r := &RankSnapshot{}
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Keyword, &r.Position, &r.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRankings returns the most recent position of every keyword of a site.
func (s *Store) LatestRankings(ctx context.Context, siteID string, limit int) ([]*RankSnapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.id, r.site_id, r.keyword, r.position, r.captured_at
		FROM rank_snapshots r
		WHERE r.site_id = ?
		  AND r.captured_at = (SELECT MAX(captured_at) FROM rank_snapshots
		                       WHERE site_id = r.site_id AND keyword = r.keyword)
		GROUP BY r.keyword
		ORDER BY r.position ASC
		LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RankSnapshot
	for rows.Next() {
		r := &RankSnapshot{}
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Keyword, &r.Position, &r.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertPerformanceSnapshot appends a snapshot and prunes the site's
// history to the current and previous snapshots, in one transaction.
func (s *Store) InsertPerformanceSnapshot(ctx context.Context, p *PerformanceSnapshot) error {
	if p.CapturedAt == 0 {
		p.CapturedAt = time.Now().UnixMilli()
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO performance_snapshots (id, site_id, clicks, impressions, ctr, position, captured_at)
			VALUES (?,?,?,?,?,?,?)`,
			p.ID, p.SiteID, p.Clicks, p.Impressions, p.CTR, p.Position, p.CapturedAt,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM performance_snapshots
			WHERE site_id = ? AND id NOT IN (
				SELECT id FROM performance_snapshots WHERE site_id = ?
				ORDER BY captured_at DESC, rowid DESC LIMIT ?)`,
			p.SiteID, p.SiteID, keptPerformance)
		return err
	})
}

// LatestPerformance returns the current snapshot and the previous one.
// Either may be nil.
func (s *Store) LatestPerformance(ctx context.Context, siteID string) (current, previous *PerformanceSnapshot, err error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, site_id, clicks, impressions, ctr, position, captured_at
		FROM performance_snapshots WHERE site_id = ?
		ORDER BY captured_at DESC, rowid DESC LIMIT 2`, siteID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var snaps []*PerformanceSnapshot
	for rows.Next() {
		p := &PerformanceSnapshot{}
		if err := rows.Scan(&p.ID, &p.SiteID, &p.Clicks, &p.Impressions, &p.CTR, &p.Position, &p.CapturedAt); err != nil {
			return nil, nil, err
		}
		snaps = append(snaps, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(snaps) > 0 {
		current = snaps[0]
	}
	if len(snaps) > 1 {
		previous = snaps[1]
	}
	return current, previous, nil
}
