package store

import (
	"context"
	"strings"
	"time"
)

// Issue is a problem reported by the external crawler for a page.
type Issue struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Excerpt   string `json:"excerpt,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// InsertIssue stores a reported issue.
func (o ops) InsertIssue(ctx context.Context, is *Issue) error {
	if is.CreatedAt == 0 {
		is.CreatedAt = time.Now().UnixMilli()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO issues (id, site_id, path, kind, detail, excerpt, created_at) VALUES (?,?,?,?,?,?,?)`,
		is.ID, is.SiteID, is.Path, is.Kind, is.Detail, is.Excerpt, is.CreatedAt,
	)
	return err
}

// ListIssues returns a site's open issues, newest first. A limit of 0
// returns all of them.
func (o ops) ListIssues(ctx context.Context, siteID string, limit int) ([]*Issue, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, site_id, path, kind, detail, excerpt, created_at
		FROM issues WHERE site_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		is := &Issue{}
		if err := rows.Scan(&is.ID, &is.SiteID, &is.Path, &is.Kind, &is.Detail, &is.Excerpt, &is.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// DeleteIssuesForPaths removes the site's issues stored under any of paths
// and returns how many were removed.
func (o ops) DeleteIssuesForPaths(ctx context.Context, siteID string, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	args := []any{siteID}
	for _, p := range paths {
		args = append(args, p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM issues WHERE site_id = ? AND path IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
