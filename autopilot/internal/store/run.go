package store

import (
	"context"
	"database/sql"
	"time"
)

// Cycle run statuses.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunError   = "error"
	RunSkipped = "skipped"
)

// CycleRun records one per-site pipeline execution.
type CycleRun struct {
	ID         string `json:"id"`
	SiteID     string `json:"site_id"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Proposed   int    `json:"proposed"`
	Admitted   int    `json:"admitted"`
	Created    int    `json:"created"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
}

// InsertRun records the start of a run.
func (s *Store) InsertRun(ctx context.Context, r *CycleRun) error {
	if r.StartedAt == 0 {
		r.StartedAt = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cycle_runs (id, site_id, mode, status, started_at) VALUES (?,?,?,?,?)`,
		r.ID, r.SiteID, r.Mode, r.Status, r.StartedAt,
	)
	return err
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, r *CycleRun) error {
	now := time.Now().UnixMilli()
	r.FinishedAt = &now
	_, err := s.DB.ExecContext(ctx, `
		UPDATE cycle_runs
		SET mode = ?, status = ?, error = ?, proposed = ?, admitted = ?, created = ?, finished_at = ?
		WHERE id = ?`,
		r.Mode, r.Status, r.Error, r.Proposed, r.Admitted, r.Created, now, r.ID,
	)
	return err
}

// ListRuns returns a site's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, siteID string, limit int) ([]*CycleRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, site_id, mode, status, error, proposed, admitted, created, started_at, finished_at
		FROM cycle_runs WHERE site_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CycleRun
	for rows.Next() {
		r := &CycleRun{}
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Mode, &r.Status, &r.Error, &r.Proposed, &r.Admitted,
			&r.Created, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
