package store

import (
	"context"
	"encoding/json"
	"time"
)

// Event is an audit ledger entry.
type Event struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"site_id"`
	Type       string          `json:"type"`
	TargetPath string          `json:"target_path"`
	Details    json.RawMessage `json:"details"`
	OccurredAt int64           `json:"occurred_at"`
}

// InsertEvent appends an event. OccurredAt defaults to now.
func (o ops) InsertEvent(ctx context.Context, e *Event) error {
	if e.OccurredAt == 0 {
		e.OccurredAt = time.Now().UnixMilli()
	}
	if len(e.Details) == 0 {
		e.Details = json.RawMessage(`{}`)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO audit_events (id, site_id, type, target_path, details, occurred_at)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.SiteID, e.Type, e.TargetPath, string(e.Details), e.OccurredAt,
	)
	return err
}

// ListEvents returns a site's events newest first, optionally of one type.
func (o ops) ListEvents(ctx context.Context, siteID, typ string, limit int) ([]*Event, error) {
	query := `SELECT id, site_id, type, target_path, details, occurred_at FROM audit_events WHERE site_id = ?`
	args := []any{siteID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details string
		if err := rows.Scan(&e.ID, &e.SiteID, &e.Type, &e.TargetPath, &details, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Details = json.RawMessage(details)
		events = append(events, e)
	}
	return events, rows.Err()
}
