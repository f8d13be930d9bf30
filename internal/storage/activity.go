package storage

import (
	"context"
	"fmt"

	"github.com/serenline/vigil/internal/model"
)

// InsertActivity appends one entry to the monitor activity log. Handlers call
// this synchronously before responding so the log never misses a human action.
func (db *DB) InsertActivity(ctx context.Context, e model.MonitorActivityLogEntry) (model.MonitorActivityLogEntry, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO monitor_activity_log
		   (actor_user_id, actor_role, action, call_id, target_user_id, alert_id, siren_id, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.ActorUserID, string(e.ActorRole), string(e.Action),
		e.CallID, e.TargetUserID, e.AlertID, e.SirenID, e.Notes,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return model.MonitorActivityLogEntry{}, fmt.Errorf("storage: insert activity: %w", err)
	}
	return e, nil
}

// ListActivity returns activity log entries, newest first.
func (db *DB) ListActivity(ctx context.Context, limit, offset int) ([]model.MonitorActivityLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, actor_user_id, actor_role, action, call_id, target_user_id, alert_id, siren_id, notes, created_at
		 FROM monitor_activity_log
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list activity: %w", err)
	}
	defer rows.Close()

	var out []model.MonitorActivityLogEntry
	for rows.Next() {
		var e model.MonitorActivityLogEntry
		if err := rows.Scan(
			&e.ID, &e.ActorUserID, &e.ActorRole, &e.Action, &e.CallID,
			&e.TargetUserID, &e.AlertID, &e.SirenID, &e.Notes, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
