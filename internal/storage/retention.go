package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports what a retention cleanup run deleted, per table,
// plus the cutoff actually used.
type CleanupResult struct {
	MonitoredEvents    int64     `json:"monitored_events"`
	SessionRecords     int64     `json:"session_records"`
	EscalationAlerts   int64     `json:"escalation_alerts"`
	SirenAlerts        int64     `json:"siren_alerts"`
	MonitorActivityLog int64     `json:"monitor_activity_log"`
	Cutoff             time.Time `json:"cutoff"`
}

// Cleanup deletes monitoring data older than the cutoff across all
// retention-managed tables. Live data is protected structurally: sirens and
// alerts only age out once resolved/stopped, and events referenced by an
// alert younger than the cutoff survive via the alert's FK ordering below.
func (db *DB) Cleanup(ctx context.Context, cutoff time.Time) (CleanupResult, error) {
	res := CleanupResult{Cutoff: cutoff}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("storage: begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Alerts first: they reference monitored_events.
	tag, err := tx.Exec(ctx,
		`DELETE FROM escalation_alerts WHERE created_at < $1 AND resolved`, cutoff)
	if err != nil {
		return res, fmt.Errorf("storage: cleanup alerts: %w", err)
	}
	res.EscalationAlerts = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM monitored_events
		 WHERE created_at < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM escalation_alerts a WHERE a.event_id = monitored_events.id
		   )`, cutoff)
	if err != nil {
		return res, fmt.Errorf("storage: cleanup events: %w", err)
	}
	res.MonitoredEvents = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM session_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("storage: cleanup session records: %w", err)
	}
	res.SessionRecords = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM siren_alerts WHERE created_at < $1 AND NOT active`, cutoff)
	if err != nil {
		return res, fmt.Errorf("storage: cleanup sirens: %w", err)
	}
	res.SirenAlerts = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM monitor_activity_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("storage: cleanup activity log: %w", err)
	}
	res.MonitorActivityLog = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("storage: commit cleanup tx: %w", err)
	}
	return res, nil
}
