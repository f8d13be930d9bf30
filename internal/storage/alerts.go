package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

const alertColumns = `id, alert_type, severity, call_id, chat_id, event_id, client_id,
	reader_id, confidence, resolved, resolved_by, resolved_at, feedback, created_at`

// CreateAlert inserts a new escalation alert.
func (db *DB) CreateAlert(ctx context.Context, a model.EscalationAlert) (model.EscalationAlert, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO escalation_alerts
		   (alert_type, severity, call_id, chat_id, event_id, client_id, reader_id, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		string(a.Type), string(a.Severity), a.CallID, a.ChatID, a.EventID,
		a.ClientID, a.ReaderID, a.Confidence,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return model.EscalationAlert{}, fmt.Errorf("storage: create alert: %w", err)
	}
	return a, nil
}

// ResolveAlert marks an alert resolved with the resolver's feedback.
// Resolving an already-resolved alert is a no-op conflict: zero rows match
// and ErrNotFound is returned if the alert doesn't exist at all.
func (db *DB) ResolveAlert(ctx context.Context, alertID uuid.UUID, resolvedBy, feedback string) (model.EscalationAlert, error) {
	var a model.EscalationAlert
	err := db.pool.QueryRow(ctx,
		`UPDATE escalation_alerts
		 SET resolved = true, resolved_by = $2, resolved_at = now(), feedback = $3
		 WHERE id = $1 AND NOT resolved
		 RETURNING `+alertColumns,
		alertID, resolvedBy, feedback,
	).Scan(
		&a.ID, &a.Type, &a.Severity, &a.CallID, &a.ChatID, &a.EventID, &a.ClientID,
		&a.ReaderID, &a.Confidence, &a.Resolved, &a.ResolvedBy, &a.ResolvedAt, &a.Feedback, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM escalation_alerts WHERE id = $1)`, alertID,
		).Scan(&exists); qerr != nil {
			return model.EscalationAlert{}, fmt.Errorf("storage: check alert exists: %w", qerr)
		}
		if !exists {
			return model.EscalationAlert{}, ErrNotFound
		}
		return model.EscalationAlert{}, ErrInvalidTransition
	}
	if err != nil {
		return model.EscalationAlert{}, fmt.Errorf("storage: resolve alert: %w", err)
	}
	return a, nil
}

// GetAlert returns a single alert.
func (db *DB) GetAlert(ctx context.Context, alertID uuid.UUID) (model.EscalationAlert, error) {
	var a model.EscalationAlert
	err := db.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM escalation_alerts WHERE id = $1`, alertID,
	).Scan(
		&a.ID, &a.Type, &a.Severity, &a.CallID, &a.ChatID, &a.EventID, &a.ClientID,
		&a.ReaderID, &a.Confidence, &a.Resolved, &a.ResolvedBy, &a.ResolvedAt, &a.Feedback, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EscalationAlert{}, ErrNotFound
	}
	if err != nil {
		return model.EscalationAlert{}, fmt.Errorf("storage: get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts, newest first, optionally only unresolved ones.
func (db *DB) ListAlerts(ctx context.Context, onlyOpen bool, limit, offset int) ([]model.EscalationAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + alertColumns + ` FROM escalation_alerts`
	if onlyOpen {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := db.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.EscalationAlert
	for rows.Next() {
		var a model.EscalationAlert
		if err := rows.Scan(
			&a.ID, &a.Type, &a.Severity, &a.CallID, &a.ChatID, &a.EventID, &a.ClientID,
			&a.ReaderID, &a.Confidence, &a.Resolved, &a.ResolvedBy, &a.ResolvedAt, &a.Feedback, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OpenAlertCountForCall returns the number of unresolved alerts on a call.
// The escalation level resets only when this reaches zero.
func (db *DB) OpenAlertCountForCall(ctx context.Context, callID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM escalation_alerts WHERE call_id = $1 AND NOT resolved`, callID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: open alert count: %w", err)
	}
	return n, nil
}
