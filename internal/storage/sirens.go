package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

const sirenColumns = `id, call_id, target_user_id, target_role, siren_type, intensity,
	pattern, active, acknowledged, acknowledged_by, acknowledged_at,
	stopped_at, stop_reason, created_at, updated_at`

// UpsertSiren creates a siren or intensifies the existing active one. The
// partial unique index on (call_id, target_user_id, siren_type) WHERE active
// makes this race-free: two concurrent escalations for the same target land
// on one row, and intensity only ever moves up.
func (db *DB) UpsertSiren(ctx context.Context, s model.SirenAlert) (model.SirenAlert, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO siren_alerts
		   (call_id, target_user_id, target_role, siren_type, intensity, pattern)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (call_id, target_user_id, siren_type) WHERE active
		 DO UPDATE SET
		   intensity = GREATEST(siren_alerts.intensity, EXCLUDED.intensity),
		   pattern = EXCLUDED.pattern,
		   updated_at = now()
		 RETURNING `+sirenColumns,
		s.CallID, s.TargetUserID, string(s.TargetRole), string(s.SirenType), s.Intensity, s.Pattern,
	).Scan(
		&s.ID, &s.CallID, &s.TargetUserID, &s.TargetRole, &s.SirenType, &s.Intensity,
		&s.Pattern, &s.Active, &s.Acknowledged, &s.AcknowledgedBy, &s.AcknowledgedAt,
		&s.StoppedAt, &s.StopReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.SirenAlert{}, fmt.Errorf("storage: upsert siren: %w", err)
	}
	return s, nil
}

// AcknowledgeSiren marks an active siren acknowledged. The siren keeps
// sounding until explicitly stopped; acknowledgement records that a human
// has seen it.
func (db *DB) AcknowledgeSiren(ctx context.Context, sirenID uuid.UUID, byUserID string) (model.SirenAlert, error) {
	var s model.SirenAlert
	err := db.pool.QueryRow(ctx,
		`UPDATE siren_alerts
		 SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now(), updated_at = now()
		 WHERE id = $1 AND active
		 RETURNING `+sirenColumns,
		sirenID, byUserID,
	).Scan(
		&s.ID, &s.CallID, &s.TargetUserID, &s.TargetRole, &s.SirenType, &s.Intensity,
		&s.Pattern, &s.Active, &s.Acknowledged, &s.AcknowledgedBy, &s.AcknowledgedAt,
		&s.StoppedAt, &s.StopReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SirenAlert{}, ErrNotFound
	}
	if err != nil {
		return model.SirenAlert{}, fmt.Errorf("storage: acknowledge siren: %w", err)
	}
	return s, nil
}

// StopSiren deactivates a siren with a mandatory reason.
func (db *DB) StopSiren(ctx context.Context, sirenID uuid.UUID, reason string) (model.SirenAlert, error) {
	var s model.SirenAlert
	err := db.pool.QueryRow(ctx,
		`UPDATE siren_alerts
		 SET active = false, stopped_at = now(), stop_reason = $2, updated_at = now()
		 WHERE id = $1 AND active
		 RETURNING `+sirenColumns,
		sirenID, reason,
	).Scan(
		&s.ID, &s.CallID, &s.TargetUserID, &s.TargetRole, &s.SirenType, &s.Intensity,
		&s.Pattern, &s.Active, &s.Acknowledged, &s.AcknowledgedBy, &s.AcknowledgedAt,
		&s.StoppedAt, &s.StopReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SirenAlert{}, ErrNotFound
	}
	if err != nil {
		return model.SirenAlert{}, fmt.Errorf("storage: stop siren: %w", err)
	}
	return s, nil
}

// StopSirensForCall force-acknowledges and stops every active siren on a
// call, returning the stopped sirens so each one gets its own activity log
// entry. Called when a call ends.
func (db *DB) StopSirensForCall(ctx context.Context, callID uuid.UUID, reason string) ([]model.SirenAlert, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE siren_alerts
		 SET active = false,
		     acknowledged = true,
		     acknowledged_at = COALESCE(acknowledged_at, now()),
		     stopped_at = now(),
		     stop_reason = $2,
		     updated_at = now()
		 WHERE call_id = $1 AND active
		 RETURNING `+sirenColumns,
		callID, reason,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stop sirens for call: %w", err)
	}
	defer rows.Close()

	return scanSirens(rows)
}

// GetSiren returns a single siren alert.
func (db *DB) GetSiren(ctx context.Context, sirenID uuid.UUID) (model.SirenAlert, error) {
	var s model.SirenAlert
	err := db.pool.QueryRow(ctx,
		`SELECT `+sirenColumns+` FROM siren_alerts WHERE id = $1`, sirenID,
	).Scan(
		&s.ID, &s.CallID, &s.TargetUserID, &s.TargetRole, &s.SirenType, &s.Intensity,
		&s.Pattern, &s.Active, &s.Acknowledged, &s.AcknowledgedBy, &s.AcknowledgedAt,
		&s.StoppedAt, &s.StopReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SirenAlert{}, ErrNotFound
	}
	if err != nil {
		return model.SirenAlert{}, fmt.Errorf("storage: get siren: %w", err)
	}
	return s, nil
}

// ListActiveSirensForCall returns the active sirens on a call.
func (db *DB) ListActiveSirensForCall(ctx context.Context, callID uuid.UUID) ([]model.SirenAlert, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sirenColumns+` FROM siren_alerts
		 WHERE call_id = $1 AND active ORDER BY created_at ASC`, callID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active sirens: %w", err)
	}
	defer rows.Close()

	return scanSirens(rows)
}

// ListActiveSirensForUser returns the active sirens targeting a user.
func (db *DB) ListActiveSirensForUser(ctx context.Context, userID string) ([]model.SirenAlert, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sirenColumns+` FROM siren_alerts
		 WHERE target_user_id = $1 AND active ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sirens for user: %w", err)
	}
	defer rows.Close()

	return scanSirens(rows)
}

func scanSirens(rows pgx.Rows) ([]model.SirenAlert, error) {
	var out []model.SirenAlert
	for rows.Next() {
		var s model.SirenAlert
		if err := rows.Scan(
			&s.ID, &s.CallID, &s.TargetUserID, &s.TargetRole, &s.SirenType, &s.Intensity,
			&s.Pattern, &s.Active, &s.Acknowledged, &s.AcknowledgedBy, &s.AcknowledgedAt,
			&s.StoppedAt, &s.StopReason, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan siren: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
