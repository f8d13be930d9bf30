package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

const callColumns = `id, client_id, reader_id, call_type, status, escalation_level,
	priority, language, created_at, started_at, ended_at, duration_seconds, end_reason`

// CreateCall inserts a new emergency call in the pending state.
func (db *DB) CreateCall(ctx context.Context, c model.EmergencyCall) (model.EmergencyCall, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO emergency_calls (client_id, call_type, priority, language)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, status, escalation_level, created_at`,
		c.ClientID, string(c.CallType), c.Priority, c.Language,
	).Scan(&c.ID, &c.Status, &c.EscalationLevel, &c.CreatedAt)
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: create call: %w", err)
	}
	return c, nil
}

// AcceptCall atomically claims a pending call for a reader. The conditional
// UPDATE is the cross-process race arbiter: exactly one concurrent accept
// matches status='pending', every other caller sees zero rows and gets
// ErrAlreadyAccepted (or ErrCallEnded when the call is already over).
func (db *DB) AcceptCall(ctx context.Context, callID uuid.UUID, readerID string) (model.EmergencyCall, error) {
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`UPDATE emergency_calls
		 SET reader_id = $2, status = 'connected', started_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+callColumns,
		callID, readerID,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EmergencyCall{}, db.classifyCallConflict(ctx, callID)
	}
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: accept call: %w", err)
	}
	return c, nil
}

// classifyCallConflict distinguishes why a conditional update matched nothing.
func (db *DB) classifyCallConflict(ctx context.Context, callID uuid.UUID) error {
	var status model.CallStatus
	err := db.pool.QueryRow(ctx,
		`SELECT status FROM emergency_calls WHERE id = $1`, callID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: classify call conflict: %w", err)
	}
	if status == model.CallStatusEnded {
		return ErrCallEnded
	}
	return ErrAlreadyAccepted
}

// EndCall finalizes a call from any live state. Duration is computed from
// started_at when the call connected; a pending call that ends has none.
// Returns ErrCallEnded if the call already ended.
func (db *DB) EndCall(ctx context.Context, callID uuid.UUID, reason string) (model.EmergencyCall, error) {
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`UPDATE emergency_calls
		 SET status = 'ended',
		     ended_at = now(),
		     duration_seconds = CASE WHEN started_at IS NOT NULL
		                             THEN EXTRACT(EPOCH FROM now() - started_at)::int END,
		     end_reason = $2
		 WHERE id = $1 AND status <> 'ended'
		 RETURNING `+callColumns,
		callID, reason,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := db.callExists(ctx, callID); err != nil {
			return model.EmergencyCall{}, err
		}
		return model.EmergencyCall{}, ErrCallEnded
	}
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: end call: %w", err)
	}
	return c, nil
}

// ExpirePendingCall ends a call only if it is still pending. Used by the
// unanswered-call timer: if a reader accepted between timer fire and this
// update, zero rows match and the call proceeds untouched.
func (db *DB) ExpirePendingCall(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, bool, error) {
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`UPDATE emergency_calls
		 SET status = 'ended', ended_at = now(), end_reason = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+callColumns,
		callID, model.EndReasonUnansweredTimeout,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EmergencyCall{}, false, nil
	}
	if err != nil {
		return model.EmergencyCall{}, false, fmt.Errorf("storage: expire pending call: %w", err)
	}
	return c, true, nil
}

// EscalateCall raises a call's escalation level to at least level and marks
// it escalated. GREATEST keeps the level monotonic under concurrent
// escalations; ended calls never match.
func (db *DB) EscalateCall(ctx context.Context, callID uuid.UUID, level int) (model.EmergencyCall, error) {
	if level > model.MaxEscalationLevel {
		level = model.MaxEscalationLevel
	}
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`UPDATE emergency_calls
		 SET escalation_level = LEAST(GREATEST(escalation_level, $2), $3),
		     status = 'escalated'
		 WHERE id = $1 AND status IN ('connected', 'escalated')
		 RETURNING `+callColumns,
		callID, level, model.MaxEscalationLevel,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := db.callExists(ctx, callID); err != nil {
			return model.EmergencyCall{}, err
		}
		return model.EmergencyCall{}, ErrInvalidTransition
	}
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: escalate call: %w", err)
	}
	return c, nil
}

// ResetEscalation drops the escalation level back to 0 and returns the call
// to connected. Only human resolution calls this; the engine never lowers a
// level on its own.
func (db *DB) ResetEscalation(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, error) {
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`UPDATE emergency_calls
		 SET escalation_level = 0,
		     status = CASE WHEN status = 'escalated' THEN 'connected' ELSE status END
		 WHERE id = $1 AND status <> 'ended'
		 RETURNING `+callColumns,
		callID,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := db.callExists(ctx, callID); err != nil {
			return model.EmergencyCall{}, err
		}
		return model.EmergencyCall{}, ErrCallEnded
	}
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: reset escalation: %w", err)
	}
	return c, nil
}

// GetCall returns a call with its active sirens attached.
func (db *DB) GetCall(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, error) {
	var c model.EmergencyCall
	err := db.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM emergency_calls WHERE id = $1`, callID,
	).Scan(
		&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
		&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EmergencyCall{}, ErrNotFound
	}
	if err != nil {
		return model.EmergencyCall{}, fmt.Errorf("storage: get call: %w", err)
	}

	sirens, err := db.ListActiveSirensForCall(ctx, callID)
	if err != nil {
		return model.EmergencyCall{}, err
	}
	c.ActiveSirens = sirens
	return c, nil
}

// ListCalls returns recent calls, newest first.
func (db *DB) ListCalls(ctx context.Context, limit, offset int) ([]model.EmergencyCall, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+callColumns+` FROM emergency_calls
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list calls: %w", err)
	}
	defer rows.Close()

	var out []model.EmergencyCall
	for rows.Next() {
		var c model.EmergencyCall
		if err := rows.Scan(
			&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
			&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
		); err != nil {
			return nil, fmt.Errorf("storage: scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// callExists returns ErrNotFound when no row matches callID.
func (db *DB) callExists(ctx context.Context, callID uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM emergency_calls WHERE id = $1)`, callID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check call exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// ListPendingCallsOlderThan returns pending calls created before the cutoff.
// Used when reconciling pending-call timers after a restart.
func (db *DB) ListPendingCallsOlderThan(ctx context.Context, cutoff time.Time) ([]model.EmergencyCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+callColumns+` FROM emergency_calls
		 WHERE status = 'pending' AND created_at < $1`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale pending calls: %w", err)
	}
	defer rows.Close()

	var out []model.EmergencyCall
	for rows.Next() {
		var c model.EmergencyCall
		if err := rows.Scan(
			&c.ID, &c.ClientID, &c.ReaderID, &c.CallType, &c.Status, &c.EscalationLevel,
			&c.Priority, &c.Language, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.EndReason,
		); err != nil {
			return nil, fmt.Errorf("storage: scan pending call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
