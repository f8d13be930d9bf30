package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

const eventColumns = `id, kind, call_id, chat_id, message_type, client_id, reader_id,
	content_ref, start_offset, end_offset,
	risk_score, risk_emotions, risk_patterns, risk_confidence, session_tag,
	monitor_flagged, monitor_notes, created_at`

// InsertMonitoredEvent appends a scored event. Rows are written exactly once;
// only the monitor_flagged / monitor_notes pair is ever updated afterwards.
func (db *DB) InsertMonitoredEvent(ctx context.Context, e model.MonitoredEvent) (model.MonitoredEvent, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO monitored_events
		   (kind, call_id, chat_id, message_type, client_id, reader_id,
		    content_ref, start_offset, end_offset,
		    risk_score, risk_emotions, risk_patterns, risk_confidence, session_tag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at`,
		string(e.Kind), e.CallID, e.ChatID, e.MessageType, e.ClientID, e.ReaderID,
		e.ContentRef, e.StartOffset, e.EndOffset,
		e.Risk.Score, e.Risk.Emotions, e.Risk.Patterns, e.Risk.Confidence, string(e.SessionTag),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return model.MonitoredEvent{}, fmt.Errorf("storage: insert monitored event: %w", err)
	}
	return e, nil
}

// FlagEvent updates the monitor-owned fields on an event. Everything else is
// immutable after insert.
func (db *DB) FlagEvent(ctx context.Context, eventID uuid.UUID, flagged bool, notes *string) (model.MonitoredEvent, error) {
	var e model.MonitoredEvent
	err := db.pool.QueryRow(ctx,
		`UPDATE monitored_events
		 SET monitor_flagged = $2, monitor_notes = $3
		 WHERE id = $1
		 RETURNING `+eventColumns,
		eventID, flagged, notes,
	).Scan(
		&e.ID, &e.Kind, &e.CallID, &e.ChatID, &e.MessageType, &e.ClientID, &e.ReaderID,
		&e.ContentRef, &e.StartOffset, &e.EndOffset,
		&e.Risk.Score, &e.Risk.Emotions, &e.Risk.Patterns, &e.Risk.Confidence, &e.SessionTag,
		&e.MonitorFlagged, &e.MonitorNotes, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MonitoredEvent{}, ErrNotFound
	}
	if err != nil {
		return model.MonitoredEvent{}, fmt.Errorf("storage: flag event: %w", err)
	}
	return e, nil
}

// GetEvent returns a single monitored event.
func (db *DB) GetEvent(ctx context.Context, eventID uuid.UUID) (model.MonitoredEvent, error) {
	var e model.MonitoredEvent
	err := db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM monitored_events WHERE id = $1`, eventID,
	).Scan(
		&e.ID, &e.Kind, &e.CallID, &e.ChatID, &e.MessageType, &e.ClientID, &e.ReaderID,
		&e.ContentRef, &e.StartOffset, &e.EndOffset,
		&e.Risk.Score, &e.Risk.Emotions, &e.Risk.Patterns, &e.Risk.Confidence, &e.SessionTag,
		&e.MonitorFlagged, &e.MonitorNotes, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MonitoredEvent{}, ErrNotFound
	}
	if err != nil {
		return model.MonitoredEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// ListEventsByCall returns all events for a call in insertion order.
func (db *DB) ListEventsByCall(ctx context.Context, callID uuid.UUID, limit int) ([]model.MonitoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM monitored_events
		 WHERE call_id = $1 ORDER BY created_at ASC LIMIT $2`, callID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events by call: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ChatExists reports whether any event already references the chat. Chats are
// external entities; the first event for a chat establishes the reference.
func (db *DB) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM monitored_events WHERE chat_id = $1)`, chatID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check chat exists: %w", err)
	}
	return exists, nil
}

func scanEvents(rows pgx.Rows) ([]model.MonitoredEvent, error) {
	var events []model.MonitoredEvent
	for rows.Next() {
		var e model.MonitoredEvent
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.CallID, &e.ChatID, &e.MessageType, &e.ClientID, &e.ReaderID,
			&e.ContentRef, &e.StartOffset, &e.EndOffset,
			&e.Risk.Score, &e.Risk.Emotions, &e.Risk.Patterns, &e.Risk.Confidence, &e.SessionTag,
			&e.MonitorFlagged, &e.MonitorNotes, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
