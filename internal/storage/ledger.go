package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

// Session ledger record types. The ledger is append-only: no update or
// delete path exists outside retention cleanup.
const (
	RecordSessionStart      = "session_start"
	RecordSessionEnd        = "session_end"
	RecordAIAnalysis        = "ai_analysis"
	RecordEscalation        = "escalation"
	RecordHumanIntervention = "human_intervention"
	RecordAIFeedback        = "ai_feedback"
)

// SessionRecord is one entry in the append-only session ledger.
type SessionRecord struct {
	ID         uuid.UUID      `json:"id"`
	RecordType string         `json:"record_type"`
	CallID     *uuid.UUID     `json:"call_id,omitempty"`
	ChatID     *string        `json:"chat_id,omitempty"`
	ClientID   string         `json:"client_id"`
	ReaderID   *string        `json:"reader_id,omitempty"`
	RiskScore  *int           `json:"risk_score,omitempty"`
	AITag      *string        `json:"ai_tag,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// InsertSessionRecords bulk-inserts ledger records using the COPY protocol.
// Records must have ID and CreatedAt already assigned (the buffered writer
// assigns them at append time so flush order doesn't skew timestamps).
func (db *DB) InsertSessionRecords(ctx context.Context, records []SessionRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	columns := []string{"id", "record_type", "call_id", "chat_id", "client_id", "reader_id", "risk_score", "ai_tag", "detail", "created_at"}

	rows := make([][]any, len(records))
	for i, rec := range records {
		detail := rec.Detail
		if detail == nil {
			detail = map[string]any{}
		}
		rows[i] = []any{
			rec.ID,
			rec.RecordType,
			rec.CallID,
			rec.ChatID,
			rec.ClientID,
			rec.ReaderID,
			rec.RiskScore,
			rec.AITag,
			detail,
			rec.CreatedAt,
		}
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// ledger flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"session_records"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy session records: %w", err)
	}
	return copyCount, nil
}

// InsertSessionRecord inserts a single ledger record (for low-volume paths
// like session_start / session_end, which skip the buffer so they are
// durable before the HTTP response goes out).
func (db *DB) InsertSessionRecord(ctx context.Context, rec SessionRecord) error {
	detail := rec.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO session_records
		   (record_type, call_id, chat_id, client_id, reader_id, risk_score, ai_tag, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RecordType, rec.CallID, rec.ChatID, rec.ClientID, rec.ReaderID,
		rec.RiskScore, rec.AITag, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: insert session record: %w", err)
	}
	return nil
}

// ListSessionRecordsByCall returns the ledger slice for one call in order.
func (db *DB) ListSessionRecordsByCall(ctx context.Context, callID uuid.UUID, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, record_type, call_id, chat_id, client_id, reader_id, risk_score, ai_tag, detail, created_at
		 FROM session_records WHERE call_id = $1
		 ORDER BY created_at ASC LIMIT $2`, callID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list session records: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.ID, &rec.RecordType, &rec.CallID, &rec.ChatID, &rec.ClientID,
			&rec.ReaderID, &rec.RiskScore, &rec.AITag, &rec.Detail, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan session record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MonitoringStats is the aggregation returned by GET /v1/monitoring/stats.
type MonitoringStats struct {
	Sessions         int64            `json:"sessions"`
	Events           int64            `json:"events"`
	Alerts           int64            `json:"alerts"`
	OpenAlerts       int64            `json:"open_alerts"`
	Escalations      int64            `json:"escalations"`
	TagDistribution  map[string]int64 `json:"tag_distribution"`
	RiskDistribution map[string]int64 `json:"risk_distribution"`
	FeedbackAccuracy *float64         `json:"feedback_accuracy,omitempty"`
	WindowStart      time.Time        `json:"window_start"`
	WindowEnd        time.Time        `json:"window_end"`
}

// Stats aggregates monitoring counters over [start, end). All aggregation is
// SQL-side; the risk buckets share their boundaries with model.TagForScore so
// an event's tag and its bucket never disagree.
func (db *DB) Stats(ctx context.Context, start, end time.Time) (MonitoringStats, error) {
	stats := MonitoringStats{
		TagDistribution:  make(map[string]int64),
		RiskDistribution: make(map[string]int64),
		WindowStart:      start,
		WindowEnd:        end,
	}

	err := db.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM session_records
		      WHERE record_type = 'session_start' AND created_at >= $1 AND created_at < $2),
		   (SELECT COUNT(*) FROM monitored_events WHERE created_at >= $1 AND created_at < $2),
		   (SELECT COUNT(*) FROM escalation_alerts WHERE created_at >= $1 AND created_at < $2),
		   (SELECT COUNT(*) FROM escalation_alerts
		      WHERE created_at >= $1 AND created_at < $2 AND NOT resolved),
		   (SELECT COUNT(*) FROM session_records
		      WHERE record_type = 'escalation' AND created_at >= $1 AND created_at < $2)`,
		start, end,
	).Scan(&stats.Sessions, &stats.Events, &stats.Alerts, &stats.OpenAlerts, &stats.Escalations)
	if err != nil {
		return stats, fmt.Errorf("storage: stats counters: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT session_tag, COUNT(*) FROM monitored_events
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY session_tag`, start, end,
	)
	if err != nil {
		return stats, fmt.Errorf("storage: stats tag distribution: %w", err)
	}
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("storage: scan tag distribution: %w", err)
		}
		stats.TagDistribution[tag] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("storage: stats tag distribution rows: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT CASE
		          WHEN risk_score >= $3 THEN 'critical'
		          WHEN risk_score >= $4 THEN 'suspicious'
		          WHEN risk_score >= $5 THEN 'needs_review'
		          ELSE 'safe'
		        END AS bucket, COUNT(*)
		 FROM monitored_events
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY bucket`,
		start, end, model.ScoreCriticalMin, model.ScoreSuspiciousMin, model.ScoreNeedsReviewMin,
	)
	if err != nil {
		return stats, fmt.Errorf("storage: stats risk distribution: %w", err)
	}
	for rows.Next() {
		var bucket string
		var n int64
		if err := rows.Scan(&bucket, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("storage: scan risk distribution: %w", err)
		}
		stats.RiskDistribution[bucket] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("storage: stats risk distribution rows: %w", err)
	}

	// Feedback accuracy = accurate / (accurate + false_positive) over
	// resolutions in the window. Nil when no feedback was given at all.
	var accurate, falsePositive int64
	err = db.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE feedback = 'accurate'),
		   COUNT(*) FILTER (WHERE feedback = 'false_positive')
		 FROM escalation_alerts
		 WHERE resolved_at >= $1 AND resolved_at < $2`,
		start, end,
	).Scan(&accurate, &falsePositive)
	if err != nil {
		return stats, fmt.Errorf("storage: stats feedback accuracy: %w", err)
	}
	if total := accurate + falsePositive; total > 0 {
		acc := float64(accurate) / float64(total)
		stats.FeedbackAccuracy = &acc
	}

	return stats, nil
}
