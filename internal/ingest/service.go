// Package ingest implements the monitored-event pipeline: reference
// validation, risk scoring, exactly-once persistence, ledger append, and
// hand-off to the escalation engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/scoring"
	"github.com/serenline/vigil/internal/storage"
)

// Escalator receives persisted assessments. Implemented by the escalation
// engine; an interface here keeps the pipeline testable without a real engine.
type Escalator interface {
	ProcessAssessment(ctx context.Context, event model.MonitoredEvent)
}

// Service runs the ingest pipeline. Scoring is concurrent across events,
// bounded by a semaphore; one slow score never blocks other events.
type Service struct {
	db      *storage.DB
	scorer  scoring.Scorer
	ledger  *LedgerBuffer
	engine  Escalator
	logger  *slog.Logger
	timeout time.Duration

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewService creates the ingest service. parallel bounds concurrent scoring
// calls; timeout is the per-event scoring budget.
func NewService(
	db *storage.DB,
	scorer scoring.Scorer,
	ledger *LedgerBuffer,
	engine Escalator,
	logger *slog.Logger,
	parallel int,
	timeout time.Duration,
) *Service {
	if parallel <= 0 {
		parallel = 1
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:         db,
		scorer:     scorer,
		ledger:     ledger,
		engine:     engine,
		logger:     logger,
		timeout:    timeout,
		sem:        semaphore.NewWeighted(int64(parallel)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Submit validates the request's references and schedules it for asynchronous
// scoring and persistence. Returns ErrInvalidReference when the referenced
// call does not exist; a chat needs no prior existence — the first event for
// a chat establishes the reference.
func (s *Service) Submit(ctx context.Context, req model.IngestEventRequest) error {
	if req.CallID != nil {
		if _, err := s.db.GetCall(ctx, *req.CallID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrInvalidReference
			}
			return fmt.Errorf("ingest: validate call reference: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(req)
	}()
	return nil
}

// process scores, persists, ledgers, and hands off one event. Runs off the
// request goroutine; failures are logged, never surfaced to the submitter.
func (s *Service) process(req model.IngestEventRequest) {
	if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
		return // shutting down
	}
	defer s.sem.Release(1)

	msgType := req.ResolvedMessageType()
	eligible := true
	if msgType != nil {
		eligible = model.ScoringEligible(req.Kind, *msgType)
	}

	var risk model.RiskAssessment
	degraded := false
	if eligible {
		risk, degraded = s.score(req.Content)
	}

	event := model.MonitoredEvent{
		Kind:        req.Kind,
		CallID:      req.CallID,
		ChatID:      req.ChatID,
		MessageType: msgType,
		ClientID:    req.ClientID,
		ReaderID:    req.ReaderID,
		ContentRef:  req.ContentRef,
		StartOffset: req.StartOffset,
		EndOffset:   req.EndOffset,
		Risk:        risk,
		SessionTag:  model.TagForScore(risk.Score),
	}
	if degraded {
		// The machine could not assess this content; route it to a human.
		event.SessionTag = model.TagNeedsReview
	}

	persistCtx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()

	// The first event for a chat establishes it; record a durable start so
	// the chat has a ledger anchor the way calls do. Two racing first events
	// can both record one; the append-only ledger tolerates duplicates.
	firstChatEvent := false
	if req.CallID == nil && req.ChatID != nil {
		exists, err := s.db.ChatExists(persistCtx, *req.ChatID)
		if err != nil {
			s.logger.Warn("ingest: chat existence check failed", "error", err, "chat_id", *req.ChatID)
		}
		firstChatEvent = err == nil && !exists
	}

	persisted, err := s.db.InsertMonitoredEvent(persistCtx, event)
	if err != nil {
		s.logger.Error("ingest: persist event failed",
			"error", err, "kind", req.Kind, "client_id", req.ClientID)
		return
	}

	if firstChatEvent {
		if err := s.ledger.Append(storage.SessionRecord{
			RecordType: storage.RecordSessionStart,
			ChatID:     persisted.ChatID,
			ClientID:   persisted.ClientID,
			ReaderID:   persisted.ReaderID,
			Detail:     map[string]any{"kind": string(persisted.Kind)},
		}); err != nil {
			s.logger.Warn("ingest: chat start record failed", "error", err, "chat_id", *persisted.ChatID)
		}
	}

	tag := string(persisted.SessionTag)
	score := persisted.Risk.Score
	rec := storage.SessionRecord{
		RecordType: storage.RecordAIAnalysis,
		CallID:     persisted.CallID,
		ChatID:     persisted.ChatID,
		ClientID:   persisted.ClientID,
		ReaderID:   persisted.ReaderID,
		RiskScore:  &score,
		AITag:      &tag,
		Detail: map[string]any{
			"event_id":   persisted.ID.String(),
			"scorer":     s.scorer.Name(),
			"confidence": persisted.Risk.Confidence,
			"scored":     eligible,
			"degraded":   degraded,
		},
	}
	if len(persisted.Risk.Patterns) > 0 {
		rec.Detail["patterns"] = persisted.Risk.Patterns
	}
	if err := s.ledger.Append(rec); err != nil {
		s.logger.Warn("ingest: ledger append failed", "error", err, "event_id", persisted.ID)
	}

	if s.engine != nil {
		s.engine.ProcessAssessment(persistCtx, persisted)
	}
}

// score runs the scorer under the per-event budget. A timeout or scorer error
// yields the degraded assessment — never a silent safe.
func (s *Service) score(content string) (model.RiskAssessment, bool) {
	scoreCtx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	risk, err := s.scorer.Score(scoreCtx, content)
	if err != nil {
		s.logger.Warn("ingest: scoring degraded",
			"error", err, "scorer", s.scorer.Name())
		return scoring.Degraded(), true
	}
	return risk, false
}

// Close stops accepting new work and waits for in-flight events to finish,
// bounded by ctx.
func (s *Service) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("ingest: shutdown timed out waiting for in-flight events")
	}
	s.cancelBase()
}
