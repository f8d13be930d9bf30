// Package escalation owns the emergency-call state machine: call lifecycle
// transitions, the high-risk sliding window, alert emission, and the
// unanswered-call timers.
//
// In-process, a per-call mutex serializes transitions; across processes the
// storage layer's conditional updates are the arbiter. The engine never
// lowers an escalation level on its own — only human resolution resets it.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/storage"
)

// Store is the persistence surface the engine needs. *storage.DB implements it.
type Store interface {
	CreateCall(ctx context.Context, c model.EmergencyCall) (model.EmergencyCall, error)
	AcceptCall(ctx context.Context, callID uuid.UUID, readerID string) (model.EmergencyCall, error)
	EndCall(ctx context.Context, callID uuid.UUID, reason string) (model.EmergencyCall, error)
	ExpirePendingCall(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, bool, error)
	EscalateCall(ctx context.Context, callID uuid.UUID, level int) (model.EmergencyCall, error)
	ResetEscalation(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, error)
	GetCall(ctx context.Context, callID uuid.UUID) (model.EmergencyCall, error)
	ListPendingCallsOlderThan(ctx context.Context, cutoff time.Time) ([]model.EmergencyCall, error)

	CreateAlert(ctx context.Context, a model.EscalationAlert) (model.EscalationAlert, error)
	ResolveAlert(ctx context.Context, alertID uuid.UUID, resolvedBy, feedback string) (model.EscalationAlert, error)
	OpenAlertCountForCall(ctx context.Context, callID uuid.UUID) (int, error)

	StopSirensForCall(ctx context.Context, callID uuid.UUID, reason string) ([]model.SirenAlert, error)

	InsertSessionRecord(ctx context.Context, rec storage.SessionRecord) error
	InsertActivity(ctx context.Context, e model.MonitorActivityLogEntry) (model.MonitorActivityLogEntry, error)

	Notify(ctx context.Context, channel, payload string) error
}

// Ledger is the buffered writer for high-volume ledger records.
type Ledger interface {
	Append(records ...storage.SessionRecord) error
}

// SirenTrigger fires sirens for an escalated call. Implemented by the siren
// controller; delivery is asynchronous and never rolls a transition back.
type SirenTrigger interface {
	Trigger(ctx context.Context, call model.EmergencyCall)
}

// callState is the in-memory per-call slice of the engine: the transition
// mutex and the sliding window of recent high-risk event timestamps.
type callState struct {
	mu       sync.Mutex
	highRisk []time.Time
}

// Engine drives call transitions and escalation decisions.
type Engine struct {
	store  Store
	sirens SirenTrigger
	ledger Ledger
	logger *slog.Logger

	unansweredTimeout time.Duration
	highRiskWindow    time.Duration
	highRiskThreshold int

	mu     sync.Mutex
	states map[uuid.UUID]*callState
	timers map[uuid.UUID]*time.Timer
}

// New creates the escalation engine.
func New(
	store Store,
	sirens SirenTrigger,
	ledger Ledger,
	logger *slog.Logger,
	unansweredTimeout, highRiskWindow time.Duration,
	highRiskThreshold int,
) *Engine {
	return &Engine{
		store:             store,
		sirens:            sirens,
		ledger:            ledger,
		logger:            logger,
		unansweredTimeout: unansweredTimeout,
		highRiskWindow:    highRiskWindow,
		highRiskThreshold: highRiskThreshold,
		states:            make(map[uuid.UUID]*callState),
		timers:            make(map[uuid.UUID]*time.Timer),
	}
}

// Create inserts a pending call, writes a durable session_start record, and
// arms the unanswered-call timer.
func (e *Engine) Create(ctx context.Context, req model.CreateCallRequest) (model.EmergencyCall, error) {
	if !model.ValidCallType(req.CallType) {
		return model.EmergencyCall{}, fmt.Errorf("escalation: unknown call type %q", req.CallType)
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}
	language := req.Language
	if language == "" {
		language = "en"
	}

	call, err := e.store.CreateCall(ctx, model.EmergencyCall{
		ClientID: req.ClientID,
		CallType: req.CallType,
		Priority: priority,
		Language: language,
	})
	if err != nil {
		return model.EmergencyCall{}, err
	}

	if err := e.store.InsertSessionRecord(ctx, storage.SessionRecord{
		RecordType: storage.RecordSessionStart,
		CallID:     &call.ID,
		ClientID:   call.ClientID,
		Detail:     map[string]any{"call_type": string(call.CallType), "priority": call.Priority},
	}); err != nil {
		e.logger.Error("escalation: session_start record failed", "error", err, "call_id", call.ID)
	}

	e.scheduleExpiry(call.ID, e.unansweredTimeout)
	e.notifyCall(ctx, call)
	return call, nil
}

// Accept claims a pending call for a reader. Exactly one concurrent accept
// wins; losers get storage.ErrAlreadyAccepted.
func (e *Engine) Accept(ctx context.Context, callID uuid.UUID, readerID string) (model.EmergencyCall, error) {
	st := e.state(callID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, err := e.store.AcceptCall(ctx, callID, readerID)
	if err != nil {
		return model.EmergencyCall{}, err
	}

	e.cancelExpiry(callID)
	e.notifyCall(ctx, call)
	return call, nil
}

// End finalizes a call from any live state: cancels the timer, force-stops
// every active siren (each stop logged against the ender), writes a durable
// session_end record, and drops the in-memory state. Ended is terminal.
func (e *Engine) End(ctx context.Context, callID uuid.UUID, endedBy model.User, reason string) (model.EmergencyCall, error) {
	st := e.state(callID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, err := e.store.EndCall(ctx, callID, reason)
	if err != nil {
		return model.EmergencyCall{}, err
	}

	e.cancelExpiry(callID)

	stopped, err := e.store.StopSirensForCall(ctx, callID, "call_ended")
	if err != nil {
		e.logger.Error("escalation: stop sirens on end failed", "error", err, "call_id", callID)
	}
	for _, s := range stopped {
		sirenID := s.ID
		if _, err := e.store.InsertActivity(ctx, model.MonitorActivityLogEntry{
			ActorUserID:  endedBy.UserID,
			ActorRole:    endedBy.Role,
			Action:       model.ActionSirenStopped,
			CallID:       &callID,
			TargetUserID: &s.TargetUserID,
			SirenID:      &sirenID,
		}); err != nil {
			e.logger.Error("escalation: siren stop activity failed", "error", err, "siren_id", s.ID)
		}
		e.notifySiren(ctx, s)
	}

	detail := map[string]any{"end_reason": reason, "ended_by": endedBy.UserID}
	if call.DurationSeconds != nil {
		detail["duration_seconds"] = *call.DurationSeconds
	}
	if err := e.store.InsertSessionRecord(ctx, storage.SessionRecord{
		RecordType: storage.RecordSessionEnd,
		CallID:     &call.ID,
		ClientID:   call.ClientID,
		ReaderID:   call.ReaderID,
		Detail:     detail,
	}); err != nil {
		e.logger.Error("escalation: session_end record failed", "error", err, "call_id", call.ID)
	}

	e.dropState(callID)
	e.notifyCall(ctx, call)
	return call, nil
}

// ProcessAssessment consumes one persisted event. Call events feed the
// high-risk sliding window; a window crossing raises the escalation level by
// one, a critical event jumps it to at least the staff-broadcast level, and
// either emits exactly one alert. Chat events with no call raise an alert
// directly when they are suspicious or worse.
func (e *Engine) ProcessAssessment(ctx context.Context, event model.MonitoredEvent) {
	if event.CallID == nil {
		if event.Risk.Score >= model.ScoreSuspiciousMin {
			e.raiseChatAlert(ctx, event)
		}
		return
	}

	callID := *event.CallID
	st := e.state(callID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	if event.Risk.Score >= model.ScoreSuspiciousMin {
		st.highRisk = append(st.highRisk, now)
	}
	st.highRisk = pruneWindow(st.highRisk, now.Add(-e.highRiskWindow))

	critical := event.Risk.Score >= model.ScoreCriticalMin
	rateCrossed := len(st.highRisk) >= e.highRiskThreshold
	if !critical && !rateCrossed {
		return
	}
	if rateCrossed {
		// Each window crossing escalates once; the window restarts so the
		// same events don't re-trigger on the next assessment.
		st.highRisk = st.highRisk[:0]
	}

	call, err := e.store.GetCall(ctx, callID)
	if err != nil {
		e.logger.Error("escalation: load call failed", "error", err, "call_id", callID)
		return
	}

	target := call.EscalationLevel + 1
	if critical && target < model.StaffBroadcastLevel {
		// One critical event must reach admins and monitors, not just the
		// assigned reader. The level jumps straight to the broadcast
		// threshold so the siren controller pulls staff in.
		target = model.StaffBroadcastLevel
	}
	call, err = e.store.EscalateCall(ctx, callID, target)
	if err != nil {
		// Pending or ended calls don't escalate; the event stays recorded.
		if !errors.Is(err, storage.ErrInvalidTransition) && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error("escalation: escalate failed", "error", err, "call_id", callID)
		}
		return
	}

	alert, err := e.store.CreateAlert(ctx, model.EscalationAlert{
		Type:       model.AlertTypeForKind(event.Kind),
		Severity:   model.SeverityForTag(event.SessionTag),
		CallID:     &callID,
		ChatID:     event.ChatID,
		EventID:    &event.ID,
		ClientID:   event.ClientID,
		ReaderID:   event.ReaderID,
		Confidence: event.Risk.Confidence,
	})
	if err != nil {
		e.logger.Error("escalation: create alert failed", "error", err, "call_id", callID)
	} else {
		e.notifyAlert(ctx, alert)
	}

	score := event.Risk.Score
	tag := string(event.SessionTag)
	if err := e.ledger.Append(storage.SessionRecord{
		RecordType: storage.RecordEscalation,
		CallID:     &callID,
		ClientID:   event.ClientID,
		ReaderID:   event.ReaderID,
		RiskScore:  &score,
		AITag:      &tag,
		Detail: map[string]any{
			"level":        call.EscalationLevel,
			"event_id":     event.ID.String(),
			"rate_crossed": rateCrossed,
		},
	}); err != nil {
		e.logger.Warn("escalation: ledger append failed", "error", err, "call_id", callID)
	}

	if e.sirens != nil {
		e.sirens.Trigger(ctx, call)
	}
	e.notifyCall(ctx, call)
}

// raiseChatAlert emits an alert for a high-risk chat event outside any call.
func (e *Engine) raiseChatAlert(ctx context.Context, event model.MonitoredEvent) {
	alert, err := e.store.CreateAlert(ctx, model.EscalationAlert{
		Type:       model.AlertTypeForKind(event.Kind),
		Severity:   model.SeverityForTag(event.SessionTag),
		ChatID:     event.ChatID,
		EventID:    &event.ID,
		ClientID:   event.ClientID,
		ReaderID:   event.ReaderID,
		Confidence: event.Risk.Confidence,
	})
	if err != nil {
		e.logger.Error("escalation: create chat alert failed", "error", err)
		return
	}
	e.notifyAlert(ctx, alert)
}

// ExpirePending is the unanswered-call timer body. Pending → ended(timeout)
// plus one high-severity alert; a call accepted between the timer firing and
// the conditional update is left untouched.
func (e *Engine) ExpirePending(callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := e.state(callID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, fired, err := e.store.ExpirePendingCall(ctx, callID)
	if err != nil {
		e.logger.Error("escalation: expire pending failed", "error", err, "call_id", callID)
		return
	}
	if !fired {
		return
	}

	alert, err := e.store.CreateAlert(ctx, model.EscalationAlert{
		Type:       model.AlertCallViolation,
		Severity:   model.SeverityHigh,
		CallID:     &callID,
		ClientID:   call.ClientID,
		Confidence: 1,
	})
	if err != nil {
		e.logger.Error("escalation: unanswered alert failed", "error", err, "call_id", callID)
	} else {
		e.notifyAlert(ctx, alert)
	}

	if err := e.store.InsertSessionRecord(ctx, storage.SessionRecord{
		RecordType: storage.RecordSessionEnd,
		CallID:     &callID,
		ClientID:   call.ClientID,
		Detail:     map[string]any{"end_reason": model.EndReasonUnansweredTimeout},
	}); err != nil {
		e.logger.Error("escalation: session_end record failed", "error", err, "call_id", callID)
	}

	e.dropState(callID)
	e.notifyCall(ctx, call)
	e.logger.Warn("escalation: pending call expired unanswered", "call_id", callID,
		"client_id", call.ClientID)
}

// Resolve marks an alert resolved with the monitor's feedback, appends
// human_intervention and ai_feedback ledger records, logs the action, and
// resets the call's escalation level once no open alerts remain.
func (e *Engine) Resolve(ctx context.Context, alertID uuid.UUID, resolver model.User, feedback string, notes *string) (model.EscalationAlert, error) {
	if feedback != model.FeedbackAccurate && feedback != model.FeedbackFalsePositive {
		return model.EscalationAlert{}, fmt.Errorf("escalation: unknown feedback %q", feedback)
	}

	alert, err := e.store.ResolveAlert(ctx, alertID, resolver.UserID, feedback)
	if err != nil {
		return model.EscalationAlert{}, err
	}

	if _, err := e.store.InsertActivity(ctx, model.MonitorActivityLogEntry{
		ActorUserID: resolver.UserID,
		ActorRole:   resolver.Role,
		Action:      model.ActionResolvedAlert,
		CallID:      alert.CallID,
		AlertID:     &alert.ID,
		Notes:       notes,
	}); err != nil {
		e.logger.Error("escalation: resolve activity failed", "error", err, "alert_id", alertID)
	}

	if err := e.ledger.Append(
		storage.SessionRecord{
			RecordType: storage.RecordHumanIntervention,
			CallID:     alert.CallID,
			ChatID:     alert.ChatID,
			ClientID:   alert.ClientID,
			ReaderID:   alert.ReaderID,
			Detail:     map[string]any{"alert_id": alert.ID.String(), "resolved_by": resolver.UserID},
		},
		storage.SessionRecord{
			RecordType: storage.RecordAIFeedback,
			CallID:     alert.CallID,
			ChatID:     alert.ChatID,
			ClientID:   alert.ClientID,
			ReaderID:   alert.ReaderID,
			Detail:     map[string]any{"alert_id": alert.ID.String(), "feedback": feedback},
		},
	); err != nil {
		e.logger.Warn("escalation: resolve ledger append failed", "error", err, "alert_id", alertID)
	}

	if alert.CallID != nil {
		st := e.state(*alert.CallID)
		st.mu.Lock()
		open, err := e.store.OpenAlertCountForCall(ctx, *alert.CallID)
		if err != nil {
			e.logger.Error("escalation: open alert count failed", "error", err, "call_id", *alert.CallID)
		} else if open == 0 {
			call, err := e.store.ResetEscalation(ctx, *alert.CallID)
			switch {
			case err == nil:
				st.highRisk = st.highRisk[:0]
				e.notifyCall(ctx, call)
			case errors.Is(err, storage.ErrCallEnded) || errors.Is(err, storage.ErrNotFound):
				// Already over; nothing to reset.
			default:
				e.logger.Error("escalation: reset failed", "error", err, "call_id", *alert.CallID)
			}
		}
		st.mu.Unlock()
	}

	e.notifyAlert(ctx, alert)
	return alert, nil
}

// ReconcilePendingTimers re-arms unanswered-call timers after a restart.
// Calls already past their deadline expire immediately.
func (e *Engine) ReconcilePendingTimers(ctx context.Context) error {
	pending, err := e.store.ListPendingCallsOlderThan(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, call := range pending {
		remaining := call.CreatedAt.Add(e.unansweredTimeout).Sub(now)
		if remaining <= 0 {
			e.ExpirePending(call.ID)
			continue
		}
		e.scheduleExpiry(call.ID, remaining)
	}
	if len(pending) > 0 {
		e.logger.Info("escalation: reconciled pending call timers", "count", len(pending))
	}
	return nil
}

// Close cancels all outstanding timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) scheduleExpiry(callID uuid.UUID, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[callID]; ok {
		old.Stop()
	}
	e.timers[callID] = time.AfterFunc(d, func() { e.ExpirePending(callID) })
}

func (e *Engine) cancelExpiry(callID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[callID]; ok {
		t.Stop()
		delete(e.timers, callID)
	}
}

func (e *Engine) state(callID uuid.UUID) *callState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[callID]
	if !ok {
		st = &callState{}
		e.states[callID] = st
	}
	return st
}

func (e *Engine) dropState(callID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, callID)
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}

// Broker payloads carry the entity id and a timestamp so duplicate-tolerant
// consumers can apply them idempotently.

func (e *Engine) notifyCall(ctx context.Context, call model.EmergencyCall) {
	e.publish(ctx, storage.ChannelCalls, map[string]any{
		"entity":           "call",
		"id":               call.ID.String(),
		"call_id":          call.ID.String(),
		"client_id":        call.ClientID,
		"reader_id":        call.ReaderID,
		"status":           call.Status,
		"escalation_level": call.EscalationLevel,
		"updated_at":       time.Now().UTC(),
	})
}

func (e *Engine) notifyAlert(ctx context.Context, alert model.EscalationAlert) {
	payload := map[string]any{
		"entity":     "alert",
		"id":         alert.ID.String(),
		"alert_type": alert.Type,
		"severity":   alert.Severity,
		"client_id":  alert.ClientID,
		"reader_id":  alert.ReaderID,
		"resolved":   alert.Resolved,
		"updated_at": time.Now().UTC(),
	}
	if alert.CallID != nil {
		payload["call_id"] = alert.CallID.String()
	}
	e.publish(ctx, storage.ChannelAlerts, payload)
}

func (e *Engine) notifySiren(ctx context.Context, s model.SirenAlert) {
	e.publish(ctx, storage.ChannelSirens, map[string]any{
		"entity":         "siren",
		"id":             s.ID.String(),
		"call_id":        s.CallID.String(),
		"target_user_id": s.TargetUserID,
		"target_role":    s.TargetRole,
		"siren_type":     s.SirenType,
		"intensity":      s.Intensity,
		"active":         s.Active,
		"updated_at":     time.Now().UTC(),
	})
}

func (e *Engine) publish(ctx context.Context, channel string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("escalation: marshal notify payload", "error", err, "channel", channel)
		return
	}
	if err := e.store.Notify(ctx, channel, string(data)); err != nil {
		e.logger.Warn("escalation: notify failed", "error", err, "channel", channel)
	}
}
