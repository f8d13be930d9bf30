package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/storage"
	"github.com/serenline/vigil/internal/testutil"
)

// fakeStore implements Store in memory with the same conditional-update
// semantics as the real storage layer.
type fakeStore struct {
	mu       sync.Mutex
	calls    map[uuid.UUID]*model.EmergencyCall
	alerts   map[uuid.UUID]*model.EscalationAlert
	sirens   []model.SirenAlert // active sirens, stopped in place
	records  []storage.SessionRecord
	activity []model.MonitorActivityLogEntry
	notifies []string // channel names, in order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:  make(map[uuid.UUID]*model.EmergencyCall),
		alerts: make(map[uuid.UUID]*model.EscalationAlert),
	}
}

func (f *fakeStore) CreateCall(_ context.Context, c model.EmergencyCall) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = uuid.New()
	c.Status = model.CallStatusPending
	c.CreatedAt = time.Now().UTC()
	f.calls[c.ID] = &c
	return c, nil
}

func (f *fakeStore) AcceptCall(_ context.Context, callID uuid.UUID, readerID string) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.EmergencyCall{}, storage.ErrNotFound
	}
	if c.Status == model.CallStatusEnded {
		return model.EmergencyCall{}, storage.ErrCallEnded
	}
	if c.Status != model.CallStatusPending {
		return model.EmergencyCall{}, storage.ErrAlreadyAccepted
	}
	now := time.Now().UTC()
	c.Status = model.CallStatusConnected
	c.ReaderID = &readerID
	c.StartedAt = &now
	return *c, nil
}

func (f *fakeStore) EndCall(_ context.Context, callID uuid.UUID, reason string) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.EmergencyCall{}, storage.ErrNotFound
	}
	if c.Status == model.CallStatusEnded {
		return model.EmergencyCall{}, storage.ErrCallEnded
	}
	now := time.Now().UTC()
	c.Status = model.CallStatusEnded
	c.EndedAt = &now
	c.EndReason = &reason
	if c.StartedAt != nil {
		d := int(now.Sub(*c.StartedAt).Seconds())
		c.DurationSeconds = &d
	}
	return *c, nil
}

func (f *fakeStore) ExpirePendingCall(_ context.Context, callID uuid.UUID) (model.EmergencyCall, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok || c.Status != model.CallStatusPending {
		return model.EmergencyCall{}, false, nil
	}
	now := time.Now().UTC()
	reason := model.EndReasonUnansweredTimeout
	c.Status = model.CallStatusEnded
	c.EndedAt = &now
	c.EndReason = &reason
	return *c, true, nil
}

func (f *fakeStore) EscalateCall(_ context.Context, callID uuid.UUID, level int) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.EmergencyCall{}, storage.ErrNotFound
	}
	if c.Status != model.CallStatusConnected && c.Status != model.CallStatusEscalated {
		return model.EmergencyCall{}, storage.ErrInvalidTransition
	}
	if level > model.MaxEscalationLevel {
		level = model.MaxEscalationLevel
	}
	if level > c.EscalationLevel {
		c.EscalationLevel = level
	}
	c.Status = model.CallStatusEscalated
	return *c, nil
}

func (f *fakeStore) ResetEscalation(_ context.Context, callID uuid.UUID) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.EmergencyCall{}, storage.ErrNotFound
	}
	if c.Status == model.CallStatusEnded {
		return model.EmergencyCall{}, storage.ErrCallEnded
	}
	c.EscalationLevel = 0
	if c.Status == model.CallStatusEscalated {
		c.Status = model.CallStatusConnected
	}
	return *c, nil
}

func (f *fakeStore) GetCall(_ context.Context, callID uuid.UUID) (model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return model.EmergencyCall{}, storage.ErrNotFound
	}
	return *c, nil
}

func (f *fakeStore) ListPendingCallsOlderThan(_ context.Context, cutoff time.Time) ([]model.EmergencyCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmergencyCall
	for _, c := range f.calls {
		if c.Status == model.CallStatusPending && c.CreatedAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAlert(_ context.Context, a model.EscalationAlert) (model.EscalationAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	f.alerts[a.ID] = &a
	return a, nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, alertID uuid.UUID, resolvedBy, feedback string) (model.EscalationAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[alertID]
	if !ok {
		return model.EscalationAlert{}, storage.ErrNotFound
	}
	if a.Resolved {
		return model.EscalationAlert{}, storage.ErrInvalidTransition
	}
	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedBy = &resolvedBy
	a.ResolvedAt = &now
	a.Feedback = &feedback
	return *a, nil
}

func (f *fakeStore) OpenAlertCountForCall(_ context.Context, callID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.CallID != nil && *a.CallID == callID && !a.Resolved {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) StopSirensForCall(_ context.Context, callID uuid.UUID, reason string) ([]model.SirenAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stopped []model.SirenAlert
	for i := range f.sirens {
		s := &f.sirens[i]
		if s.CallID == callID && s.Active {
			now := time.Now().UTC()
			s.Active = false
			s.Acknowledged = true
			s.StoppedAt = &now
			s.StopReason = &reason
			stopped = append(stopped, *s)
		}
	}
	return stopped, nil
}

func (f *fakeStore) InsertSessionRecord(_ context.Context, rec storage.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) InsertActivity(_ context.Context, e model.MonitorActivityLogEntry) (model.MonitorActivityLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	f.activity = append(f.activity, e)
	return e, nil
}

func (f *fakeStore) Notify(_ context.Context, channel, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, channel)
	return nil
}

func (f *fakeStore) addActiveSiren(callID uuid.UUID, target string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := model.SirenAlert{
		ID: uuid.New(), CallID: callID, TargetUserID: target,
		TargetRole: model.RoleReader, SirenType: model.SirenStandardAlert,
		Intensity: 30, Pattern: "pulse", Active: true,
	}
	f.sirens = append(f.sirens, s)
	return s.ID
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func (f *fakeStore) recordsOfType(recordType string) []storage.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.SessionRecord
	for _, r := range f.records {
		if r.RecordType == recordType {
			out = append(out, r)
		}
	}
	return out
}

type fakeLedger struct {
	mu      sync.Mutex
	records []storage.SessionRecord
}

func (l *fakeLedger) Append(records ...storage.SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

func (l *fakeLedger) ofType(recordType string) []storage.SessionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []storage.SessionRecord
	for _, r := range l.records {
		if r.RecordType == recordType {
			out = append(out, r)
		}
	}
	return out
}

type fakeSirens struct {
	mu    sync.Mutex
	calls []model.EmergencyCall
}

func (s *fakeSirens) Trigger(_ context.Context, call model.EmergencyCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSirens) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSirens) last() model.EmergencyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newEngine(store *fakeStore, sirens *fakeSirens, ledger *fakeLedger, timeout time.Duration) *Engine {
	return New(store, sirens, ledger, testutil.TestLogger(), timeout, 2*time.Minute, 3)
}

func testEvent(callID *uuid.UUID, score int) model.MonitoredEvent {
	return model.MonitoredEvent{
		ID:         uuid.New(),
		Kind:       model.EventCallRecording,
		CallID:     callID,
		ClientID:   "client-1",
		ContentRef: "ref",
		Risk:       model.RiskAssessment{Score: score, Confidence: 0.9},
		SessionTag: model.TagForScore(score),
	}
}

func TestCreateAndAccept(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, err := eng.Create(ctx, model.CreateCallRequest{
		ClientID: "client-1", CallType: model.CallTypeVoice,
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusPending, call.Status)
	assert.Len(t, store.recordsOfType(storage.RecordSessionStart), 1)

	accepted, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusConnected, accepted.Status)

	_, err = eng.Accept(ctx, call.ID, "reader-2")
	assert.ErrorIs(t, err, storage.ErrAlreadyAccepted)
}

func TestCreate_UnknownCallType(t *testing.T) {
	eng := newEngine(newFakeStore(), &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()

	_, err := eng.Create(context.Background(), model.CreateCallRequest{
		ClientID: "client-1", CallType: "hologram",
	})
	assert.Error(t, err)
}

func TestCriticalEventEscalates(t *testing.T) {
	store := newFakeStore()
	sirens := &fakeSirens{}
	ledger := &fakeLedger{}
	eng := newEngine(store, sirens, ledger, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, err := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	require.NoError(t, err)
	_, err = eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	eng.ProcessAssessment(ctx, testEvent(&call.ID, 85))

	// One critical event jumps straight to the staff-broadcast level so the
	// siren controller pulls admins and monitors in, not just the reader.
	got, err := store.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StaffBroadcastLevel, got.EscalationLevel)
	assert.Equal(t, model.CallStatusEscalated, got.Status)
	assert.Equal(t, 1, store.alertCount())
	require.Equal(t, 1, sirens.count())
	assert.Equal(t, model.StaffBroadcastLevel, sirens.last().EscalationLevel)
	require.Len(t, ledger.ofType(storage.RecordEscalation), 1)

	// A second critical event raises the level again, one alert each.
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 92))
	got, _ = store.GetCall(ctx, call.ID)
	assert.Equal(t, model.StaffBroadcastLevel+1, got.EscalationLevel)
	assert.Equal(t, 2, store.alertCount())
}

func TestLevelClampedAtMax(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	_, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	for i := 0; i < model.MaxEscalationLevel+2; i++ {
		eng.ProcessAssessment(ctx, testEvent(&call.ID, 95))
	}
	got, _ := store.GetCall(ctx, call.ID)
	assert.Equal(t, model.MaxEscalationLevel, got.EscalationLevel)
}

func TestRateWindowEscalatesOncePerCrossing(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	_, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	// Suspicious but not critical: only the rate rule can fire.
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 65))
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 70))
	got, _ := store.GetCall(ctx, call.ID)
	assert.Equal(t, 0, got.EscalationLevel)

	eng.ProcessAssessment(ctx, testEvent(&call.ID, 68))
	got, _ = store.GetCall(ctx, call.ID)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, 1, store.alertCount())

	// The window restarted: two more suspicious events don't re-trigger.
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 65))
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 65))
	got, _ = store.GetCall(ctx, call.ID)
	assert.Equal(t, 1, got.EscalationLevel)

	eng.ProcessAssessment(ctx, testEvent(&call.ID, 65))
	got, _ = store.GetCall(ctx, call.ID)
	assert.Equal(t, 2, got.EscalationLevel)
}

func TestSafeEventsAreNoops(t *testing.T) {
	store := newFakeStore()
	sirens := &fakeSirens{}
	eng := newEngine(store, sirens, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	_, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	for _, score := range []int{0, 20, 45, 59} {
		eng.ProcessAssessment(ctx, testEvent(&call.ID, score))
	}
	got, _ := store.GetCall(ctx, call.ID)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Equal(t, model.CallStatusConnected, got.Status)
	assert.Zero(t, store.alertCount())
	assert.Zero(t, sirens.count())
}

func TestPendingCallDoesNotEscalate(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 95))

	got, _ := store.GetCall(ctx, call.ID)
	assert.Equal(t, model.CallStatusPending, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
}

func TestChatEventRaisesAlertWithoutCall(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	chatID := "chat-1"
	event := model.MonitoredEvent{
		ID: uuid.New(), Kind: model.EventChatMessage, ChatID: &chatID,
		ClientID: "client-1", ContentRef: "msg/9",
		Risk:       model.RiskAssessment{Score: 85, Confidence: 0.9},
		SessionTag: model.TagCritical,
	}
	eng.ProcessAssessment(ctx, event)
	assert.Equal(t, 1, store.alertCount())

	// Safe chat events don't alert.
	event.ID = uuid.New()
	event.Risk.Score = 10
	event.SessionTag = model.TagSafe
	eng.ProcessAssessment(ctx, event)
	assert.Equal(t, 1, store.alertCount())
}

func TestEndStopsSirensAndLogsEach(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	_, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	store.addActiveSiren(call.ID, "reader-1")
	store.addActiveSiren(call.ID, "monitor-1")

	monitor := model.User{UserID: "monitor-1", Role: model.RoleMonitor}
	ended, err := eng.End(ctx, call.ID, monitor, model.EndReasonMonitorStop)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, ended.Status)

	// One siren_stopped activity entry per stopped siren.
	stops := 0
	for _, a := range store.activity {
		if a.Action == model.ActionSirenStopped {
			stops++
			assert.Equal(t, "monitor-1", a.ActorUserID)
		}
	}
	assert.Equal(t, 2, stops)
	assert.Len(t, store.recordsOfType(storage.RecordSessionEnd), 1)

	_, err = eng.End(ctx, call.ID, monitor, model.EndReasonMonitorStop)
	assert.ErrorIs(t, err, storage.ErrCallEnded)
}

func TestUnansweredTimerExpiresCall(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, 30*time.Millisecond)
	defer eng.Close()
	ctx := context.Background()

	call, err := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := store.GetCall(ctx, call.ID)
		return got.Status == model.CallStatusEnded
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := store.GetCall(ctx, call.ID)
	require.NotNil(t, got.EndReason)
	assert.Equal(t, model.EndReasonUnansweredTimeout, *got.EndReason)
	assert.Equal(t, 1, store.alertCount())
}

func TestAcceptCancelsTimer(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, 30*time.Millisecond)
	defer eng.Close()
	ctx := context.Background()

	call, err := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	require.NoError(t, err)
	_, err = eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, _ := store.GetCall(ctx, call.ID)
	assert.Equal(t, model.CallStatusConnected, got.Status)
	assert.Zero(t, store.alertCount())
}

func TestResolveResetsWhenNoOpenAlerts(t *testing.T) {
	store := newFakeStore()
	ledger := &fakeLedger{}
	eng := newEngine(store, &fakeSirens{}, ledger, time.Hour)
	defer eng.Close()
	ctx := context.Background()

	call, _ := eng.Create(ctx, model.CreateCallRequest{ClientID: "client-1", CallType: model.CallTypeVoice})
	_, err := eng.Accept(ctx, call.ID, "reader-1")
	require.NoError(t, err)

	eng.ProcessAssessment(ctx, testEvent(&call.ID, 85))
	eng.ProcessAssessment(ctx, testEvent(&call.ID, 90))
	got, _ := store.GetCall(ctx, call.ID)
	require.Equal(t, model.StaffBroadcastLevel+1, got.EscalationLevel)

	var alertIDs []uuid.UUID
	store.mu.Lock()
	for id := range store.alerts {
		alertIDs = append(alertIDs, id)
	}
	store.mu.Unlock()
	require.Len(t, alertIDs, 2)

	monitor := model.User{UserID: "monitor-1", Role: model.RoleMonitor}

	_, err = eng.Resolve(ctx, alertIDs[0], monitor, model.FeedbackAccurate, nil)
	require.NoError(t, err)
	got, _ = store.GetCall(ctx, call.ID)
	// One alert still open: level holds.
	assert.Equal(t, model.StaffBroadcastLevel+1, got.EscalationLevel)
	assert.Equal(t, model.CallStatusEscalated, got.Status)

	_, err = eng.Resolve(ctx, alertIDs[1], monitor, model.FeedbackFalsePositive, nil)
	require.NoError(t, err)
	got, _ = store.GetCall(ctx, call.ID)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Equal(t, model.CallStatusConnected, got.Status)

	assert.Len(t, ledger.ofType(storage.RecordHumanIntervention), 2)
	assert.Len(t, ledger.ofType(storage.RecordAIFeedback), 2)

	resolves := 0
	for _, a := range store.activity {
		if a.Action == model.ActionResolvedAlert {
			resolves++
		}
	}
	assert.Equal(t, 2, resolves)
}

func TestResolveRejectsUnknownFeedback(t *testing.T) {
	eng := newEngine(newFakeStore(), &fakeSirens{}, &fakeLedger{}, time.Hour)
	defer eng.Close()

	_, err := eng.Resolve(context.Background(), uuid.New(),
		model.User{UserID: "monitor-1", Role: model.RoleMonitor}, "maybe", nil)
	assert.Error(t, err)
}

func TestReconcilePendingTimers(t *testing.T) {
	store := newFakeStore()
	eng := newEngine(store, &fakeSirens{}, &fakeLedger{}, 50*time.Millisecond)
	defer eng.Close()
	ctx := context.Background()

	// A stale pending call, as if created before a restart.
	stale, err := store.CreateCall(ctx, model.EmergencyCall{
		ClientID: "client-1", CallType: model.CallTypeVoice, Priority: "normal", Language: "en",
	})
	require.NoError(t, err)
	store.mu.Lock()
	store.calls[stale.ID].CreatedAt = time.Now().UTC().Add(-time.Minute)
	store.mu.Unlock()

	require.NoError(t, eng.ReconcilePendingTimers(ctx))

	got, _ := store.GetCall(ctx, stale.ID)
	assert.Equal(t, model.CallStatusEnded, got.Status)
	require.NotNil(t, got.EndReason)
	assert.Equal(t, model.EndReasonUnansweredTimeout, *got.EndReason)
}
