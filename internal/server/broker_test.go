package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/storage"
	"github.com/serenline/vigil/internal/testutil"
)

type fakeListener struct {
	notifs chan [2]string
}

func newFakeListener() *fakeListener {
	return &fakeListener{notifs: make(chan [2]string, 16)}
}

func (f *fakeListener) Listen(context.Context, string) error { return nil }

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case n := <-f.notifs:
		return n[0], n[1], nil
	}
}

func (f *fakeListener) send(channel, payload string) {
	f.notifs <- [2]string{channel, payload}
}

func startBroker(t *testing.T) (*Broker, *fakeListener) {
	t.Helper()
	fl := newFakeListener()
	b := NewBroker(fl, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Start(ctx) }()
	return b, fl
}

func recvEvent(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case ev := <-ch:
		return string(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func assertNoEvent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func callPayload(callID uuid.UUID, clientID string) string {
	return fmt.Sprintf(`{"entity":"call","id":%q,"call_id":%q,"client_id":%q,"status":"pending","updated_at":"2026-08-29T00:00:00Z"}`,
		callID, callID, clientID)
}

func TestBroker_CallScopedFilter(t *testing.T) {
	b, fl := startBroker(t)

	callA := uuid.New()
	callB := uuid.New()

	ch := b.Subscribe(SubscriptionFilter{CallID: &callA, UserID: "monitor-1", Role: model.RoleMonitor})
	defer b.Unsubscribe(ch)

	fl.send(storage.ChannelCalls, callPayload(callB, "client-2"))
	fl.send(storage.ChannelCalls, callPayload(callA, "client-1"))

	ev := recvEvent(t, ch)
	assert.Contains(t, ev, "event: "+storage.ChannelCalls)
	assert.Contains(t, ev, callA.String())
	assertNoEvent(t, ch)
}

func TestBroker_UserScopedFilter(t *testing.T) {
	b, fl := startBroker(t)

	clientCh := b.Subscribe(SubscriptionFilter{UserID: "client-1", Role: model.RoleClient})
	defer b.Unsubscribe(clientCh)
	readerCh := b.Subscribe(SubscriptionFilter{UserID: "reader-1", Role: model.RoleReader})
	defer b.Unsubscribe(readerCh)

	callID := uuid.New()
	fl.send(storage.ChannelCalls, callPayload(callID, "client-1"))
	fl.send(storage.ChannelSirens, fmt.Sprintf(
		`{"entity":"siren","id":%q,"call_id":%q,"target_user_id":"reader-1","intensity":55,"updated_at":"2026-08-29T00:00:00Z"}`,
		uuid.New(), callID))

	assert.Contains(t, recvEvent(t, clientCh), "client-1")
	assert.Contains(t, recvEvent(t, readerCh), "reader-1")

	// Neither sees the other's event.
	assertNoEvent(t, clientCh)
	assertNoEvent(t, readerCh)
}

func TestBroker_MonitorSeesEverything(t *testing.T) {
	b, fl := startBroker(t)

	ch := b.Subscribe(SubscriptionFilter{UserID: "monitor-1", Role: model.RoleMonitor})
	defer b.Unsubscribe(ch)

	fl.send(storage.ChannelCalls, callPayload(uuid.New(), "client-1"))
	fl.send(storage.ChannelAlerts, fmt.Sprintf(
		`{"entity":"alert","id":%q,"client_id":"client-2","severity":"critical","updated_at":"2026-08-29T00:00:00Z"}`,
		uuid.New()))

	assert.Contains(t, recvEvent(t, ch), "event: "+storage.ChannelCalls)
	assert.Contains(t, recvEvent(t, ch), "event: "+storage.ChannelAlerts)
}

func TestBroker_MalformedPayloadDropped(t *testing.T) {
	b, fl := startBroker(t)

	ch := b.Subscribe(SubscriptionFilter{UserID: "monitor-1", Role: model.RoleAdmin})
	defer b.Unsubscribe(ch)

	fl.send(storage.ChannelCalls, "not json")
	fl.send(storage.ChannelCalls, callPayload(uuid.New(), "client-1"))

	// Only the valid payload arrives.
	assert.Contains(t, recvEvent(t, ch), `"entity":"call"`)
	assertNoEvent(t, ch)
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b, _ := startBroker(t)

	ch := b.Subscribe(SubscriptionFilter{UserID: "u", Role: model.RoleClient})
	b.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open)
}

func TestFormatSSE(t *testing.T) {
	ev := formatSSE("vigil_calls", `{"id":"x"}`)
	assert.Equal(t, "event: vigil_calls\ndata: {\"id\":\"x\"}\n\n", string(ev))
}
