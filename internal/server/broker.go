package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/storage"
)

// listener is the LISTEN/NOTIFY surface the broker needs from storage.
type listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// SubscriptionFilter scopes which notifications a subscriber receives.
// When CallID is set, only events for that call are delivered. Otherwise the
// subscription is user-scoped: the subscriber sees events where they are the
// client, the reader, or the siren target. Monitors and admins see everything.
type SubscriptionFilter struct {
	CallID *uuid.UUID
	UserID string
	Role   model.Role
}

type subscriber struct {
	ch     chan []byte
	filter SubscriptionFilter
}

// Broker bridges Postgres LISTEN/NOTIFY to SSE subscribers.
//
// Delivery is at-least-once: payloads carry the entity id and updated_at so
// consumers can apply duplicates idempotently. Subscribers that fall behind
// lose individual events (dropped per-event, never blocking the listen loop).
type Broker struct {
	db     listener
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBroker creates a broker reading from the given notification listener.
func NewBroker(db listener, logger *slog.Logger) *Broker {
	return &Broker{
		db:     db,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Start listens on the call, alert, and siren channels and fans out
// notifications until ctx is cancelled. Blocks; run in a goroutine.
func (b *Broker) Start(ctx context.Context) error {
	for _, ch := range []string{storage.ChannelCalls, storage.ChannelAlerts, storage.ChannelSirens} {
		if err := b.db.Listen(ctx, ch); err != nil {
			return fmt.Errorf("server: broker listen %s: %w", ch, err)
		}
	}
	b.logger.Info("sse broker started")

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("broker: wait for notification", "error", err)
			// Brief pause before retrying so a dead connection doesn't spin.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(channel, payload)
	}
}

// Subscribe registers a new subscriber and returns its event channel.
// The channel is buffered; events overflowing the buffer are dropped.
func (b *Broker) Subscribe(filter SubscriptionFilter) <-chan []byte {
	sub := &subscriber{
		ch:     make(chan []byte, 64),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("sse subscriber added", "total", count)
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.ch == ch {
			delete(b.subs, sub)
			close(sub.ch)
			return
		}
	}
}

// notifyEnvelope is the subset of the notification payload the broker needs
// for routing. Producers always include the ids relevant to the entity.
type notifyEnvelope struct {
	CallID       string `json:"call_id"`
	ClientID     string `json:"client_id"`
	ReaderID     string `json:"reader_id"`
	TargetUserID string `json:"target_user_id"`
}

func (b *Broker) broadcast(channel, payload string) {
	var env notifyEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("broker: unroutable notification dropped", "channel", channel, "error", err)
		return
	}

	event := formatSSE(channel, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !matchesFilter(sub.filter, env) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop this event rather than block the
			// listen loop. The client reconciles on reconnect.
			b.logger.Warn("sse subscriber buffer full, dropping event", "channel", channel)
		}
	}
}

func matchesFilter(f SubscriptionFilter, env notifyEnvelope) bool {
	if f.CallID != nil {
		return env.CallID == f.CallID.String()
	}
	if model.RoleAtLeast(f.Role, model.RoleMonitor) {
		return true
	}
	return f.UserID != "" &&
		(env.ClientID == f.UserID || env.ReaderID == f.UserID || env.TargetUserID == f.UserID)
}

// formatSSE formats a payload as a server-sent event with the channel as the
// event type.
func formatSSE(channel, payload string) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", channel, payload))
}
