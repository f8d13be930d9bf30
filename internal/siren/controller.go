// Package siren implements forced alarm delivery to responders. Sirens bypass
// do-not-disturb: when escalation demands a human, notification preferences
// don't apply.
package siren

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

// Store is the persistence surface the controller needs. *storage.DB implements it.
type Store interface {
	UpsertSiren(ctx context.Context, s model.SirenAlert) (model.SirenAlert, error)
	AcknowledgeSiren(ctx context.Context, sirenID uuid.UUID, byUserID string) (model.SirenAlert, error)
	StopSiren(ctx context.Context, sirenID uuid.UUID, reason string) (model.SirenAlert, error)
	AvailableReaders(ctx context.Context, language string) ([]model.User, error)
	UsersByRole(ctx context.Context, roles ...model.Role) ([]model.User, error)
	InsertActivity(ctx context.Context, e model.MonitorActivityLogEntry) (model.MonitorActivityLogEntry, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Controller creates, intensifies, and retires sirens.
type Controller struct {
	store     Store
	publisher Publisher // nil disables the MQTT path
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewController creates the siren controller. publisher may be nil.
func NewController(store Store, publisher Publisher, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Trigger fires or intensifies sirens for an escalated call. The target set
// is the assigned reader — or every available reader matching the call's
// language while unassigned — plus admins and monitors from level 3 up.
// Delivery is asynchronous: a broker outage never rolls back the escalation.
func (c *Controller) Trigger(ctx context.Context, call model.EmergencyCall) {
	level := call.EscalationLevel
	if level <= 0 {
		return
	}
	sirenType := model.SirenTypeForLevel(level)
	intensity := model.IntensityForLevel(level)
	pattern := model.PatternForSirenType(sirenType)

	for _, target := range c.targets(ctx, call) {
		s, err := c.store.UpsertSiren(ctx, model.SirenAlert{
			CallID:       call.ID,
			TargetUserID: target.UserID,
			TargetRole:   target.Role,
			SirenType:    sirenType,
			Intensity:    intensity,
			Pattern:      pattern,
		})
		if err != nil {
			c.logger.Error("siren: upsert failed",
				"error", err, "call_id", call.ID, "target", target.UserID)
			continue
		}
		c.deliver(s)
	}
}

// targets resolves who gets a siren for this call.
func (c *Controller) targets(ctx context.Context, call model.EmergencyCall) []model.User {
	var out []model.User
	seen := make(map[string]bool)

	if call.ReaderID != nil {
		out = append(out, model.User{UserID: *call.ReaderID, Role: model.RoleReader})
		seen[*call.ReaderID] = true
	} else {
		readers, err := c.store.AvailableReaders(ctx, call.Language)
		if err != nil {
			c.logger.Error("siren: list available readers failed", "error", err, "call_id", call.ID)
		}
		for _, r := range readers {
			if !seen[r.UserID] {
				out = append(out, r)
				seen[r.UserID] = true
			}
		}
	}

	if call.EscalationLevel >= model.StaffBroadcastLevel {
		staff, err := c.store.UsersByRole(ctx, model.RoleAdmin, model.RoleMonitor)
		if err != nil {
			c.logger.Error("siren: list staff failed", "error", err, "call_id", call.ID)
		}
		for _, u := range staff {
			if !seen[u.UserID] {
				out = append(out, u)
				seen[u.UserID] = true
			}
		}
	}
	return out
}

// deliver pushes one siren out-of-band: pg_notify for SSE subscribers plus an
// MQTT publish to the target's device topic when a broker is configured.
func (c *Controller) deliver(s model.SirenAlert) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		payload, err := json.Marshal(sirenPayload(s))
		if err != nil {
			c.logger.Error("siren: marshal payload", "error", err, "siren_id", s.ID)
			return
		}

		if err := c.store.Notify(ctx, storage.ChannelSirens, string(payload)); err != nil {
			c.logger.Warn("siren: notify failed", "error", err, "siren_id", s.ID)
		}

		if c.publisher != nil {
			if err := c.publisher.Publish(s.TargetUserID, payload); err != nil {
				c.logger.Error("siren: device publish failed",
					"error", err, "siren_id", s.ID, "target", s.TargetUserID)
			}
		}
	}()
}

// Acknowledge records that a human has seen the siren. The siren keeps
// sounding until stopped. The activity entry is written before returning.
func (c *Controller) Acknowledge(ctx context.Context, sirenID uuid.UUID, actor model.User) (model.SirenAlert, error) {
	s, err := c.store.AcknowledgeSiren(ctx, sirenID, actor.UserID)
	if err != nil {
		return model.SirenAlert{}, err
	}

	callID := s.CallID
	if _, err := c.store.InsertActivity(ctx, model.MonitorActivityLogEntry{
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		Action:       model.ActionSirenAcknowledged,
		CallID:       &callID,
		TargetUserID: &s.TargetUserID,
		SirenID:      &s.ID,
	}); err != nil {
		return model.SirenAlert{}, fmt.Errorf("siren: log acknowledge: %w", err)
	}

	c.deliver(s)
	return s, nil
}

// Stop silences a siren. A reason is mandatory: silencing a forced alarm must
// be attributable. The activity entry is written before returning.
func (c *Controller) Stop(ctx context.Context, sirenID uuid.UUID, actor model.User, reason string) (model.SirenAlert, error) {
	if reason == "" {
		return model.SirenAlert{}, fmt.Errorf("siren: stop reason is required")
	}

	s, err := c.store.StopSiren(ctx, sirenID, reason)
	if err != nil {
		return model.SirenAlert{}, err
	}

	callID := s.CallID
	if _, err := c.store.InsertActivity(ctx, model.MonitorActivityLogEntry{
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		Action:       model.ActionSirenStopped,
		CallID:       &callID,
		TargetUserID: &s.TargetUserID,
		SirenID:      &s.ID,
		Notes:        &reason,
	}); err != nil {
		return model.SirenAlert{}, fmt.Errorf("siren: log stop: %w", err)
	}

	c.deliver(s)
	return s, nil
}

// Close waits for in-flight deliveries and disconnects the publisher.
func (c *Controller) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("siren: shutdown timed out waiting for deliveries")
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
}

func sirenPayload(s model.SirenAlert) map[string]any {
	return map[string]any{
		"entity":         "siren",
		"id":             s.ID.String(),
		"call_id":        s.CallID.String(),
		"target_user_id": s.TargetUserID,
		"target_role":    s.TargetRole,
		"siren_type":     s.SirenType,
		"intensity":      s.Intensity,
		"pattern":        s.Pattern,
		"active":         s.Active,
		"acknowledged":   s.Acknowledged,
		"updated_at":     s.UpdatedAt,
	}
}
