// Package handlers holds the stream handlers that turn envelopes into CRM
// rows. Every handler is safe to run more than once for the same entry.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-event-pipeline/api/internal/analytics"
	"crm-event-pipeline/api/internal/models"
	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/pipeline"
)

// Store is the relational side effect surface. repos.Store implements it.
type Store interface {
	UpsertContact(ctx context.Context, email string, name string) (models.EmailContact, error)
	EnsureGroupMember(ctx context.Context, contactID uuid.UUID, groupName string) error
	InsertCampaignEvent(ctx context.Context, ev models.EmailCampaignEvent) (bool, error)
	UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) (models.PushSubscription, error)
	InsertNotificationEvent(ctx context.Context, ev models.NotificationEvent) (bool, error)
	DeactivateSubscription(ctx context.Context, endpoint string) (bool, error)
}

var ErrStoreUnavailable = errors.New("handler store not configured")

type Deps struct {
	Store  Store
	Sinks  []analytics.Sink
	Logger logx.Logger
	Now    func() time.Time
}

type handlers struct {
	Deps
}

// Register installs a handler for every known event type.
func Register(reg *pipeline.Registry, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = unavailableStore{}
	}
	h := &handlers{Deps: deps}
	for _, t := range []events.Type{events.TypeEmailDelivered, events.TypeEmailOpened, events.TypeEmailClicked} {
		pipeline.On(reg, t, h.emailEvent)
	}
	pipeline.On(reg, events.TypeNewUserEmail, h.newUser)
	pipeline.On(reg, events.TypePushSubscribed, h.pushSubscribed)
	pipeline.On(reg, events.TypePushEvent, h.pushEvent)
}

func (h *handlers) emailEvent(ctx context.Context, env events.Envelope, p events.EmailEvent) error {
	ev := models.EmailCampaignEvent{
		SourceTopic: env.Topic,
		SourceID:    env.ID,
		CampaignID:  p.CampaignID,
		Recipient:   strings.ToLower(strings.TrimSpace(p.Recipient)),
		Kind:        string(p.Kind),
		URL:         optional(p.URL),
		UserAgent:   optional(p.UserAgent),
		IP:          optional(p.IP),
		OccurredAt:  h.occurredAt(p.OccurredAt, env),
	}
	inserted, err := h.Store.InsertCampaignEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	h.mirror(ctx, analytics.Engagement{
		Channel:     analytics.ChannelEmail,
		Kind:        ev.Kind,
		CampaignID:  ev.CampaignID,
		Recipient:   ev.Recipient,
		URL:         p.URL,
		SourceTopic: env.Topic,
		SourceID:    env.ID,
		OccurredAt:  ev.OccurredAt,
	})
	return nil
}

func (h *handlers) newUser(ctx context.Context, _ events.Envelope, p events.NewUserEmail) error {
	contact, err := h.Store.UpsertContact(ctx, p.Email, strings.TrimSpace(p.Name))
	if err != nil {
		return err
	}
	group := strings.TrimSpace(p.Group)
	if group == "" {
		return nil
	}
	return h.Store.EnsureGroupMember(ctx, contact.ContactID, group)
}

func (h *handlers) pushSubscribed(ctx context.Context, _ events.Envelope, p events.PushSubscribed) error {
	_, err := h.Store.UpsertPushSubscription(ctx, models.PushSubscription{
		Endpoint:  strings.TrimSpace(p.Endpoint),
		P256dh:    optional(p.P256dh),
		Auth:      optional(p.Auth),
		UserID:    optional(p.UserID),
		UserAgent: optional(p.UserAgent),
		Active:    true,
	})
	return err
}

func (h *handlers) pushEvent(ctx context.Context, env events.Envelope, p events.PushEvent) error {
	ev := models.NotificationEvent{
		SourceTopic:    env.Topic,
		SourceID:       env.ID,
		NotificationID: p.NotificationID,
		Endpoint:       optional(p.Endpoint),
		Status:         p.Status,
		OccurredAt:     h.occurredAt(p.OccurredAt, env),
	}
	inserted, err := h.Store.InsertNotificationEvent(ctx, ev)
	if err != nil {
		return err
	}
	if p.Status == events.PushStatusFailed && ev.Endpoint != nil {
		if _, err := h.Store.DeactivateSubscription(ctx, *ev.Endpoint); err != nil {
			return err
		}
	}
	if inserted {
		h.mirror(ctx, analytics.Engagement{
			Channel:        analytics.ChannelPush,
			Kind:           string(events.TypePushEvent),
			NotificationID: p.NotificationID,
			Status:         p.Status,
			SourceTopic:    env.Topic,
			SourceID:       env.ID,
			OccurredAt:     ev.OccurredAt,
		})
	}
	return nil
}

func (h *handlers) mirror(ctx context.Context, e analytics.Engagement) {
	for _, sink := range h.Sinks {
		if err := sink.Record(ctx, e); err != nil {
			metricsx.IncAnalyticsFailure(sink.Name())
			h.Logger.Warn(ctx, "analytics_write_failed", "analytics sink write failed",
				slog.String("error_code", "ANALYTICS_UNAVAILABLE"),
				slog.String("sink", sink.Name()),
				slog.String("source_id", e.SourceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// occurredAt prefers the producer-supplied time, then the enqueue time.
func (h *handlers) occurredAt(reported time.Time, env events.Envelope) time.Time {
	if !reported.IsZero() {
		return reported.UTC()
	}
	if !env.EnqueuedAt.IsZero() {
		return env.EnqueuedAt.UTC()
	}
	return h.Now().UTC()
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// unavailableStore fails every write so entries stay on the stream until a
// database is configured.
type unavailableStore struct{}

func (unavailableStore) UpsertContact(context.Context, string, string) (models.EmailContact, error) {
	return models.EmailContact{}, ErrStoreUnavailable
}

func (unavailableStore) EnsureGroupMember(context.Context, uuid.UUID, string) error {
	return ErrStoreUnavailable
}

func (unavailableStore) InsertCampaignEvent(context.Context, models.EmailCampaignEvent) (bool, error) {
	return false, ErrStoreUnavailable
}

func (unavailableStore) UpsertPushSubscription(context.Context, models.PushSubscription) (models.PushSubscription, error) {
	return models.PushSubscription{}, ErrStoreUnavailable
}

func (unavailableStore) InsertNotificationEvent(context.Context, models.NotificationEvent) (bool, error) {
	return false, ErrStoreUnavailable
}

func (unavailableStore) DeactivateSubscription(context.Context, string) (bool, error) {
	return false, ErrStoreUnavailable
}
