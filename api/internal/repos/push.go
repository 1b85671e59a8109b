package repos

import (
	"context"
	"time"

	"crm-event-pipeline/api/internal/models"
)

type PushRepo struct {
	db DBTX
}

func NewPushRepo(db DBTX) *PushRepo {
	return &PushRepo{db: db}
}

// UpsertPushSubscription keys by endpoint and re-activates a previously
// deactivated subscription.
func (r *PushRepo) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) (models.PushSubscription, error) {
	now := time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_id, user_agent, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = COALESCE(EXCLUDED.p256dh, push_subscriptions.p256dh),
			auth = COALESCE(EXCLUDED.auth, push_subscriptions.auth),
			user_id = COALESCE(EXCLUDED.user_id, push_subscriptions.user_id),
			user_agent = COALESCE(EXCLUDED.user_agent, push_subscriptions.user_agent),
			active = true,
			updated_at = EXCLUDED.updated_at
		RETURNING subscription_id, endpoint, p256dh, auth, user_id, user_agent, active, created_at, updated_at
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserID, sub.UserAgent, now).
		Scan(&sub.SubscriptionID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserID, &sub.UserAgent, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

// DeactivateSubscription reports whether an active subscription was switched off.
func (r *PushRepo) DeactivateSubscription(ctx context.Context, endpoint string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE push_subscriptions
		SET active = false, updated_at = $2
		WHERE endpoint = $1 AND active
	`, endpoint, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PushRepo) InsertNotificationEvent(ctx context.Context, ev models.NotificationEvent) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO notification_events (source_topic, source_id, notification_id, endpoint, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_topic, source_id) DO NOTHING
	`, ev.SourceTopic, ev.SourceID, ev.NotificationID, ev.Endpoint, ev.Status, ev.OccurredAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

