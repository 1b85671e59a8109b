package repos

import (
	"context"

	"crm-event-pipeline/api/internal/models"
)

type CampaignEventsRepo struct {
	db DBTX
}

func NewCampaignEventsRepo(db DBTX) *CampaignEventsRepo {
	return &CampaignEventsRepo{db: db}
}

// InsertCampaignEvent reports false when a row for the same stream entry
// already exists.
func (r *CampaignEventsRepo) InsertCampaignEvent(ctx context.Context, ev models.EmailCampaignEvent) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO email_campaign_events (
			source_topic, source_id, campaign_id, recipient, kind,
			url, user_agent, ip, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_topic, source_id) DO NOTHING
	`, ev.SourceTopic, ev.SourceID, ev.CampaignID, ev.Recipient, ev.Kind,
		ev.URL, ev.UserAgent, ev.IP, ev.OccurredAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

