package repos

import (
	"context"
	"fmt"
)

// schema is idempotent; every statement may run against an existing database.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS email_contacts (
		contact_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		email text NOT NULL UNIQUE,
		name text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS email_groups (
		group_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		name text NOT NULL UNIQUE,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS email_group_members (
		group_id uuid NOT NULL REFERENCES email_groups(group_id) ON DELETE CASCADE,
		contact_id uuid NOT NULL REFERENCES email_contacts(contact_id) ON DELETE CASCADE,
		created_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (group_id, contact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS email_campaign_events (
		event_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		source_topic text NOT NULL,
		source_id text NOT NULL,
		campaign_id text NOT NULL,
		recipient text NOT NULL,
		kind text NOT NULL,
		url text,
		user_agent text,
		ip text,
		occurred_at timestamptz NOT NULL,
		UNIQUE (source_topic, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS email_campaign_events_campaign_idx
		ON email_campaign_events (campaign_id, kind, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS push_subscriptions (
		subscription_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		endpoint text NOT NULL UNIQUE,
		p256dh text,
		auth text,
		user_id text,
		user_agent text,
		active boolean NOT NULL DEFAULT true,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_events (
		event_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		source_topic text NOT NULL,
		source_id text NOT NULL,
		notification_id text NOT NULL,
		endpoint text,
		status text NOT NULL,
		occurred_at timestamptz NOT NULL,
		UNIQUE (source_topic, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		audit_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		occurred_at timestamptz NOT NULL DEFAULT now(),
		subject text,
		action text NOT NULL,
		resource_type text,
		resource_id text,
		request_id text,
		method text,
		path text,
		status_code int NOT NULL,
		duration_ms bigint NOT NULL,
		client_ip text,
		user_agent text,
		details jsonb
	)`,
}

// Migrate creates the tables the stream handlers and the audit middleware write to.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
