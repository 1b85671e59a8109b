// Package analytics mirrors engagement facts to time-series and streaming
// sinks. Writes are best-effort; callers log failures and carry on.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// Engagement is one recorded email or push interaction.
type Engagement struct {
	Channel        string    `json:"channel"`
	Kind           string    `json:"kind"`
	CampaignID     string    `json:"campaign_id,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	URL            string    `json:"url,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	SourceTopic    string    `json:"source_topic"`
	SourceID       string    `json:"source_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Sink interface {
	Name() string
	Record(ctx context.Context, e Engagement) error
}

type pointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// InfluxSink writes one point per engagement into email_engagement or
// push_engagement.
type InfluxSink struct {
	w pointWriter
}

func NewInfluxSink(w pointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Record(ctx context.Context, e Engagement) error {
	if s == nil || s.w == nil {
		return errors.New("influx sink not initialized")
	}
	measurement, tags, fields := point(e)
	return s.w.WritePoint(ctx, measurement, tags, fields, e.OccurredAt)
}

func point(e Engagement) (string, map[string]string, map[string]any) {
	fields := map[string]any{"count": 1, "source_id": e.SourceID}
	switch e.Channel {
	case ChannelPush:
		tags := map[string]string{"status": e.Status}
		fields["notification_id"] = e.NotificationID
		return "push_engagement", tags, fields
	default:
		tags := map[string]string{"kind": e.Kind, "campaign_id": e.CampaignID}
		fields["recipient"] = e.Recipient
		if e.URL != "" {
			fields["url"] = e.URL
		}
		return "email_engagement", tags, fields
	}
}

type publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaSink publishes engagements as JSON keyed by source entry id.
type KafkaSink struct {
	p     publisher
	topic string
}

func NewKafkaSink(p publisher, topic string) *KafkaSink {
	return &KafkaSink{p: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Record(ctx context.Context, e Engagement) error {
	if s == nil || s.p == nil {
		return errors.New("kafka sink not initialized")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.p.Publish(ctx, s.topic, []byte(e.SourceTopic+":"+e.SourceID), body, map[string]string{
		"channel": e.Channel,
		"kind":    e.Kind,
	})
}
