package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/streamx"
)

type EntrySummary struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	EnqueuedAt  *time.Time      `json:"enqueued_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

type Snapshot struct {
	Topic       string                  `json:"topic"`
	Length      int64                   `json:"length"`
	DeadLetters int64                   `json:"dead_letters"`
	Entries     []EntrySummary          `json:"entries"`
	Group       string                  `json:"group,omitempty"`
	Pending     *streamx.PendingSummary `json:"pending,omitempty"`
}

// Snapshot reads the head of a topic for observability. It never claims or
// removes entries.
func (e *Engine) Snapshot(ctx context.Context, topic string, group string, limit int) (Snapshot, error) {
	if !events.KnownTopic(topic) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if limit <= 0 {
		limit = e.opts.DefaultBatch
	}
	length, err := e.store.Len(ctx, topic)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: len %s: %v", ErrQueueUnavailable, topic, err)
	}
	dead, err := e.store.Len(ctx, events.DeadLetterTopic(topic))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: len %s: %v", ErrQueueUnavailable, events.DeadLetterTopic(topic), err)
	}
	entries, err := e.store.Range(ctx, topic, streamx.RangeStart, streamx.RangeEnd, int64(limit))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: range %s: %v", ErrQueueUnavailable, topic, err)
	}
	metricsx.SetStreamLength(topic, length)

	snap := Snapshot{Topic: topic, Length: length, DeadLetters: dead, Entries: make([]EntrySummary, 0, len(entries)), Group: group}
	for _, entry := range entries {
		summary := EntrySummary{ID: entry.ID, Type: entry.Values[events.FieldType]}
		if env, err := events.FromValues(topic, entry.ID, entry.Values); err == nil {
			summary.Payload = env.Payload
			if !env.EnqueuedAt.IsZero() {
				at := env.EnqueuedAt
				summary.EnqueuedAt = &at
			}
		}
		if state, err := e.opts.Retry.Get(ctx, topic, entry.ID); err == nil && state.Attempts > 0 {
			summary.Attempts = state.Attempts
			summary.LastError = state.LastError
			next := state.NextRetryAt
			summary.NextRetryAt = &next
		}
		snap.Entries = append(snap.Entries, summary)
	}

	if group != "" {
		pending, err := e.store.Pending(ctx, topic, group)
		switch {
		case errors.Is(err, streamx.ErrNoGroup):
		case err != nil:
			return Snapshot{}, fmt.Errorf("%w: pending %s/%s: %v", ErrQueueUnavailable, topic, group, err)
		default:
			snap.Pending = &pending
			metricsx.SetStreamPending(topic, group, pending.Count)
		}
	}
	return snap, nil
}
