package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/streamx"
)

// Extra fields carried by dead-letter entries next to the original ones.
const (
	FieldError       = "error"
	FieldCode        = "code"
	FieldAttempts    = "attempts"
	FieldSourceTopic = "source_topic"
	FieldSourceID    = "source_id"
	FieldFailedAt    = "failed_at"
)

type DeadLetter struct {
	ID          string          `json:"id"`
	SourceTopic string          `json:"source_topic"`
	SourceID    string          `json:"source_id"`
	Type        string          `json:"type"`
	Code        Code            `json:"code,omitempty"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	FailedAt    time.Time       `json:"failed_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (e *Engine) DeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error) {
	if !events.KnownTopic(topic) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if limit <= 0 {
		limit = e.opts.DefaultBatch
	}
	entries, err := e.store.Range(ctx, events.DeadLetterTopic(topic), streamx.RangeStart, streamx.RangeEnd, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: range dead letters %s: %v", ErrQueueUnavailable, topic, err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toDeadLetter(entry))
	}
	return out, nil
}

// Replay re-appends a dead-lettered envelope to its source topic with a fresh
// id and removes it from the dead-letter topic.
func (e *Engine) Replay(ctx context.Context, topic string, deadID string) (string, error) {
	if !events.KnownTopic(topic) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if !streamx.ValidID(deadID) {
		return "", fmt.Errorf("%w: %s", ErrDeadLetterNotFound, deadID)
	}
	dlq := events.DeadLetterTopic(topic)
	entries, err := e.store.Range(ctx, dlq, deadID, deadID, 1)
	if err != nil {
		return "", fmt.Errorf("%w: range dead letters %s: %v", ErrQueueUnavailable, topic, err)
	}
	if len(entries) == 0 || entries[0].ID != deadID {
		return "", fmt.Errorf("%w: %s", ErrDeadLetterNotFound, deadID)
	}

	values := map[string]string{
		events.FieldType:    entries[0].Values[events.FieldType],
		events.FieldPayload: entries[0].Values[events.FieldPayload],
	}
	if at := entries[0].Values[events.FieldEnqueuedAt]; at != "" {
		values[events.FieldEnqueuedAt] = at
	}
	newID, err := e.store.Append(ctx, topic, values)
	if err != nil {
		return "", fmt.Errorf("%w: replay append %s: %v", ErrQueueUnavailable, topic, err)
	}
	if _, err := e.store.Delete(ctx, dlq, deadID); err != nil {
		return newID, fmt.Errorf("%w: remove dead letter %s: %v", ErrQueueUnavailable, deadID, err)
	}
	e.opts.Logger.Info(ctx, "dead_letter_replayed", "dead letter replayed onto source topic",
		slog.String("topic", topic),
		slog.String("dead_id", deadID),
		slog.String("new_id", newID),
	)
	return newID, nil
}

func toDeadLetter(entry streamx.Entry) DeadLetter {
	v := entry.Values
	dl := DeadLetter{
		ID:          entry.ID,
		SourceTopic: v[FieldSourceTopic],
		SourceID:    v[FieldSourceID],
		Type:        v[events.FieldType],
		Code:        Code(v[FieldCode]),
		Error:       v[FieldError],
	}
	if n, err := strconv.Atoi(v[FieldAttempts]); err == nil {
		dl.Attempts = n
	}
	if ms, err := strconv.ParseInt(v[FieldFailedAt], 10, 64); err == nil {
		dl.FailedAt = time.UnixMilli(ms).UTC()
	}
	if raw := v[events.FieldPayload]; raw != "" && json.Valid([]byte(raw)) {
		dl.Payload = json.RawMessage(raw)
	}
	return dl
}
