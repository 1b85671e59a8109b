// Package bridge moves envelopes published on Kafka into the event streams.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/mqx"
)

// HeaderType carries the event type when the message value is a bare payload.
const HeaderType = "event_type"

type Source interface {
	Topic() string
	Group() string
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Lag() int64
}

type Enqueuer interface {
	EnqueueRaw(ctx context.Context, topic string, t events.Type, raw []byte) (string, error)
}

type envelope struct {
	Type    events.Type     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode extracts the event type and raw payload from a Kafka message. The
// value is either {"type", "payload"} or a bare payload typed by header or,
// failing that, by fallback.
func Decode(msg kafka.Message, fallback events.Type) (events.Type, []byte, error) {
	if t := strings.TrimSpace(mqx.Headers(msg)[HeaderType]); t != "" {
		return events.Type(t), msg.Value, nil
	}
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return "", nil, &events.ValidationError{Reason: "message is not JSON"}
	}
	if env.Type == "" {
		if fallback != "" {
			return fallback, msg.Value, nil
		}
		return "", nil, &events.ValidationError{Reason: "envelope type is required"}
	}
	if len(env.Payload) == 0 {
		return "", nil, &events.ValidationError{Type: env.Type, Reason: "envelope payload is required"}
	}
	return env.Type, env.Payload, nil
}

// TypeResolver names the event type for bare payloads on a Kafka topic.
type TypeResolver interface {
	TypeFor(kafkaTopic string) (events.Type, bool)
}

type Forwarder struct {
	Source   Source
	Producer Enqueuer
	Logger   logx.Logger
	Routes   TypeResolver
	// Pause is the wait after a fetch or enqueue failure.
	Pause time.Duration
}

// Run forwards until ctx is cancelled. Messages that can never be valid are
// committed and dropped. An enqueue failure retries the same message until it
// is stored, so a later commit never covers an offset that was not forwarded.
func (f Forwarder) Run(ctx context.Context) {
	pause := f.pause()
	topic := f.Source.Topic()
	for {
		msg, err := f.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			f.Logger.Error(ctx, "bridge_consume_failed", "failed to consume message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
			if !sleep(ctx, pause) {
				return
			}
			continue
		}

		if !f.deliver(ctx, msg) {
			return
		}
		if err := f.Source.Commit(ctx, msg); err != nil {
			f.Logger.Error(ctx, "bridge_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
		}
		metricsx.SetKafkaLag(topic, f.Source.Group(), f.Source.Lag())
	}
}

func (f Forwarder) pause() time.Duration {
	if f.Pause <= 0 {
		return 500 * time.Millisecond
	}
	return f.Pause
}

// deliver forwards msg until it is enqueued or rejected as invalid. It
// returns false only when ctx ends first; the message is then left
// uncommitted.
func (f Forwarder) deliver(ctx context.Context, msg kafka.Message) bool {
	for {
		err := f.forward(ctx, msg)
		if err == nil {
			return true
		}
		var verr *events.ValidationError
		if errors.As(err, &verr) {
			f.Logger.Warn(ctx, "bridge_message_rejected", "dropping invalid message",
				slog.String("error_code", "VALIDATION_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
			)
			return true
		}
		f.Logger.Error(ctx, "bridge_enqueue_failed", "failed to enqueue message, retrying",
			slog.String("error_code", "QUEUE_UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
		)
		if !sleep(ctx, f.pause()) {
			return false
		}
	}
}

func (f Forwarder) forward(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", f.Source.Topic()),
	)

	var fallback events.Type
	if f.Routes != nil {
		fallback, _ = f.Routes.TypeFor(f.Source.Topic())
	}
	t, raw, err := Decode(msg, fallback)
	if err == nil {
		var id string
		id, err = f.Producer.EnqueueRaw(ctx, "", t, raw)
		if err == nil {
			span.SetAttributes(attribute.String("stream.id", id))
			return nil
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "forward failed")
	return fmt.Errorf("forward %s@%d: %w", msg.Topic, msg.Offset, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
