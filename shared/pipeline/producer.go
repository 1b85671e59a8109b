package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/streamx"
)

type ProducerOptions struct {
	Logger logx.Logger
	// BreakerFailures consecutive append failures open the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
	Now             func() time.Time
}

// Producer validates envelopes and appends them to their topic. It never runs
// handlers.
type Producer struct {
	store   streamx.Store
	breaker *gobreaker.CircuitBreaker[string]
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewProducer(store streamx.Store, opts ProducerOptions) *Producer {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Producer{store: store, log: opts.Logger, now: opts.Now}
	failures := opts.BreakerFailures
	p.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "stream-producer",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricsx.SetBreakerState(name, int(to))
			p.log.Warn(context.Background(), "breaker_state_change", "stream producer breaker changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	return p
}

// Enqueue appends payload to topic. An empty topic resolves to the topic that
// owns the payload's type.
func (p *Producer) Enqueue(ctx context.Context, topic string, payload events.Payload) (string, error) {
	if payload == nil {
		return "", &events.ValidationError{Reason: "payload is required"}
	}
	t := payload.EventType()
	if err := events.Validate(payload); err != nil {
		metricsx.IncEnqueued(topic, string(t), "invalid")
		return "", err
	}
	return p.append(ctx, topic, payload)
}

// EnqueueRaw validates a JSON payload of type t before appending it.
func (p *Producer) EnqueueRaw(ctx context.Context, topic string, t events.Type, raw []byte) (string, error) {
	if !events.Known(t) {
		metricsx.IncEnqueued(topic, string(t), "invalid")
		return "", &events.ValidationError{Type: t, Reason: "unknown event type"}
	}
	payload, err := events.Decode(t, raw)
	if err != nil {
		metricsx.IncEnqueued(topic, string(t), "invalid")
		return "", err
	}
	return p.append(ctx, topic, payload)
}

func (p *Producer) append(ctx context.Context, topic string, payload events.Payload) (string, error) {
	t := payload.EventType()
	owner, ok := events.TopicFor(t)
	if !ok {
		metricsx.IncEnqueued(topic, string(t), "invalid")
		return "", &events.ValidationError{Type: t, Reason: "unknown event type"}
	}
	if topic == "" {
		topic = owner
	}
	if topic != owner {
		metricsx.IncEnqueued(topic, string(t), "invalid")
		return "", &events.ValidationError{Type: t, Reason: fmt.Sprintf("topic %s does not accept %s", topic, t)}
	}

	ctx, span := otel.Tracer("pipeline").Start(ctx, "stream.enqueue")
	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", topic),
		attribute.String("event.type", string(t)),
	)
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env := events.Envelope{Topic: topic, Type: t, Payload: raw, EnqueuedAt: p.stamp()}

	id, err := p.breaker.Execute(func() (string, error) {
		return p.store.Append(ctx, topic, env.Values())
	})
	if err != nil {
		metricsx.IncEnqueued(topic, string(t), "unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return "", fmt.Errorf("%w: append %s: %v", ErrQueueUnavailable, topic, err)
	}
	metricsx.IncEnqueued(topic, string(t), "ok")
	span.SetAttributes(attribute.String("messaging.message_id", id))
	return id, nil
}

// stamp returns a timestamp that never goes backwards for this producer.
func (p *Producer) stamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	if now.Before(p.last) {
		now = p.last
	}
	p.last = now
	return now
}
