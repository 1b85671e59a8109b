// Package sweeper runs scheduled range-mode drains as asynq tasks.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
)

const TaskDrain = "stream.drain"

type drainPayload struct {
	Topic string `json:"topic"`
	Limit int    `json:"limit,omitempty"`
}

type Drainer interface {
	Drain(ctx context.Context, topic string, opts pipeline.DrainOptions) (pipeline.DrainResult, error)
}

// NewDrainTask builds the periodic task for one topic.
func NewDrainTask(topic string, limit int, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(drainPayload{Topic: topic, Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDrain, payload, opts...), nil
}

type Handler struct {
	Engine Drainer
	Logger logx.Logger
}

func (h Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload drainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	topic := strings.TrimSpace(payload.Topic)
	if topic == "" {
		return fmt.Errorf("%w: topic required", asynq.SkipRetry)
	}

	ctx, span := otel.Tracer("asynq").Start(ctx, TaskDrain)
	span.SetAttributes(attribute.String("messaging.destination", topic))
	defer span.End()

	res, err := h.Engine.Drain(ctx, topic, pipeline.DrainOptions{MaxBatch: payload.Limit})
	switch {
	case errors.Is(err, pipeline.ErrSweepInProgress):
		h.Logger.Debug(ctx, "sweep_skipped", "another sweep holds the topic lock", slog.String("topic", topic))
		return nil
	case errors.Is(err, pipeline.ErrUnknownTopic):
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		return err
	}
	if len(res.Failed) > 0 {
		h.Logger.Warn(ctx, "sweep_partial", "sweep left entries for retry",
			slog.String("topic", topic),
			slog.Int("failed", len(res.Failed)),
			slog.Int("dead_lettered", res.DeadLettered),
		)
	}
	return nil
}

// Register binds the drain handler and schedules one drain task per topic.
func Register(mux *asynq.ServeMux, scheduler *asynq.Scheduler, h Handler, topics []string, every string, limit int, queue string) error {
	mux.Handle(TaskDrain, h)
	if scheduler == nil {
		return nil
	}
	for _, topic := range topics {
		task, err := NewDrainTask(topic, limit, asynq.Queue(queue), asynq.MaxRetry(0))
		if err != nil {
			return err
		}
		if _, err := scheduler.Register(every, task); err != nil {
			return fmt.Errorf("schedule %s: %w", topic, err)
		}
	}
	return nil
}
