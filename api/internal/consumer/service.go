// Package consumer runs long-lived group-mode drains under a suture
// supervisor, one service per topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
)

type Drainer interface {
	Drain(ctx context.Context, topic string, opts pipeline.DrainOptions) (pipeline.DrainResult, error)
}

// TopicService drains one topic as a consumer group member until its
// context is cancelled.
type TopicService struct {
	Engine   Drainer
	Logger   logx.Logger
	Topic    string
	Group    string
	Consumer string
	Batch    int
	Block    time.Duration
	// Idle is how long to pause after an empty or failed drain.
	Idle time.Duration
}

func (s TopicService) String() string {
	return fmt.Sprintf("consumer(%s/%s)", s.Topic, s.Group)
}

func (s TopicService) Serve(ctx context.Context) error {
	if s.Group == "" {
		return fmt.Errorf("%w: consumer group required for %s", suture.ErrDoNotRestart, s.Topic)
	}
	idle := s.Idle
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	s.Logger.Info(ctx, "consumer_start", "stream consumer started",
		slog.String("topic", s.Topic),
		slog.String("group", s.Group),
		slog.String("consumer", s.Consumer),
	)
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.Engine.Drain(ctx, s.Topic, pipeline.DrainOptions{
			Group:    s.Group,
			Consumer: s.Consumer,
			MaxBatch: s.Batch,
			Block:    s.Block,
		})
		switch {
		case errors.Is(err, pipeline.ErrUnknownTopic):
			return fmt.Errorf("%w: %v", suture.ErrDoNotRestart, err)
		case err != nil:
			failures++
			// Let the supervisor restart us after repeated read failures.
			if failures >= 5 {
				return fmt.Errorf("drain %s: %w", s.Topic, err)
			}
		default:
			failures = 0
			if res.Processed > 0 || len(res.Failed) > 0 {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}

type SupervisorOptions struct {
	FailureThreshold float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// NewSupervisor returns a supervisor whose lifecycle events go to logger.
func NewSupervisor(name string, logger logx.Logger, opts SupervisorOptions) *suture.Supervisor {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureBackoff == 0 {
		opts.FailureBackoff = 15 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	hook := (&sutureslog.Handler{Logger: logger.Slog()}).MustHook()
	return suture.New(name, suture.Spec{
		EventHook:        hook,
		FailureThreshold: opts.FailureThreshold,
		FailureDecay:     30,
		FailureBackoff:   opts.FailureBackoff,
		Timeout:          opts.ShutdownTimeout,
	})
}
