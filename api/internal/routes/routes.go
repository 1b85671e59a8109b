// Package routes wires the HTTP surface: public edge endpoints that feed the
// producer, privileged stream endpoints that drive the engine, and health.
package routes

import (
	"context"
	"time"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/pipeline"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload events.Payload) (string, error)
}

type StreamEngine interface {
	Drain(ctx context.Context, topic string, opts pipeline.DrainOptions) (pipeline.DrainResult, error)
	Snapshot(ctx context.Context, topic string, group string, limit int) (pipeline.Snapshot, error)
	DeadLetters(ctx context.Context, topic string, limit int) ([]pipeline.DeadLetter, error)
	Replay(ctx context.Context, topic string, deadID string) (string, error)
}

const (
	defaultLimit = 50
	maxLimit     = 1000
	maxBlock     = 30 * time.Second
)
