package streamx

import (
	"context"
	"errors"
	"time"
)

// Special ids understood by every Store.
const (
	RangeStart = "-"
	RangeEnd   = "+"
	LatestID   = "$"
)

var (
	ErrNoGroup   = errors.New("consumer group does not exist")
	ErrInvalidID = errors.New("invalid stream id")
)

type Entry struct {
	ID     string
	Values map[string]string
}

// Deleted reports an entry that was claimed from the PEL after it was removed
// from the stream itself.
func (e Entry) Deleted() bool { return e.Values == nil }

type PendingSummary struct {
	Count     int64            `json:"count"`
	Lowest    string           `json:"lowest,omitempty"`
	Highest   string           `json:"highest,omitempty"`
	Consumers map[string]int64 `json:"consumers,omitempty"`
}

// Store is an append-only per-topic log with consumer groups. A block
// duration <= 0 never waits; a read that times out returns no entries and no
// error.
type Store interface {
	Append(ctx context.Context, topic string, values map[string]string) (string, error)
	Range(ctx context.Context, topic, start, end string, count int64) ([]Entry, error)
	Read(ctx context.Context, topic, after string, count int64, block time.Duration) ([]Entry, error)
	Delete(ctx context.Context, topic string, ids ...string) (int64, error)
	Len(ctx context.Context, topic string) (int64, error)

	EnsureGroup(ctx context.Context, topic, group string) error
	ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, topic, group string, ids ...string) (int64, error)
	Pending(ctx context.Context, topic, group string) (PendingSummary, error)

	Ping(ctx context.Context) error
}
