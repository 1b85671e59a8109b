package pipeline

import (
	"context"
	"sync"
	"time"
)

// RetryState is the redelivery bookkeeping kept for one stream entry.
type RetryState struct {
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// RetryStore keeps RetryState per topic and entry id. A missing entry reads
// as the zero state.
type RetryStore interface {
	Get(ctx context.Context, topic, id string) (RetryState, error)
	Put(ctx context.Context, topic, id string, state RetryState) error
	Clear(ctx context.Context, topic, id string) error
}

// Backoff grows quadratically with the attempt number and is capped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	delay := time.Duration(attempt*attempt) * base
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

type MemoryRetryStore struct {
	mu     sync.Mutex
	states map[string]RetryState
}

func NewMemoryRetryStore() *MemoryRetryStore {
	return &MemoryRetryStore{states: make(map[string]RetryState)}
}

func retryKey(topic, id string) string { return topic + "/" + id }

func (s *MemoryRetryStore) Get(_ context.Context, topic, id string) (RetryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[retryKey(topic, id)], nil
}

func (s *MemoryRetryStore) Put(_ context.Context, topic, id string, state RetryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[retryKey(topic, id)] = state
	return nil
}

func (s *MemoryRetryStore) Clear(_ context.Context, topic, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, retryKey(topic, id))
	return nil
}
