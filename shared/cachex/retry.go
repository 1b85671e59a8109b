package cachex

import (
	"context"
	"time"

	"crm-event-pipeline/shared/pipeline"
)

const retryKeyPrefix = "stream:retry:"

// RetryStore keeps pipeline retry state as JSON keys that expire on their
// own once an entry stops being retried.
type RetryStore struct {
	client *Client
	ttl    time.Duration
}

func NewRetryStore(client *Client, ttl time.Duration) *RetryStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RetryStore{client: client, ttl: ttl}
}

func (s *RetryStore) key(topic, id string) string {
	return retryKeyPrefix + topic + ":" + id
}

func (s *RetryStore) Get(ctx context.Context, topic, id string) (pipeline.RetryState, error) {
	var state pipeline.RetryState
	if _, err := s.client.GetJSON(ctx, s.key(topic, id), &state); err != nil {
		return pipeline.RetryState{}, err
	}
	return state, nil
}

func (s *RetryStore) Put(ctx context.Context, topic, id string, state pipeline.RetryState) error {
	return s.client.SetJSON(ctx, s.key(topic, id), state, s.ttl)
}

func (s *RetryStore) Clear(ctx context.Context, topic, id string) error {
	return s.client.Delete(ctx, s.key(topic, id))
}
