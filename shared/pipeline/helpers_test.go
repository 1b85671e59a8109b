package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/streamx"
)

var errBoom = errors.New("boom")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails selected operations on demand.
type flakyStore struct {
	*streamx.Memory
	failAppend atomic.Bool
	failRange  atomic.Bool
	failDelete atomic.Bool
	appends    atomic.Int64
}

func (s *flakyStore) Append(ctx context.Context, topic string, values map[string]string) (string, error) {
	s.appends.Add(1)
	if s.failAppend.Load() {
		return "", errBoom
	}
	return s.Memory.Append(ctx, topic, values)
}

func (s *flakyStore) Range(ctx context.Context, topic, start, end string, count int64) ([]streamx.Entry, error) {
	if s.failRange.Load() {
		return nil, errBoom
	}
	return s.Memory.Range(ctx, topic, start, end, count)
}

func (s *flakyStore) Delete(ctx context.Context, topic string, ids ...string) (int64, error) {
	if s.failDelete.Load() {
		return 0, errBoom
	}
	return s.Memory.Delete(ctx, topic, ids...)
}

// recorder is an EMAIL_OPENED handler that fails for chosen recipients.
type recorder struct {
	mu      sync.Mutex
	seen    []string
	failFor map[string]bool
}

func (r *recorder) handle(_ context.Context, env events.Envelope, p events.EmailEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env.ID)
	if r.failFor[p.Recipient] {
		return errBoom
	}
	return nil
}

func (r *recorder) setFail(recipient string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFor[recipient] = fail
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type harness struct {
	clock    *testClock
	store    *flakyStore
	registry *Registry
	engine   *Engine
	producer *Producer
	rec      *recorder
}

func newHarness(t *testing.T, mutate func(*EngineOptions)) *harness {
	t.Helper()
	clock := newTestClock()
	store := &flakyStore{Memory: streamx.NewMemory(clock.Now)}
	registry := NewRegistry()
	rec := &recorder{failFor: map[string]bool{}}
	On(registry, events.TypeEmailOpened, rec.handle)

	opts := EngineOptions{
		Logger:      logx.Nop(),
		Backoff:     Backoff{Base: time.Second, Max: time.Minute},
		MaxAttempts: 3,
		Now:         clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{
		clock:    clock,
		store:    store,
		registry: registry,
		engine:   NewEngine(store, registry, opts),
		producer: NewProducer(store, ProducerOptions{Logger: logx.Nop(), Now: clock.Now}),
		rec:      rec,
	}
}

func (h *harness) enqueueOpen(t *testing.T, recipient string) string {
	t.Helper()
	id, err := h.producer.Enqueue(context.Background(), "", events.EmailEvent{
		Kind:       events.TypeEmailOpened,
		CampaignID: "c1",
		Recipient:  recipient,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) length(t *testing.T, topic string) int64 {
	t.Helper()
	n, err := h.store.Len(context.Background(), topic)
	require.NoError(t, err)
	return n
}
