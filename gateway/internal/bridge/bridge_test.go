package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/streamx"
)

// fakeSource replays msgs in order and then blocks until cancelled.
type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	drained   chan struct{}
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	return &fakeSource{msgs: msgs, drained: make(chan struct{})}
}

func (s *fakeSource) Topic() string { return "crm.inbound" }
func (s *fakeSource) Group() string { return "bridge" }
func (s *fakeSource) Lag() int64    { return 0 }

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if s.next < len(s.msgs) {
		msg := s.msgs[s.next]
		s.next++
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(ctx context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

// flakyEnqueuer fails its first failures calls, then records what it stores.
type flakyEnqueuer struct {
	mu        sync.Mutex
	failures  int
	calls     int
	forwarded []string
}

func (f *flakyEnqueuer) EnqueueRaw(ctx context.Context, topic string, t events.Type, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("redis down")
	}
	f.forwarded = append(f.forwarded, string(raw))
	return "1-0", nil
}

func run(t *testing.T, f Forwarder, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	select {
	case <-src.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("source not drained")
	}
	cancel()
	<-done
}

func TestDecode(t *testing.T) {
	typ, raw, err := Decode(kafka.Message{Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c1"}}`)}, "")
	require.NoError(t, err)
	assert.Equal(t, events.TypeEmailOpened, typ)
	assert.JSONEq(t, `{"campaignId":"c1"}`, string(raw))

	typ, raw, err = Decode(kafka.Message{
		Value:   []byte(`{"endpoint":"https://push/1"}`),
		Headers: []kafka.Header{{Key: HeaderType, Value: []byte("PUSH_SUBSCRIBED")}},
	}, events.TypePushEvent)
	require.NoError(t, err)
	assert.Equal(t, events.TypePushSubscribed, typ)
	assert.Equal(t, `{"endpoint":"https://push/1"}`, string(raw))

	var verr *events.ValidationError
	_, _, err = Decode(kafka.Message{Value: []byte("nope")}, events.TypePushEvent)
	assert.ErrorAs(t, err, &verr)
	_, _, err = Decode(kafka.Message{Value: []byte(`{"payload":{}}`)}, "")
	assert.ErrorAs(t, err, &verr)
	_, _, err = Decode(kafka.Message{Value: []byte(`{"type":"EMAIL_OPENED"}`)}, "")
	assert.ErrorAs(t, err, &verr)

	typ, raw, err = Decode(kafka.Message{Value: []byte(`{"notificationId":"n1","status":"delivered"}`)}, events.TypePushEvent)
	require.NoError(t, err)
	assert.Equal(t, events.TypePushEvent, typ)
	assert.Equal(t, `{"notificationId":"n1","status":"delivered"}`, string(raw))
}

func TestForwarderEnqueuesAndCommits(t *testing.T) {
	store := streamx.NewMemory(time.Now)
	producer := pipeline.NewProducer(store, pipeline.ProducerOptions{Logger: logx.Nop()})
	src := newFakeSource(
		kafka.Message{Offset: 1, Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c1","recipient":"u@x.com"}}`)},
		kafka.Message{Offset: 2, Value: []byte(`{"type":"NOT_A_TYPE","payload":{}}`)},
		kafka.Message{Offset: 3, Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c1"}}`)},
	)

	run(t, Forwarder{Source: src, Producer: producer, Logger: logx.Nop()}, src)

	assert.Equal(t, []int64{1, 2, 3}, src.committed)
	n, err := store.Len(context.Background(), events.TopicEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type staticRoutes events.Type

func (r staticRoutes) TypeFor(string) (events.Type, bool) { return events.Type(r), r != "" }

func TestForwarderUsesRouteForBarePayloads(t *testing.T) {
	store := streamx.NewMemory(time.Now)
	producer := pipeline.NewProducer(store, pipeline.ProducerOptions{Logger: logx.Nop()})
	src := newFakeSource(kafka.Message{Offset: 4, Value: []byte(`{"campaignId":"c9","recipient":"u@x.com"}`)})

	run(t, Forwarder{Source: src, Producer: producer, Logger: logx.Nop(), Routes: staticRoutes(events.TypeEmailDelivered)}, src)

	assert.Equal(t, []int64{4}, src.committed)
	entries, err := store.Range(context.Background(), events.TopicEmail, "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(events.TypeEmailDelivered), entries[0].Values[events.FieldType])
}

func TestForwarderRetriesMessageUntilEnqueued(t *testing.T) {
	src := newFakeSource(
		kafka.Message{Offset: 7, Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c7","recipient":"u@x.com"}}`)},
		kafka.Message{Offset: 8, Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c8","recipient":"u@x.com"}}`)},
	)
	enq := &flakyEnqueuer{failures: 3}

	run(t, Forwarder{Source: src, Producer: enq, Logger: logx.Nop(), Pause: time.Millisecond}, src)

	assert.Equal(t, 5, enq.calls)
	require.Len(t, enq.forwarded, 2)
	assert.JSONEq(t, `{"campaignId":"c7","recipient":"u@x.com"}`, enq.forwarded[0])
	assert.JSONEq(t, `{"campaignId":"c8","recipient":"u@x.com"}`, enq.forwarded[1])
	assert.Equal(t, []int64{7, 8}, src.committed)
}

func TestForwarderLeavesOffsetWhenStoppedDuringRetry(t *testing.T) {
	src := newFakeSource(kafka.Message{Offset: 9, Value: []byte(`{"type":"EMAIL_OPENED","payload":{"campaignId":"c9","recipient":"u@x.com"}}`)})
	enq := &flakyEnqueuer{failures: 1 << 30}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forwarder{Source: src, Producer: enq, Logger: logx.Nop(), Pause: time.Millisecond}.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		enq.mu.Lock()
		defer enq.mu.Unlock()
		return enq.calls >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, enq.forwarded)
	assert.Empty(t, src.committed)
}
