package pipeline

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/streamx"
)

func TestDrainRangeIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.setFail("bad@x.com", true)
	h.enqueueOpen(t, "a@x.com")
	h.enqueueOpen(t, "b@x.com")
	badID := h.enqueueOpen(t, "bad@x.com")
	h.enqueueOpen(t, "c@x.com")
	h.enqueueOpen(t, "d@x.com")

	res, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, ModeRange, res.Mode)
	assert.Equal(t, 4, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, badID, res.Failed[0].ID)
	assert.Equal(t, CodeHandler, res.Failed[0].Code)
	assert.Equal(t, 1, res.Failed[0].Attempts)

	remaining, err := h.store.Range(context.Background(), events.TopicEmail, streamx.RangeStart, streamx.RangeEnd, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, badID, remaining[0].ID)
}

func TestDrainGroupKeepsFailedEntryPending(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.setFail("bad@x.com", true)
	h.enqueueOpen(t, "a@x.com")
	badID := h.enqueueOpen(t, "bad@x.com")
	ctx := context.Background()

	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "c1", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, ModeGroup, res.Mode)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Failed, 1)

	pending, err := h.store.Pending(ctx, events.TopicEmail, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	assert.Equal(t, badID, pending.Lowest)
	assert.Equal(t, int64(2), h.length(t, events.TopicEmail))
}

func TestDrainGroupDeliversInIDOrderAcrossCalls(t *testing.T) {
	h := newHarness(t, nil)
	for _, r := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		h.enqueueOpen(t, r+"@x.com")
		h.clock.Advance(time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		_, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{Group: "g", Consumer: "c1", MaxBatch: 2})
		require.NoError(t, err)
	}
	seen := h.rec.ids()
	require.Len(t, seen, 7)
	assert.True(t, sort.SliceIsSorted(seen, func(i, j int) bool { return streamx.CompareIDs(seen[i], seen[j]) < 0 }))
}

func TestDrainUnknownTypeIsRetained(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.store.Append(ctx, events.TopicEmail, map[string]string{
		events.FieldType:    "UNKNOWN_TYPE",
		events.FieldPayload: `{}`,
	})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, id, res.Failed[0].ID)
	assert.Equal(t, CodeUnknownEventType, res.Failed[0].Code)
	assert.False(t, res.Failed[0].DeadLettered)

	var wire map[string]any
	raw, err := json.Marshal(res.Failed[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, id, wire["id"])
	assert.Equal(t, "UnknownEventType", wire["code"])
	assert.Contains(t, wire["error"], "unknown event type")

	next, err := h.store.Range(ctx, events.TopicEmail, streamx.RangeStart, streamx.RangeEnd, 0)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, id, next[0].ID)
}

func TestDrainEmptyTopicBlocksForBlockDuration(t *testing.T) {
	for _, group := range []string{"", "g"} {
		h := newHarness(t, nil)
		start := time.Now()
		res, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{Group: group, MaxBatch: 10, Block: 100 * time.Millisecond})
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Processed)
		assert.Empty(t, res.Failed)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "group=%q", group)
		assert.Less(t, elapsed, time.Second, "group=%q", group)
	}
}

func TestDrainBlockedReadPicksUpNewEntry(t *testing.T) {
	h := newHarness(t, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.enqueueOpen(t, "late@x.com")
	}()
	res, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{MaxBatch: 10, Block: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestDrainRetryBackoffAndDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rec.setFail("bad@x.com", true)
	id := h.enqueueOpen(t, "bad@x.com")
	drain := func() DrainResult {
		res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
		require.NoError(t, err)
		return res
	}

	res := drain()
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Attempts)

	res = drain()
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, res.Failed)
	assert.Len(t, h.rec.ids(), 1)

	h.clock.Advance(time.Second)
	res = drain()
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].Attempts)

	h.clock.Advance(4 * time.Second)
	res = drain()
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 3, res.Failed[0].Attempts)
	assert.True(t, res.Failed[0].DeadLettered)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, int64(0), h.length(t, events.TopicEmail))

	dead, err := h.engine.DeadLetters(ctx, events.TopicEmail, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].SourceID)
	assert.Equal(t, events.TopicEmail, dead[0].SourceTopic)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, CodeHandler, dead[0].Code)
	assert.Equal(t, string(events.TypeEmailOpened), dead[0].Type)

	h.rec.setFail("bad@x.com", false)
	newID, err := h.engine.Replay(ctx, events.TopicEmail, dead[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, int64(0), h.length(t, events.DeadLetterTopic(events.TopicEmail)))

	res = drain()
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, res.Failed)
}

func TestReplayUnknownDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Replay(context.Background(), events.TopicEmail, "1-0")
	assert.True(t, errors.Is(err, ErrDeadLetterNotFound))
	_, err = h.engine.Replay(context.Background(), events.TopicEmail, "garbage")
	assert.True(t, errors.Is(err, ErrDeadLetterNotFound))
	_, err = h.engine.Replay(context.Background(), "NOPE", "1-0")
	assert.True(t, errors.Is(err, ErrUnknownTopic))
}

func TestDrainMalformedPayloadIsDeadLetteredImmediately(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.store.Append(ctx, events.TopicEmail, map[string]string{
		events.FieldType:    string(events.TypeEmailOpened),
		events.FieldPayload: `{"campaignId":"c1"}`,
	})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, CodeValidation, res.Failed[0].Code)
	assert.True(t, res.Failed[0].DeadLettered)
	assert.Equal(t, int64(1), h.length(t, events.DeadLetterTopic(events.TopicEmail)))
	assert.Empty(t, h.rec.ids())
}

func TestDrainReclaimsAfterVisibilityTimeout(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.VisibilityTimeout = time.Minute })
	ctx := context.Background()
	h.rec.setFail("flaky@x.com", true)
	id := h.enqueueOpen(t, "flaky@x.com")

	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "a", MaxBatch: 10})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)

	res, err = h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "b", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Failed)

	h.rec.setFail("flaky@x.com", false)
	h.clock.Advance(61 * time.Second)
	res, err = h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "b", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, id, res.LastID)

	pending, err := h.store.Pending(ctx, events.TopicEmail, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestDrainDiscardsReclaimedDeletedEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rec.setFail("gone@x.com", true)
	id := h.enqueueOpen(t, "gone@x.com")

	_, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "a", MaxBatch: 10})
	require.NoError(t, err)
	_, err = h.store.Delete(ctx, events.TopicEmail, id)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", Consumer: "a", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Failed)

	pending, err := h.store.Pending(ctx, events.TopicEmail, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestDrainRangeSweepLock(t *testing.T) {
	locker := NewMemoryLocker()
	h := newHarness(t, func(o *EngineOptions) { o.Locker = locker })
	ctx := context.Background()
	h.enqueueOpen(t, "a@x.com")

	release, ok, err := locker.TryLock(ctx, "stream:sweep:"+events.TopicEmail, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	assert.True(t, errors.Is(err, ErrSweepInProgress))

	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	require.NoError(t, release(ctx))
	_, err = h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
}

type recordingLocker struct {
	*MemoryLocker
	ttls []time.Duration
}

func (l *recordingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.ttls = append(l.ttls, ttl)
	return l.MemoryLocker.TryLock(ctx, key, ttl)
}

func TestDrainRangeLockOutlivesSlowBatch(t *testing.T) {
	locker := &recordingLocker{MemoryLocker: NewMemoryLocker()}
	h := newHarness(t, func(o *EngineOptions) {
		o.Locker = locker
		o.HandlerTimeout = 10 * time.Second
		o.SweepLockTTL = 30 * time.Second
	})
	h.enqueueOpen(t, "a@x.com")

	_, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{MaxBatch: 50})
	require.NoError(t, err)
	require.Len(t, locker.ttls, 1)
	assert.GreaterOrEqual(t, locker.ttls[0], 50*10*time.Second)
}

func TestDrainStoreFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.enqueueOpen(t, "a@x.com")

	h.store.failRange.Store(true)
	_, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	assert.True(t, errors.Is(err, ErrQueueUnavailable))
	h.store.failRange.Store(false)

	h.store.failDelete.Store(true)
	res, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, id, res.Failed[0].ID)
	assert.Equal(t, CodeQueueUnavailable, res.Failed[0].Code)
	assert.Equal(t, int64(1), h.length(t, events.TopicEmail))
	h.store.failDelete.Store(false)

	res, err = h.engine.Drain(ctx, events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestDrainUnknownTopic(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Drain(context.Background(), "ORDERS", DrainOptions{})
	assert.True(t, errors.Is(err, ErrUnknownTopic))
}

func TestDrainHandlerTimeoutAndPanic(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.HandlerTimeout = 20 * time.Millisecond })
	On(h.registry, events.TypeEmailOpened, func(ctx context.Context, _ events.Envelope, p events.EmailEvent) error {
		if p.Recipient == "panic@x.com" {
			panic("handler exploded")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	h.enqueueOpen(t, "slow@x.com")
	h.enqueueOpen(t, "panic@x.com")

	res, err := h.engine.Drain(context.Background(), events.TopicEmail, DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, CodeHandler, res.Failed[0].Code)
	assert.Contains(t, res.Failed[0].Error, "timed out")
	assert.Contains(t, res.Failed[1].Error, "panic")
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rec.setFail("bad@x.com", true)
	h.enqueueOpen(t, "bad@x.com")
	h.enqueueOpen(t, "ok@x.com")

	_, err := h.engine.Drain(ctx, events.TopicEmail, DrainOptions{Group: "g", MaxBatch: 10})
	require.NoError(t, err)

	snap, err := h.engine.Snapshot(ctx, events.TopicEmail, "g", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Length)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, 1, snap.Entries[0].Attempts)
	assert.NotNil(t, snap.Entries[0].NextRetryAt)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, int64(1), snap.Pending.Count)

	snap, err = h.engine.Snapshot(ctx, events.TopicPush, "never-created", 10)
	require.NoError(t, err)
	assert.Nil(t, snap.Pending)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 5*time.Second, Backoff{}.Delay(1))
}
