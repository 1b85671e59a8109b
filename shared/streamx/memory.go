package streamx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same delivery semantics as Redis
// streams. It backs tests and STREAM_BACKEND=memory local runs.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*memStream
}

type memStream struct {
	entries []memEntry
	last    streamID
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memEntry struct {
	id     streamID
	values map[string]string
}

type memGroup struct {
	lastDelivered streamID
	pending       map[streamID]*memPending
	consumers     map[string]struct{}
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, streams: make(map[string]*memStream)}
}

func (m *Memory) stream(topic string) *memStream {
	s, ok := m.streams[topic]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup), notify: make(chan struct{})}
		m.streams[topic] = s
	}
	return s
}

func (m *Memory) Append(ctx context.Context, topic string, values map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", errors.New("stream entry needs at least one field")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(topic)
	ms := uint64(m.now().UnixMilli())
	id := streamID{ms: ms}
	if !s.last.less(id) {
		id = s.last.next()
	}
	s.last = id

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, memEntry{id: id, values: copied})

	close(s.notify)
	s.notify = make(chan struct{})
	return id.String(), nil
}

func (m *Memory) Range(ctx context.Context, topic, start, end string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, err := parseStart(start)
	if err != nil {
		return nil, err
	}
	to, ok, err := parseEnd(end)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.streams[topic]
	if !exists {
		return nil, nil
	}
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.id.less(from) {
			continue
		}
		if to.less(e.id) {
			break
		}
		out = append(out, e.export())
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Memory) Read(ctx context.Context, topic, after string, count int64, block time.Duration) ([]Entry, error) {
	m.mu.Lock()
	var cursor streamID
	if after == LatestID {
		cursor = m.stream(topic).last
	} else {
		id, err := parseID(after, 0)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		cursor = id
	}
	m.mu.Unlock()

	return m.wait(ctx, topic, block, func(s *memStream) []Entry {
		out := make([]Entry, 0)
		for _, e := range s.entries {
			if !cursor.less(e.id) {
				continue
			}
			out = append(out, e.export())
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
		return out
	})
}

// wait runs collect under the lock until it yields entries, block elapses or
// ctx is done.
func (m *Memory) wait(ctx context.Context, topic string, block time.Duration, collect func(*memStream) []Entry) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		s := m.stream(topic)
		out := collect(s)
		notify := s.notify
		m.mu.Unlock()
		if out == nil {
			return nil, ErrNoGroup
		}
		if len(out) > 0 || block <= 0 {
			return out, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return []Entry{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Delete(ctx context.Context, topic string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	targets := make(map[streamID]struct{}, len(ids))
	for _, raw := range ids {
		id, err := parseID(raw, 0)
		if err != nil {
			return 0, err
		}
		targets[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		return 0, nil
	}
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if _, hit := targets[e.id]; hit {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (m *Memory) Len(ctx context.Context, topic string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(topic)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{
			pending:   make(map[streamID]*memPending),
			consumers: make(map[string]struct{}),
		}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return m.wait(ctx, topic, block, func(s *memStream) []Entry {
		g, ok := s.groups[group]
		if !ok {
			return nil
		}
		g.consumers[consumer] = struct{}{}
		now := m.now()
		out := make([]Entry, 0)
		for _, e := range s.entries {
			if !g.lastDelivered.less(e.id) {
				continue
			}
			g.lastDelivered = e.id
			g.pending[e.id] = &memPending{consumer: consumer, deliveredAt: now, deliveries: 1}
			out = append(out, e.export())
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
		return out
	})
}

func (m *Memory) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(topic)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("reclaim %s/%s: %w", topic, group, ErrNoGroup)
	}
	g.consumers[consumer] = struct{}{}

	now := m.now()
	ids := g.sortedPending()
	out := make([]Entry, 0)
	for _, id := range ids {
		p := g.pending[id]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		if e, found := s.find(id); found {
			out = append(out, e.export())
		} else {
			out = append(out, Entry{ID: id.String()})
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, topic, group string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	var acked int64
	for _, raw := range ids {
		id, err := parseID(raw, 0)
		if err != nil {
			return acked, err
		}
		if _, hit := g.pending[id]; hit {
			delete(g.pending, id)
			acked++
		}
	}
	return acked, nil
}

func (m *Memory) Pending(ctx context.Context, topic, group string) (PendingSummary, error) {
	if err := ctx.Err(); err != nil {
		return PendingSummary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		return PendingSummary{}, fmt.Errorf("pending %s/%s: %w", topic, group, ErrNoGroup)
	}
	g, ok := s.groups[group]
	if !ok {
		return PendingSummary{}, fmt.Errorf("pending %s/%s: %w", topic, group, ErrNoGroup)
	}
	ids := g.sortedPending()
	out := PendingSummary{Count: int64(len(ids))}
	if len(ids) == 0 {
		return out, nil
	}
	out.Lowest = ids[0].String()
	out.Highest = ids[len(ids)-1].String()
	out.Consumers = make(map[string]int64)
	for _, id := range ids {
		out.Consumers[g.pending[id].consumer]++
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Deliveries reports how many times id has been delivered to group. Zero means
// the id is not pending.
func (m *Memory) Deliveries(topic, group, id string) int64 {
	parsed, err := parseID(id, 0)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	if p, hit := g.pending[parsed]; hit {
		return p.deliveries
	}
	return 0
}

func (g *memGroup) sortedPending() []streamID {
	ids := make([]streamID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	return ids
}

func (s *memStream) find(id streamID) (memEntry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(id) })
	if i < len(s.entries) && s.entries[i].id == id {
		return s.entries[i], true
	}
	return memEntry{}, false
}

func (e memEntry) export() Entry {
	values := make(map[string]string, len(e.values))
	for k, v := range e.values {
		values[k] = v
	}
	return Entry{ID: e.id.String(), Values: values}
}
