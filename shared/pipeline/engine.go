package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/streamx"
	"crm-event-pipeline/shared/workflow"
)

type Mode string

const (
	ModeRange Mode = "range"
	ModeGroup Mode = "group"
)

// rangeScanFactor bounds how far a range drain reads past deferred entries.
const rangeScanFactor = 10

type EngineOptions struct {
	Logger            logx.Logger
	Retry             RetryStore
	Locker            Locker
	Backoff           Backoff
	MaxAttempts       int
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
	SweepLockTTL      time.Duration
	DefaultBatch      int
	DefaultConsumer   string
	Now               func() time.Time
}

type DrainOptions struct {
	Group    string
	Consumer string
	MaxBatch int
	Block    time.Duration
	// Start is the first id a range drain considers. Defaults to "-".
	Start string
}

type DrainResult struct {
	Topic        string       `json:"topic"`
	Mode         Mode         `json:"mode"`
	Processed    int          `json:"processed"`
	DeadLettered int          `json:"dead_lettered"`
	Deferred     int          `json:"deferred"`
	Failed       []EntryError `json:"errors"`
	LastID       string       `json:"last_id,omitempty"`
}

// Engine drains topics through a Registry with at-least-once semantics.
type Engine struct {
	store    streamx.Store
	registry *Registry
	opts     EngineOptions

	mu     sync.Mutex
	groups map[string]struct{}
}

type claimed struct {
	entry streamx.Entry
	state RetryState
}

func NewEngine(store streamx.Store, registry *Registry, opts EngineOptions) *Engine {
	if opts.Retry == nil {
		opts.Retry = NewMemoryRetryStore()
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 10 * time.Second
	}
	if opts.SweepLockTTL <= 0 {
		opts.SweepLockTTL = 30 * time.Second
	}
	if opts.DefaultBatch <= 0 {
		opts.DefaultBatch = 50
	}
	if opts.DefaultConsumer == "" {
		opts.DefaultConsumer = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, registry: registry, opts: opts, groups: make(map[string]struct{})}
}

// Drain processes one bounded batch from topic. Only failures to read or
// claim entries are returned as errors; per-entry failures land in
// DrainResult.Failed.
func (e *Engine) Drain(ctx context.Context, topic string, opts DrainOptions) (DrainResult, error) {
	if !events.KnownTopic(topic) {
		return DrainResult{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = e.opts.DefaultBatch
	}
	mode := ModeRange
	if opts.Group != "" {
		mode = ModeGroup
		if opts.Consumer == "" {
			opts.Consumer = e.opts.DefaultConsumer
		}
	}
	res := DrainResult{Topic: topic, Mode: mode, Failed: []EntryError{}}

	ctx, span := otel.Tracer("pipeline").Start(ctx, "stream.drain")
	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("stream.mode", string(mode)),
		attribute.String("stream.group", opts.Group),
	)
	defer span.End()
	started := time.Now()

	var err error
	if mode == ModeGroup {
		err = e.drainGroup(ctx, topic, opts, &res)
	} else {
		err = e.drainRange(ctx, topic, opts, &res)
	}
	metricsx.ObserveDrain(topic, string(mode), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
		if !errors.Is(err, ErrSweepInProgress) {
			e.opts.Logger.Error(ctx, "drain_failed", "stream drain failed",
				slog.String("topic", topic),
				slog.String("mode", string(mode)),
				slog.String("error_code", string(CodeQueueUnavailable)),
				slog.String("error", err.Error()),
			)
		}
		return res, err
	}

	span.SetAttributes(
		attribute.Int("stream.processed", res.Processed),
		attribute.Int("stream.failed", len(res.Failed)),
	)
	e.opts.Logger.Info(ctx, "drain_complete", "stream drain finished",
		slog.String("topic", topic),
		slog.String("mode", string(mode)),
		slog.String("group", opts.Group),
		slog.Int("processed", res.Processed),
		slog.Int("failed", len(res.Failed)),
		slog.Int("dead_lettered", res.DeadLettered),
		slog.Int("deferred", res.Deferred),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	return res, nil
}

func (e *Engine) drainRange(ctx context.Context, topic string, opts DrainOptions, res *DrainResult) error {
	release, ok, err := e.opts.Locker.TryLock(ctx, "stream:sweep:"+topic, e.sweepLockTTL(opts.MaxBatch))
	if err != nil {
		return fmt.Errorf("%w: sweep lock %s: %v", ErrQueueUnavailable, topic, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSweepInProgress, topic)
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	batch, err := e.scanRange(ctx, topic, opts, res)
	if err != nil {
		return err
	}
	if len(batch) == 0 && res.Deferred == 0 && opts.Block > 0 {
		entries, err := e.store.Read(ctx, topic, streamx.LatestID, int64(opts.MaxBatch), opts.Block)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrQueueUnavailable, topic, err)
		}
		batch, err = e.withState(ctx, topic, entries, res)
		if err != nil {
			return err
		}
	}
	e.processBatch(ctx, topic, ModeRange, "", batch, res)
	return nil
}

// sweepLockTTL covers a full batch of handlers running to their timeout, so
// the lock cannot lapse while entries are still undeleted.
func (e *Engine) sweepLockTTL(batch int) time.Duration {
	return time.Duration(batch)*e.opts.HandlerTimeout + e.opts.SweepLockTTL
}

// scanRange pages forward from opts.Start until it has MaxBatch entries that
// are not in backoff.
func (e *Engine) scanRange(ctx context.Context, topic string, opts DrainOptions, res *DrainResult) ([]claimed, error) {
	cursor := opts.Start
	if cursor == "" {
		cursor = streamx.RangeStart
	}
	limit := opts.MaxBatch * rangeScanFactor
	scanned := 0
	out := make([]claimed, 0, opts.MaxBatch)
	for len(out) < opts.MaxBatch && scanned < limit {
		page, err := e.store.Range(ctx, topic, cursor, streamx.RangeEnd, int64(opts.MaxBatch))
		if err != nil {
			return nil, fmt.Errorf("%w: range %s: %v", ErrQueueUnavailable, topic, err)
		}
		scanned += len(page)
		ready, err := e.withState(ctx, topic, page, res)
		if err != nil {
			return nil, err
		}
		for _, c := range ready {
			if len(out) == opts.MaxBatch {
				break
			}
			out = append(out, c)
		}
		if len(page) < opts.MaxBatch {
			break
		}
		cursor = "(" + page[len(page)-1].ID
	}
	return out, nil
}

func (e *Engine) drainGroup(ctx context.Context, topic string, opts DrainOptions, res *DrainResult) error {
	if err := e.ensureGroup(ctx, topic, opts.Group); err != nil {
		return err
	}

	reclaimed, err := e.store.Reclaim(ctx, topic, opts.Group, opts.Consumer, e.opts.VisibilityTimeout, int64(opts.MaxBatch))
	if errors.Is(err, streamx.ErrNoGroup) {
		e.forgetGroup(topic, opts.Group)
		if err := e.ensureGroup(ctx, topic, opts.Group); err != nil {
			return err
		}
		reclaimed, err = e.store.Reclaim(ctx, topic, opts.Group, opts.Consumer, e.opts.VisibilityTimeout, int64(opts.MaxBatch))
	}
	if err != nil {
		return fmt.Errorf("%w: reclaim %s/%s: %v", ErrQueueUnavailable, topic, opts.Group, err)
	}

	var fresh []streamx.Entry
	if remaining := opts.MaxBatch - len(reclaimed); remaining > 0 {
		block := opts.Block
		if len(reclaimed) > 0 {
			block = 0
		}
		fresh, err = e.store.ReadGroup(ctx, topic, opts.Group, opts.Consumer, int64(remaining), block)
		if err != nil {
			if errors.Is(err, streamx.ErrNoGroup) {
				e.forgetGroup(topic, opts.Group)
			}
			if len(reclaimed) == 0 {
				return fmt.Errorf("%w: read group %s/%s: %v", ErrQueueUnavailable, topic, opts.Group, err)
			}
			e.opts.Logger.Warn(ctx, "read_group_failed", "processing reclaimed entries only",
				slog.String("topic", topic),
				slog.String("error_code", string(CodeQueueUnavailable)),
				slog.String("error", err.Error()),
			)
			fresh = nil
		}
	}

	entries := make([]streamx.Entry, 0, len(reclaimed)+len(fresh))
	entries = append(entries, reclaimed...)
	entries = append(entries, fresh...)
	sort.SliceStable(entries, func(i, j int) bool { return streamx.CompareIDs(entries[i].ID, entries[j].ID) < 0 })

	batch := make([]claimed, 0, len(entries))
	ctx = context.WithoutCancel(ctx)
	for _, entry := range entries {
		if entry.Deleted() {
			e.discard(ctx, topic, opts.Group, entry.ID, res)
			continue
		}
		ready, err := e.withState(ctx, topic, []streamx.Entry{entry}, res)
		if err != nil {
			return err
		}
		batch = append(batch, ready...)
	}
	e.processBatch(ctx, topic, ModeGroup, opts.Group, batch, res)
	return nil
}

// withState attaches retry state and filters out entries still in backoff.
func (e *Engine) withState(ctx context.Context, topic string, entries []streamx.Entry, res *DrainResult) ([]claimed, error) {
	now := e.opts.Now()
	out := make([]claimed, 0, len(entries))
	for _, entry := range entries {
		res.LastID = maxID(res.LastID, entry.ID)
		state, err := e.opts.Retry.Get(ctx, topic, entry.ID)
		if err != nil {
			e.opts.Logger.Warn(ctx, "retry_state_unavailable", "treating entry as first attempt",
				slog.String("topic", topic),
				slog.String("id", entry.ID),
				slog.String("error_code", string(CodeQueueUnavailable)),
				slog.String("error", err.Error()),
			)
			state = RetryState{}
		}
		if state.Attempts > 0 && now.Before(state.NextRetryAt) {
			res.Deferred++
			e.transition(ctx, topic, entry.ID, workflow.EntryStatusFailed, workflow.EntryStatusClaimed)
			e.transition(ctx, topic, entry.ID, workflow.EntryStatusClaimed, workflow.EntryStatusDeferred)
			continue
		}
		out = append(out, claimed{entry: entry, state: state})
	}
	return out, nil
}

func (e *Engine) processBatch(ctx context.Context, topic string, mode Mode, group string, batch []claimed, res *DrainResult) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range batch {
		e.process(ctx, topic, mode, group, c, res)
	}
}

func (e *Engine) process(ctx context.Context, topic string, mode Mode, group string, c claimed, res *DrainResult) {
	id := c.entry.ID
	from := workflow.EntryStatusEnqueued
	if c.state.Attempts > 0 {
		from = workflow.EntryStatusFailed
	}
	e.transition(ctx, topic, id, from, workflow.EntryStatusClaimed)

	env, err := events.FromValues(topic, id, c.entry.Values)
	if err == nil {
		err = e.dispatch(ctx, env)
	}
	if err == nil {
		e.transition(ctx, topic, id, workflow.EntryStatusClaimed, workflow.EntryStatusProcessed)
		if cerr := e.commit(ctx, topic, mode, group, id); cerr != nil {
			e.transition(ctx, topic, id, workflow.EntryStatusProcessed, workflow.EntryStatusFailed)
			res.Failed = append(res.Failed, EntryError{
				ID: id, Type: string(env.Type), Code: CodeQueueUnavailable, Error: cerr.Error(), Attempts: c.state.Attempts,
			})
			return
		}
		if c.state.Attempts > 0 {
			e.clearState(ctx, topic, id)
		}
		e.transition(ctx, topic, id, workflow.EntryStatusProcessed, workflow.EntryStatusAcknowledged)
		res.Processed++
		return
	}

	e.transition(ctx, topic, id, workflow.EntryStatusClaimed, workflow.EntryStatusFailed)
	attempts := c.state.Attempts + 1
	failure := EntryError{ID: id, Type: string(env.Type), Code: Classify(err), Error: err.Error(), Attempts: attempts}

	if attempts >= e.opts.MaxAttempts || permanent(err) {
		if derr := e.deadLetter(ctx, topic, mode, group, c.entry, failure); derr != nil {
			e.opts.Logger.Error(ctx, "dead_letter_failed", "could not move entry to dead letters",
				slog.String("topic", topic),
				slog.String("id", id),
				slog.String("error_code", string(CodeQueueUnavailable)),
				slog.String("error", derr.Error()),
			)
			e.saveState(ctx, topic, id, RetryState{Attempts: attempts, NextRetryAt: e.opts.Now(), LastError: err.Error()})
			res.Failed = append(res.Failed, failure)
			return
		}
		failure.DeadLettered = true
		res.DeadLettered++
		res.Failed = append(res.Failed, failure)
		e.transition(ctx, topic, id, workflow.EntryStatusFailed, workflow.EntryStatusDeadLettered)
		return
	}

	e.saveState(ctx, topic, id, RetryState{
		Attempts:    attempts,
		NextRetryAt: e.opts.Now().Add(e.opts.Backoff.Delay(attempts)),
		LastError:   err.Error(),
	})
	e.opts.Logger.Warn(ctx, "entry_failed", "stream entry failed and will be retried",
		slog.String("topic", topic),
		slog.String("id", id),
		slog.String("type", string(env.Type)),
		slog.Int("attempts", attempts),
		slog.String("error_code", string(failure.Code)),
		slog.String("error", err.Error()),
	)
	res.Failed = append(res.Failed, failure)
}

func (e *Engine) dispatch(ctx context.Context, env events.Envelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
	defer cancel()
	ctx, span := otel.Tracer("pipeline").Start(ctx, "stream.dispatch")
	span.SetAttributes(
		attribute.String("event.type", string(env.Type)),
		attribute.String("messaging.message_id", env.ID),
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(Classify(err)))
		}
		span.End()
	}()

	err = e.registry.Dispatch(ctx, env)
	if err != nil && isTimeout(err) {
		err = fmt.Errorf("handler timed out after %s: %w", e.opts.HandlerTimeout, err)
	}
	return err
}

func (e *Engine) commit(ctx context.Context, topic string, mode Mode, group string, id string) error {
	var err error
	if mode == ModeGroup {
		_, err = e.store.Ack(ctx, topic, group, id)
	} else {
		_, err = e.store.Delete(ctx, topic, id)
	}
	if err != nil {
		return fmt.Errorf("%w: commit %s %s: %v", ErrQueueUnavailable, topic, id, err)
	}
	return nil
}

// discard acknowledges a reclaimed id whose entry no longer exists.
func (e *Engine) discard(ctx context.Context, topic string, group string, id string, res *DrainResult) {
	res.LastID = maxID(res.LastID, id)
	if err := e.commit(ctx, topic, ModeGroup, group, id); err != nil {
		e.opts.Logger.Warn(ctx, "discard_failed", "could not acknowledge deleted entry",
			slog.String("topic", topic),
			slog.String("id", id),
			slog.String("error_code", string(CodeQueueUnavailable)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.clearState(ctx, topic, id)
	e.transition(ctx, topic, id, workflow.EntryStatusClaimed, workflow.EntryStatusAcknowledged)
}

func (e *Engine) deadLetter(ctx context.Context, topic string, mode Mode, group string, entry streamx.Entry, failure EntryError) error {
	values := make(map[string]string, len(entry.Values)+6)
	for k, v := range entry.Values {
		values[k] = v
	}
	values[FieldError] = failure.Error
	values[FieldCode] = string(failure.Code)
	values[FieldAttempts] = strconv.Itoa(failure.Attempts)
	values[FieldSourceTopic] = topic
	values[FieldSourceID] = entry.ID
	values[FieldFailedAt] = strconv.FormatInt(e.opts.Now().UTC().UnixMilli(), 10)
	if _, ok := values[events.FieldType]; !ok {
		values[events.FieldType] = ""
	}

	if _, err := e.store.Append(ctx, events.DeadLetterTopic(topic), values); err != nil {
		return fmt.Errorf("%w: append dead letter: %v", ErrQueueUnavailable, err)
	}
	if err := e.commit(ctx, topic, mode, group, entry.ID); err != nil {
		return err
	}
	e.clearState(ctx, topic, entry.ID)
	e.opts.Logger.Error(ctx, "entry_dead_lettered", "stream entry moved to dead letters",
		slog.String("topic", topic),
		slog.String("id", entry.ID),
		slog.String("type", failure.Type),
		slog.Int("attempts", failure.Attempts),
		slog.String("error_code", string(failure.Code)),
		slog.String("error", failure.Error),
	)
	return nil
}

func (e *Engine) saveState(ctx context.Context, topic, id string, state RetryState) {
	if err := e.opts.Retry.Put(ctx, topic, id, state); err != nil {
		e.opts.Logger.Warn(ctx, "retry_state_write_failed", "could not persist retry state",
			slog.String("topic", topic),
			slog.String("id", id),
			slog.String("error_code", string(CodeQueueUnavailable)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) clearState(ctx context.Context, topic, id string) {
	if err := e.opts.Retry.Clear(ctx, topic, id); err != nil {
		e.opts.Logger.Warn(ctx, "retry_state_clear_failed", "could not clear retry state",
			slog.String("topic", topic),
			slog.String("id", id),
			slog.String("error_code", string(CodeQueueUnavailable)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) transition(ctx context.Context, topic, id, from, to string) {
	if !workflow.CanTransition(from, to) {
		e.opts.Logger.Error(ctx, "invalid_transition", "entry lifecycle transition rejected",
			slog.String("topic", topic),
			slog.String("id", id),
			slog.String("from", from),
			slog.String("to", to),
			slog.String("error_code", "InvalidTransition"),
		)
		return
	}
	metricsx.IncEntryState(topic, to)
	e.opts.Logger.Debug(ctx, workflow.EventTypeForTransition(from, to), "entry transition",
		slog.String("topic", topic),
		slog.String("id", id),
		slog.String("to", to),
	)
}

func (e *Engine) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + "\x00" + group
	e.mu.Lock()
	_, ok := e.groups[key]
	e.mu.Unlock()
	if ok {
		return nil
	}
	if err := e.store.EnsureGroup(ctx, topic, group); err != nil {
		return fmt.Errorf("%w: ensure group %s/%s: %v", ErrQueueUnavailable, topic, group, err)
	}
	e.mu.Lock()
	e.groups[key] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *Engine) forgetGroup(topic, group string) {
	e.mu.Lock()
	delete(e.groups, topic+"\x00"+group)
	e.mu.Unlock()
}

func maxID(a, b string) string {
	if a == "" || streamx.CompareIDs(b, a) > 0 {
		return b
	}
	return a
}
