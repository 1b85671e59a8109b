package streamx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store over Redis streams.
type Redis struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

type RedisOptions struct {
	// Prefix is prepended to every topic to form the stream key.
	Prefix string
	// MaxLen caps each stream with approximate trimming. Zero disables it.
	MaxLen int64
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	return &Redis{client: client, prefix: opts.Prefix, maxLen: opts.MaxLen}
}

func (r *Redis) key(topic string) string { return r.prefix + topic }

func (r *Redis) ready() error {
	if r == nil || r.client == nil {
		return errors.New("redis client not initialized")
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, topic string, values map[string]string) (string, error) {
	if err := r.ready(); err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", errors.New("stream entry needs at least one field")
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	args := &redis.XAddArgs{Stream: r.key(topic), Values: fields}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Result()
}

func (r *Redis) Range(ctx context.Context, topic, start, end string, count int64) ([]Entry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if start == "" {
		start = RangeStart
	}
	if end == "" {
		end = RangeEnd
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = r.client.XRangeN(ctx, r.key(topic), start, end, count).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.key(topic), start, end).Result()
	}
	if err != nil {
		return nil, err
	}
	return fromMessages(msgs), nil
}

func (r *Redis) Read(ctx context.Context, topic, after string, count int64, block time.Duration) ([]Entry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.key(topic), after},
		Count:   count,
		Block:   blockArg(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Entry{}, nil
		}
		return nil, err
	}
	return firstStream(streams), nil
}

func (r *Redis) Delete(ctx context.Context, topic string, ids ...string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return r.client.XDel(ctx, r.key(topic), ids...).Result()
}

func (r *Redis) Len(ctx context.Context, topic string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	return r.client.XLen(ctx, r.key(topic)).Result()
}

func (r *Redis) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := r.ready(); err != nil {
		return err
	}
	err := r.client.XGroupCreateMkStream(ctx, r.key(topic), group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Redis) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.key(topic), ">"},
		Count:    count,
		Block:    blockArg(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Entry{}, nil
		}
		return nil, wrapGroupErr(err, topic, group)
	}
	return firstStream(streams), nil
}

func (r *Redis) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.key(topic),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Entry{}, nil
		}
		return nil, wrapGroupErr(err, topic, group)
	}
	return fromMessages(msgs), nil
}

func (r *Redis) Ack(ctx context.Context, topic, group string, ids ...string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return r.client.XAck(ctx, r.key(topic), group, ids...).Result()
}

func (r *Redis) Pending(ctx context.Context, topic, group string) (PendingSummary, error) {
	if err := r.ready(); err != nil {
		return PendingSummary{}, err
	}
	res, err := r.client.XPending(ctx, r.key(topic), group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, wrapGroupErr(err, topic, group)
	}
	return PendingSummary{
		Count:     res.Count,
		Lowest:    res.Lower,
		Highest:   res.Higher,
		Consumers: res.Consumers,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// blockArg maps "do not wait" onto go-redis, where zero means wait forever.
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

func wrapGroupErr(err error, topic, group string) error {
	if strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("%s/%s: %w", topic, group, ErrNoGroup)
	}
	return err
}

func firstStream(streams []redis.XStream) []Entry {
	if len(streams) == 0 {
		return []Entry{}
	}
	return fromMessages(streams[0].Messages)
}

func fromMessages(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry := Entry{ID: msg.ID}
		if msg.Values != nil {
			entry.Values = make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				switch t := v.(type) {
				case string:
					entry.Values[k] = t
				case nil:
				default:
					entry.Values[k] = fmt.Sprint(t)
				}
			}
		}
		out = append(out, entry)
	}
	return out
}
