package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"crm-event-pipeline/shared/config"
)

var ErrNotInitialized = errors.New("redis client not initialized")

// Client is the shared Redis handle behind the stream store, retry state and
// sweep locks. A nil *Client is safe to call and reports ErrNotInitialized.
type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	return Wrap(redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		ClientName:  cfg.ServiceName,
		DialTimeout: 3 * time.Second,
	})), nil
}

// Wrap adopts an existing client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) rdb() (*redis.Client, error) {
	if c == nil || c.redis == nil {
		return nil, ErrNotInitialized
	}
	return c.redis, nil
}

// Client exposes the underlying go-redis client, or nil.
func (c *Client) Client() *redis.Client {
	rdb, _ := c.rdb()
	return rdb
}

func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	return rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	rdb, err := c.rdb()
	if err != nil {
		return nil
	}
	return rdb.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, raw, ttl).Err()
}

// GetJSON decodes key into dest. A missing key reports false with no error.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	rdb, err := c.rdb()
	if err != nil {
		return false, err
	}
	raw, err := rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}
