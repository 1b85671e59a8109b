// Package runtimex assembles the stream store, retry state, sweep lock,
// producer and engine from configuration for the service binaries.
package runtimex

import (
	"context"
	"fmt"
	"time"

	"crm-event-pipeline/shared/cachex"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/lockx"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/streamx"
)

const lockPrefix = "crm:lock:"

type Streams struct {
	Store  streamx.Store
	Retry  pipeline.RetryStore
	Locker pipeline.Locker
	// Cache is nil for the memory backend.
	Cache *cachex.Client
	cfg   config.Config
}

// OpenStreams connects the configured backend. The memory backend keeps
// everything in process and only suits single-binary local runs.
func OpenStreams(ctx context.Context, cfg config.Config) (*Streams, error) {
	switch cfg.StreamBackend {
	case config.StreamBackendMemory:
		return &Streams{
			Store:  streamx.NewMemory(time.Now),
			Retry:  pipeline.NewMemoryRetryStore(),
			Locker: pipeline.NewMemoryLocker(),
			cfg:    cfg,
		}, nil
	case config.StreamBackendRedis, "":
		cache, err := cachex.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := cache.Ping(ctx); err != nil {
			_ = cache.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return &Streams{
			Store:  streamx.NewRedis(cache.Client(), streamx.RedisOptions{MaxLen: int64(cfg.StreamMaxLen)}),
			Retry:  cachex.NewRetryStore(cache, 0),
			Locker: lockx.NewLocker(cache.Client(), lockPrefix),
			Cache:  cache,
			cfg:    cfg,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported STREAM_BACKEND %q", cfg.StreamBackend)
	}
}

func (s *Streams) Producer(logger logx.Logger) *pipeline.Producer {
	return pipeline.NewProducer(s.Store, pipeline.ProducerOptions{Logger: logger})
}

func (s *Streams) Engine(registry *pipeline.Registry, logger logx.Logger) *pipeline.Engine {
	return pipeline.NewEngine(s.Store, registry, EngineOptions(s.cfg, logger, s.Retry, s.Locker))
}

func EngineOptions(cfg config.Config, logger logx.Logger, retry pipeline.RetryStore, locker pipeline.Locker) pipeline.EngineOptions {
	return pipeline.EngineOptions{
		Logger: logger,
		Retry:  retry,
		Locker: locker,
		Backoff: pipeline.Backoff{
			Base: time.Duration(cfg.StreamRetryBaseMS) * time.Millisecond,
			Max:  time.Duration(cfg.StreamRetryMaxMS) * time.Millisecond,
		},
		MaxAttempts:       cfg.StreamMaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout(),
		HandlerTimeout:    cfg.HandlerTimeout(),
		SweepLockTTL:      time.Duration(cfg.StreamSweepLockSec) * time.Second,
		DefaultBatch:      cfg.StreamBatchSize,
		DefaultConsumer:   cfg.StreamConsumer,
	}
}

func (s *Streams) Ping(ctx context.Context) error {
	return s.Store.Ping(ctx)
}

func (s *Streams) Close() error {
	if s == nil || s.Cache == nil {
		return nil
	}
	return s.Cache.Close()
}
