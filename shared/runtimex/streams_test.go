package runtimex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/streamx"
)

func baseConfig() config.Config {
	return config.Config{
		StreamBatchSize:      10,
		StreamMaxAttempts:    3,
		StreamVisibilityMS:   60000,
		StreamHandlerTimeout: 1000,
		StreamRetryBaseMS:    100,
		StreamRetryMaxMS:     1000,
		StreamSweepLockSec:   5,
		StreamMaxLen:         1000,
		StreamConsumer:       "test-1",
	}
}

func TestOpenStreamsMemory(t *testing.T) {
	cfg := baseConfig()
	cfg.StreamBackend = config.StreamBackendMemory
	s, err := OpenStreams(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Store.(*streamx.Memory)
	assert.True(t, ok)
	assert.Nil(t, s.Cache)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenStreamsRedisEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.StreamBackend = config.StreamBackendRedis
	cfg.RedisAddr = mr.Addr()

	s, err := OpenStreams(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	registry := pipeline.NewRegistry()
	var seen []string
	pipeline.On(registry, events.TypeNewUserEmail, func(_ context.Context, _ events.Envelope, p events.NewUserEmail) error {
		seen = append(seen, p.Email)
		return nil
	})

	ctx := context.Background()
	_, err = s.Producer(logx.Nop()).Enqueue(ctx, "", events.NewUserEmail{Email: "a@b.com"})
	require.NoError(t, err)

	res, err := s.Engine(registry, logx.Nop()).Drain(ctx, events.TopicUserRegistered, pipeline.DrainOptions{Group: "crm-workers", MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"a@b.com"}, seen)
}

func TestOpenStreamsRejectsUnknownBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.StreamBackend = "kafka"
	_, err := OpenStreams(context.Background(), cfg)
	assert.Error(t, err)
}

func TestEngineOptionsFromConfig(t *testing.T) {
	opts := EngineOptions(baseConfig(), logx.Nop(), nil, nil)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Minute, opts.VisibilityTimeout)
	assert.Equal(t, time.Second, opts.HandlerTimeout)
	assert.Equal(t, 100*time.Millisecond, opts.Backoff.Base)
	assert.Equal(t, "test-1", opts.DefaultConsumer)
}
