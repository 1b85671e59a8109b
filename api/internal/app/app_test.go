package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
)

func TestNewWithoutDatabaseDegrades(t *testing.T) {
	cfg := config.Config{
		StreamBackend:     config.StreamBackendMemory,
		StreamBatchSize:   10,
		StreamMaxAttempts: 2,
	}
	a, problems, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, problems, 1)
	assert.Equal(t, "DATABASE_URL", problems[0].Field)
	assert.Empty(t, a.Registry.Missing())

	checks := a.Checks()
	assert.NoError(t, checks["streams"](context.Background()))
	assert.Error(t, checks["database"](context.Background()))

	ctx := context.Background()
	_, err = a.Producer.Enqueue(ctx, "", events.NewUserEmail{Email: "a@b.com"})
	require.NoError(t, err)
	res, err := a.Engine.Drain(ctx, events.TopicUserRegistered, pipeline.DrainOptions{MaxBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, pipeline.CodeHandler, res.Failed[0].Code)
}
