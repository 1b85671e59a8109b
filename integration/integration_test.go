//go:build integration

package integration

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/streamx"
)

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	_, err = inspector.GetQueueInfo("default")
	if err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", strings.TrimSpace(brokers[0]), 2*time.Second); err != nil {
		t.Fatalf("kafka tcp check failed: %v", err)
	}
}

func TestRedisStreamGroupDrain(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	prefix := "it:" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":"
	store := streamx.NewRedis(client, streamx.RedisOptions{Prefix: prefix})
	defer client.Del(context.Background(), prefix+events.TopicUserRegistered, prefix+events.DeadLetterTopic(events.TopicUserRegistered))

	var seen []string
	registry := pipeline.NewRegistry()
	pipeline.On(registry, events.TypeNewUserEmail, func(ctx context.Context, env events.Envelope, p events.NewUserEmail) error {
		seen = append(seen, p.Email)
		return nil
	})
	producer := pipeline.NewProducer(store, pipeline.ProducerOptions{Logger: logx.Nop()})
	engine := pipeline.NewEngine(store, registry, pipeline.EngineOptions{Logger: logx.Nop()})

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := producer.Enqueue(ctx, "", events.NewUserEmail{Email: email}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	res, err := engine.Drain(ctx, events.TopicUserRegistered, pipeline.DrainOptions{Group: "it", Consumer: "c1"})
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if res.Processed != 2 || len(seen) != 2 || seen[0] != "a@example.com" {
		t.Fatalf("unexpected drain result: %+v seen=%v", res, seen)
	}
	res, err = engine.Drain(ctx, events.TopicUserRegistered, pipeline.DrainOptions{Group: "it", Consumer: "c1"})
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("acknowledged entries were redelivered: %+v", res)
	}
}
