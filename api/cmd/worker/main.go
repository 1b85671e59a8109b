package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"crm-event-pipeline/api/internal/app"
	"crm-event-pipeline/api/internal/sweeper"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/observability"
)

const queueDepthInterval = 10 * time.Second

func main() {
	cfg, problems := config.Load("sweep-worker", 8083)
	logger := logx.New(cfg.ServiceName, cfg.Env, strings.TrimSpace(os.Getenv("VERSION")), cfg.LogLevel)
	metricsx.Register()

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if shutdown, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	rt, degraded, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "runtime_init_failed", "FAILED_PRECONDITION", err)
	}
	defer rt.Close()
	for _, p := range degraded {
		logger.Warn(ctx, "runtime_degraded", "runtime started degraded",
			slog.String("field", p.Field),
			slog.String("problem", p.Message),
		)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	mux := asynq.NewServeMux()
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	every := "@every " + strconv.Itoa(cfg.DrainScanSec) + "s"
	handler := sweeper.Handler{Engine: rt.Engine, Logger: logger}
	if err := sweeper.Register(mux, scheduler, handler, cfg.StreamTopics, every, cfg.StreamBatchSize, cfg.AsynqQueue); err != nil {
		fatal(logger, "scheduler_init_failed", "FAILED_PRECONDITION", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
	})
	if err := server.Start(mux); err != nil {
		fatal(logger, "worker_start_failed", "INTERNAL_ERROR", err)
	}
	if err := scheduler.Start(); err != nil {
		server.Shutdown()
		fatal(logger, "scheduler_start_failed", "INTERNAL_ERROR", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	go reportQueueDepth(ctx, inspector, cfg.AsynqQueue)

	logger.Info(ctx, "worker_start", "sweep worker started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
		slog.String("schedule", every),
		slog.Any("topics", cfg.StreamTopics),
	)
	<-ctx.Done()

	logger.Info(context.Background(), "shutdown_signal", "shutting down sweep worker")
	scheduler.Shutdown()
	server.Shutdown()
	_ = inspector.Close()
	logger.Info(context.Background(), "worker_stop", "sweep worker stopped")
}

func reportQueueDepth(ctx context.Context, inspector *asynq.Inspector, queue string) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := inspector.GetQueueInfo(queue); err == nil {
				metricsx.SetAsynqQueueDepth(queue, info.Size)
			}
		}
	}
}

func fatal(logger logx.Logger, event string, code string, err error) {
	logger.Error(context.Background(), event, strings.ReplaceAll(event, "_", " "),
		slog.String("error_code", code),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
