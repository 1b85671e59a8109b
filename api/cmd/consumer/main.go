package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"crm-event-pipeline/api/internal/app"
	"crm-event-pipeline/api/internal/consumer"
	"crm-event-pipeline/api/internal/routes"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/observability"
)

func main() {
	cfg, problems := config.Load("stream-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	rt, readyProblems, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "runtime_init_failed", "runtime init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer rt.Close()

	sup := consumer.NewSupervisor(cfg.ServiceName, logger, consumer.SupervisorOptions{})
	for _, topic := range cfg.StreamTopics {
		sup.Add(consumer.TopicService{
			Engine:   rt.Engine,
			Logger:   logger,
			Topic:    topic,
			Group:    cfg.StreamGroup,
			Consumer: cfg.StreamConsumer,
			Batch:    cfg.StreamBatchSize,
			Block:    cfg.BlockTimeout(),
			Idle:     time.Duration(cfg.StreamIdleBackoffMS) * time.Millisecond,
		})
	}

	mux := http.NewServeMux()
	routes.RegisterHealth(mux, routes.HealthDeps{
		Service:  cfg.ServiceName,
		Env:      cfg.Env,
		Version:  version,
		Problems: readyProblems,
		Checks:   rt.Checks(),
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "metrics server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info(ctx, "consumer_start", "stream consumer started",
		slog.Any("topics", cfg.StreamTopics),
		slog.String("group", cfg.StreamGroup),
		slog.String("consumer", cfg.StreamConsumer),
		slog.String("stream_backend", cfg.StreamBackend),
	)

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "supervisor_failed", "supervisor stopped",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = server.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "consumer_stop", "stream consumer stopped")
}
