package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crm-event-pipeline/gateway/internal/bridge"
	"crm-event-pipeline/gateway/internal/routing"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/httpx"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/mqx"
	"crm-event-pipeline/shared/observability"
	"crm-event-pipeline/shared/runtimex"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("bridge", 8091)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(cfg.BridgeTopics) == 0 {
		problems = append(problems, config.Problem{Field: "BRIDGE_TOPICS", Message: "BRIDGE_TOPICS is required"})
	}
	if strings.TrimSpace(cfg.KafkaGroupID) == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	routes, routeProblem := loadRoutes(cfg)
	if routeProblem != nil {
		problems = append(problems, *routeProblem)
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

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(ctx, "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
		shutdownTracer = func(context.Context) error { return nil }
	}

	streams, err := runtimex.OpenStreams(ctx, cfg)
	if err != nil {
		fatal(logger, "streams_init_failed", err)
	}

	consumers, err := openConsumers(cfg)
	if err != nil {
		fatal(logger, "kafka_init_failed", err)
	}
	var wg sync.WaitGroup
	producer := streams.Producer(logger)
	for _, source := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Forwarder{Source: source, Producer: producer, Logger: logger, Routes: routes}.Run(ctx)
		}()
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           opsHandler(cfg, logger, version, streams),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info(ctx, "service_start", "bridge started",
		slog.String("addr", server.Addr),
		slog.Any("topics", cfg.BridgeTopics),
		slog.String("group", cfg.KafkaGroupID),
	)

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown_signal", "shutting down bridge")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server_failed", err)
		}
	}
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "shutdown_failed", "http shutdown failed", slog.String("error", err.Error()))
	}
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			logger.Warn(shutdownCtx, "bridge_reader_close_failed", "kafka reader close failed",
				slog.String("topic", c.Topic()),
				slog.String("error", err.Error()),
			)
		}
	}
	_ = streams.Close()
	_ = shutdownTracer(shutdownCtx)
	logger.Info(context.Background(), "service_stop", "bridge stopped")
}

func openConsumers(cfg config.Config) ([]*mqx.Consumer, error) {
	var consumers []*mqx.Consumer
	for _, topic := range cfg.BridgeTopics {
		if topic = strings.TrimSpace(topic); topic == "" {
			continue
		}
		c, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			for _, opened := range consumers {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("topic %s: %w", topic, err)
		}
		consumers = append(consumers, c)
	}
	return consumers, nil
}

// opsHandler serves liveness, readiness against the stream store, and metrics.
func opsHandler(cfg config.Config, logger logx.Logger, version string, streams *runtimex.Streams) http.Handler {
	status := func(s string) statusResponse {
		return statusResponse{Status: s, Service: cfg.ServiceName, Env: cfg.Env, Version: version}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, status("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := streams.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "stream store unreachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, status("ready"))
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	h := httpx.WrapServeMux(mux, notFound)
	h = httpx.WithTimeout(cfg.RequestTimeout, h)
	h = httpx.WithRequestID(h)
	h = httpx.WithRecover(logger, h)
	h = metricsx.Instrument(h)
	h = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, h)
	return otelhttp.NewHandler(h, "bridge")
}

func fatal(logger logx.Logger, event string, err error) {
	logger.Error(context.Background(), event, strings.ReplaceAll(event, "_", " "),
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}

// loadRoutes reads BRIDGE_ROUTES_PATH, or the per-env default when it exists.
// An explicit path that cannot be loaded is a config problem.
func loadRoutes(cfg config.Config) (bridge.TypeResolver, *config.Problem) {
	path := strings.TrimSpace(cfg.BridgeRoutesPath)
	explicit := path != ""
	if !explicit {
		def, err := routing.DefaultRoutesPath(cfg.Env)
		if err != nil {
			return nil, nil
		}
		if _, err := os.Stat(def); err != nil {
			return nil, nil
		}
		path = def
	}
	resolver, err := routing.Load(path)
	if err != nil {
		return nil, &config.Problem{Field: "BRIDGE_ROUTES_PATH", Message: err.Error()}
	}
	return resolver, nil
}
