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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crm-event-pipeline/api/internal/app"
	"crm-event-pipeline/api/internal/middleware"
	"crm-event-pipeline/api/internal/repos"
	"crm-event-pipeline/api/internal/routes"
	"crm-event-pipeline/shared/authx"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/httpx"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/metricsx"
	"crm-event-pipeline/shared/observability"
)

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	rt, problems, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "runtime_init_failed", "runtime init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	readyProblems = append(readyProblems, problems...)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}
	if cfg.WorkerSecret == "" && verifier == nil {
		readyProblems = append(readyProblems, config.Problem{Field: "WORKER_SECRET", Message: "WORKER_SECRET or OIDC settings are required for stream endpoints"})
	}

	var auditRepo middleware.AuditWriter
	if rt.Pool != nil {
		auditRepo = repos.NewAuditRepo(rt.Pool)
	}
	auth := middleware.AuthMiddleware{Secret: cfg.WorkerSecret, Verifier: verifier}
	audit := middleware.AuditMiddleware{Enabled: cfg.AuditEnabled, Repo: auditRepo, Logger: logger}
	dbRequired := middleware.DBRequiredMiddleware{Available: rt.Pool != nil}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	mux := http.NewServeMux()
	routes.RegisterHealth(mux, routes.HealthDeps{
		Service:  cfg.ServiceName,
		Env:      cfg.Env,
		Version:  version,
		Problems: readyProblems,
		Checks:   rt.Checks(),
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	edge := http.NewServeMux()
	routes.RegisterEdge(edge, routes.EdgeDeps{
		Producer:      rt.Producer,
		Logger:        logger,
		WebhookSecret: cfg.WebhookSecret,
	})
	edgeHandler := middleware.RateLimitMiddleware{
		Requests: cfg.RateLimitRequests,
		Window:   time.Duration(cfg.RateLimitWindowSec) * time.Second,
	}.Wrap(httpx.WrapServeMux(edge, notFound))
	edgeHandler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins}.Wrap(edgeHandler)
	mux.Handle("/t/", edgeHandler)
	mux.Handle("/api/webhooks/", edgeHandler)
	mux.Handle("/api/push/", edgeHandler)

	routes.RegisterWorker(mux, routes.WorkerDeps{
		Engine: rt.Engine,
		Logger: logger,
		Wrap: func(h http.Handler) http.Handler {
			return audit.Wrap(auth.Wrap(h))
		},
		DrainWrap: dbRequired.Wrap,
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true, "/t/open": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("stream_backend", cfg.StreamBackend),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("ready_problems", len(readyProblems)),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			rt.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	_ = shutdownTracer(shutdownCtx)
	rt.Close()
	logger.Info(context.Background(), "service_stop", "service stopped")
}
