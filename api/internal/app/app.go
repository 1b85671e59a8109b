// Package app builds the runtime shared by the api, consumer and worker
// binaries: streams, database, analytics sinks and the handler registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"crm-event-pipeline/api/internal/analytics"
	"crm-event-pipeline/api/internal/handlers"
	"crm-event-pipeline/api/internal/repos"
	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/dbx"
	"crm-event-pipeline/shared/influxx"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/mqx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/runtimex"
)

type App struct {
	Config   config.Config
	Logger   logx.Logger
	Streams  *runtimex.Streams
	Pool     *pgxpool.Pool
	Registry *pipeline.Registry
	Producer *pipeline.Producer
	Engine   *pipeline.Engine

	influx *influxx.Client
	kafka  *mqx.Producer
}

// New returns an error only when the stream store cannot be opened or the
// registry is incomplete. Database and sink failures are reported as
// problems and leave the app running in a degraded mode.
func New(ctx context.Context, cfg config.Config, logger logx.Logger) (*App, []config.Problem, error) {
	var problems []config.Problem

	streams, err := runtimex.OpenStreams(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open streams: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Streams: streams}

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	} else if pool, err := dbx.NewPool(ctx, cfg); err != nil {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
		logger.Error(ctx, "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	} else {
		a.Pool = pool
		if cfg.DBAutoMigrate {
			if err := repos.Migrate(ctx, pool); err != nil {
				problems = append(problems, config.Problem{Field: "DB_AUTO_MIGRATE", Message: "schema bootstrap failed"})
				logger.Error(ctx, "db_migrate_failed", "schema bootstrap failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	deps := handlers.Deps{Logger: logger, Sinks: a.sinks(ctx)}
	if a.Pool != nil {
		deps.Store = repos.NewStore(a.Pool)
	}
	a.Registry = pipeline.NewRegistry()
	handlers.Register(a.Registry, deps)
	if missing := a.Registry.Missing(); len(missing) > 0 {
		a.Close()
		return nil, nil, fmt.Errorf("no handler registered for %v", missing)
	}

	a.Producer = streams.Producer(logger)
	a.Engine = streams.Engine(a.Registry, logger)
	return a, problems, nil
}

func (a *App) sinks(ctx context.Context) []analytics.Sink {
	var sinks []analytics.Sink
	if influxx.Configured(a.Config) {
		client, err := influxx.New(a.Config)
		if err == nil {
			a.influx = client
			sinks = append(sinks, analytics.NewInfluxSink(client))
		}
	}
	if len(a.Config.KafkaBrokers) > 0 && strings.TrimSpace(a.Config.KafkaAnalyticsTopic) != "" {
		producer, err := mqx.NewProducer(a.Config)
		if err != nil {
			a.Logger.Warn(ctx, "analytics_kafka_disabled", "kafka analytics sink disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			a.kafka = producer
			sinks = append(sinks, analytics.NewKafkaSink(producer, a.Config.KafkaAnalyticsTopic))
		}
	}
	for _, s := range sinks {
		a.Logger.Info(ctx, "analytics_sink_enabled", "analytics sink enabled", slog.String("sink", s.Name()))
	}
	return sinks
}

// Checks are the readiness probes for the app's dependencies.
func (a *App) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"streams": a.Streams.Ping,
		"database": func(ctx context.Context) error {
			if a.Pool == nil {
				return errors.New("database not configured")
			}
			return dbx.Ping(ctx, a.Pool)
		},
	}
	if a.influx != nil {
		checks["influx"] = a.influx.Ping
	}
	return checks
}

func (a *App) Close() {
	if a.kafka != nil {
		_ = a.kafka.Close()
	}
	a.influx.Close()
	if a.Pool != nil {
		a.Pool.Close()
	}
	_ = a.Streams.Close()
}
