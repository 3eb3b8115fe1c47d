package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/app"
	"github.com/noah-isme/lensa-payments/internal/config"
	"github.com/noah-isme/lensa-payments/internal/notify"
	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/reconcile"
	"github.com/noah-isme/lensa-payments/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
	resilience.MustRegisterBreakerMetrics(cfg.Obs.MetricsNamespace, nil)

	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "lensa-payments-worker",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(startCtx, cfg, logger, "lensa-payments-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	scheduler := &reconcile.Scheduler{
		Sweeper:  deps.Sweeper,
		Locker:   deps.Locker,
		Interval: cfg.Reconcile.Interval,
		LockTTL:  cfg.Reconcile.LockTTL,
		Timeout:  cfg.Reconcile.Timeout,
		Logger:   logger.With().Str("job", "reconcile").Logger(),
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start reconcile scheduler")
	}
	defer scheduler.Stop()

	var tasks *asynq.Server
	if cfg.Notify.Async {
		tasks = mustStartTaskServer(cfg, deps, logger)
	}

	logger.Info().Bool("task_consumer", tasks != nil).Msg("worker started")
	<-ctx.Done()

	logger.Info().Msg("worker shutting down")
	if tasks != nil {
		tasks.Shutdown()
	}
	logger.Info().Msg("worker shutdown complete")
}

func mustStartTaskServer(cfg *config.Config, deps *app.Dependencies, logger zerolog.Logger) *asynq.Server {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse task queue redis url")
	}
	taskLogger := logger.With().Str("queue", cfg.Notify.Queue).Logger()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Notify.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			taskLogger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(notify.TaskConfirmation, notify.NewConfirmationHandler(deps.Notifier, taskLogger))
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	return srv
}
