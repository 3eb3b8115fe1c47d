// Package app wires the infrastructure and domain services shared by the api
// and worker processes.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/config"
	"github.com/noah-isme/lensa-payments/internal/lock"
	"github.com/noah-isme/lensa-payments/internal/notify"
	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/payment"
	"github.com/noah-isme/lensa-payments/internal/purchase"
	"github.com/noah-isme/lensa-payments/internal/reconcile"
	"github.com/noah-isme/lensa-payments/internal/resilience"
)

// Dependencies enumerates the services both processes build from configuration.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client
	// Tasks is nil when confirmations are delivered inline.
	Tasks *asynq.Client

	Purchases  purchase.Store
	Ledger     *purchase.Applier
	Provider   payment.MercadoPago
	Notifier   notify.HTTPSender
	Dispatcher *notify.Dispatcher
	Sweeper    *reconcile.Sweeper
	Locker     lock.Locker
}

// New connects to Postgres and Redis and assembles the domain services.
// applicationName tags database sessions.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, applicationName string) (*Dependencies, error) {
	pool, err := NewPool(ctx, cfg.DatabaseURL, applicationName)
	if err != nil {
		return nil, err
	}
	redisClient, err := NewRedis(ctx, cfg.RedisURL, cfg.Obs.EnablePrometheus, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &Dependencies{
		Config: cfg,
		Logger: logger,
		DB:     pool,
		Redis:  redisClient,
		Locker: lock.Locker{R: redisClient, Logger: logger.With().Str("component", "lock").Logger()},
	}

	d.Purchases = purchase.NewStore(pool)
	d.Ledger = purchase.NewApplier(d.Purchases, logger.With().Str("component", "ledger").Logger(), cfg.LedgerAllowFailedRecovery)
	d.Provider = payment.MercadoPago{
		BaseURL:     cfg.Provider.BaseURL,
		AccessToken: cfg.Provider.AccessToken,
		HTTP:        ProviderHTTP(cfg.Outbound, logger),
	}
	d.Notifier = notify.HTTPSender{
		URL:    cfg.Notify.URL,
		APIKey: cfg.Notify.APIKey,
		Secret: cfg.Notify.Secret,
		HTTP:   OutboundHTTP(cfg.Outbound, "notification-service", logger),
	}

	var sender notify.Sender = d.Notifier
	if cfg.Notify.Async {
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("parse task queue redis url: %w", err)
		}
		d.Tasks = asynq.NewClient(opt)
		sender = notify.QueueSender{
			Client:    d.Tasks,
			Queue:     cfg.Notify.Queue,
			MaxRetry:  cfg.Notify.MaxRetry,
			Retention: cfg.Notify.Retention,
		}
	}
	d.Dispatcher = &notify.Dispatcher{
		Sender:   sender,
		Guard:    notify.RedisConfirmGuard{Client: redisClient},
		GuardTTL: cfg.Notify.DedupTTL,
		Logger:   logger.With().Str("component", "notify").Logger(),
	}

	d.Sweeper = &reconcile.Sweeper{
		Purchases:  d.Purchases,
		Provider:   d.Provider,
		Ledger:     d.Ledger,
		Confirmer:  d.Dispatcher,
		StaleAfter: cfg.Reconcile.StaleAfter,
		CallDelay:  cfg.Reconcile.CallDelay,
		Logger:     logger.With().Str("component", "reconcile").Logger(),
	}
	return d, nil
}

// Close releases every connection held by d.
func (d *Dependencies) Close() {
	if d.Tasks != nil {
		if err := d.Tasks.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// PingDB backs the readiness probe.
func (d *Dependencies) PingDB(ctx context.Context) error {
	return d.DB.Ping(ctx)
}

// PingRedis backs the readiness probe.
func (d *Dependencies) PingRedis(ctx context.Context) error {
	return d.Redis.Ping(ctx).Err()
}

// NewPool opens a traced pgx pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens an instrumented Redis client and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ProviderHTTP builds the payment provider client. It makes a single attempt per
// call; redelivery by the provider and the sweep cover transient failures.
func ProviderHTTP(cfg config.OutboundConfig, logger zerolog.Logger) resilience.HTTPClient {
	cfg.MaxAttempts = 1
	return OutboundHTTP(cfg, "payment-provider", logger)
}

// OutboundHTTP builds the retrying client used for calls to target.
func OutboundHTTP(cfg config.OutboundConfig, target string, logger zerolog.Logger) resilience.HTTPClient {
	client := resilience.HTTPClient{
		Client:      resilience.NewOutboundClient(cfg.Timeout),
		Target:      target,
		Logger:      logger.With().Str("target", target).Logger(),
		BaseBackoff: cfg.BaseBackoff,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.Timeout,
	}
	if cfg.CircuitEnabled {
		client.Breaker = resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
			WithTarget(target).
			WithLogger(logger)
	}
	return client
}
