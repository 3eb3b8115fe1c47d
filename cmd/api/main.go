package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/app"
	"github.com/noah-isme/lensa-payments/internal/auth"
	"github.com/noah-isme/lensa-payments/internal/config"
	"github.com/noah-isme/lensa-payments/internal/health"
	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/payment"
	"github.com/noah-isme/lensa-payments/internal/ratelimit"
	"github.com/noah-isme/lensa-payments/internal/reconcile"
	"github.com/noah-isme/lensa-payments/internal/resilience"
	"github.com/noah-isme/lensa-payments/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := cfg.Obs.EnablePrometheus
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
	resilience.MustRegisterBreakerMetrics(cfg.Obs.MetricsNamespace, nil)

	tracingEnabled := cfg.Obs.EnableTracing
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "lensa-payments-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
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
	deps, err := app.New(startCtx, cfg, logger, "lensa-payments-api")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	webhook := payment.Webhook{
		Provider:        deps.Provider,
		Verifier:        payment.SignatureVerifier{Secret: cfg.Webhook.Secret},
		Ledger:          deps.Ledger,
		Confirmer:       deps.Dispatcher,
		Logger:          logger.With().Str("component", "webhook").Logger(),
		StrictSignature: cfg.Webhook.StrictMode,
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn().Msg("WEBHOOK_SECRET not set: notifications cannot be verified")
	}

	webhookLimiter, err := ratelimit.NewRedisLimiter(deps.Redis, cfg.Webhook.RateLimit, "lensa:ratelimit:webhook")
	if err != nil {
		logger.Warn().Err(err).Msg("redis rate limit store unavailable, limiting per instance")
		webhookLimiter, err = ratelimit.NewMemoryLimiter(cfg.Webhook.RateLimit)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise webhook rate limiter")
		}
	}
	limit := ratelimit.Handler{
		Limiter: webhookLimiter,
		Key:     ratelimit.ByClientIP,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limit store unavailable") },
	}

	authMiddleware := auth.Middleware{
		Tokens: auth.NewTokenParser(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.ClockSkew),
		Roles:  auth.Profiles{Pool: deps.DB},
		Logger: logger.With().Str("component", "auth").Logger(),
	}
	reconcileHandler := reconcile.Handler{
		Sweeper: deps.Sweeper,
		Locker:  deps.Locker,
		LockTTL: cfg.Reconcile.LockTTL,
		Timeout: cfg.Reconcile.Timeout,
		Logger:  logger.With().Str("component", "reconcile").Logger(),
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBucketsMS), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger, Quiet: []string{"/health/live", "/health/ready", "/metrics"}}.Middleware)
	r.Use(security.APIHeaders(cfg.AppEnv == "production"))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.NewHandler(logger,
		health.Check{Name: "db", Timeout: cfg.Obs.HealthDBTimeout, Probe: deps.PingDB},
		health.Check{Name: "redis", Timeout: cfg.Obs.HealthRedisTimeout, Probe: deps.PingRedis},
	)
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Group(func(wr chi.Router) {
		wr.Use(security.PermissiveCORS())
		wr.Use(limit.Middleware)
		wr.Use(security.BodyLimit{Max: cfg.Webhook.BodyLimitBytes}.Middleware)
		wr.Post("/webhooks/payment", webhook.Handle)
		wr.Options("/webhooks/payment", noContent)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(security.OperatorCORS(cfg.CORSAllowedOrigins))
		admin.Options("/admin/reconcile-payments", noContent)
		admin.With(authMiddleware.RequireAuth, authMiddleware.RequireRole("admin")).
			Post("/admin/reconcile-payments", reconcileHandler.Trigger)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	shutdownServer(srv, healthHandler, logger)
}

// shutdownServer reports draining on /health/ready before closing listeners.
func shutdownServer(srv *http.Server, probes *health.Handler, logger zerolog.Logger) {
	probes.Drain()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
		return
	}
	logger.Info().Msg("server stopped")
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
