package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"

	"garden-api/internal/auth"
	"garden-api/internal/bruteforce"
	"garden-api/internal/config"
	"garden-api/internal/db"
	"garden-api/internal/maintenance"
	"garden-api/internal/observability"
	"garden-api/internal/requestip"
)

const (
	startupTimeout     = 30 * time.Second
	pendingLoginMaxKey = 10000
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler   http.Handler
	Config    *config.Config
	Logger    *observability.Logger
	Scheduler *maintenance.Scheduler
	Close     func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger()
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	metrics := observability.NewMetrics()
	components, err := assemble(cfg, database, logger, metrics)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	if err := components.service.BootstrapAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	scheduler, err := maintenance.NewScheduler(components.cleanupJob, logger, cfg.Maintenance.CleanupSchedule)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Runtime{
		Handler:   components.handler,
		Config:    cfg,
		Logger:    logger,
		Scheduler: scheduler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

type components struct {
	handler    http.Handler
	service    *auth.Service
	cleanupJob *maintenance.Job
}

// assemble wires every component on top of an open database.
func assemble(cfg *config.Config, database *sql.DB, logger *observability.Logger, metrics *observability.Metrics) (*components, error) {
	authRepo := auth.NewRepository(database)
	refreshStore := auth.NewRefreshStore(database)
	codec := auth.NewTokenCodec(auth.TokenConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.AccessTTL,
	})

	pending, err := auth.NewPendingLogins(pendingLoginMaxKey, cfg.Auth.TwoFactorPendingTTL)
	if err != nil {
		return nil, err
	}

	authService := auth.NewService(auth.Dependencies{
		Users:       authRepo,
		Logs:        authRepo,
		Refresh:     refreshStore,
		Tokens:      codec,
		Credentials: auth.NewCredentialValidator(authRepo, cfg.Auth.LoginMaxAttempts, cfg.Auth.LoginLockDuration),
		TwoFactor:   auth.NewTwoFactorVerifier(authRepo, cfg.Auth.TwoFactorIssuer),
		Pending:     pending,
	})
	authService.WithSessionConfig(cfg.Auth.RefreshTTL, cfg.Auth.RememberMeTTL)
	authService.WithObservability(logger, metrics)
	authHandler := auth.NewHandler(authService, codec, logger, cfg.Auth.CookieSecure)

	cleanupJob := maintenance.NewJob(authRepo, logger, maintenance.Policy{
		RefreshRetention: cfg.Maintenance.RefreshRetention,
		LogRetention:     cfg.Maintenance.LogRetention,
		BatchSize:        cfg.Maintenance.BatchSize,
	})
	cleanupHandler := maintenance.NewCleanupHandler(cleanupJob, cfg.Maintenance.CronSecret)

	guardCache, err := bruteforce.NewCache(0)
	if err != nil {
		return nil, fmt.Errorf("create brute force cache: %w", err)
	}
	guard := bruteforce.NewGuard(guardCache, bruteforce.Config{
		MaxRequests:   cfg.BruteForce.MaxRequests,
		Window:        cfg.BruteForce.Window,
		BlockDuration: cfg.BruteForce.BlockDuration,
		Routes:        cfg.BruteForce.Routes,
	}, bruteforce.WithLogger(logger), bruteforce.WithRecorder(metrics))

	resolver, err := requestip.NewResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Mount("/auth", authHandler.Routes())
	router.Get("/health", healthHandler(database))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	router.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)

	var handler http.Handler = guard.Middleware(router)
	if len(cfg.CORSAllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSAllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.AllowCredentials(),
		)(handler)
	}
	handler = observability.SecurityHeadersMiddleware(cfg.IsProduction(), handler)
	handler = observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, metrics, handler))
	handler = resolver.Middleware(handler)

	return &components{handler: handler, service: authService, cleanupJob: cleanupJob}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
