// Package main is the entry point for the QuoteBid core service.
//
// It loads configuration, connects PostgreSQL and Redis, wires the billing
// workflow, both background schedulers, and the HTTP admin API onto one
// process, and runs everything until a shutdown signal arrives.
//
// The schedulers assume a single running instance; scaling out requires
// splitting them from the API first.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"quotebid/internal/api/handlers"
	"quotebid/internal/billing"
	"quotebid/internal/cache"
	"quotebid/internal/config"
	"quotebid/internal/core"
	"quotebid/internal/db"
	"quotebid/internal/external"
	"quotebid/internal/metrics"
	"quotebid/internal/notifications"
	"quotebid/internal/scheduler"
	"quotebid/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("quotebid core starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, migrations.Files); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.Info("database ready")

	opportunityRepo := db.NewOpportunityRepository(pool)
	pitchRepo := db.NewPitchRepository(pool)
	placementRepo := db.NewPlacementRepository(pool)
	publicationRepo := db.NewPublicationRepository(pool)
	reminderRepo := db.NewReminderRepository(pool)
	userRepo := db.NewUserRepository(pool)

	// Redis backs the API rate limiter, which fails open, so an unreachable
	// Redis degrades rate limiting rather than blocking startup.
	redisCache := cache.New(cfg.Redis, logger)
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup; rate limiting degraded", "error", err)
	}

	m := metrics.Registry("quotebid")

	// Outbound providers. Local mode swaps in the in-process stubs so the
	// whole flow runs without Stripe or SendGrid credentials.
	var (
		processor external.PaymentProcessor
		sender    notifications.Sender
	)
	if cfg.Environment == "local" {
		processor = external.NewStubPaymentProcessor(logger)
		sender = external.NewStubEmailProvider(logger)
		logger.Info("local mode: using stub payment and email providers")
	} else {
		processor = external.NewStripeClient(
			&http.Client{Timeout: 20 * time.Second},
			userRepo,
			external.StripeClientConfig{
				SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
				Logger:    logger,
			},
		)
		sender = external.NewSendGridClient(
			&http.Client{Timeout: 10 * time.Second},
			external.SendGridClientConfig{
				APIKey: cfg.Email.SendGridAPIKey.Unmask(),
				Logger: logger,
			},
		)
	}

	// Notification pipeline.
	renderer, err := notifications.NewRenderer()
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}
	composer := notifications.NewComposer(renderer, cfg.Email.Sender(), nil)
	fanout := notifications.NewFanOut(notifications.FanOutConfig{
		Sender:  sender,
		Logger:  logger,
		Metrics: m,
	})

	// Billing workflow.
	billingSvc := billing.NewService(billing.ServiceConfig{
		Pitches:       pitchRepo,
		Placements:    placementRepo,
		Opportunities: opportunityRepo,
		Users:         userRepo,
		Publications:  publicationRepo,
		Processor:     processor,
		Composer:      composer,
		Sender:        sender,
		Metrics:       m,
		Logger:        logger,
	})

	// Background schedulers.
	alerts := scheduler.NewAlertScheduler(scheduler.AlertSchedulerConfig{
		Opportunities:   opportunityRepo,
		Users:           userRepo,
		Publications:    publicationRepo,
		Composer:        composer,
		FanOut:          fanout,
		PollInterval:    cfg.Scheduler.PollInterval,
		SendImmediately: cfg.Scheduler.SendImmediately,
		AlertDelay:      cfg.Scheduler.AlertDelay,
		FailSafeAge:     cfg.Scheduler.FailSafeAge,
		Metrics:         m,
		Logger:          logger,
	})
	reminders := scheduler.NewReminderScheduler(scheduler.ReminderSchedulerConfig{
		Reminders:     reminderRepo,
		Pitches:       pitchRepo,
		Opportunities: opportunityRepo,
		Users:         userRepo,
		Publications:  publicationRepo,
		Composer:      composer,
		Sender:        sender,
		PollInterval:  cfg.Scheduler.PollInterval,
		DraftWindow:   cfg.Scheduler.DraftReminderWindow,
		SavedWindow:   cfg.Scheduler.SavedReminderWindow,
		Metrics:       m,
		Logger:        logger,
	})

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = m
	srv.RateLimitStore = cache.NewRateLimiter(redisCache, nil)
	srv.MetricsHandler = promhttp.Handler()
	srv.HealthProbes = []core.HealthProbe{
		&poolProbe{pool: pool},
		redisCache,
	}

	opportunityHandler := handlers.NewOpportunityHandler(opportunityRepo, alerts, reminders, srv.Validator, logger)
	pitchHandler := handlers.NewPitchHandler(pitchRepo, billingSvc, reminders, srv.Validator, nil, logger)
	placementHandler := handlers.NewPlacementHandler(placementRepo, billingSvc, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		billingSvc,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		opportunityHandler.RegisterRoutes,
		pitchHandler.RegisterRoutes,
		placementHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	return serve(ctx, cfg, logger, srv, alerts, reminders)
}

// serve runs the HTTP server and both scheduler loops until ctx is canceled,
// then shuts the HTTP server down gracefully.
func serve(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	srv *core.Server,
	alerts *scheduler.AlertScheduler,
	reminders *scheduler.ReminderScheduler,
) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(alerts.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(reminders.Run(gctx))
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// ignoreCanceled treats context cancellation as a clean scheduler exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// poolProbe reports database connectivity for the health endpoint.
type poolProbe struct {
	pool *pgxpool.Pool
}

func (p *poolProbe) Name() string { return "postgres" }

func (p *poolProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
