package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-ai/internal/api/router"
	"github.com/wolfman30/clinic-booking-ai/internal/app/bootstrap"
	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	appconfig "github.com/wolfman30/clinic-booking-ai/internal/config"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-booking-ai/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-ai/internal/messaging"
	"github.com/wolfman30/clinic-booking-ai/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting clinic booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server exited gracefully")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	a, err := newApp(ctx, cfg, pool, redisClient, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	// In-flight turns finish before the stores behind them close.
	if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher did not drain", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

type app struct {
	handler    http.Handler
	dispatcher *conversation.Dispatcher
	cleanups   []func()
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// newApp wires stores, the booking manager, the conversation engine and the
// HTTP surface. pool and redisClient may be nil.
func newApp(ctx context.Context, cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, reg *prometheus.Registry, logger *logging.Logger) (*app, error) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(reg)
	conversationMetrics := metrics.NewConversationMetrics(reg)

	a := &app{}
	schedCfg, err := bootstrap.BuildSchedulingConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessions := bootstrap.BuildSessionStore(pool, redisClient, cfg, logger)
	store := bootstrap.BuildCalendarStore(pool, cfg, logger)

	opts := []bookings.Option{bookings.WithMetrics(bookingMetrics)}
	notifier, err := bootstrap.BuildNotifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		opts = append(opts, bookings.WithNotifier(notifier))
	}
	manager := bookings.NewManager(store, sessions, schedCfg, logger.With("component", "bookings"), opts...)

	extractor, closeExtractor, err := bootstrap.BuildExtractor(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.cleanups = append(a.cleanups, closeExtractor)

	engine := conversation.NewEngine(sessions, manager, extractor, conversation.EngineConfig{
		ExtractorTimeout:  cfg.ExtractorTimeout,
		ContextWindowDays: cfg.ContextWindowDays,
		AlternativesLimit: cfg.AlternativesLimit,
	}, logger.With("component", "conversation"), conversation.WithEngineMetrics(conversationMetrics))

	a.dispatcher, err = bootstrap.BuildDispatcher(ctx, cfg, engine, redisClient, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	messagingHandler := messaging.NewHandler(a.dispatcher, bootstrap.BuildDeduper(pool), messaging.HandlerConfig{
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioWebhookURL: cfg.TwilioWebhookURL,
	}, conversationMetrics, logger.With("component", "messaging"))

	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin API rejects every request")
	}

	var webhookLimiter *httpmiddleware.RateLimiter
	if cfg.WebhookRateLimitRPS > 0 {
		webhookLimiter = httpmiddleware.NewRateLimiter(cfg.WebhookRateLimitRPS, cfg.WebhookRateBurst)
		go webhookLimiter.Run(ctx, 0)
	}

	a.handler = router.New(&router.Config{
		Logger:             logger,
		MessagingHandler:   messagingHandler,
		AdminAppointments:  handlers.NewAdminAppointmentsHandler(manager, logger),
		AdminCalendar:      handlers.NewAdminCalendarHandler(manager, logger),
		AdminConversations: handlers.NewAdminConversationsHandler(sessions, logger),
		AdminPrescriptions: handlers.NewAdminPrescriptionsHandler(bootstrap.BuildPrescriptionStore(pool), logger),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookLimiter:     webhookLimiter,
	})
	return a, nil
}
