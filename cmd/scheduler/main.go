/**
 * @description
 * This is the main entry point for the dunning scheduler.
 * This service is a non-HTTP, long-running process that executes the recurring
 * dunning work: running due attempts, sweeping missed invoices, and reclaiming
 * stale attempts. It initializes the configuration, database connection, and
 * the cron scheduler, then starts it.
 */
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/zentla/dunning-service/internal/app"
	"github.com/zentla/dunning-service/internal/config"
	"github.com/zentla/dunning-service/internal/scheduler"
	"github.com/zentla/dunning-service/internal/store"
	"github.com/zentla/dunning-service/pkg/mailerclient"
	"github.com/zentla/dunning-service/pkg/mercadopago"
	"github.com/zentla/dunning-service/pkg/providerclient"
	"github.com/zentla/dunning-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable, using fallback", "error", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}

	provider, err := newPaymentProvider(cfg)
	if err != nil {
		logger.Error("payment provider init failed", "provider", cfg.PaymentProvider, "error", err)
		os.Exit(1)
	}

	var notifier app.Notifier
	if strings.TrimSpace(cfg.MailerURL) == "" {
		logger.Warn("mailer url missing, dunning emails disabled")
	} else {
		notifier = mailerclient.NewClient(cfg.MailerURL, cfg.MailerAPIKey)
	}

	// The scheduler never serves manual retries, so it runs without the
	// Redis rate limiter.
	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(
		repository,
		provider,
		publisher,
		notifier,
		nil,
		logger,
		cfg.EventsExchange,
		cfg.ManualRetryLimit,
		cfg.ManualRetryWindowSecs,
	)

	jobs := scheduler.NewJobs(service, logger, cfg)
	sched := scheduler.NewScheduler(jobs, logger, cfg)

	// Start the cron scheduler in the background
	sched.Start()
	logger.Info("scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := sched.Stop()
	<-stopCtx.Done() // Wait for in-flight jobs to finish
	logger.Info("scheduler stopped gracefully")
}

func newPaymentProvider(cfg config.Config) (app.PaymentProvider, error) {
	switch cfg.PaymentProvider {
	case "mercadopago":
		return mercadopago.NewGateway(cfg.MercadoPagoToken)
	default:
		return providerclient.NewClient(cfg.PaymentProviderURL, cfg.PaymentProviderAPIKey), nil
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
