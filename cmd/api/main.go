/**
 * @description
 * This is the main entry point for the dunning API service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the payment provider client, message brokers, the
 * repository, the core dunning service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for manual retry rate limiting.
 * - internal/api, internal/app, internal/config, internal/domain, internal/store: Internal packages.
 * - pkg/mailerclient, pkg/mercadopago, pkg/providerclient, pkg/rabbitmq: Outbound clients.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/zentla/dunning-service/internal/api"
	"github.com/zentla/dunning-service/internal/app"
	"github.com/zentla/dunning-service/internal/config"
	"github.com/zentla/dunning-service/internal/domain"
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
	logger.Info("starting dunning-service", "port", cfg.ServerPort)

	// Establish database connection pool.
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

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Initialize the RabbitMQ producer to publish dunning lifecycle events.
	// A missing broker should not prevent boot; publishing degrades to a no-op.
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

	// Redis backs the manual retry rate limiter. Missing Redis disables the
	// limit rather than blocking boot.
	var limiter app.RetryRateLimiter
	if cfg.ManualRetryLimit > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			logger.Warn("redis url missing, manual retry rate limiting disabled")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				logger.Warn("redis url parse failed, manual retry rate limiting disabled", "error", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					logger.Warn("redis ping failed, manual retry rate limiting disabled", "error", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					limiter = app.NewRedisRetryRateLimiter(redisClient, "")
					logger.Info("redis connected")
				}
			}
		}
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

	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(
		repository,
		provider,
		publisher,
		notifier,
		limiter,
		logger,
		cfg.EventsExchange,
		cfg.ManualRetryLimit,
		cfg.ManualRetryWindowSecs,
	)

	// Bind the billing event consumer. The service cannot do its job without
	// the invoice event stream, so a missing broker is fatal here.
	paymentConsumer := app.NewPaymentEventConsumer(service, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("rabbitmq consumer init failed", "error", err)
		os.Exit(1)
	}
	defer rabbitConsumer.Close()

	bindings := map[string]func([]byte) bool{
		domain.EventInvoicePaymentFailed:    paymentConsumer.HandlePaymentFailed,
		domain.EventInvoicePaymentSucceeded: paymentConsumer.HandlePaymentSucceeded,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.BillingExchange, cfg.BillingEventsQueue, bindings); err != nil {
		logger.Error("billing event consumer start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("billing event consumer started", "exchange", cfg.BillingExchange, "queue", cfg.BillingEventsQueue)

	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, cfg.InternalAPIKey, cfg.ConsoleJWTSecret, splitOrigins(cfg.AllowedOrigins))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}

// newPaymentProvider selects the charge gateway from configuration. The REST
// provider is the default; Mercado Pago is opt-in per deployment.
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

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if origin := strings.TrimSpace(part); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
