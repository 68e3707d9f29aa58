/**
 * @description
 * Configuration management for the dunning service. Settings come from
 * environment variables with defaults for everything that has a sane one;
 * the database URL and the internal API key are required and validated at
 * load time so a misconfigured deploy fails at boot rather than at 3am.
 */
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for both binaries. The scheduler ignores
// the HTTP/auth fields and the API ignores the cron expressions; sharing
// one struct keeps the env surface in a single place.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	ConsoleJWTSecret   string `mapstructure:"CONSOLE_JWT_SECRET"`
	AllowedOrigins     string `mapstructure:"ALLOWED_ORIGINS"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	BillingExchange    string `mapstructure:"BILLING_EVENTS_EXCHANGE"`
	BillingEventsQueue string `mapstructure:"BILLING_EVENTS_QUEUE"`

	PaymentProvider       string `mapstructure:"PAYMENT_PROVIDER"`
	PaymentProviderURL    string `mapstructure:"PAYMENT_PROVIDER_URL"`
	PaymentProviderAPIKey string `mapstructure:"PAYMENT_PROVIDER_API_KEY"`
	MercadoPagoToken      string `mapstructure:"MERCADOPAGO_ACCESS_TOKEN"`

	MailerURL    string `mapstructure:"MAILER_URL"`
	MailerAPIKey string `mapstructure:"MAILER_API_KEY"`

	DueAttemptsSchedule  string `mapstructure:"DUE_ATTEMPTS_SCHEDULE"`
	MissedSweepSchedule  string `mapstructure:"MISSED_SWEEP_SCHEDULE"`
	StaleReclaimSchedule string `mapstructure:"STALE_RECLAIM_SCHEDULE"`

	AttemptBatchSize      int `mapstructure:"ATTEMPT_BATCH_SIZE"`
	StaleAttemptMinutes   int `mapstructure:"STALE_ATTEMPT_MINUTES"`
	SweepDueMarginHours   int `mapstructure:"SWEEP_DUE_MARGIN_HOURS"`
	SweepBatchSize        int `mapstructure:"SWEEP_BATCH_SIZE"`
	ManualRetryLimit      int `mapstructure:"MANUAL_RETRY_LIMIT"`
	ManualRetryWindowSecs int `mapstructure:"MANUAL_RETRY_WINDOW_SECONDS"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("EVENTS_EXCHANGE", "zentla.events")
	viper.SetDefault("BILLING_EVENTS_EXCHANGE", "zentla.events")
	viper.SetDefault("BILLING_EVENTS_QUEUE", "dunning-service.invoice-events")
	viper.SetDefault("PAYMENT_PROVIDER", "rest")
	viper.SetDefault("DUE_ATTEMPTS_SCHEDULE", "* * * * *")      // Every minute.
	viper.SetDefault("MISSED_SWEEP_SCHEDULE", "*/5 * * * *")    // Every 5 minutes.
	viper.SetDefault("STALE_RECLAIM_SCHEDULE", "*/10 * * * *")  // Every 10 minutes.
	viper.SetDefault("ATTEMPT_BATCH_SIZE", 50)
	viper.SetDefault("STALE_ATTEMPT_MINUTES", 10)
	viper.SetDefault("SWEEP_DUE_MARGIN_HOURS", 24)
	viper.SetDefault("SWEEP_BATCH_SIZE", 200)
	viper.SetDefault("MANUAL_RETRY_LIMIT", 3)
	viper.SetDefault("MANUAL_RETRY_WINDOW_SECONDS", 3600)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CONSOLE_JWT_SECRET")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("BILLING_EVENTS_EXCHANGE")
	_ = viper.BindEnv("BILLING_EVENTS_QUEUE")
	_ = viper.BindEnv("PAYMENT_PROVIDER")
	_ = viper.BindEnv("PAYMENT_PROVIDER_URL")
	_ = viper.BindEnv("PAYMENT_PROVIDER_API_KEY")
	_ = viper.BindEnv("MERCADOPAGO_ACCESS_TOKEN")
	_ = viper.BindEnv("MAILER_URL")
	_ = viper.BindEnv("MAILER_API_KEY")
	_ = viper.BindEnv("DUE_ATTEMPTS_SCHEDULE")
	_ = viper.BindEnv("MISSED_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_RECLAIM_SCHEDULE")
	_ = viper.BindEnv("ATTEMPT_BATCH_SIZE")
	_ = viper.BindEnv("STALE_ATTEMPT_MINUTES")
	_ = viper.BindEnv("SWEEP_DUE_MARGIN_HOURS")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("MANUAL_RETRY_LIMIT")
	_ = viper.BindEnv("MANUAL_RETRY_WINDOW_SECONDS")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}

	if config.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if config.InternalAPIKey == "" {
		return Config{}, fmt.Errorf("INTERNAL_API_KEY is required")
	}

	return config, nil
}
