package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Ledger backends
const (
	ledgerPostgres  = "postgres"
	ledgerRedis     = "redis"
	ledgerFirestore = "firestore"
)

// Config is the daemon configuration, read from the environment
type Config struct {
	ListenAddr      string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	LogLevel        string        `validate:"oneof=debug info warn error"`

	DatabaseURL string `validate:"required"`

	StripeWebhookSecret     string        `validate:"required,startswith=whsec_"`
	StripeAPIKey            string        `validate:"omitempty,startswith=sk_|startswith=rk_"`
	StripeAPITimeout        time.Duration `validate:"gt=0"`
	RedeliverOnHandlerError bool

	LedgerBackend    string `validate:"oneof=postgres redis firestore"`
	RedisAddr        string `validate:"required_if=LedgerBackend redis"`
	RedisPassword    string
	RedisDB          int    `validate:"gte=0"`
	FirestoreProject string `validate:"required_if=LedgerBackend firestore"`

	RabbitMQURL  string   `validate:"omitempty,url"`
	KafkaBrokers []string `validate:"dive,hostname_port"`
	KafkaTopic   string

	MetricsNamespace string `validate:"required,alphanum"`
	AdminToken       string `validate:"omitempty,min=16"`
}

// loadConfig reads an optional .env file, then the environment
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:          getEnv("PAYSYNC_LISTEN_ADDR", ":8080"),
		LogLevel:            getEnv("PAYSYNC_LOG_LEVEL", "info"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		LedgerBackend:       getEnv("PAYSYNC_LEDGER", ledgerPostgres),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		FirestoreProject:    os.Getenv("FIRESTORE_PROJECT"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		KafkaTopic:          os.Getenv("KAFKA_ALERT_TOPIC"),
		MetricsNamespace:    getEnv("PAYSYNC_METRICS_NAMESPACE", "paysync"),
		AdminToken:          os.Getenv("PAYSYNC_ADMIN_TOKEN"),
	}

	var err error
	if cfg.ShutdownTimeout, err = time.ParseDuration(getEnv("PAYSYNC_SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("invalid PAYSYNC_SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.StripeAPITimeout, err = time.ParseDuration(getEnv("STRIPE_API_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid STRIPE_API_TIMEOUT: %w", err)
	}
	if cfg.RedeliverOnHandlerError, err = strconv.ParseBool(getEnv("PAYSYNC_REDELIVER_ON_HANDLER_ERROR", "false")); err != nil {
		return nil, fmt.Errorf("invalid PAYSYNC_REDELIVER_ON_HANDLER_ERROR: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) zerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
