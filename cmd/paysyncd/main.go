// Command paysyncd receives Stripe webhooks and keeps organization billing
// and order payment state in sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/paysync/notify/kafka"
	"github.com/mihaimyh/paysync/notify/rabbitmq"
	"github.com/mihaimyh/paysync/pkg/api"
	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/billing/stripe"
	"github.com/mihaimyh/paysync/pkg/paysync"
	zerologadapter "github.com/mihaimyh/paysync/pkg/paysync/logger/zerolog"
	prommetrics "github.com/mihaimyh/paysync/pkg/paysync/metrics/prometheus"
	"github.com/mihaimyh/paysync/storage/firestore"
	"github.com/mihaimyh/paysync/storage/postgres"
	"github.com/mihaimyh/paysync/storage/redis"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "paysyncd: %v\n", err)
		os.Exit(1)
	}
}

//nolint:gocyclo // Linear wiring of every backend
func run(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	zlog := zerolog.New(os.Stdout).Level(cfg.zerologLevel()).
		With().Timestamp().Str("service", "paysyncd").Logger()
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(reg, cfg.MetricsNamespace)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	defer store.Close()

	checks := map[string]pinger{"postgres": store}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("failed to close backend", paysync.Field{Key: "error", Value: err})
			}
		}
	}()

	var ledger paysync.Ledger = store
	switch cfg.LedgerBackend {
	case ledgerRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		redisLedger, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to open redis ledger: %w", err)
		}
		closers = append(closers, redisLedger.Close)
		checks["redis"] = redisLedger
		ledger = redisLedger
	case ledgerFirestore:
		client, err := gcpfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return fmt.Errorf("failed to open firestore: %w", err)
		}
		fsLedger, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return err
		}
		closers = append(closers, fsLedger.Close)
		ledger = fsLedger
	}

	engineConfig := paysync.Config{
		Ledger:               ledger,
		Store:                store,
		Metrics:              metrics,
		Logger:               logger,
		CircuitBreakerConfig: &paysync.CircuitBreakerConfig{Enabled: true},
	}

	if cfg.StripeAPIKey != "" {
		fetcher, err := stripe.NewFetcher(cfg.StripeAPIKey, &http.Client{Timeout: cfg.StripeAPITimeout}, metrics)
		if err != nil {
			return err
		}
		engineConfig.Fetcher = fetcher
	} else {
		logger.Warn("STRIPE_API_KEY not set; subscription detail will not be fetched")
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := rabbitmq.New(rabbitmq.Config{URL: cfg.RabbitMQURL})
		if err != nil {
			return err
		}
		closers = append(closers, publisher.Close)
		engineConfig.Messenger = publisher
		engineConfig.Notifier = publisher
	} else {
		logger.Warn("RABBITMQ_URL not set; order confirmations and business notifications are disabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		alerter, err := kafka.New(kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		closers = append(closers, alerter.Close)
		engineConfig.Alerter = alerter
	}

	engine, err := paysync.NewEngine(engineConfig)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Engine:                  engine,
			RedeliverOnHandlerError: cfg.RedeliverOnHandlerError,
			WebhookCallback:         logDelivery(logger),
			Metrics:                 metrics,
			Logger:                  logger,
		},
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	admin, err := api.NewHandler(api.Config{
		Ledger:       ledger,
		Audit:        store,
		Orders:       store,
		GetPathParam: chi.URLParam,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: (&server{
			provider:   provider,
			admin:      admin,
			gatherer:   reg,
			checks:     checks,
			adminToken: cfg.AdminToken,
			logger:     logger,
		}).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("paysyncd listening",
			paysync.Field{Key: "addr", Value: cfg.ListenAddr},
			paysync.Field{Key: "ledger", Value: cfg.LedgerBackend})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return drain(shutdownCtx, srv, engine)
	})
	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// drain stops the HTTP server, then waits for the engine's post-commit hooks.
// It must return before the messaging backends are closed.
func drain(ctx context.Context, srv, engine shutdowner) error {
	srvErr := srv.Shutdown(ctx)
	if err := engine.Shutdown(ctx); err != nil {
		return errors.Join(srvErr, fmt.Errorf("post-commit side effects still running: %w", err))
	}
	return srvErr
}
