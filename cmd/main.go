/**
 * @description
 * Main entry point for the payout reconciler. It loads configuration, connects
 * the deposit store, the optional Redis dispatch lock and the RabbitMQ event
 * bus, builds the provider, payout and Telegram clients, and then runs the
 * cron loops, the deposit.confirmed consumer and the HTTP server until
 * SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: optional dispatch lock.
 * - github.com/joho/godotenv: local .env support.
 * - github.com/prometheus/client_golang: /metrics.
 * - internal/api, internal/app, internal/config, internal/store and pkg/*.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/api"
	"github.com/ghostbot/payout-reconciler/internal/app"
	"github.com/ghostbot/payout-reconciler/internal/config"
	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/depixclient"
	"github.com/ghostbot/payout-reconciler/pkg/logger"
	"github.com/ghostbot/payout-reconciler/pkg/payoutclient"
	"github.com/ghostbot/payout-reconciler/pkg/rabbitmq"
	"github.com/ghostbot/payout-reconciler/pkg/telegram"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const consumerPrefetch = 10

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}

	root := logger.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component(root, "bootstrap")
	log.WithFields(logrus.Fields{"port": cfg.ServerPort, "store": cfg.StoreDriver}).Info("starting payout-reconciler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	repo, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	var locker store.DepositLocker
	if redisClient := openRedis(ctx, cfg, log); redisClient != nil {
		defer redisClient.Close()
		locker = store.NewRedisDepositLocker(redisClient, cfg.DispatchLockPrefix, cfg.DispatchLockTTL())
	}

	var events rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Log: logger.Component(root, "events")}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Warn("RABBITMQ_URL not set; deposit events will only be logged")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.DepositEventsExchange, logger.Component(root, "events")); err != nil {
		log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
	} else {
		events = producer
	}
	defer events.Close()

	var notifier app.Notifier = telegram.LogNotifier{Log: logger.Component(root, "notifier")}
	if strings.TrimSpace(cfg.TelegramBotToken) == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set; customer messages will only be logged")
	} else if tg, err := telegram.NewNotifier(cfg.TelegramBotToken, logger.Component(root, "notifier")); err != nil {
		log.WithError(err).Warn("telegram bot init failed; customer messages will only be logged")
	} else {
		notifier = tg
	}

	depix := depixclient.NewClient(cfg.DepixAPIBaseURL, cfg.DepixAPIToken, cfg.DepixHTTPTimeout(), logger.Component(root, "depixclient"))
	payouts := payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey, cfg.PayoutHTTPTimeout())

	dispatcher := app.NewDispatcher(repo, payouts, notifier, events, m, logger.Component(root, "dispatch"), app.DispatchConfig{
		MaxAttempts:         cfg.DispatchMaxAttempts,
		RetryInterval:       cfg.DispatchRetryInterval(),
		EscalationEnabled:   cfg.EscalationEnabled,
		InteractiveNetworks: cfg.InteractiveNetworkSet(),
		SupportContact:      cfg.SupportContact,
		PayoutTimeout:       cfg.PayoutHTTPTimeout(),
		NotifyTimeout:       10 * time.Second,
		PayoutRetries:       cfg.PayoutTransportRetries,
		PayoutRetryInterval: cfg.PayoutRetryInterval(),
	})
	if locker != nil {
		dispatcher = dispatcher.WithLocker(locker)
	}

	poller := app.NewConfirmationPoller(repo, dispatcher, cfg.InteractiveNetworkSet(), m, logger.Component(root, "poller"), cfg.PollerBatchLimit, cfg.DispatchConcurrency)
	recorder := app.NewProofRecorder(repo, events, m, logger.Component(root, "proofs"))
	fallback := app.NewProofFallback(repo, depix, recorder, m, logger.Component(root, "fallback"), app.FallbackConfig{
		BatchLimit:    cfg.FallbackBatchLimit,
		MaxAge:        cfg.FallbackMaxAge(),
		CallTimeout:   cfg.DepixHTTPTimeout(),
		RatePerSecond: cfg.DepixRateLimitPerSecond,
	})

	scheduler := app.NewScheduler(poller, fallback, logger.Component(root, "scheduler"), cfg.PollerSchedule, cfg.FallbackSchedule)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("scheduler start failed")
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger.Component(root, "consumer"))
		if err != nil {
			log.WithError(err).Warn("rabbitmq consumer unavailable; relying on the poller")
		} else {
			defer consumer.Close()
			confirmations := app.NewConfirmationConsumer(ctx, dispatcher, logger.Component(root, "consumer"), 0)
			bindings := map[string]rabbitmq.Handler{
				domain.EventDepositConfirmed: confirmations.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.DepositEventsExchange, cfg.DepositEventQueue, consumerPrefetch, bindings); err != nil {
				log.WithError(err).Warn("deposit event consumer start failed; relying on the poller")
			}
		}
	}

	handlers := api.NewInternalHandlers(repo, dispatcher, poller, fallback, logger.Component(root, "api"))
	webhook := api.NewDepixWebhookHandler(recorder, cfg.DepixWebhookSecret, logger.Component(root, "webhook"))
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Warn("INTERNAL_API_KEY not set; internal routes are unauthenticated")
	}
	router := api.Routes(handlers, webhook, cfg.InternalAPIKey, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Component(root, "http").WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Component(root, "http").WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown started")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("cron jobs still running at shutdown deadline")
	}

	log.Info("shutdown complete")
}

// openStore connects the configured deposit store.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory deposit store; state is lost on restart")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Poolers in transaction mode reject cached prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("database ping failed; cycles will retry")
	} else {
		log.Info("database connected")
	}
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// openRedis returns nil when the dispatch lock is not configured or Redis is
// unreachable; the status compare-and-swap still guards every dispatch.
func openRedis(ctx context.Context, cfg config.Config, log *logrus.Entry) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Info("REDIS_URL not set; dispatch lock disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("redis url parse failed; dispatch lock disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed; dispatch lock disabled")
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
