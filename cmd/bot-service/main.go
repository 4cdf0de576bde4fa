package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ferixdi-png/TRT-sub004/internal/alerting"
	"github.com/ferixdi-png/TRT-sub004/internal/config"
	"github.com/ferixdi-png/TRT-sub004/internal/dedupe"
	"github.com/ferixdi-png/TRT-sub004/internal/idempotency"
	"github.com/ferixdi-png/TRT-sub004/internal/lock"
	"github.com/ferixdi-png/TRT-sub004/internal/outbound"
	"github.com/ferixdi-png/TRT-sub004/internal/provider"
	"github.com/ferixdi-png/TRT-sub004/internal/reconciler"
	"github.com/ferixdi-png/TRT-sub004/internal/storage"
	"github.com/ferixdi-png/TRT-sub004/internal/submission"
	"github.com/ferixdi-png/TRT-sub004/internal/telegram"
	"github.com/ferixdi-png/TRT-sub004/internal/webhook"
	"github.com/ferixdi-png/TRT-sub004/shared/logger"
	"github.com/ferixdi-png/TRT-sub004/shared/postgresql"
	"github.com/ferixdi-png/TRT-sub004/shared/rabbitmq"
	"github.com/ferixdi-png/TRT-sub004/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("BOT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/bot-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger := initLogger(&cfg.Logging)

	appLogger.Info("Starting bot service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Infrastructure clients, only the ones the selected backends need.
	var redisClient *redis.Client
	if cfg.RequiresRedis() {
		redisClient, err = initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()
	}

	var dbClient *postgresql.Client
	if cfg.RequiresDatabase() {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = storage.EnsureSchema(schemaCtx, dbClient.GetDB())
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		appLogger.Info("Database schema verified")
	}

	// Job and user store.
	var jobs storage.JobStore
	var users storage.UserStore
	switch cfg.Database.Backend {
	case config.BackendPostgres:
		s := storage.NewSQLStorage(dbClient.GetDB(), appLogger.Logger)
		jobs, users = s, s
	default:
		appLogger.Warn("Using in-memory job store, jobs do not survive restarts")
		s := storage.NewMemoryStorage()
		jobs, users = s, s
	}

	var idem idempotency.Store
	if cfg.Idempotency.Backend == config.BackendRedis {
		idem = idempotency.NewRedisStore(redisClient.GetRDB())
	} else {
		idem = idempotency.NewMemoryStore()
	}

	var dd dedupe.Store
	if cfg.Dedupe.Backend == config.BackendRedis {
		dd = dedupe.NewRedisStore(redisClient.GetRDB())
	} else {
		dd = dedupe.NewMemoryStore()
	}

	// Singleton instance lease.
	holderID := lock.HolderID()
	lockOpts := lock.Options{
		Backend:  cfg.Lock.Backend,
		Key:      cfg.Lock.Key,
		HolderID: holderID,
		LeaseTTL: cfg.Lock.LeaseTTL,
		FilePath: cfg.Lock.FilePath,
		Logger:   appLogger.Logger,
	}
	if redisClient != nil {
		lockOpts.Redis = redisClient.GetRDB()
	}
	if dbClient != nil {
		lockOpts.DB = dbClient.GetDB()
	}
	instanceLock, err := lock.New(lockOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize instance lock: %w", err)
	}
	leaseManager := lock.NewManager(instanceLock, holderID, cfg.Lock.RenewInterval, appLogger.Logger)

	// Operator alerts: AMQP when a broker is configured, log lines otherwise.
	var alerts alerting.Emitter
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		alerts = alerting.NewAMQPEmitter(rabbitClient, cfg.RabbitMQ.RoutingKey, cfg.App.Name, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	} else {
		alerts = alerting.NewLogEmitter(cfg.App.Name, appLogger.Logger)
	}

	// Outbound clients share one bounded executor.
	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, appLogger.Logger)
	telegramClient := telegram.NewClient(cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken, appLogger.Logger)
	executor := outbound.NewExecutor(outbound.Config{
		AttemptTimeout: cfg.Outbound.AttemptTimeout,
		MaxAttempts:    cfg.Outbound.MaxAttempts,
		BackoffBase:    cfg.Outbound.BackoffBase,
		BackoffMax:     cfg.Outbound.BackoffMax,
	}, appLogger.Logger)

	submitter := submission.NewService(jobs, dd, providerClient, executor, cfg.Dedupe.TTL, appLogger.Logger)

	rec := reconciler.New(reconciler.Config{
		Interval:        cfg.Reconciler.Interval,
		BatchSize:       cfg.Reconciler.BatchSize,
		Concurrency:     cfg.Reconciler.Concurrency,
		PendingAgeAlert: cfg.Reconciler.PendingAgeAlert,
		QueueDepthAlert: cfg.Reconciler.QueueDepthAlert,
		MaxJobAge:       cfg.Reconciler.MaxJobAge,
	}, jobs, dd, providerClient, telegramClient, executor, alerts, leaseManager, appLogger.Logger)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, cfg.Idempotency.TTL, webhook.Dependencies{
		Idempotency: idem,
		Users:       users,
		Jobs:        jobs,
		Dedupe:      dd,
		Submitter:   submitter,
		Telegram:    telegramClient,
		Executor:    executor,
		Lease:       leaseManager,
		Logger:      appLogger.Logger,
	})

	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	server := webhook.NewServer(cfg.Webhook, cfg.App.Name, cfg.Telegram.WebhookSecret, dispatcher, leaseManager, appLogger.Logger)

	// Background loops: lease acquire/renew and the delivery reconciler.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		leaseManager.Run(runCtx)
	}()
	background.Add(1)
	go func() {
		defer background.Done()
		rec.Run(runCtx)
	}()

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Bot service is running",
		slog.String("address", addr),
		slog.String("webhook_path", cfg.Webhook.Path),
		slog.String("lock_mode", string(leaseManager.Mode())),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting updates, drain in-flight pipelines, then stop the
	// background loops; the lease release needs its backend still open, so
	// the client defers run last.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}
	dispatcher.Shutdown(shutdownCtx)
	cancelRun()

	done := make(chan struct{})
	go func() {
		background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		appLogger.Warn("Background loops did not stop before the deadline")
	}

	appLogger.Info("Shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) *logger.Logger {
	return logger.New(&logger.Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Output:    cfg.Output,
		AddSource: cfg.AddSource,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ publisher
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
