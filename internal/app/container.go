// Package app wires configuration, storage, providers, and services into a
// runnable dependency container shared by the API server and the worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/workers"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/google"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/microsoft"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/persistence"
	redislock "github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/redis"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/calsync/pkg/config"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database. Exactly one of Pool and SQLite is set, depending on the
	// DATABASE_URL scheme.
	Pool   *pgxpool.Pool
	SQLite *sql.DB

	RedisClient *redis.Client

	Metrics *observability.Metrics
	Health  *observability.HealthRegistry

	// Repositories
	ConnectionRepo domain.ConnectionRepository
	EventRepo      domain.EventRepository
	StateRepo      domain.OAuthStateRepository
	OutboxRepo     outbox.Repository

	// Messaging
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor

	// Services
	Registry   *application.ProviderRegistry
	States     *application.StateService
	Tokens     *application.TokenService
	Sync       *application.SyncService
	Connect    *application.ConnectService
	Disconnect *application.DisconnectService
	Queue      *application.SyncQueue
	SyncWorker *workers.SyncWorker
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Health:  observability.NewHealthRegistry(),
	}

	encrypter, err := crypto.NewAESGCMFromBase64Key(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	if err := c.connectDatabase(ctx, cfg); err != nil {
		return nil, err
	}

	locker, err := c.connectRedis(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.connectPublisher(cfg)

	c.Registry = application.NewProviderRegistry()
	if cfg.HasGoogle() {
		c.Registry.Register(google.NewProvider(google.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, logger))
		logger.Info("google calendar provider registered")
	}
	if cfg.HasMicrosoft() {
		c.Registry.Register(microsoft.NewProvider(microsoft.Config{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			Tenant:       cfg.MicrosoftTenant,
		}, logger))
		logger.Info("microsoft calendar provider registered")
	}

	c.States = application.NewStateService(c.StateRepo, cfg.OAuthStateTTL, logger)
	c.Tokens = application.NewTokenService(c.ConnectionRepo, c.Registry, encrypter, cfg.TokenRefreshMargin, c.Metrics, logger)

	syncConfig := application.DefaultSyncConfig()
	syncConfig.PastWindow = cfg.SyncPastWindow
	syncConfig.FutureWindow = cfg.SyncFutureWindow
	syncConfig.RunTimeout = cfg.SyncRunTimeout
	syncConfig.MaxSyncErrors = cfg.SyncMaxErrors

	c.Sync = application.NewSyncService(
		c.ConnectionRepo, c.EventRepo, c.Registry, c.Tokens,
		locker, c.OutboxRepo, syncConfig, c.Metrics, logger)

	c.Queue = application.NewSyncQueue(c.Sync, cfg.SyncQueueWorkers, cfg.SyncQueueCapacity, logger)

	c.Connect = application.NewConnectService(
		c.ConnectionRepo, c.EventRepo, c.Registry, c.States,
		encrypter, c.OutboxRepo, c.Queue, logger)
	c.Disconnect = application.NewDisconnectService(
		c.ConnectionRepo, c.Registry, encrypter, c.OutboxRepo, logger)

	workerConfig := workers.DefaultSyncWorkerConfig()
	workerConfig.Interval = cfg.SyncInterval
	workerConfig.StaleAfter = cfg.SyncInterval
	workerConfig.MaxSyncErrors = cfg.SyncMaxErrors
	c.SyncWorker = workers.NewSyncWorker(c.ConnectionRepo, c.Queue, workerConfig, logger)

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
	}, logger)

	return c, nil
}

func (c *Container) connectDatabase(ctx context.Context, cfg *config.Config) error {
	if isPostgresURL(cfg.DatabaseURL) {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		c.Pool = pool
		c.ConnectionRepo = persistence.NewPostgresConnectionRepository(pool)
		c.EventRepo = persistence.NewPostgresEventRepository(pool)
		c.StateRepo = persistence.NewPostgresOAuthStateRepository(pool)
		c.OutboxRepo = outbox.NewPostgresRepository(pool)
		c.Health.Register("database", observability.DatabaseHealthChecker(pool.Ping))
		c.Logger.Info("connected to postgres")
		return nil
	}

	db, err := sql.Open("sqlite", sqlitePath(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	c.SQLite = db
	c.ConnectionRepo = persistence.NewSQLiteConnectionRepository(db)
	c.EventRepo = persistence.NewSQLiteEventRepository(db)
	c.StateRepo = persistence.NewSQLiteOAuthStateRepository(db)
	c.OutboxRepo = outbox.NewSQLiteRepository(db)
	c.Health.Register("database", observability.DatabaseHealthChecker(db.PingContext))
	c.Logger.Info("opened sqlite database", "path", sqlitePath(cfg.DatabaseURL))
	return nil
}

// connectRedis returns the sync locker: Redis-backed when configured, the
// in-process mutex map otherwise.
func (c *Container) connectRedis(ctx context.Context, cfg *config.Config) (application.ConnectionLocker, error) {
	if cfg.RedisURL == "" {
		c.Logger.Info("redis not configured, using in-process sync locks")
		return application.NewMutexLocker(), nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	c.RedisClient = client
	c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	c.Logger.Info("connected to redis, using distributed sync locks")
	return redislock.NewLocker(client, 0), nil
}

func (c *Container) connectPublisher(cfg *config.Config) {
	if cfg.RabbitMQURL == "" {
		c.Logger.Info("rabbitmq not configured, domain events stay in the outbox log")
		c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
		return
	}

	publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, c.Logger)
	if err != nil {
		if cfg.IsDevelopment() {
			c.Logger.Warn("rabbitmq not available, using noop publisher", "error", err)
			c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
			return
		}
		// Production without a reachable broker still starts; the outbox
		// retains messages until the processor can publish them.
		c.Logger.Error("failed to connect to rabbitmq, outbox publishing will retry", "error", err)
		c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
		return
	}

	c.EventPublisher = publisher
	c.Health.Register("rabbitmq", observability.RabbitMQHealthChecker(publisher.HealthCheck))
	c.Logger.Info("connected to rabbitmq")
}

// Close releases all held resources.
func (c *Container) Close() {
	if c.Queue != nil {
		c.Queue.Stop()
	}
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("failed to close event publisher", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("failed to close redis client", "error", err)
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	if c.SQLite != nil {
		if err := c.SQLite.Close(); err != nil {
			c.Logger.Warn("failed to close sqlite database", "error", err)
		}
	}
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func sqlitePath(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}
