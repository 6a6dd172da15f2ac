package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/alanyoungcy/tradecore/internal/blob/s3"
	"github.com/alanyoungcy/tradecore/internal/cache/redis"
	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/engine"
	"github.com/alanyoungcy/tradecore/internal/metrics"
	"github.com/alanyoungcy/tradecore/internal/notify"
	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/store/postgres"
)

// Dependencies bundles the external services a run may use. Every field is
// nil when the corresponding section is disabled.
type Dependencies struct {
	// Postgres
	Postgres *postgres.Client
	Audit    domain.AuditStore

	// Redis
	Redis       *redis.Client
	SignalBus   *redis.SignalBus
	Locks       domain.LockManager
	RateLimiter *redis.RateLimiter
	Prices      *redis.PriceCache

	// Blob storage
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier // nil without senders
	Metrics  *metrics.Sink    // nil unless metrics are enabled
}

// Wire constructs the enabled dependencies from the given configuration and
// returns them together with a cleanup function that should be called on
// shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Postgres = pgClient
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient, logger)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Prices = redis.NewPriceCache(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		logger.InfoContext(ctx, "s3 configured", slog.String("bucket", s3Client.Bucket()))
		deps.S3 = s3Client
		deps.BlobWriter = s3Client
		deps.BlobReader = s3Client
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.Audit, cfg.S3.ArchivePrefix)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
		deps.Notifier.Throttle(cfg.Notify.ThrottleEvery.Duration, cfg.Notify.ThrottleBurst)
	}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(prometheus.Labels{
			"account": cfg.Engine.AccountID,
			"mode":    cfg.Mode,
		}, cfg.Metrics.RuntimeMetrics)
	}

	return deps, cleanup, nil
}

// healthChecks returns a probe per wired dependency.
func (d *Dependencies) healthChecks() map[string]handler.Check {
	checks := make(map[string]handler.Check)
	if d.Postgres != nil {
		checks["postgres"] = d.Postgres.Ping
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Ping
	}
	if d.S3 != nil {
		checks["s3"] = d.S3.Health
	}
	return checks
}

// notifier returns the notifier as an engine.Notifier, or nil. A typed nil
// pointer must not leak into the interface.
func (d *Dependencies) notifier() engine.Notifier {
	if d.Notifier == nil {
		return nil
	}
	return d.Notifier
}

// metricsSink returns the metrics sink as a domain.MetricsSink, or nil.
func (d *Dependencies) metricsSink() domain.MetricsSink {
	if d.Metrics == nil {
		return nil
	}
	return d.Metrics
}

