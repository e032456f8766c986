package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "leversim/internal/blob/s3"
	"leversim/internal/cache/redis"
	"leversim/internal/config"
	"leversim/internal/domain"
	"leversim/internal/notify"
	"leversim/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger persistence
	LedgerStore domain.LedgerStore

	// Redis: last-known prices, the setup event bus, and distributed locks.
	PriceCache *redis.PriceCache
	SetupBus   *redis.SetupBus
	Locks      *redis.LockManager

	// Blob storage for ledger archives.
	BlobWriter *s3blob.Writer
	BlobReader *s3blob.Reader
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist the ledger.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "archive":
		return true
	default:
		return false
	}
}

// needsS3 returns true when object storage must be wired: always in archive
// mode, and in trade mode when background archival is enabled.
func needsS3(mode string, cfg *config.Config) bool {
	if mode == "archive" {
		return true
	}
	return mode == "trade" && cfg.Archive.Enabled
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ledger (only for modes that persist) ---
	var ledger *postgres.LedgerStore
	if needsPostgres(cfg.Mode) {
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
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		ledger = postgres.NewLedgerStore(pgClient.Pool())
		deps.LedgerStore = ledger
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	// Price entries expire with the feed TTL so a stalled ingest never
	// leaves the simulator acting on stale prices.
	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Feed.PriceTTL.Duration)
	deps.SetupBus = redis.NewSetupBus(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- S3 blob storage (archive mode, or trade mode with archival on) ---
	if needsS3(cfg.Mode, cfg) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		if ledger != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, ledger, logger)
		}
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
