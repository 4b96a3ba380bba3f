package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/looplabs/loopkeeper/internal/blob/s3"
	"github.com/looplabs/loopkeeper/internal/cache/redis"
	"github.com/looplabs/loopkeeper/internal/config"
	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/notify"
	"github.com/looplabs/loopkeeper/internal/platform/evm"
	"github.com/looplabs/loopkeeper/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	ActiveSet   domain.ActiveSet
	EventBus    *redis.EventBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Chain bindings. Nil in monitor mode.
	Chain  *evm.Client
	Market domain.LendingMarket
	Swap   domain.SwapVenue
	Oracle domain.PriceOracle
	Flash  domain.FlashLender

	// Blob storage. Nil unless S3 is enabled.
	Archiver *s3blob.PositionArchiver

	// Notifications. Nil when no channel is configured.
	Notifier *notify.Notifier

	// Raw clients, kept for health checks.
	PG    *postgres.Client
	Redis *redis.Client
}

// needsChain returns true for modes that sign and submit transactions.
// Monitor deployments observe stores and streams only.
func needsChain(mode string) bool {
	return strings.ToLower(mode) != "monitor"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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

	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.ActiveSet = redis.NewActiveSet(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- Chain bindings (skipped in monitor mode) ---
	if needsChain(cfg.Mode) {
		signer, err := evm.NewSigner(cfg.Chain.PrivateKey, cfg.Chain.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}

		chain, err := evm.Dial(ctx, evm.ClientConfig{
			RPCURL:       cfg.Chain.RPCURL,
			ExecutorAddr: common.HexToAddress(cfg.Chain.ExecutorAddr),
			ReceiptWait:  cfg.Chain.ReceiptWait.Duration,
		}, signer, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm dial: %w", err)
		}
		closers = append(closers, chain.Close)
		deps.Chain = chain

		poolAddr := common.HexToAddress(cfg.Contracts.Pool)

		market, err := evm.NewLendingMarket(chain, poolAddr, common.HexToAddress(cfg.Contracts.DataProvider))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: lending market: %w", err)
		}
		deps.Market = market

		oracle, err := evm.NewPriceOracle(chain, common.HexToAddress(cfg.Contracts.Oracle))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: price oracle: %w", err)
		}
		deps.Oracle = oracle

		swap, err := evm.NewSwapVenue(chain, common.HexToAddress(cfg.Contracts.Router))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: swap venue: %w", err)
		}
		deps.Swap = swap

		flash, err := evm.NewFlashLender(chain, poolAddr)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: flash lender: %w", err)
		}
		deps.Flash = flash
	}

	// --- S3 archive ---
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewPositionArchiver(s3blob.NewWriter(s3Client), deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
