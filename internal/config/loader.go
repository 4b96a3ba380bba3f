package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOOPKEEPER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOOPKEEPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// Chain
	setStr(&cfg.Chain.RPCURL, "LOOPKEEPER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LOOPKEEPER_CHAIN_ID")
	setStr(&cfg.Chain.PrivateKey, "LOOPKEEPER_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.ExecutorAddr, "LOOPKEEPER_CHAIN_EXECUTOR_ADDR")
	setDuration(&cfg.Chain.ReceiptWait, "LOOPKEEPER_CHAIN_RECEIPT_WAIT")

	// Contracts
	setStr(&cfg.Contracts.Pool, "LOOPKEEPER_CONTRACTS_POOL")
	setStr(&cfg.Contracts.DataProvider, "LOOPKEEPER_CONTRACTS_DATA_PROVIDER")
	setStr(&cfg.Contracts.Oracle, "LOOPKEEPER_CONTRACTS_ORACLE")
	setStr(&cfg.Contracts.Router, "LOOPKEEPER_CONTRACTS_ROUTER")

	// Postgres
	setStr(&cfg.Postgres.DSN, "LOOPKEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LOOPKEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LOOPKEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LOOPKEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LOOPKEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LOOPKEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LOOPKEEPER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LOOPKEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LOOPKEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LOOPKEEPER_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "LOOPKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOOPKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOOPKEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOOPKEEPER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOOPKEEPER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOOPKEEPER_REDIS_TLS_ENABLED")

	// S3
	setBool(&cfg.S3.Enabled, "LOOPKEEPER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LOOPKEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOOPKEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOOPKEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOOPKEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOOPKEEPER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOOPKEEPER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOOPKEEPER_S3_FORCE_PATH_STYLE")

	// Engine
	setStr(&cfg.Engine.MaxLeverage, "LOOPKEEPER_ENGINE_MAX_LEVERAGE")
	setInt64(&cfg.Engine.SafetyBufferBps, "LOOPKEEPER_ENGINE_SAFETY_BUFFER_BPS")
	setStr(&cfg.Engine.StepFee, "LOOPKEEPER_ENGINE_STEP_FEE")
	setStr(&cfg.Engine.DefaultMinHealthFactor, "LOOPKEEPER_ENGINE_DEFAULT_MIN_HEALTH_FACTOR")
	setStr(&cfg.Engine.UnwindTargetHF, "LOOPKEEPER_ENGINE_UNWIND_TARGET_HF")
	setBool(&cfg.Engine.ProfitabilityCheck, "LOOPKEEPER_ENGINE_PROFITABILITY_CHECK")
	setInt64(&cfg.Engine.MinSpreadBps, "LOOPKEEPER_ENGINE_MIN_SPREAD_BPS")
	setInt(&cfg.Engine.SweepBatchSize, "LOOPKEEPER_ENGINE_SWEEP_BATCH_SIZE")
	setUint64(&cfg.Engine.FinalityConfirmations, "LOOPKEEPER_ENGINE_FINALITY_CONFIRMATIONS")
	setStr(&cfg.Engine.LargeUnwindThreshold, "LOOPKEEPER_ENGINE_LARGE_UNWIND_THRESHOLD")
	setStr(&cfg.Engine.AutoOnboardTarget, "LOOPKEEPER_ENGINE_AUTO_ONBOARD_TARGET")

	// Keeper
	setDuration(&cfg.Keeper.SweepInterval, "LOOPKEEPER_KEEPER_SWEEP_INTERVAL")
	setDuration(&cfg.Keeper.PriceMaxStale, "LOOPKEEPER_KEEPER_PRICE_MAX_STALE")
	setStr(&cfg.Keeper.FeeReserve, "LOOPKEEPER_KEEPER_FEE_RESERVE")
	setInt(&cfg.Keeper.ArchiveRetentionDays, "LOOPKEEPER_KEEPER_ARCHIVE_RETENTION_DAYS")

	// Feed
	setBool(&cfg.Feed.Enabled, "LOOPKEEPER_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "LOOPKEEPER_FEED_WS_URL")

	// Server
	setBool(&cfg.Server.Enabled, "LOOPKEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LOOPKEEPER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LOOPKEEPER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LOOPKEEPER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LOOPKEEPER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LOOPKEEPER_SERVER_RATE_WINDOW")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "LOOPKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LOOPKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LOOPKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LOOPKEEPER_NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Mode, "LOOPKEEPER_MODE")
	setStr(&cfg.LogLevel, "LOOPKEEPER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
