// Package config defines the top-level configuration for the loop keeper
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/engine"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LOOPKEEPER_* environment
// variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Engine    EngineConfig    `toml:"engine"`
	Keeper    KeeperConfig    `toml:"keeper"`
	Feed      FeedConfig      `toml:"feed"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds RPC endpoint and operator key parameters.
type ChainConfig struct {
	RPCURL       string   `toml:"rpc_url"`
	ChainID      int64    `toml:"chain_id"`
	PrivateKey   string   `toml:"private_key"`
	ExecutorAddr string   `toml:"executor_addr"`
	ReceiptWait  duration `toml:"receipt_wait"`
}

// ContractsConfig holds the protocol contract addresses.
type ContractsConfig struct {
	Pool         string `toml:"pool"`
	DataProvider string `toml:"data_provider"`
	Oracle       string `toml:"oracle"`
	Router       string `toml:"router"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the leverage engine parameters. Ratio-valued fields are
// decimal strings ("1.1" means a 1.1 health factor) converted to WAD at
// build time.
type EngineConfig struct {
	MaxLeverage            string `toml:"max_leverage"`
	SafetyBufferBps        int64  `toml:"safety_buffer_bps"`
	StepFee                string `toml:"step_fee"`
	DefaultMinHealthFactor string `toml:"default_min_health_factor"`
	UnwindTargetHF         string `toml:"unwind_target_hf"`
	ProfitabilityCheck     bool   `toml:"profitability_check"`
	MinSpreadBps           int64  `toml:"min_spread_bps"`
	SweepBatchSize         int    `toml:"sweep_batch_size"`
	FinalityConfirmations  uint64 `toml:"finality_confirmations"`
	LargeUnwindThreshold   string `toml:"large_unwind_threshold"`
	AutoOnboardTarget      string `toml:"auto_onboard_target"`
}

// KeeperConfig holds background automation parameters.
type KeeperConfig struct {
	SweepInterval        duration `toml:"sweep_interval"`
	PriceMaxStale        duration `toml:"price_max_stale"`
	FeeReserve           string   `toml:"fee_reserve"` // decimal, funds the step-fee budget
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// FeedConfig holds the external price feed parameters. Symbols maps a feed
// symbol (e.g. "ETHUSD") to the asset address it prices.
type FeedConfig struct {
	Enabled bool              `toml:"enabled"`
	WsURL   string            `toml:"ws_url"`
	Symbols map[string]string `toml:"symbols"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:      "http://localhost:8545",
			ChainID:     1,
			ReceiptWait: duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "loopkeeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loopkeeper-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MaxLeverage:            "10",
			SafetyBufferBps:        9_000,
			StepFee:                "0.001",
			DefaultMinHealthFactor: "1.1",
			UnwindTargetHF:         "1.2",
			ProfitabilityCheck:     false,
			MinSpreadBps:           50,
			SweepBatchSize:         50,
			FinalityConfirmations:  0,
			LargeUnwindThreshold:   "1000000",
			AutoOnboardTarget:      "1.5",
		},
		Keeper: KeeperConfig{
			SweepInterval:        duration{30 * time.Second},
			PriceMaxStale:        duration{2 * time.Minute},
			FeeReserve:           "1000",
			ArchiveRetentionDays: 90,
		},
		Feed: FeedConfig{
			Enabled: false,
			Symbols: map[string]string{},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"emergency", "step_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"keeper":  true, // automation only, no API
	"monitor": true, // read-only sweep, no execution
	"server":  true, // API only, no background sweep
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("mode: must be one of keeper|monitor|server|full, got %q", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("log_level: must be one of debug|info|warn|error, got %q", c.LogLevel))
	}

	// Chain
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if c.Mode != "monitor" && c.Chain.PrivateKey == "" {
		errs = append(errs, "chain: private_key is required outside monitor mode")
	}
	if c.Chain.ExecutorAddr != "" && !common.IsHexAddress(c.Chain.ExecutorAddr) {
		errs = append(errs, "chain: executor_addr is not a valid address")
	}
	if c.Mode != "monitor" && c.Chain.ExecutorAddr == "" {
		errs = append(errs, "chain: executor_addr is required outside monitor mode")
	}

	// Contracts
	for _, field := range []struct {
		name, value string
	}{
		{"pool", c.Contracts.Pool},
		{"data_provider", c.Contracts.DataProvider},
		{"oracle", c.Contracts.Oracle},
		{"router", c.Contracts.Router},
	} {
		if field.value == "" {
			errs = append(errs, "contracts: "+field.name+" must not be empty")
		} else if !common.IsHexAddress(field.value) {
			errs = append(errs, "contracts: "+field.name+" is not a valid address")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Engine ratio fields must parse.
	for _, field := range []struct {
		name, value string
	}{
		{"max_leverage", c.Engine.MaxLeverage},
		{"step_fee", c.Engine.StepFee},
		{"default_min_health_factor", c.Engine.DefaultMinHealthFactor},
		{"unwind_target_hf", c.Engine.UnwindTargetHF},
		{"large_unwind_threshold", c.Engine.LargeUnwindThreshold},
		{"auto_onboard_target", c.Engine.AutoOnboardTarget},
	} {
		if _, err := ParseWAD(field.value); err != nil {
			errs = append(errs, "engine: "+field.name+": "+err.Error())
		}
	}
	if c.Engine.SafetyBufferBps <= 0 || c.Engine.SafetyBufferBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: safety_buffer_bps must be 1-10000, got %d", c.Engine.SafetyBufferBps))
	}
	if c.Engine.SweepBatchSize < 1 {
		errs = append(errs, "engine: sweep_batch_size must be >= 1")
	}

	// Keeper
	if c.Keeper.SweepInterval.Duration <= 0 {
		errs = append(errs, "keeper: sweep_interval must be > 0")
	}
	if _, err := ParseWAD(c.Keeper.FeeReserve); err != nil {
		errs = append(errs, "keeper: fee_reserve: "+err.Error())
	}

	// Feed
	if c.Feed.Enabled {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty when enabled")
		}
		for sym, addr := range c.Feed.Symbols {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("feed: symbol %s maps to invalid address %q", sym, addr))
			}
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EngineConfig converts the decimal-string engine section into the WAD
// big-integer form the engine consumes. Call after Validate.
func (c *Config) EngineConfig() (engine.Config, error) {
	out := engine.Config{
		SafetyBufferBps:       c.Engine.SafetyBufferBps,
		ProfitabilityCheck:    c.Engine.ProfitabilityCheck,
		MinSpreadBps:          c.Engine.MinSpreadBps,
		SweepBatchSize:        c.Engine.SweepBatchSize,
		FinalityConfirmations: c.Engine.FinalityConfirmations,
	}
	for _, field := range []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"max_leverage", c.Engine.MaxLeverage, &out.MaxLeverage},
		{"step_fee", c.Engine.StepFee, &out.StepFee},
		{"default_min_health_factor", c.Engine.DefaultMinHealthFactor, &out.DefaultMinHealthFactor},
		{"unwind_target_hf", c.Engine.UnwindTargetHF, &out.UnwindTargetHF},
		{"large_unwind_threshold", c.Engine.LargeUnwindThreshold, &out.LargeUnwindThreshold},
		{"auto_onboard_target", c.Engine.AutoOnboardTarget, &out.AutoOnboardTarget},
	} {
		v, err := ParseWAD(field.src)
		if err != nil {
			return engine.Config{}, fmt.Errorf("config: engine.%s: %w", field.name, err)
		}
		*field.dst = v
	}
	return out, nil
}

// FeedSymbols converts the feed symbol map to typed addresses. Call after
// Validate.
func (c *Config) FeedSymbols() map[string]common.Address {
	out := make(map[string]common.Address, len(c.Feed.Symbols))
	for sym, addr := range c.Feed.Symbols {
		out[strings.ToUpper(strings.TrimSpace(sym))] = common.HexToAddress(addr)
	}
	return out
}

// ParseWAD converts a non-negative decimal string to a WAD-scaled integer.
func ParseWAD(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	wad := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	r.Mul(r, wad)
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
