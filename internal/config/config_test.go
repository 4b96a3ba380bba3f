package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wadMul(n int64, div int64) *big.Int {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	out := new(big.Int).Mul(big.NewInt(n), wad)
	if div > 1 {
		out.Div(out, big.NewInt(div))
	}
	return out
}

func TestParseWAD(t *testing.T) {
	cases := []struct {
		in   string
		want *big.Int
	}{
		{"1", wadMul(1, 1)},
		{"10", wadMul(10, 1)},
		{"1.1", wadMul(11, 10)},
		{"0.001", wadMul(1, 1000)},
		{"0", big.NewInt(0)},
		{" 1.5 ", wadMul(3, 2)},
	}
	for _, tc := range cases {
		got, err := ParseWAD(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, 0, tc.want.Cmp(got), "ParseWAD(%q) = %s, want %s", tc.in, got, tc.want)
	}

	for _, bad := range []string{"", "abc", "-1", "1.2.3"} {
		_, err := ParseWAD(bad)
		assert.Error(t, err, bad)
	}
}

// validConfig returns Defaults plus the fields Validate requires.
func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.PrivateKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	cfg.Chain.ExecutorAddr = "0x0000000000000000000000000000000000000001"
	cfg.Contracts.Pool = "0x0000000000000000000000000000000000000002"
	cfg.Contracts.DataProvider = "0x0000000000000000000000000000000000000003"
	cfg.Contracts.Oracle = "0x0000000000000000000000000000000000000004"
	cfg.Contracts.Router = "0x0000000000000000000000000000000000000005"
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingKeyOutsideMonitor(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.PrivateKey = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key")
}

func TestValidateMonitorNeedsNoKey(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "monitor"
	cfg.Chain.PrivateKey = ""
	cfg.Chain.ExecutorAddr = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestValidateBadContractAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Contracts.Oracle = "not-an-address"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestEngineConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.MaxLeverage = "5"
	cfg.Engine.DefaultMinHealthFactor = "1.25"

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, wadMul(5, 1).Cmp(ec.MaxLeverage))
	assert.Equal(t, 0, wadMul(5, 4).Cmp(ec.DefaultMinHealthFactor))
	assert.Equal(t, int64(9_000), ec.SafetyBufferBps)
	assert.Equal(t, 50, ec.SweepBatchSize)
}

func TestEngineConfigBadRatio(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.UnwindTargetHF = "nope"
	_, err := cfg.EngineConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unwind_target_hf")
}

func TestFeedSymbols(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.Symbols = map[string]string{
		" ethusd ": "0x00000000000000000000000000000000000000aa",
	}
	syms := cfg.FeedSymbols()
	require.Len(t, syms, 1)
	addr, ok := syms["ETHUSD"]
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), addr)
}

func TestDurationTOMLDecoding(t *testing.T) {
	var cfg Config
	_, err := toml.Decode(`
[keeper]
sweep_interval = "45s"
price_max_stale = "5m"
`, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Keeper.SweepInterval.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Keeper.PriceMaxStale.Duration)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LOOPKEEPER_MODE", "keeper")
	t.Setenv("LOOPKEEPER_CHAIN_PRIVATE_KEY", "0xabc")
	t.Setenv("LOOPKEEPER_SERVER_PORT", "9001")
	t.Setenv("LOOPKEEPER_KEEPER_SWEEP_INTERVAL", "10s")
	t.Setenv("LOOPKEEPER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "0xabc", cfg.Chain.PrivateKey)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Keeper.SweepInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "secret"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Chain.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the copy's slices must not leak back.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
