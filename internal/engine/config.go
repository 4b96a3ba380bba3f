package engine

import "math/big"

// Config holds the engine-wide policy knobs. Per-position parameters
// (target leverage, slippage tolerance, pacing) live on the Position itself.
type Config struct {
	// MaxLeverage bounds target leverage, WAD. Default 10x.
	MaxLeverage *big.Int

	// SafetyBufferBps discounts the reserve LTV when sizing a borrow.
	SafetyBufferBps int64

	// StepFee is the WAD fee charged against both the position's budget and
	// the shared reserve for every committed controller-driven step.
	StepFee *big.Int

	// DefaultMinHealthFactor applies when a position is opened without one.
	DefaultMinHealthFactor *big.Int

	// UnwindTargetHF is the health factor each iterative unwind step
	// restores toward; effective target is max(this, position minimum).
	UnwindTargetHF *big.Int

	// ProfitabilityCheck gates loop steps on the supply/borrow spread.
	ProfitabilityCheck bool
	// MinSpreadBps is the minimum net yield spread for a loop step to be
	// worth executing.
	// TODO: make this per-asset-pair once rate history is collected; a
	// single constant over-skips stable pairs and under-skips volatile ones.
	MinSpreadBps int64

	// SweepBatchSize bounds how many positions one health sweep inspects.
	SweepBatchSize int

	// FinalityConfirmations defers large emergency unwinds until the
	// triggering observation is this many blocks old. 0 disables the gate.
	FinalityConfirmations uint64
	// LargeUnwindThreshold is the WAD debt value above which the finality
	// gate applies.
	LargeUnwindThreshold *big.Int

	// AutoOnboardTarget is the conservative default target leverage used
	// when onboarding from a standing-authorization signal.
	AutoOnboardTarget *big.Int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	wad := big.NewInt(1e18)
	return Config{
		MaxLeverage:            new(big.Int).Mul(big.NewInt(10), wad),
		SafetyBufferBps:        9_000,
		StepFee:                new(big.Int).Div(wad, big.NewInt(1000)), // 0.001
		DefaultMinHealthFactor: new(big.Int).Add(wad, new(big.Int).Div(wad, big.NewInt(10))), // 1.1
		UnwindTargetHF:         new(big.Int).Add(wad, new(big.Int).Div(wad, big.NewInt(5))),  // 1.2
		ProfitabilityCheck:     false,
		MinSpreadBps:           50,
		SweepBatchSize:         50,
		FinalityConfirmations:  0,
		LargeUnwindThreshold:   new(big.Int).Mul(big.NewInt(1_000_000), wad),
		AutoOnboardTarget:      new(big.Int).Add(wad, new(big.Int).Div(wad, big.NewInt(2))), // 1.5
	}
}
