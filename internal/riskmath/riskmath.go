// Package riskmath implements the pure fixed-point arithmetic behind
// leverage, health-factor, and sizing decisions. All functions are
// deterministic bit-for-bit: inputs and outputs are WAD-scaled (1e18)
// big integers, thresholds are basis points, and rounding always floors
// so computed safe amounts err low.
package riskmath

import (
	"math/big"

	ethmath "github.com/ethereum/go-ethereum/common/math"

	"github.com/looplabs/loopkeeper/internal/domain"
)

var (
	// WAD is the fixed-point unit: 1e18 == 1.0.
	WAD = big.NewInt(1e18)

	bpsDenom = big.NewInt(10_000)
)

// MaxEstimateIterations caps EstimateIterations so caller-side loops stay
// bounded even for unreachable targets.
const MaxEstimateIterations = 20

// Infinite returns the "no debt, no risk" sentinel used for health factor.
func Infinite() *big.Int {
	return new(big.Int).Set(ethmath.MaxBig256)
}

// Underwater returns the "debt >= collateral" leverage sentinel. It is never
// a value stored at rest.
func Underwater() *big.Int {
	return new(big.Int).Set(ethmath.MaxBig256)
}

// IsSentinel reports whether x is the Infinite/Underwater sentinel.
func IsSentinel(x *big.Int) bool {
	return x != nil && x.Cmp(ethmath.MaxBig256) == 0
}

// Leverage computes collateral / (collateral - debt), WAD-scaled.
// Zero debt yields exactly 1.0x; debt at or above collateral yields the
// Underwater sentinel rather than a wrapped or negative value.
func Leverage(collateral, debt *big.Int) *big.Int {
	if debt.Sign() == 0 {
		return new(big.Int).Set(WAD)
	}
	if debt.Cmp(collateral) >= 0 {
		return Underwater()
	}
	equity := new(big.Int).Sub(collateral, debt)
	lev := new(big.Int).Mul(collateral, WAD)
	return lev.Div(lev, equity)
}

// HealthFactor computes collateral * liqThresholdBps / (debt * 10000),
// WAD-scaled. Zero debt yields the Infinite sentinel.
func HealthFactor(collateral, debt *big.Int, liqThresholdBps int64) *big.Int {
	if debt.Sign() == 0 {
		return Infinite()
	}
	num := new(big.Int).Mul(collateral, big.NewInt(liqThresholdBps))
	num.Mul(num, WAD)
	den := new(big.Int).Mul(debt, bpsDenom)
	return num.Div(num, den)
}

// SafeBorrow is the borrowable value against collateralValue after applying
// the reserve LTV and a safety buffer, both in basis points.
func SafeBorrow(collateralValue *big.Int, ltvBps, safetyBufferBps int64) *big.Int {
	out := new(big.Int).Mul(collateralValue, big.NewInt(ltvBps))
	out.Mul(out, big.NewInt(safetyBufferBps))
	out.Div(out, bpsDenom)
	return out.Div(out, bpsDenom)
}

// maxDebtAt solves the health-factor equation for the debt level at which
// HF == targetHF, flooring so the result errs toward less debt.
func maxDebtAt(collateral *big.Int, liqThresholdBps int64, targetHF *big.Int) *big.Int {
	num := new(big.Int).Mul(collateral, big.NewInt(liqThresholdBps))
	num.Mul(num, WAD)
	den := new(big.Int).Mul(targetHF, bpsDenom)
	return num.Div(num, den)
}

// MaxBorrow returns the additional debt that keeps HF >= targetHF, or zero
// when the position is already at or below the target. Never negative.
func MaxBorrow(collateral, debt *big.Int, liqThresholdBps int64, targetHF *big.Int) *big.Int {
	if targetHF.Sign() <= 0 {
		return new(big.Int)
	}
	maxDebt := maxDebtAt(collateral, liqThresholdBps, targetHF)
	if maxDebt.Cmp(debt) <= 0 {
		return new(big.Int)
	}
	return maxDebt.Sub(maxDebt, debt)
}

// RepayToRestore is the inverse of MaxBorrow: the debt reduction required to
// bring HF back up to targetHF, or zero when already healthy.
func RepayToRestore(collateral, debt *big.Int, liqThresholdBps int64, targetHF *big.Int) *big.Int {
	if targetHF.Sign() <= 0 {
		return new(big.Int)
	}
	maxDebt := maxDebtAt(collateral, liqThresholdBps, targetHF)
	if debt.Cmp(maxDebt) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(debt, maxDebt)
}

// SafeWithdraw is the maximum collateral removable while keeping
// HF >= targetHF. With zero debt the full collateral is removable. The
// retained minimum is rounded up so the withdrawal errs low.
func SafeWithdraw(collateral, debt *big.Int, liqThresholdBps int64, targetHF *big.Int) *big.Int {
	if debt.Sign() == 0 {
		return new(big.Int).Set(collateral)
	}
	if liqThresholdBps <= 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(debt, targetHF)
	num.Mul(num, bpsDenom)
	den := new(big.Int).Mul(big.NewInt(liqThresholdBps), WAD)
	minCollateral := ceilDiv(num, den)
	if minCollateral.Cmp(collateral) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(collateral, minCollateral)
}

// FlashSize is the flash-loan principal needed to reach targetLeverage from
// initialCollateral in one shot: (target - 1.0) * initial. Targets outside
// [1.0, maxLeverage] are rejected with ErrInvalidLeverage.
func FlashSize(initialCollateral, targetLeverage, maxLeverage *big.Int) (*big.Int, error) {
	if targetLeverage.Cmp(WAD) < 0 || targetLeverage.Cmp(maxLeverage) > 0 {
		return nil, domain.ErrInvalidLeverage
	}
	extra := new(big.Int).Sub(targetLeverage, WAD)
	extra.Mul(extra, initialCollateral)
	return extra.Div(extra, WAD), nil
}

// EstimateIterations approximates, via the looping recurrence
// L' = 1 + ltv*L, how many iterations it takes to move current leverage to
// target. Returns 0 when already at or above target and caps at
// MaxEstimateIterations when the target is unreachable at this LTV.
func EstimateIterations(current, target *big.Int, ltvBps int64) int {
	if current.Cmp(target) >= 0 {
		return 0
	}
	if ltvBps <= 0 {
		return MaxEstimateIterations
	}
	r := new(big.Int).Mul(big.NewInt(ltvBps), WAD)
	r.Div(r, bpsDenom)
	lev := new(big.Int).Set(current)
	for i := 1; i <= MaxEstimateIterations; i++ {
		lev.Mul(lev, r)
		lev.Div(lev, WAD)
		lev.Add(lev, WAD)
		if lev.Cmp(target) >= 0 {
			return i
		}
	}
	return MaxEstimateIterations
}

func ceilDiv(num, den *big.Int) *big.Int {
	out, rem := new(big.Int).DivMod(num, den, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
