package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

func TestFlashEnterReachesTargetInOneOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.loopingPosition(userA, wad(1), wad(3))

	res, err := h.exec.FlashEnter(ctx, userA, NonceAny)
	require.NoError(t, err)
	require.True(t, res.Committed)

	// Flash sizing for 3x on 1.0 collateral is 2.0; the borrow leg covers
	// principal plus premium, so leverage lands at or just above target.
	assert.Equal(t, domain.StateLooping, res.Position.State)
	assert.True(t, res.Position.CurrentLeverage.Cmp(wad(3)) >= 0)
	assert.Equal(t, 1, res.Position.CurrentIteration)

	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalCollateralValue.Cmp(wad(3)))

	// Debt is flash principal plus the 9bps premium.
	wantDebt := new(big.Int).Mul(wad(2), big.NewInt(10_009))
	wantDebt.Div(wantDebt, big.NewInt(10_000))
	assert.Equal(t, 0, acct.TotalDebtValue.Cmp(wantDebt))
	assert.True(t, acct.HealthFactor.Cmp(wadF(105, 100)) >= 0)

	// Re-invoking degrades to a no-op.
	res, err = h.exec.FlashEnter(ctx, userA, NonceAny)
	require.NoError(t, err)
	assert.Equal(t, SkipTargetReached, res.SkipReason)
}

func TestFlashEnterFailedLegDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.loopingPosition(userA, wad(1), wad(3))
	h.market.borrowErr[userA] = domain.ErrInsufficientLiquidity
	before := h.reserve.Balance()

	_, err := h.exec.FlashEnter(ctx, userA, NonceAny)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAtomicReverted)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	// The supply leg that ran before the failing borrow was discarded too.
	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalCollateralValue.Cmp(wad(1)))
	assert.Equal(t, 0, acct.TotalDebtValue.Sign())

	pos, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.CurrentIteration)
	assert.Equal(t, domain.StateLooping, pos.State)
	assert.Equal(t, 0, h.reserve.Balance().Cmp(before))
}

func TestFlashEnterRejectsOutOfRangeTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	pos := h.loopingPosition(userA, wad(1), wad(3))
	pos.TargetLeverage = wad(11) // above the 10x engine bound
	require.NoError(t, h.positions.Update(ctx, pos))

	_, err := h.exec.FlashEnter(ctx, userA, NonceAny)
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)
}

func TestFlashExitClearsPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.unwindingPosition(userA, wad(3), wad(2), domain.StateUnwinding)

	res, err := h.exec.FlashExit(ctx, userA, NonceAny)
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, domain.StateIdle, res.Position.State)
	assert.Equal(t, 0, res.Position.CurrentLeverage.Cmp(riskmath.WAD))

	// Debt repaid, flash covered from collateral, remainder back to the user.
	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalDebtValue.Sign())
	assert.Equal(t, 0, acct.TotalCollateralValue.Sign())
}

func TestFlashExitSwapPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())

	pos := domain.Position{
		User:                 userA,
		CollateralAsset:      assetWETH,
		BorrowAsset:          assetUSDC,
		Conversion:           domain.ConversionSwap,
		SwapPath:             []common.Address{assetUSDC, assetWETH},
		InitialCollateral:    wad(1),
		TargetLeverage:       wad(3),
		CurrentLeverage:      riskmath.Leverage(wad(3), wad(2)),
		MaxIterations:        10,
		MinHealthFactor:      wadF(105, 100),
		SlippageToleranceBps: 50,
		State:                domain.StateUnwinding,
		MaxFeeSpend:          new(big.Int),
		FeeSpentSoFar:        new(big.Int),
	}
	require.NoError(t, h.positions.Create(ctx, pos))
	h.market.setAccount(userA, wad(3), wad(2))

	res, err := h.exec.FlashExit(ctx, userA, NonceAny)
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, domain.StateIdle, res.Position.State)

	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalDebtValue.Sign())
	assert.Equal(t, 0, acct.TotalCollateralValue.Sign())
}

func TestFlashExitFailedLegDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.unwindingPosition(userA, wad(3), wad(2), domain.StateUnwinding)
	h.market.withdrawErr = domain.ErrInsufficientLiquidity
	before := h.reserve.Balance()

	_, err := h.exec.FlashExit(ctx, userA, NonceAny)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAtomicReverted)

	// The repay leg that ran before the failing withdraw was discarded.
	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalCollateralValue.Cmp(wad(3)))
	assert.Equal(t, 0, acct.TotalDebtValue.Cmp(wad(2)))

	pos, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnwinding, pos.State)
	assert.Equal(t, 0, h.reserve.Balance().Cmp(before))
}

func TestFlashExitWithNoDebtSettlesDirectly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	h.unwindingPosition(userA, wad(2), new(big.Int), domain.StateUnwinding)

	res, err := h.exec.FlashExit(ctx, userA, NonceAny)
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, domain.StateIdle, res.Position.State)

	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalCollateralValue.Sign())
}
