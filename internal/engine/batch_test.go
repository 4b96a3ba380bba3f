package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplabs/loopkeeper/internal/domain"
)

func TestBatchExecuteIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	for _, u := range []common.Address{userA, userB, userC} {
		h.loopingPosition(u, wad(1), wad(2))
	}
	h.market.borrowErr[userB] = domain.ErrInsufficientLiquidity

	batch := NewBatchExecutor(h.exec, 4, testLogger())
	report := batch.Execute(ctx, []domain.BatchRequest{
		{User: userA, Action: domain.ActionLoop},
		{User: userB, Action: domain.ActionLoop},
		{User: userC, Action: domain.ActionLoop},
	})

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	// The failed entry names its user and did not block the others.
	for _, e := range report.Entries {
		if e.User == userB {
			assert.False(t, e.Success)
			assert.NotEmpty(t, e.Err)
			continue
		}
		assert.True(t, e.Success)
		assert.False(t, e.Skipped)
	}

	for _, u := range []common.Address{userA, userC} {
		pos, err := h.positions.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, 1, pos.CurrentIteration)
	}
	posB, err := h.positions.Get(ctx, userB)
	require.NoError(t, err)
	assert.Equal(t, 0, posB.CurrentIteration)
}

func TestBatchExecuteCountsSkipsAsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	pos := h.loopingPosition(userA, wad(1), wad(2))
	pos.CurrentLeverage = wad(2)
	require.NoError(t, h.positions.Update(ctx, pos))
	h.market.setAccount(userA, wad(2), wad(1))

	batch := NewBatchExecutor(h.exec, 2, testLogger())
	report := batch.Execute(ctx, []domain.BatchRequest{
		{User: userA, Action: domain.ActionLoop},
	})

	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Entries, 1)
	assert.True(t, report.Entries[0].Skipped)
	assert.Equal(t, SkipTargetReached, report.Entries[0].Reason)
}

// memPriceCache is a trivial PriceCache for sweeper tests.
type memPriceCache struct {
	price *big.Int
	at    time.Time
}

func (m *memPriceCache) SetPrice(_ context.Context, _ common.Address, price *big.Int) error {
	m.price = new(big.Int).Set(price)
	m.at = time.Now()
	return nil
}

func (m *memPriceCache) GetPrice(_ context.Context, _ common.Address) (*big.Int, time.Time, error) {
	if m.price == nil {
		return nil, time.Time{}, domain.ErrStalePrice
	}
	return new(big.Int).Set(m.price), m.at, nil
}

func newSweeper(h *harness, active *fakeActive, prices domain.PriceCache) *Sweeper {
	ctrl := NewController(h.cfg, testLogger())
	batch := NewBatchExecutor(h.exec, 4, testLogger())
	return NewSweeper(h.exec, batch, ctrl, active, prices, time.Minute, time.Minute, testLogger())
}

func TestSweepOnceDrivesLoopsToTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	active := &fakeActive{}
	for _, u := range []common.Address{userA, userB} {
		h.loopingPosition(u, wad(1), wad(2))
		require.NoError(t, active.Add(ctx, u))
	}
	sweeper := newSweeper(h, active, nil)

	// Each sweep advances every below-target position by one step; two
	// sweeps reach target, the third finds nothing to do.
	for i := 0; i < 2; i++ {
		report, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Succeeded)
	}
	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)

	for _, u := range []common.Address{userA, userB} {
		pos, err := h.positions.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, 0, pos.CurrentLeverage.Cmp(wad(2)))
	}
}

func TestSweepOncePriceTriggerStartsUnwind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	active := &fakeActive{}
	pos := h.loopingPosition(userA, wad(1), wad(2))
	pos.CurrentLeverage = wad(2)
	pos.StopLossPrice = wad(1_500)
	require.NoError(t, h.positions.Update(ctx, pos))
	h.market.setAccount(userA, wad(2), wad(1))
	require.NoError(t, active.Add(ctx, userA))

	prices := &memPriceCache{}
	require.NoError(t, prices.SetPrice(ctx, assetWETH, wad(1_400)))
	sweeper := newSweeper(h, active, prices)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)

	// The stop loss flipped the position to unwinding and the same sweep
	// dispatched the first unwind step.
	after, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	require.NotEqual(t, domain.StateLooping, after.State)
	acct, err := h.market.AccountData(ctx, userA)
	require.NoError(t, err)
	assert.True(t, acct.TotalDebtValue.Cmp(wad(1)) < 0)
}

func TestSweepOnceEscalatesBreachedLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	active := &fakeActive{}
	pos := h.loopingPosition(userA, wad(1), wad(2))
	pos.CurrentLeverage = wad(2)
	require.NoError(t, h.positions.Update(ctx, pos))
	// HF = 1.08 * 0.9 / 1 = 0.972, below the 1.05 minimum.
	h.market.setAccount(userA, wadF(108, 100), wad(1))
	require.NoError(t, active.Add(ctx, userA))

	sweeper := newSweeper(h, active, nil)

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)

	// The breached position must not sit in LOOPING: the sweep commits the
	// emergency transition even when the iterative exit needs a flash loan.
	after, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmergency, after.State)

	// Subsequent sweeps keep it there.
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	again, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmergency, again.State)
}

func TestSweepRespectsPause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(DefaultConfig())
	active := &fakeActive{}
	h.loopingPosition(userA, wad(1), wad(2))
	require.NoError(t, active.Add(ctx, userA))

	ctrl := NewController(h.cfg, testLogger())
	ctrl.Pause()
	batch := NewBatchExecutor(h.exec, 2, testLogger())
	sweeper := NewSweeper(h.exec, batch, ctrl, active, nil, time.Minute, time.Minute, testLogger())

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)

	pos, err := h.positions.Get(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.CurrentIteration)
}
