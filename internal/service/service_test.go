package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/engine"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

var (
	testUser  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAsset = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOp    = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wad(x int64) *big.Int { return new(big.Int).Mul(big.NewInt(x), riskmath.WAD) }

type memStore struct {
	mu   sync.Mutex
	recs map[common.Address]domain.Position
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[common.Address]domain.Position)}
}

func (m *memStore) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[pos.User]; ok {
		return domain.ErrPositionExists
	}
	m.recs[pos.User] = pos.Clone()
	return nil
}

func (m *memStore) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[pos.User]; !ok {
		return domain.ErrNoPosition
	}
	m.recs[pos.User] = pos.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, user common.Address) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.recs[user]
	if !ok {
		return domain.Position{}, domain.ErrNoPosition
	}
	return pos.Clone(), nil
}

func (m *memStore) Delete(_ context.Context, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[user]; !ok {
		return domain.ErrNoPosition
	}
	delete(m.recs, user)
	return nil
}

func (m *memStore) ListActive(_ context.Context, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.recs {
		if p.State != domain.StateIdle {
			out = append(out, p.Clone())
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// stubMarket tracks collateral and debt values per user; prices are 1.0 so
// units equal values.
type stubMarket struct {
	mu         sync.Mutex
	collateral map[common.Address]*big.Int
	debt       map[common.Address]*big.Int
	revoked    []common.Address
}

func newStubMarket() *stubMarket {
	return &stubMarket{
		collateral: make(map[common.Address]*big.Int),
		debt:       make(map[common.Address]*big.Int),
	}
}

func (m *stubMarket) bal(set map[common.Address]*big.Int, user common.Address) *big.Int {
	if set[user] == nil {
		set[user] = new(big.Int)
	}
	return set[user]
}

func (m *stubMarket) Supply(_ context.Context, _ common.Address, amount *big.Int, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bal(m.collateral, user).Add(m.bal(m.collateral, user), amount)
	return nil
}

func (m *stubMarket) Borrow(_ context.Context, _ common.Address, amount *big.Int, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bal(m.debt, user).Add(m.bal(m.debt, user), amount)
	return nil
}

func (m *stubMarket) Repay(_ context.Context, _ common.Address, amount *big.Int, user common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.bal(m.debt, user)
	paid := new(big.Int).Set(amount)
	if paid.Cmp(d) > 0 {
		paid.Set(d)
	}
	d.Sub(d, paid)
	return paid, nil
}

func (m *stubMarket) Withdraw(_ context.Context, _ common.Address, amount *big.Int, _ common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collateral {
		if c.Cmp(amount) >= 0 {
			c.Sub(c, amount)
			return new(big.Int).Set(amount), nil
		}
	}
	return nil, domain.ErrInsufficientLiquidity
}

func (m *stubMarket) AccountData(_ context.Context, user common.Address) (domain.AccountData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := new(big.Int).Set(m.bal(m.collateral, user))
	d := new(big.Int).Set(m.bal(m.debt, user))
	return domain.AccountData{
		TotalCollateralValue: c,
		TotalDebtValue:       d,
		LiqThresholdBps:      9_000,
		HealthFactor:         riskmath.HealthFactor(c, d, 9_000),
	}, nil
}

func (m *stubMarket) ReserveLTV(_ context.Context, _ common.Address) (int64, error) { return 8_000, nil }

func (m *stubMarket) Rates(_ context.Context, _ common.Address) (domain.ReserveRates, error) {
	return domain.ReserveRates{}, nil
}

func (m *stubMarket) RevokeApprovals(_ context.Context, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, user)
	return nil
}

func (m *stubMarket) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubFlash struct{}

func (stubFlash) FlashLoan(ctx context.Context, _ common.Address, amount *big.Int, fn func(ctx context.Context, premium *big.Int) error) error {
	return fn(ctx, new(big.Int))
}

func (stubFlash) FlashPremiumBps(_ context.Context) (int64, error) { return 0, nil }

type stubOracle struct{}

func (stubOracle) Price(_ context.Context, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(riskmath.WAD), nil
}

type stubSwap struct{}

func (stubSwap) Quote(_ context.Context, in *big.Int, _ []common.Address) (*big.Int, error) {
	return new(big.Int).Set(in), nil
}

func (stubSwap) Swap(_ context.Context, in, _ *big.Int, _ []common.Address) (*big.Int, error) {
	return new(big.Int).Set(in), nil
}

type stubChain struct{}

func (stubChain) BlockHeight(_ context.Context) (uint64, error) { return 100, nil }

type stubLocks struct{}

func (stubLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}

type stubActive struct {
	mu    sync.Mutex
	users map[common.Address]bool
}

func newStubActive() *stubActive { return &stubActive{users: make(map[common.Address]bool)} }

func (s *stubActive) Add(_ context.Context, u common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u] = true
	return nil
}

func (s *stubActive) Remove(_ context.Context, u common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, u)
	return nil
}

func (s *stubActive) Members(_ context.Context) ([]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.Address
	for u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

// memBus records the event names of published payloads.
type memBus struct {
	mu     sync.Mutex
	events []string
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := m["event"].(string); ok {
		b.events = append(b.events, ev)
	}
	return nil
}

func (b *memBus) seen(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev == event {
			return true
		}
	}
	return false
}

type svcHarness struct {
	store  *memStore
	market *stubMarket
	active *stubActive
	bus    *memBus
	exec   *engine.Executor
	ctrl   *engine.Controller
	pos    *PositionService
	auto   *AutomationService
}

func newSvcHarness() *svcHarness {
	cfg := engine.DefaultConfig()
	store := newMemStore()
	market := newStubMarket()
	active := newStubActive()
	bus := &memBus{}
	exec := engine.NewExecutor(cfg, testOp, engine.Deps{
		Positions: store,
		Market:    market,
		Swap:      stubSwap{},
		Oracle:    stubOracle{},
		Chain:     stubChain{},
		Runner:    market,
		Flash:     stubFlash{},
		Reserve:   engine.NewFeeReserve(wad(1_000)),
		Guard:     engine.NewGuard(),
	}, testLogger())
	ctrl := engine.NewController(cfg, testLogger())
	batch := engine.NewBatchExecutor(exec, 2, testLogger())

	return &svcHarness{
		store:  store,
		market: market,
		active: active,
		bus:    bus,
		exec:   exec,
		ctrl:   ctrl,
		pos: NewPositionService(cfg, store, market, exec, active, stubLocks{}, bus, nil, nil,
			testLogger()),
		auto: NewAutomationService(exec, ctrl, batch, stubLocks{}, testLogger()),
	}
}

func TestOpenValidatesLeverage(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	base := OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
	}

	// Below 1.0x.
	p := base
	p.TargetLeverage = new(big.Int).Div(riskmath.WAD, big.NewInt(2))
	_, err := h.pos.Open(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)

	// Above the engine bound.
	p = base
	p.TargetLeverage = wad(11)
	_, err = h.pos.Open(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)

	// Exactly 1.0x is a plain deposit and allowed.
	p = base
	p.TargetLeverage = new(big.Int).Set(riskmath.WAD)
	_, err = h.pos.Open(ctx, p)
	assert.NoError(t, err)
}

func TestOpenSuppliesAndRegisters(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	pos, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(5),
		TargetLeverage:    wad(2),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateLooping, pos.State)
	assert.Equal(t, 0, pos.CurrentLeverage.Cmp(riskmath.WAD))
	// Defaulted from the recurrence at the market's 80% LTV: a fresh 1.0x
	// position needs two iterations to clear a 2x target.
	assert.Equal(t, 2, pos.MaxIterations)
	assert.Equal(t, riskmath.EstimateIterations(riskmath.WAD, wad(2), 8_000), pos.MaxIterations)

	acct, err := h.market.AccountData(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.TotalCollateralValue.Cmp(wad(5)))

	members, err := h.active.Members(ctx)
	require.NoError(t, err)
	assert.Contains(t, members, testUser)

	// A second open for the same user is refused.
	_, err = h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
	})
	assert.ErrorIs(t, err, domain.ErrPositionExists)
}

func TestOpenWithFlashReachesTarget(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	pos, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(3),
		UseFlashExecution: true,
	})
	require.NoError(t, err)
	assert.True(t, pos.CurrentLeverage.Cmp(wad(3)) >= 0)
	assert.Equal(t, 1, pos.CurrentIteration)
}

func TestAutoOnboardUsesConservativeTarget(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	pos, err := h.pos.AutoOnboard(ctx, testUser, testAsset, testAsset, wad(2), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.TargetLeverage.Cmp(engine.DefaultConfig().AutoOnboardTarget))
}

func TestSetTriggersChecksNonce(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	_, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
		ExecutionNonce:    42,
	})
	require.NoError(t, err)

	_, err = h.pos.SetTriggers(ctx, testUser, 41, wad(3_000), wad(1_500))
	assert.ErrorIs(t, err, domain.ErrAuthorizationMismatch)

	pos, err := h.pos.SetTriggers(ctx, testUser, 42, wad(3_000), wad(1_500))
	require.NoError(t, err)
	assert.Equal(t, 0, pos.TakeProfitPrice.Cmp(wad(3_000)))
	assert.Equal(t, 0, pos.StopLossPrice.Cmp(wad(1_500)))
}

func TestFinalizeRefusesUnsettled(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	_, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
	})
	require.NoError(t, err)

	err = h.pos.Finalize(ctx, testUser)
	assert.Error(t, err)

	// The record is still there.
	_, err = h.pos.Get(ctx, testUser)
	assert.NoError(t, err)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	_, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
	})
	require.NoError(t, err)

	// Drive the position to target, then unwind it back down, exactly as the
	// keeper would: evaluate, act, repeat.
	for i := 0; i < 10; i++ {
		decision, _, err := h.auto.Evaluate(ctx, testUser)
		require.NoError(t, err)
		if decision == domain.DecisionNone {
			break
		}
	}
	pos, err := h.pos.Get(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.CurrentLeverage.Cmp(wad(2)))

	_, err = h.pos.RequestUnwind(ctx, testUser, 0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		decision, _, err := h.auto.Evaluate(ctx, testUser)
		require.NoError(t, err)
		if decision == domain.DecisionNone {
			break
		}
	}
	pos, err = h.pos.Get(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, pos.State)

	require.NoError(t, h.pos.Finalize(ctx, testUser))
	assert.NotEmpty(t, h.market.revoked)
	assert.True(t, h.bus.seen(domain.EventFinalized))
	_, err = h.pos.Get(ctx, testUser)
	assert.ErrorIs(t, err, domain.ErrNoPosition)

	members, err := h.active.Members(ctx)
	require.NoError(t, err)
	assert.NotContains(t, members, testUser)
}

func TestEmergencyExitChecksNonce(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	_, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
	})
	require.NoError(t, err)

	_, err = h.pos.EmergencyExit(ctx, testUser, 99)
	assert.ErrorIs(t, err, domain.ErrAuthorizationMismatch)

	pos, err := h.pos.EmergencyExit(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateEmergency, pos.State)
}

func TestAutomationPauseStopsEvaluate(t *testing.T) {
	ctx := context.Background()
	h := newSvcHarness()

	_, err := h.pos.Open(ctx, OpenParams{
		User:              testUser,
		CollateralAsset:   testAsset,
		BorrowAsset:       testAsset,
		InitialCollateral: wad(1),
		TargetLeverage:    wad(2),
	})
	require.NoError(t, err)

	h.auto.Pause()
	decision, _, err := h.auto.Evaluate(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionNone, decision)
	assert.True(t, h.auto.Paused())

	h.auto.Resume()
	decision, res, err := h.auto.Evaluate(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionContinueLoop, decision)
	assert.True(t, res.Committed)
}
