package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// Test doubles. Prices are pinned at 1.0 so asset units equal base-currency
// values and the arithmetic in scenarios stays legible.

var (
	assetWETH = common.HexToAddress("0x1111111111111111111111111111111111111111")
	assetUSDC = common.HexToAddress("0x2222222222222222222222222222222222222222")
	operator  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	userA     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	userB     = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	userC     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wad(x int64) *big.Int { return new(big.Int).Mul(big.NewInt(x), riskmath.WAD) }

func wadF(x, y int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(x), riskmath.WAD)
	return out.Div(out, big.NewInt(y))
}

type memPositions struct {
	mu   sync.Mutex
	recs map[common.Address]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{recs: make(map[common.Address]domain.Position)}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[pos.User]; ok {
		return domain.ErrPositionExists
	}
	m.recs[pos.User] = pos.Clone()
	return nil
}

func (m *memPositions) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[pos.User]; !ok {
		return domain.ErrNoPosition
	}
	m.recs[pos.User] = pos.Clone()
	return nil
}

func (m *memPositions) Get(_ context.Context, user common.Address) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.recs[user]
	if !ok {
		return domain.Position{}, domain.ErrNoPosition
	}
	return pos.Clone(), nil
}

func (m *memPositions) Delete(_ context.Context, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[user]; !ok {
		return domain.ErrNoPosition
	}
	delete(m.recs, user)
	return nil
}

func (m *memPositions) ListActive(_ context.Context, limit int) ([]domain.Position, error) {
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

type account struct {
	collateral *big.Int // value, WAD
	debt       *big.Int // value, WAD
}

// fakeMarket models the lending protocol in base-currency values. It also
// implements AtomicRunner with snapshot/restore so a failing leg rolls the
// whole step back, the way a reverted transaction would.
type fakeMarket struct {
	mu       sync.Mutex
	accounts map[common.Address]*account
	liqBps   int64
	ltvBps   int64
	rates    map[common.Address]domain.ReserveRates

	borrowErr   map[common.Address]error // per-user injected borrow failure
	withdrawErr error
	revoked     []common.Address

	snapshots []map[common.Address]account
}

func newFakeMarket(liqBps, ltvBps int64) *fakeMarket {
	return &fakeMarket{
		accounts:  make(map[common.Address]*account),
		liqBps:    liqBps,
		ltvBps:    ltvBps,
		rates:     make(map[common.Address]domain.ReserveRates),
		borrowErr: make(map[common.Address]error),
	}
}

func (f *fakeMarket) acct(user common.Address) *account {
	a, ok := f.accounts[user]
	if !ok {
		a = &account{collateral: new(big.Int), debt: new(big.Int)}
		f.accounts[user] = a
	}
	return a
}

func (f *fakeMarket) setAccount(user common.Address, collateral, debt *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[user] = &account{
		collateral: new(big.Int).Set(collateral),
		debt:       new(big.Int).Set(debt),
	}
}

func (f *fakeMarket) Supply(_ context.Context, _ common.Address, amount *big.Int, onBehalfOf common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.acct(onBehalfOf)
	a.collateral.Add(a.collateral, amount)
	return nil
}

func (f *fakeMarket) Borrow(_ context.Context, _ common.Address, amount *big.Int, onBehalfOf common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.borrowErr[onBehalfOf]; err != nil {
		return err
	}
	a := f.acct(onBehalfOf)
	a.debt.Add(a.debt, amount)
	return nil
}

func (f *fakeMarket) Repay(_ context.Context, _ common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.acct(onBehalfOf)
	paid := new(big.Int).Set(amount)
	if paid.Cmp(a.debt) > 0 {
		paid.Set(a.debt)
	}
	a.debt.Sub(a.debt, paid)
	return paid, nil
}

func (f *fakeMarket) Withdraw(_ context.Context, _ common.Address, amount *big.Int, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	// The engine never withdraws from an empty account; find the owner by
	// scanning for the account that can cover the amount.
	for _, a := range f.accounts {
		if a.collateral.Cmp(amount) >= 0 {
			a.collateral.Sub(a.collateral, amount)
			return new(big.Int).Set(amount), nil
		}
	}
	return nil, domain.ErrInsufficientLiquidity
}

func (f *fakeMarket) AccountData(_ context.Context, user common.Address) (domain.AccountData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.acct(user)
	return domain.AccountData{
		TotalCollateralValue: new(big.Int).Set(a.collateral),
		TotalDebtValue:       new(big.Int).Set(a.debt),
		LiqThresholdBps:      f.liqBps,
		HealthFactor:         riskmath.HealthFactor(a.collateral, a.debt, f.liqBps),
	}, nil
}

func (f *fakeMarket) ReserveLTV(_ context.Context, _ common.Address) (int64, error) {
	return f.ltvBps, nil
}

func (f *fakeMarket) Rates(_ context.Context, asset common.Address) (domain.ReserveRates, error) {
	return f.rates[asset], nil
}

func (f *fakeMarket) RevokeApprovals(_ context.Context, user common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, user)
	return nil
}

func (f *fakeMarket) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	snap := make(map[common.Address]account, len(f.accounts))
	for u, a := range f.accounts {
		snap[u] = account{
			collateral: new(big.Int).Set(a.collateral),
			debt:       new(big.Int).Set(a.debt),
		}
	}
	f.snapshots = append(f.snapshots, snap)
	f.mu.Unlock()

	err := fn(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.snapshots[len(f.snapshots)-1]
	f.snapshots = f.snapshots[:len(f.snapshots)-1]
	if err != nil {
		f.accounts = make(map[common.Address]*account, len(last))
		for u, a := range last {
			f.accounts[u] = &account{
				collateral: new(big.Int).Set(a.collateral),
				debt:       new(big.Int).Set(a.debt),
			}
		}
	}
	return err
}

type fakeSwap struct {
	rateBps int64 // output per 1.0 input, in bps
	err     error
}

func (f *fakeSwap) out(amountIn *big.Int) *big.Int {
	o := new(big.Int).Mul(amountIn, big.NewInt(f.rateBps))
	return o.Div(o, big.NewInt(10_000))
}

func (f *fakeSwap) Quote(_ context.Context, amountIn *big.Int, _ []common.Address) (*big.Int, error) {
	return f.out(amountIn), nil
}

func (f *fakeSwap) Swap(_ context.Context, amountIn, minOut *big.Int, _ []common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	o := f.out(amountIn)
	if o.Cmp(minOut) < 0 {
		return nil, domain.ErrSlippageExceeded
	}
	return o, nil
}

type fakeOracle struct{}

func (fakeOracle) Price(_ context.Context, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(riskmath.WAD), nil
}

type fakeChain struct{ height uint64 }

func (f *fakeChain) BlockHeight(_ context.Context) (uint64, error) { return f.height, nil }

type fakeFlash struct {
	premiumBps int64
	err        error
}

func (f *fakeFlash) FlashLoan(ctx context.Context, _ common.Address, amount *big.Int, fn func(ctx context.Context, premium *big.Int) error) error {
	if f.err != nil {
		return f.err
	}
	premium := new(big.Int).Mul(amount, big.NewInt(f.premiumBps))
	premium.Div(premium, big.NewInt(10_000))
	if err := fn(ctx, premium); err != nil {
		return fmt.Errorf("flash loan: %w", err)
	}
	return nil
}

func (f *fakeFlash) FlashPremiumBps(_ context.Context) (int64, error) { return f.premiumBps, nil }

type fakeBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, map[string]any{"raw": string(payload)})
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (f *fakeAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AuditEntry(nil), f.entries...), nil
}

func (f *fakeAudit) DeleteBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

type fakeActive struct {
	mu    sync.Mutex
	users []common.Address
}

func (f *fakeActive) Add(_ context.Context, user common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u == user {
			return nil
		}
	}
	f.users = append(f.users, user)
	return nil
}

func (f *fakeActive) Remove(_ context.Context, user common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, u := range f.users {
		if u == user {
			f.users = append(f.users[:i], f.users[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeActive) Members(_ context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.users...), nil
}

// harness bundles a fully wired executor over fakes.
type harness struct {
	cfg       Config
	positions *memPositions
	market    *fakeMarket
	swap      *fakeSwap
	chain     *fakeChain
	flash     *fakeFlash
	reserve   *FeeReserve
	bus       *fakeBus
	audit     *fakeAudit
	exec      *Executor
}

func newHarness(cfg Config) *harness {
	h := &harness{
		cfg:       cfg,
		positions: newMemPositions(),
		market:    newFakeMarket(9_000, 8_000),
		swap:      &fakeSwap{rateBps: 10_000},
		chain:     &fakeChain{height: 100},
		flash:     &fakeFlash{premiumBps: 9},
		reserve:   NewFeeReserve(wad(1_000)),
		bus:       &fakeBus{},
		audit:     &fakeAudit{},
	}
	h.exec = NewExecutor(cfg, operator, Deps{
		Positions: h.positions,
		Market:    h.market,
		Swap:      h.swap,
		Oracle:    fakeOracle{},
		Chain:     h.chain,
		Runner:    h.market,
		Flash:     h.flash,
		Reserve:   h.reserve,
		Guard:     NewGuard(),
		Bus:       h.bus,
		Audit:     h.audit,
	}, testLogger())
	return h
}

// loopingPosition seeds a same-asset looping position with the given initial
// collateral already supplied.
func (h *harness) loopingPosition(user common.Address, initial, target *big.Int) domain.Position {
	pos := domain.Position{
		User:              user,
		CollateralAsset:   assetWETH,
		BorrowAsset:       assetWETH,
		Conversion:        domain.ConversionNone,
		InitialCollateral: new(big.Int).Set(initial),
		TargetLeverage:    new(big.Int).Set(target),
		CurrentLeverage:   new(big.Int).Set(riskmath.WAD),
		MaxIterations:     10,
		MinHealthFactor:   wadF(105, 100),
		State:             domain.StateLooping,
		LastUpdateHeight:  0,
		MaxFeeSpend:       new(big.Int),
		FeeSpentSoFar:     new(big.Int),
		OpenedAt:          time.Now().UTC(),
	}
	if err := h.positions.Create(context.Background(), pos); err != nil {
		panic(err)
	}
	h.market.setAccount(user, initial, new(big.Int))
	return pos
}
