package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// poolABI is the Aave-v3-style pool surface the market adapter needs.
const poolABI = `[
	{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},
		{"name":"onBehalfOf","type":"address"}],"outputs":[]},
	{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},
		{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getUserAccountData","stateMutability":"view","inputs":[
		{"name":"user","type":"address"}],"outputs":[
		{"name":"totalCollateralBase","type":"uint256"},
		{"name":"totalDebtBase","type":"uint256"},
		{"name":"availableBorrowsBase","type":"uint256"},
		{"name":"currentLiquidationThreshold","type":"uint256"},
		{"name":"ltv","type":"uint256"},
		{"name":"healthFactor","type":"uint256"}]}
]`

// dataProviderABI exposes per-reserve configuration and rates.
const dataProviderABI = `[
	{"type":"function","name":"getReserveConfigurationData","stateMutability":"view","inputs":[
		{"name":"asset","type":"address"}],"outputs":[
		{"name":"decimals","type":"uint256"},
		{"name":"ltv","type":"uint256"},
		{"name":"liquidationThreshold","type":"uint256"},
		{"name":"liquidationBonus","type":"uint256"},
		{"name":"reserveFactor","type":"uint256"},
		{"name":"usageAsCollateralEnabled","type":"bool"},
		{"name":"borrowingEnabled","type":"bool"},
		{"name":"stableBorrowRateEnabled","type":"bool"},
		{"name":"isActive","type":"bool"},
		{"name":"isFrozen","type":"bool"}]},
	{"type":"function","name":"getReserveData","stateMutability":"view","inputs":[
		{"name":"asset","type":"address"}],"outputs":[
		{"name":"unbacked","type":"uint256"},
		{"name":"accruedToTreasuryScaled","type":"uint256"},
		{"name":"totalAToken","type":"uint256"},
		{"name":"totalStableDebt","type":"uint256"},
		{"name":"totalVariableDebt","type":"uint256"},
		{"name":"liquidityRate","type":"uint256"},
		{"name":"variableBorrowRate","type":"uint256"},
		{"name":"stableBorrowRate","type":"uint256"},
		{"name":"averageStableBorrowRate","type":"uint256"},
		{"name":"liquidityIndex","type":"uint256"},
		{"name":"variableBorrowIndex","type":"uint256"},
		{"name":"lastUpdateTimestamp","type":"uint40"}]}
]`

// variableRateMode selects variable-rate debt on borrow/repay.
var variableRateMode = big.NewInt(2)

// baseToWAD scales the pool's 8-decimal base-currency amounts up to WAD.
var baseToWAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(10), nil)

// rayDiv scales a 1e27 ray rate down to basis points.
var rayDiv = new(big.Int).Exp(big.NewInt(10), big.NewInt(23), nil)

// LendingMarket implements domain.LendingMarket against the pool contract.
type LendingMarket struct {
	client       *Client
	pool         common.Address
	dataProvider common.Address
	poolABI      abi.ABI
	providerABI  abi.ABI
}

// NewLendingMarket binds the pool and protocol data provider contracts.
func NewLendingMarket(client *Client, pool, dataProvider common.Address) (*LendingMarket, error) {
	p, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse pool abi: %w", err)
	}
	d, err := abi.JSON(strings.NewReader(dataProviderABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse data provider abi: %w", err)
	}
	return &LendingMarket{
		client:       client,
		pool:         pool,
		dataProvider: dataProvider,
		poolABI:      p,
		providerABI:  d,
	}, nil
}

// Supply deposits amount of asset into the pool for onBehalfOf.
func (m *LendingMarket) Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	data, err := m.poolABI.Pack("supply", asset, amount, onBehalfOf, uint16(0))
	if err != nil {
		return fmt.Errorf("evm: pack supply: %w", err)
	}
	return m.client.submit(ctx, m.pool, data)
}

// Borrow draws amount of asset as variable-rate debt against onBehalfOf's
// collateral.
func (m *LendingMarket) Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	data, err := m.poolABI.Pack("borrow", asset, amount, variableRateMode, uint16(0), onBehalfOf)
	if err != nil {
		return fmt.Errorf("evm: pack borrow: %w", err)
	}
	return m.client.submit(ctx, m.pool, data)
}

// Repay pays down onBehalfOf's variable-rate debt. Inside an atomic scope
// the pool caps overpayment itself; the requested amount is reported back.
func (m *LendingMarket) Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	data, err := m.poolABI.Pack("repay", asset, amount, variableRateMode, onBehalfOf)
	if err != nil {
		return nil, fmt.Errorf("evm: pack repay: %w", err)
	}
	if err := m.client.submit(ctx, m.pool, data); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// Withdraw pulls amount of supplied asset out of the pool to the given
// recipient.
func (m *LendingMarket) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	data, err := m.poolABI.Pack("withdraw", asset, amount, to)
	if err != nil {
		return nil, fmt.Errorf("evm: pack withdraw: %w", err)
	}
	if err := m.client.submit(ctx, m.pool, data); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// AccountData reads the user's aggregate risk data. Base-currency amounts
// arrive with 8 decimals and are scaled to WAD; a debt-free account maps to
// the infinite health factor sentinel.
func (m *LendingMarket) AccountData(ctx context.Context, user common.Address) (domain.AccountData, error) {
	out, err := m.client.view(ctx, m.poolABI, m.pool, "getUserAccountData", user)
	if err != nil {
		return domain.AccountData{}, err
	}
	if len(out) != 6 {
		return domain.AccountData{}, fmt.Errorf("evm: getUserAccountData: %d outputs", len(out))
	}
	collateral, _ := out[0].(*big.Int)
	debt, _ := out[1].(*big.Int)
	liqBps, _ := out[3].(*big.Int)
	hf, _ := out[5].(*big.Int)
	if collateral == nil || debt == nil || liqBps == nil || hf == nil {
		return domain.AccountData{}, fmt.Errorf("evm: getUserAccountData: malformed outputs")
	}

	acct := domain.AccountData{
		TotalCollateralValue: new(big.Int).Mul(collateral, baseToWAD),
		TotalDebtValue:       new(big.Int).Mul(debt, baseToWAD),
		LiqThresholdBps:      liqBps.Int64(),
		HealthFactor:         new(big.Int).Set(hf),
	}
	if debt.Sign() == 0 {
		acct.HealthFactor = riskmath.Infinite()
	}
	return acct, nil
}

// ReserveLTV returns the loan-to-value ceiling for asset in basis points.
func (m *LendingMarket) ReserveLTV(ctx context.Context, asset common.Address) (int64, error) {
	out, err := m.client.view(ctx, m.providerABI, m.dataProvider, "getReserveConfigurationData", asset)
	if err != nil {
		return 0, err
	}
	if len(out) < 2 {
		return 0, fmt.Errorf("evm: getReserveConfigurationData: %d outputs", len(out))
	}
	ltv, ok := out[1].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("evm: getReserveConfigurationData: malformed ltv")
	}
	return ltv.Int64(), nil
}

// Rates returns the current supply and variable borrow APRs in basis points.
func (m *LendingMarket) Rates(ctx context.Context, asset common.Address) (domain.ReserveRates, error) {
	out, err := m.client.view(ctx, m.providerABI, m.dataProvider, "getReserveData", asset)
	if err != nil {
		return domain.ReserveRates{}, err
	}
	if len(out) < 7 {
		return domain.ReserveRates{}, fmt.Errorf("evm: getReserveData: %d outputs", len(out))
	}
	liquidityRate, _ := out[5].(*big.Int)
	borrowRate, _ := out[6].(*big.Int)
	if liquidityRate == nil || borrowRate == nil {
		return domain.ReserveRates{}, fmt.Errorf("evm: getReserveData: malformed rates")
	}
	return domain.ReserveRates{
		SupplyAPRBps: new(big.Int).Div(liquidityRate, rayDiv).Int64(),
		BorrowAPRBps: new(big.Int).Div(borrowRate, rayDiv).Int64(),
	}, nil
}

// RevokeApprovals delegates to the executor contract.
func (m *LendingMarket) RevokeApprovals(ctx context.Context, user common.Address) error {
	return m.client.RevokeApprovals(ctx, user)
}

var _ domain.LendingMarket = (*LendingMarket)(nil)
