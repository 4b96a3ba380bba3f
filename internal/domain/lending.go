package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountData is the lending market's aggregate view of one user.
// Values are WAD-scaled in the market's base currency.
type AccountData struct {
	TotalCollateralValue *big.Int
	TotalDebtValue       *big.Int
	LiqThresholdBps      int64    // average liquidation threshold
	HealthFactor         *big.Int // WAD
}

// ReserveRates carries the per-asset interest rates used by the
// profitability check.
type ReserveRates struct {
	SupplyAPRBps int64
	BorrowAPRBps int64
}

// LendingMarket is the lending-protocol collaborator the executors drive.
// Every call is synchronous call-and-check; a failed call fails the step.
type LendingMarket interface {
	Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	// Repay returns the amount actually repaid, which may be less than
	// requested when it exceeds the outstanding debt.
	Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error)
	// Withdraw returns the amount actually withdrawn.
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error)
	AccountData(ctx context.Context, user common.Address) (AccountData, error)
	ReserveLTV(ctx context.Context, asset common.Address) (int64, error)
	Rates(ctx context.Context, asset common.Address) (ReserveRates, error)
	// RevokeApprovals removes any standing authorizations the engine holds
	// over the user's assets. Called on finalization.
	RevokeApprovals(ctx context.Context, user common.Address) error
}

// FlashLender provides the borrowed-and-repaid-in-one-operation primitive.
// The callback receives the flash premium owed on top of the principal; if it
// returns an error the whole operation is rolled back.
type FlashLender interface {
	FlashLoan(ctx context.Context, asset common.Address, amount *big.Int, fn func(ctx context.Context, premium *big.Int) error) error
	FlashPremiumBps(ctx context.Context) (int64, error)
}

// SwapVenue converts between the borrow and collateral assets. Swap fails
// explicitly (ErrSlippageExceeded) when output would fall below minOut.
type SwapVenue interface {
	Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error)
	Swap(ctx context.Context, amountIn, minOut *big.Int, path []common.Address) (*big.Int, error)
}

// PriceOracle exposes the lending market's asset prices, WAD-scaled.
type PriceOracle interface {
	Price(ctx context.Context, asset common.Address) (*big.Int, error)
}

// ChainReader supplies the monotonic ordering marker for pacing and finality.
type ChainReader interface {
	BlockHeight(ctx context.Context) (uint64, error)
}

// AtomicRunner executes fn so that every collaborator call made inside takes
// effect together or not at all. On-chain this is one transaction through the
// automation executor contract; in tests it is a snapshot-and-restore fake.
type AtomicRunner interface {
	RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error
}
