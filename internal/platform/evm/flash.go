package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// premiumABI reads the pool's flash premium, expressed in basis points.
const premiumABI = `[
	{"type":"function","name":"FLASHLOAN_PREMIUM_TOTAL","stateMutability":"view",
		"inputs":[],"outputs":[{"name":"","type":"uint128"}]}
]`

// FlashLender implements domain.FlashLender through the executor contract's
// flashExecute: the callback's queued calls run inside the pool's flash loan
// callback, and the contract repays principal plus premium at the end. Any
// failing leg reverts the whole transaction, loan included.
type FlashLender struct {
	client *Client
	pool   common.Address
	abi    abi.ABI
}

// NewFlashLender binds the pool's flash loan surface.
func NewFlashLender(client *Client, pool common.Address) (*FlashLender, error) {
	parsed, err := abi.JSON(strings.NewReader(premiumABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse premium abi: %w", err)
	}
	return &FlashLender{client: client, pool: pool, abi: parsed}, nil
}

// FlashPremiumBps returns the pool's flash loan premium in basis points.
func (f *FlashLender) FlashPremiumBps(ctx context.Context) (int64, error) {
	out, err := f.client.view(ctx, f.abi, f.pool, "FLASHLOAN_PREMIUM_TOTAL")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("evm: FLASHLOAN_PREMIUM_TOTAL: %d outputs", len(out))
	}
	premium, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("evm: FLASHLOAN_PREMIUM_TOTAL: malformed output")
	}
	return premium.Int64(), nil
}

// FlashLoan borrows amount of asset, runs fn to collect the call list, and
// submits everything as one flashExecute transaction. fn receives the
// premium the repayment must cover.
func (f *FlashLender) FlashLoan(ctx context.Context, asset common.Address, amount *big.Int, fn func(ctx context.Context, premium *big.Int) error) error {
	premiumBps, err := f.FlashPremiumBps(ctx)
	if err != nil {
		return fmt.Errorf("evm: flash premium: %w", err)
	}
	premium := new(big.Int).Mul(amount, big.NewInt(premiumBps))
	premium.Div(premium, big.NewInt(10_000))

	// Collect the callback's calls without submitting them; nested atomic
	// scopes join this batch.
	b := &batch{}
	if err := fn(context.WithValue(ctx, batchKey{}, b), premium); err != nil {
		return err
	}
	if len(b.calls) == 0 {
		return nil
	}

	data, err := f.client.execABI.Pack("flashExecute", asset, amount, b.calls)
	if err != nil {
		return fmt.Errorf("evm: pack flashExecute: %w", err)
	}
	if err := f.client.sendAndWait(ctx, data); err != nil {
		return fmt.Errorf("%w: flash loan %s: %w", domain.ErrAtomicReverted, asset.Hex(), err)
	}
	return nil
}

var _ domain.FlashLender = (*FlashLender)(nil)
