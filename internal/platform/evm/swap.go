package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// routerABI is the V2-style router surface used for conversions.
const routerABI = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"path","type":"address[]"}],"outputs":[
		{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}],"outputs":[
		{"name":"amounts","type":"uint256[]"}]}
]`

// swapDeadline bounds how long a queued swap stays valid once submitted.
const swapDeadline = 5 * time.Minute

// SwapVenue implements domain.SwapVenue against a V2-style router. Swapped
// funds land on the executor contract, which is the holder of record for
// everything mid-step.
type SwapVenue struct {
	client *Client
	router common.Address
	abi    abi.ABI
}

// NewSwapVenue binds the router contract.
func NewSwapVenue(client *Client, router common.Address) (*SwapVenue, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse router abi: %w", err)
	}
	return &SwapVenue{client: client, router: router, abi: parsed}, nil
}

// Quote returns the expected output of swapping amountIn along path.
func (v *SwapVenue) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	out, err := v.client.view(ctx, v.abi, v.router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("evm: getAmountsOut: %d outputs", len(out))
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("evm: getAmountsOut: malformed amounts")
	}
	return amounts[len(amounts)-1], nil
}

// Swap exchanges amountIn along path, reverting the enclosing atomic scope
// when the output falls below minOut. The conservative minOut is reported as
// the realized output; the post-step account read is authoritative.
func (v *SwapVenue) Swap(ctx context.Context, amountIn, minOut *big.Int, path []common.Address) (*big.Int, error) {
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())
	data, err := v.abi.Pack("swapExactTokensForTokens", amountIn, minOut, path, v.client.executor, deadline)
	if err != nil {
		return nil, fmt.Errorf("evm: pack swap: %w", err)
	}
	if err := v.client.submit(ctx, v.router, data); err != nil {
		return nil, fmt.Errorf("evm: swap: %w", err)
	}
	return new(big.Int).Set(minOut), nil
}

var _ domain.SwapVenue = (*SwapVenue)(nil)
