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

// oracleABI is the protocol price oracle: one base-currency price per asset.
const oracleABI = `[
	{"type":"function","name":"getAssetPrice","stateMutability":"view","inputs":[
		{"name":"asset","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}]}
]`

// PriceOracle implements domain.PriceOracle against the protocol oracle,
// scaling its 8-decimal base-currency prices to WAD.
type PriceOracle struct {
	client *Client
	oracle common.Address
	abi    abi.ABI
}

// NewPriceOracle binds the oracle contract.
func NewPriceOracle(client *Client, oracle common.Address) (*PriceOracle, error) {
	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse oracle abi: %w", err)
	}
	return &PriceOracle{client: client, oracle: oracle, abi: parsed}, nil
}

// Price returns the WAD base-currency price of asset.
func (o *PriceOracle) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	out, err := o.client.view(ctx, o.abi, o.oracle, "getAssetPrice", asset)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("evm: getAssetPrice: %d outputs", len(out))
	}
	price, ok := out[0].(*big.Int)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("evm: getAssetPrice %s: non-positive price", asset.Hex())
	}
	return new(big.Int).Mul(price, baseToWAD), nil
}

var _ domain.PriceOracle = (*PriceOracle)(nil)
