package engine

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// applySlippage discounts x by bps, flooring. Used to derive minimum-output
// bounds and conservative projections.
func applySlippage(x *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(10_000-bps))
	return out.Div(out, big.NewInt(10_000))
}

// valueToUnits converts a base-currency WAD value into asset units at the
// given WAD price.
func valueToUnits(value, price *big.Int) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive oracle price")
	}
	out := new(big.Int).Mul(value, riskmath.WAD)
	return out.Div(out, price), nil
}

// unitsToValue converts asset units into base-currency WAD value.
func unitsToValue(units, price *big.Int) *big.Int {
	out := new(big.Int).Mul(units, price)
	return out.Div(out, riskmath.WAD)
}

// reversePath flips a swap path for the unwind direction.
func reversePath(path []common.Address) []common.Address {
	out := make([]common.Address, len(path))
	for i, a := range path {
		out[len(path)-1-i] = a
	}
	return out
}

func marshalEvent(detail map[string]any) ([]byte, error) {
	return json.Marshal(detail)
}
