package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// FeeReserve is the shared execution-fee pool that pays for controller-driven
// invocations. It is monotonically decremented and never goes negative: a
// debit that would overdraw fails loudly instead of partially executing.
type FeeReserve struct {
	mu      sync.Mutex
	balance *big.Int
}

// NewFeeReserve creates a reserve holding the given WAD balance.
func NewFeeReserve(initial *big.Int) *FeeReserve {
	return &FeeReserve{balance: new(big.Int).Set(initial)}
}

// Debit removes amount from the reserve, or returns ErrFeeBudgetExceeded
// when the reserve cannot cover it.
func (r *FeeReserve) Debit(amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balance.Cmp(amount) < 0 {
		return fmt.Errorf("fee reserve: balance %s below debit %s: %w",
			r.balance, amount, domain.ErrFeeBudgetExceeded)
	}
	r.balance.Sub(r.balance, amount)
	return nil
}

// Credit returns amount to the reserve. Used to refund a debit when the step
// it paid for did not commit, and for operator top-ups.
func (r *FeeReserve) Credit(amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balance.Add(r.balance, amount)
}

// Balance returns a copy of the current reserve balance.
func (r *FeeReserve) Balance() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balance)
}
