package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// FlashEnter reaches the target leverage in one indivisible operation: flash
// borrow the full sizing, convert, supply, then borrow against the enlarged
// collateral to repay the flash principal plus premium. Any failing leg
// discards the whole operation; there is no partial-success notion here.
func (e *Executor) FlashEnter(ctx context.Context, user common.Address, nonce uint64) (StepResult, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: %w", err)
	}
	if pos.State != domain.StateLooping {
		return e.skip(ctx, pos, SkipNotLooping), nil
	}
	if nonce != NonceAny && nonce != pos.ExecutionNonce {
		return e.skip(ctx, pos, SkipAuthorization), nil
	}
	if pos.CurrentLeverage.Cmp(pos.TargetLeverage) >= 0 {
		return e.skip(ctx, pos, SkipTargetReached), nil
	}

	flashCol, err := riskmath.FlashSize(pos.InitialCollateral, pos.TargetLeverage, e.cfg.MaxLeverage)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter %s: %w", user.Hex(), err)
	}
	if flashCol.Sign() == 0 {
		return e.skip(ctx, pos, SkipTargetReached), nil
	}

	height, err := e.d.Chain.BlockHeight(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: height: %w", err)
	}
	colPrice, err := e.d.Oracle.Price(ctx, pos.CollateralAsset)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: collateral price: %w", err)
	}

	// Flash principal is denominated in the borrow asset.
	flashUnits := flashCol
	if pos.Conversion == domain.ConversionSwap {
		borPrice, err := e.d.Oracle.Price(ctx, pos.BorrowAsset)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: flash enter: borrow price: %w", err)
		}
		flashUnits, err = valueToUnits(unitsToValue(flashCol, colPrice), borPrice)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: flash enter: %w", err)
		}
	}

	fee := e.cfg.StepFee
	if err := e.d.Reserve.Debit(fee); err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: %w", err)
	}

	err = e.d.Flash.FlashLoan(ctx, pos.BorrowAsset, flashUnits, func(ctx context.Context, premium *big.Int) error {
		uow := NewUnitOfWork(e.d.Runner)

		supplyAmount := new(big.Int).Set(flashUnits)
		if pos.Conversion == domain.ConversionSwap {
			uow.Queue("convert", func(ctx context.Context) error {
				quote, err := e.d.Swap.Quote(ctx, flashUnits, pos.SwapPath)
				if err != nil {
					return err
				}
				out, err := e.d.Swap.Swap(ctx, flashUnits, applySlippage(quote, pos.SlippageToleranceBps), pos.SwapPath)
				if err != nil {
					return err
				}
				supplyAmount.Set(out)
				return nil
			})
		}
		uow.Queue("supply", func(ctx context.Context) error {
			return e.d.Market.Supply(ctx, pos.CollateralAsset, supplyAmount, user)
		})
		owed := new(big.Int).Add(flashUnits, premium)
		uow.Queue("borrow_repayment", func(ctx context.Context) error {
			return e.d.Market.Borrow(ctx, pos.BorrowAsset, owed, user)
		})
		return uow.Commit(ctx)
	})
	if err != nil {
		e.d.Reserve.Credit(fee)
		e.recordFailure(ctx, pos, "flash_enter", err)
		return StepResult{}, fmt.Errorf("engine: flash enter %s: %w", user.Hex(), err)
	}

	after, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: read back: %w", err)
	}
	newLev := riskmath.Leverage(after.TotalCollateralValue, after.TotalDebtValue)
	if !riskmath.IsSentinel(newLev) {
		pos.CurrentLeverage = newLev
	}
	pos.CurrentIteration++
	pos.LastUpdateHeight = height
	pos.FeeSpentSoFar = new(big.Int).Add(pos.FeeSpentSoFar, fee)
	pos.UpdatedAt = time.Now().UTC()
	if hfBelow(after.HealthFactor, pos.MinHealthFactor) {
		_ = pos.Transition(domain.StateEmergency)
		e.alertEmergency(ctx, pos, after.HealthFactor)
	}
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: flash enter: persist: %w", err)
	}

	e.publish(ctx, domain.EventFlashEnter, map[string]any{
		"user":     user.Hex(),
		"leverage": pos.CurrentLeverage.String(),
		"flash":    flashUnits.String(),
		"height":   height,
	})
	e.logger.Info("flash enter committed",
		slog.String("user", user.Hex()),
		slog.String("leverage", pos.CurrentLeverage.String()),
	)
	return StepResult{Committed: true, Position: pos}, nil
}

// FlashExit unwinds the whole position in one indivisible operation: flash
// borrow the outstanding debt, repay it, withdraw all collateral, convert
// just enough to cover the flash principal plus premium, and return the
// remainder to the user. All-or-nothing.
func (e *Executor) FlashExit(ctx context.Context, user common.Address, nonce uint64) (StepResult, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: %w", err)
	}
	if pos.State == domain.StateIdle {
		return e.skip(ctx, pos, SkipNotUnwinding), nil
	}
	if nonce != NonceAny && nonce != pos.ExecutionNonce {
		return e.skip(ctx, pos, SkipAuthorization), nil
	}

	height, err := e.d.Chain.BlockHeight(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: height: %w", err)
	}
	acct, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: account data: %w", err)
	}
	if acct.TotalDebtValue.Sign() == 0 {
		return e.settleUnwound(ctx, pos, acct, height)
	}

	colPrice, err := e.d.Oracle.Price(ctx, pos.CollateralAsset)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: collateral price: %w", err)
	}
	borPrice, err := e.d.Oracle.Price(ctx, pos.BorrowAsset)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: borrow price: %w", err)
	}
	debtUnits, err := valueToUnits(acct.TotalDebtValue, borPrice)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: %w", err)
	}
	colUnits, err := valueToUnits(acct.TotalCollateralValue, colPrice)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: %w", err)
	}

	fee := e.cfg.StepFee
	if err := e.d.Reserve.Debit(fee); err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: %w", err)
	}

	err = e.d.Flash.FlashLoan(ctx, pos.BorrowAsset, debtUnits, func(ctx context.Context, premium *big.Int) error {
		uow := NewUnitOfWork(e.d.Runner)

		uow.Queue("repay", func(ctx context.Context) error {
			_, err := e.d.Market.Repay(ctx, pos.BorrowAsset, debtUnits, user)
			return err
		})

		owed := new(big.Int).Add(debtUnits, premium)
		if pos.Conversion == domain.ConversionSwap {
			// Free just enough collateral to buy back the flash principal,
			// padded for slippage; everything else goes straight to the user.
			needIn, err := valueToUnits(unitsToValue(owed, borPrice), colPrice)
			if err != nil {
				return err
			}
			needIn.Mul(needIn, big.NewInt(10_000))
			needIn.Div(needIn, big.NewInt(10_000-pos.SlippageToleranceBps))

			uow.Queue("withdraw_swap_leg", func(ctx context.Context) error {
				_, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, needIn, e.operator)
				return err
			})
			uow.Queue("convert", func(ctx context.Context) error {
				_, err := e.d.Swap.Swap(ctx, needIn, owed, reversePath(pos.SwapPath))
				return err
			})
			if rem := new(big.Int).Sub(colUnits, needIn); rem.Sign() > 0 {
				uow.Queue("withdraw_remainder", func(ctx context.Context) error {
					_, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, rem, user)
					return err
				})
			}
		} else {
			uow.Queue("withdraw_flash_repay", func(ctx context.Context) error {
				_, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, owed, e.operator)
				return err
			})
			if rem := new(big.Int).Sub(colUnits, owed); rem.Sign() > 0 {
				uow.Queue("withdraw_remainder", func(ctx context.Context) error {
					_, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, rem, user)
					return err
				})
			}
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		e.d.Reserve.Credit(fee)
		e.recordFailure(ctx, pos, "flash_exit", err)
		return StepResult{}, fmt.Errorf("engine: flash exit %s: %w", user.Hex(), err)
	}

	pos.CurrentLeverage = new(big.Int).Set(riskmath.WAD)
	if err := pos.Transition(domain.StateIdle); err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: %w", err)
	}
	pos.LastUpdateHeight = height
	pos.FeeSpentSoFar = new(big.Int).Add(pos.FeeSpentSoFar, fee)
	pos.UpdatedAt = time.Now().UTC()
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: flash exit: persist: %w", err)
	}

	e.publish(ctx, domain.EventFlashExit, map[string]any{
		"user":   user.Hex(),
		"height": height,
	})
	e.logger.Info("flash exit committed", slog.String("user", user.Hex()))
	return StepResult{Committed: true, Position: pos}, nil
}
