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

// NonceAny marks a trusted internal invocation (sweeper, batch executor)
// that bypasses the anti-front-running nonce check.
const NonceAny = ^uint64(0)

// Skip reasons reported for soft no-ops. A skipped step changes nothing and
// is not an error: the controller simply tries again later.
const (
	SkipNotLooping    = "not_looping"
	SkipNotUnwinding  = "not_unwinding"
	SkipAuthorization = "authorization_mismatch"
	SkipPacing        = "pacing_not_elapsed"
	SkipFeeBudget     = "fee_budget_exhausted"
	SkipUnprofitable  = "unprofitable"
	SkipTargetReached = "target_reached"
	SkipNoCapacity    = "no_borrow_capacity"
	SkipNeedsFlash    = "needs_flash_exit"
)

// StepResult reports the outcome of one executor invocation. Exactly one of
// Committed / SkipReason is meaningful; hard failures are returned as errors
// and leave the position untouched.
type StepResult struct {
	Committed  bool
	SkipReason string
	Position   domain.Position
}

// Alerter pushes high-severity events (emergency transitions) to operators.
type Alerter interface {
	Alert(ctx context.Context, event string, detail map[string]any)
}

// Deps bundles the collaborators the executor drives.
type Deps struct {
	Positions domain.PositionStore
	Market    domain.LendingMarket
	Swap      domain.SwapVenue
	Oracle    domain.PriceOracle
	Chain     domain.ChainReader
	Runner    domain.AtomicRunner
	Flash     domain.FlashLender
	Reserve   *FeeReserve
	Guard     *Guard
	Bus       domain.EventBus
	Audit     domain.AuditStore
	Alerter   Alerter // optional
}

// Executor performs exactly one loop or unwind step per invocation. An
// invocation is the unit of retry and idempotence: re-invoking after the
// target is reached degrades to a reported no-op.
type Executor struct {
	cfg      Config
	operator common.Address // address holding funds mid-step
	d        Deps
	logger   *slog.Logger
}

// NewExecutor creates an Executor. operator is the engine's own address,
// where withdrawn funds sit between legs of a step.
func NewExecutor(cfg Config, operator common.Address, d Deps, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		operator: operator,
		d:        d,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// FeeReserveBalance reports the remaining shared execution-fee budget.
func (e *Executor) FeeReserveBalance() *big.Int {
	return e.d.Reserve.Balance()
}

// Snapshot loads the position and its current on-chain risk data. The
// controller must always observe the position as of the most recent committed
// step, so this reads fresh state on every call.
func (e *Executor) Snapshot(ctx context.Context, user common.Address) (domain.Snapshot, error) {
	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("engine: snapshot %s: %w", user.Hex(), err)
	}
	acct, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("engine: snapshot %s: account data: %w", user.Hex(), err)
	}
	height, err := e.d.Chain.BlockHeight(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("engine: snapshot %s: height: %w", user.Hex(), err)
	}
	return domain.Snapshot{
		Position:         pos,
		CollateralValue:  acct.TotalCollateralValue,
		DebtValue:        acct.TotalDebtValue,
		LiqThresholdBps:  acct.LiqThresholdBps,
		HealthFactor:     acct.HealthFactor,
		Height:           height,
		ObservedAtHeight: height,
	}, nil
}

// LoopStep performs one borrow, convert, re-supply cycle for user. Soft
// conditions (wrong state, nonce, pacing, fee budget, profitability, target
// already reached) skip without touching anything; collaborator failures are
// atomic and surface as errors with the position unchanged.
func (e *Executor) LoopStep(ctx context.Context, user common.Address, nonce uint64) (StepResult, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: %w", err)
	}
	log := e.logger.With(slog.String("user", user.Hex()))

	if pos.State != domain.StateLooping {
		return e.skip(ctx, pos, SkipNotLooping), nil
	}
	if nonce != NonceAny && nonce != pos.ExecutionNonce {
		return e.skip(ctx, pos, SkipAuthorization), nil
	}

	height, err := e.d.Chain.BlockHeight(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: height: %w", err)
	}
	if pos.MinStepInterval > 0 && height < pos.LastUpdateHeight+pos.MinStepInterval {
		return e.skip(ctx, pos, SkipPacing), nil
	}

	fee := e.cfg.StepFee
	if pos.MaxFeeSpend != nil && pos.MaxFeeSpend.Sign() > 0 {
		if new(big.Int).Add(pos.FeeSpentSoFar, fee).Cmp(pos.MaxFeeSpend) > 0 {
			return e.skip(ctx, pos, SkipFeeBudget), nil
		}
	}

	acct, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: account data: %w", err)
	}

	// A breach forces the emergency transition before any other work.
	if hfBelow(acct.HealthFactor, pos.MinHealthFactor) {
		return e.escalate(ctx, pos, acct.HealthFactor)
	}

	if pos.CurrentLeverage.Cmp(pos.TargetLeverage) >= 0 || pos.CurrentIteration >= pos.MaxIterations {
		return e.skip(ctx, pos, SkipTargetReached), nil
	}

	if e.cfg.ProfitabilityCheck {
		ok, err := e.profitable(ctx, pos)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: loop step: profitability: %w", err)
		}
		if !ok {
			return e.skip(ctx, pos, SkipUnprofitable), nil
		}
	}

	borrowValue, err := e.loopBorrowValue(ctx, pos, acct)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: %w", err)
	}
	if borrowValue.Sign() <= 0 {
		return e.skip(ctx, pos, SkipNoCapacity), nil
	}

	// Refuse the step outright when even the conservative projection (swap
	// output at the slippage floor) breaches the minimum health factor.
	projC := new(big.Int).Add(acct.TotalCollateralValue, applySlippage(borrowValue, pos.SlippageToleranceBps))
	projD := new(big.Int).Add(acct.TotalDebtValue, borrowValue)
	if hfBelow(riskmath.HealthFactor(projC, projD, acct.LiqThresholdBps), pos.MinHealthFactor) {
		e.recordFailure(ctx, pos, "loop", domain.ErrHealthFactorBreach)
		return StepResult{}, fmt.Errorf("engine: loop step %s: %w", user.Hex(), domain.ErrHealthFactorBreach)
	}

	borrowPrice, err := e.d.Oracle.Price(ctx, pos.BorrowAsset)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: borrow price: %w", err)
	}
	amountIn, err := valueToUnits(borrowValue, borrowPrice)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: %w", err)
	}
	if amountIn.Sign() <= 0 {
		return e.skip(ctx, pos, SkipNoCapacity), nil
	}

	// The shared reserve pays up front and is refunded if the step fails.
	if err := e.d.Reserve.Debit(fee); err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: %w", err)
	}

	err = e.d.Runner.RunAtomic(ctx, func(ctx context.Context) error {
		if err := e.d.Market.Borrow(ctx, pos.BorrowAsset, amountIn, user); err != nil {
			return fmt.Errorf("borrow: %w", err)
		}
		supplyAmount := amountIn
		if pos.Conversion == domain.ConversionSwap {
			quote, err := e.d.Swap.Quote(ctx, amountIn, pos.SwapPath)
			if err != nil {
				return fmt.Errorf("quote: %w", err)
			}
			out, err := e.d.Swap.Swap(ctx, amountIn, applySlippage(quote, pos.SlippageToleranceBps), pos.SwapPath)
			if err != nil {
				return fmt.Errorf("swap: %w", err)
			}
			supplyAmount = out
		}
		if err := e.d.Market.Supply(ctx, pos.CollateralAsset, supplyAmount, user); err != nil {
			return fmt.Errorf("supply: %w", err)
		}
		return nil
	})
	if err != nil {
		e.d.Reserve.Credit(fee)
		e.recordFailure(ctx, pos, "loop", err)
		return StepResult{}, fmt.Errorf("engine: loop step %s: %w", user.Hex(), err)
	}

	after, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: read back: %w", err)
	}

	newLev := riskmath.Leverage(after.TotalCollateralValue, after.TotalDebtValue)
	if !riskmath.IsSentinel(newLev) {
		pos.CurrentLeverage = newLev
	}
	pos.CurrentIteration++
	pos.LastUpdateHeight = height
	pos.FeeSpentSoFar = new(big.Int).Add(pos.FeeSpentSoFar, fee)
	pos.UpdatedAt = time.Now().UTC()

	// Post-step verification: a looping position is never persisted below
	// its minimum health factor.
	if riskmath.IsSentinel(newLev) || hfBelow(after.HealthFactor, pos.MinHealthFactor) {
		_ = pos.Transition(domain.StateEmergency)
		e.alertEmergency(ctx, pos, after.HealthFactor)
	}

	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: loop step: persist: %w", err)
	}

	e.publish(ctx, domain.EventLoopStep, map[string]any{
		"user":      user.Hex(),
		"iteration": pos.CurrentIteration,
		"leverage":  pos.CurrentLeverage.String(),
		"height":    height,
	})
	log.Info("loop step committed",
		slog.Int("iteration", pos.CurrentIteration),
		slog.String("leverage", pos.CurrentLeverage.String()),
		slog.String("borrowed_value", borrowValue.String()),
	)
	return StepResult{Committed: true, Position: pos}, nil
}

// loopBorrowValue sizes the next borrow in base-currency value: the LTV-safe
// amount, capped by the health-factor ceiling and by the distance left to the
// target leverage.
func (e *Executor) loopBorrowValue(ctx context.Context, pos domain.Position, acct domain.AccountData) (*big.Int, error) {
	ltv, err := e.d.Market.ReserveLTV(ctx, pos.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("reserve ltv: %w", err)
	}

	borrowValue := riskmath.SafeBorrow(acct.TotalCollateralValue, ltv, e.cfg.SafetyBufferBps)
	borrowValue.Sub(borrowValue, acct.TotalDebtValue)
	if borrowValue.Sign() <= 0 {
		return new(big.Int), nil
	}
	if cap := riskmath.MaxBorrow(acct.TotalCollateralValue, acct.TotalDebtValue, acct.LiqThresholdBps, pos.MinHealthFactor); cap.Cmp(borrowValue) < 0 {
		borrowValue = cap
	}

	// Distance to target: debt at target leverage is (L-1) * equity.
	equity := new(big.Int).Sub(acct.TotalCollateralValue, acct.TotalDebtValue)
	targetDebt := new(big.Int).Sub(pos.TargetLeverage, riskmath.WAD)
	targetDebt.Mul(targetDebt, equity)
	targetDebt.Div(targetDebt, riskmath.WAD)
	remaining := targetDebt.Sub(targetDebt, acct.TotalDebtValue)
	if remaining.Sign() < 0 {
		return new(big.Int), nil
	}
	if remaining.Cmp(borrowValue) < 0 {
		borrowValue = remaining
	}
	return borrowValue, nil
}

// profitable checks the leveraged net yield: supply APR scaled by leverage
// must beat borrow APR scaled by the borrowed share plus the minimum spread.
func (e *Executor) profitable(ctx context.Context, pos domain.Position) (bool, error) {
	supplyRates, err := e.d.Market.Rates(ctx, pos.CollateralAsset)
	if err != nil {
		return false, err
	}
	borrowRates, err := e.d.Market.Rates(ctx, pos.BorrowAsset)
	if err != nil {
		return false, err
	}

	lev := pos.TargetLeverage
	earnBps := new(big.Int).Mul(big.NewInt(supplyRates.SupplyAPRBps), lev)
	earnBps.Div(earnBps, riskmath.WAD)
	borrowedShare := new(big.Int).Sub(lev, riskmath.WAD)
	costBps := new(big.Int).Mul(big.NewInt(borrowRates.BorrowAPRBps), borrowedShare)
	costBps.Div(costBps, riskmath.WAD)
	costBps.Add(costBps, big.NewInt(e.cfg.MinSpreadBps))

	return earnBps.Cmp(costBps) >= 0, nil
}

// UnwindStep performs one withdraw, convert, repay cycle. Emergency positions
// bypass pacing and the per-position fee budget: safety outranks cost control.
func (e *Executor) UnwindStep(ctx context.Context, user common.Address, nonce uint64) (StepResult, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: %w", err)
	}
	log := e.logger.With(slog.String("user", user.Hex()))

	if nonce != NonceAny && nonce != pos.ExecutionNonce {
		return e.skip(ctx, pos, SkipAuthorization), nil
	}

	// A breached LOOPING position arrives here when the controller decides
	// an emergency unwind. The transition to EMERGENCY must commit before
	// any other work, then the unwind proceeds in the same invocation.
	if pos.State == domain.StateLooping {
		acct, err := e.d.Market.AccountData(ctx, user)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: unwind step: account data: %w", err)
		}
		if !hfBelow(acct.HealthFactor, pos.MinHealthFactor) {
			return e.skip(ctx, pos, SkipNotUnwinding), nil
		}
		res, err := e.escalate(ctx, pos, acct.HealthFactor)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: unwind step: %w", err)
		}
		pos = res.Position
	}

	if pos.State != domain.StateUnwinding && pos.State != domain.StateEmergency {
		return e.skip(ctx, pos, SkipNotUnwinding), nil
	}

	height, err := e.d.Chain.BlockHeight(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: height: %w", err)
	}
	emergency := pos.State == domain.StateEmergency
	if !emergency {
		if pos.MinStepInterval > 0 && height < pos.LastUpdateHeight+pos.MinStepInterval {
			return e.skip(ctx, pos, SkipPacing), nil
		}
		if pos.MaxFeeSpend != nil && pos.MaxFeeSpend.Sign() > 0 {
			if new(big.Int).Add(pos.FeeSpentSoFar, e.cfg.StepFee).Cmp(pos.MaxFeeSpend) > 0 {
				return e.skip(ctx, pos, SkipFeeBudget), nil
			}
		}
	}

	acct, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: account data: %w", err)
	}

	// Debt already cleared: sweep the remaining collateral to the user and
	// settle into idle; finalization then deletes the record.
	if acct.TotalDebtValue.Sign() == 0 {
		return e.settleUnwound(ctx, pos, acct, height)
	}

	// A breach mid-unwind flips the state first, then the work continues.
	if !emergency && hfBelow(acct.HealthFactor, pos.MinHealthFactor) {
		if err := pos.Transition(domain.StateEmergency); err != nil {
			return StepResult{}, fmt.Errorf("engine: unwind step: %w", err)
		}
		pos.UpdatedAt = time.Now().UTC()
		if err := e.d.Positions.Update(ctx, pos); err != nil {
			return StepResult{}, fmt.Errorf("engine: unwind step: persist emergency: %w", err)
		}
		e.alertEmergency(ctx, pos, acct.HealthFactor)
	}

	targetHF := e.cfg.UnwindTargetHF
	if pos.MinHealthFactor.Cmp(targetHF) > 0 {
		targetHF = pos.MinHealthFactor
	}
	withdrawValue := riskmath.SafeWithdraw(acct.TotalCollateralValue, acct.TotalDebtValue, acct.LiqThresholdBps, targetHF)
	if withdrawValue.Sign() <= 0 {
		// No collateral can be freed without digging the hole deeper; the
		// iterative path is stuck and the flash exit is the way out.
		e.recordFailure(ctx, pos, "unwind", domain.ErrHealthFactorBreach)
		return e.skip(ctx, pos, SkipNeedsFlash), nil
	}
	// Do not free more than the debt needs, padded for slippage.
	maxUseful := new(big.Int).Mul(acct.TotalDebtValue, big.NewInt(10_000))
	maxUseful.Div(maxUseful, big.NewInt(10_000-pos.SlippageToleranceBps))
	if withdrawValue.Cmp(maxUseful) > 0 {
		withdrawValue = maxUseful
	}

	colPrice, err := e.d.Oracle.Price(ctx, pos.CollateralAsset)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: collateral price: %w", err)
	}
	withdrawUnits, err := valueToUnits(withdrawValue, colPrice)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: %w", err)
	}

	fee := e.cfg.StepFee
	if err := e.d.Reserve.Debit(fee); err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: %w", err)
	}

	err = e.d.Runner.RunAtomic(ctx, func(ctx context.Context) error {
		withdrawn, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, withdrawUnits, e.operator)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		repayAmount := withdrawn
		if pos.Conversion == domain.ConversionSwap {
			path := reversePath(pos.SwapPath)
			quote, err := e.d.Swap.Quote(ctx, withdrawn, path)
			if err != nil {
				return fmt.Errorf("quote: %w", err)
			}
			out, err := e.d.Swap.Swap(ctx, withdrawn, applySlippage(quote, pos.SlippageToleranceBps), path)
			if err != nil {
				return fmt.Errorf("swap: %w", err)
			}
			repayAmount = out
		}
		if _, err := e.d.Market.Repay(ctx, pos.BorrowAsset, repayAmount, pos.User); err != nil {
			return fmt.Errorf("repay: %w", err)
		}
		return nil
	})
	if err != nil {
		e.d.Reserve.Credit(fee)
		e.recordFailure(ctx, pos, "unwind", err)
		return StepResult{}, fmt.Errorf("engine: unwind step %s: %w", user.Hex(), err)
	}

	after, err := e.d.Market.AccountData(ctx, user)
	if err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: read back: %w", err)
	}
	pos.LastUpdateHeight = height
	pos.FeeSpentSoFar = new(big.Int).Add(pos.FeeSpentSoFar, fee)
	pos.UpdatedAt = time.Now().UTC()

	if after.TotalDebtValue.Sign() == 0 {
		return e.settleUnwound(ctx, pos, after, height)
	}
	newLev := riskmath.Leverage(after.TotalCollateralValue, after.TotalDebtValue)
	if !riskmath.IsSentinel(newLev) {
		pos.CurrentLeverage = newLev
	}
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: unwind step: persist: %w", err)
	}

	e.publish(ctx, domain.EventUnwindStep, map[string]any{
		"user":     user.Hex(),
		"leverage": pos.CurrentLeverage.String(),
		"height":   height,
	})
	log.Info("unwind step committed",
		slog.String("leverage", pos.CurrentLeverage.String()),
		slog.String("withdrawn_value", withdrawValue.String()),
		slog.Bool("emergency", pos.State == domain.StateEmergency),
	)
	return StepResult{Committed: true, Position: pos}, nil
}

// settleUnwound withdraws whatever collateral remains back to the user and
// parks the position in idle with exactly 1.0x leverage.
func (e *Executor) settleUnwound(ctx context.Context, pos domain.Position, acct domain.AccountData, height uint64) (StepResult, error) {
	if acct.TotalCollateralValue.Sign() > 0 {
		colPrice, err := e.d.Oracle.Price(ctx, pos.CollateralAsset)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: settle: collateral price: %w", err)
		}
		units, err := valueToUnits(acct.TotalCollateralValue, colPrice)
		if err != nil {
			return StepResult{}, fmt.Errorf("engine: settle: %w", err)
		}
		err = e.d.Runner.RunAtomic(ctx, func(ctx context.Context) error {
			_, err := e.d.Market.Withdraw(ctx, pos.CollateralAsset, units, pos.User)
			return err
		})
		if err != nil {
			e.recordFailure(ctx, pos, "settle", err)
			return StepResult{}, fmt.Errorf("engine: settle %s: %w", pos.User.Hex(), err)
		}
	}

	pos.CurrentLeverage = new(big.Int).Set(riskmath.WAD)
	if err := pos.Transition(domain.StateIdle); err != nil {
		return StepResult{}, fmt.Errorf("engine: settle: %w", err)
	}
	pos.LastUpdateHeight = height
	pos.UpdatedAt = time.Now().UTC()
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: settle: persist: %w", err)
	}

	e.publish(ctx, domain.EventUnwindStep, map[string]any{
		"user":   pos.User.Hex(),
		"final":  true,
		"height": height,
	})
	e.logger.Info("position fully unwound",
		slog.String("user", pos.User.Hex()),
	)
	return StepResult{Committed: true, Position: pos}, nil
}

// escalate commits the emergency transition before any other work. The
// transition is itself the committed effect of the invocation.
func (e *Executor) escalate(ctx context.Context, pos domain.Position, hf *big.Int) (StepResult, error) {
	if err := pos.Transition(domain.StateEmergency); err != nil {
		return StepResult{}, fmt.Errorf("engine: escalate %s: %w", pos.User.Hex(), err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return StepResult{}, fmt.Errorf("engine: escalate %s: persist: %w", pos.User.Hex(), err)
	}
	e.alertEmergency(ctx, pos, hf)
	return StepResult{Committed: true, Position: pos}, nil
}

func (e *Executor) alertEmergency(ctx context.Context, pos domain.Position, hf *big.Int) {
	detail := map[string]any{
		"user":          pos.User.Hex(),
		"health_factor": hf.String(),
		"min_hf":        pos.MinHealthFactor.String(),
	}
	e.publish(ctx, domain.EventEmergency, detail)
	if e.d.Alerter != nil {
		e.d.Alerter.Alert(ctx, domain.EventEmergency, detail)
	}
	e.logger.Warn("health factor breach, position escalated to emergency",
		slog.String("user", pos.User.Hex()),
		slog.String("health_factor", hf.String()),
	)
}

func (e *Executor) skip(ctx context.Context, pos domain.Position, reason string) StepResult {
	e.publish(ctx, domain.EventStepSkipped, map[string]any{
		"user":   pos.User.Hex(),
		"reason": reason,
	})
	e.logger.Debug("step skipped",
		slog.String("user", pos.User.Hex()),
		slog.String("reason", reason),
	)
	return StepResult{SkipReason: reason, Position: pos}
}

// recordFailure audits a failed controller-initiated step so automation
// health stays observable; the failure itself does not halt the system.
func (e *Executor) recordFailure(ctx context.Context, pos domain.Position, kind string, cause error) {
	if e.d.Audit == nil {
		return
	}
	if err := e.d.Audit.Log(ctx, domain.EventStepFailed, map[string]any{
		"user":  pos.User.Hex(),
		"kind":  kind,
		"error": cause.Error(),
	}); err != nil {
		e.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) publish(ctx context.Context, event string, detail map[string]any) {
	if e.d.Bus == nil {
		return
	}
	detail["event"] = event
	payload, err := marshalEvent(detail)
	if err != nil {
		return
	}
	if err := e.d.Bus.Publish(ctx, domain.StreamPositions, payload); err != nil {
		e.logger.Warn("event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
