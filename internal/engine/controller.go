package engine

import (
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// Decide is the stateless decision controller: a pure function of a position
// snapshot. It keeps no memory of previous decisions, so re-invoking it with
// the same snapshot always yields the same single next action.
//
// Priority order, first match wins:
//  1. health factor below minimum on any non-idle position: emergency unwind,
//     regardless of recorded state
//  2. unwinding (or emergency) with leverage above 1.0x: keep unwinding;
//     at exactly 1.0x there is nothing left to do but finalize
//  3. looping below target with iterations remaining: one more loop
//  4. otherwise: nothing
func Decide(s domain.Snapshot) domain.Decision {
	p := s.Position

	if p.State != domain.StateIdle && hfBelow(s.HealthFactor, p.MinHealthFactor) {
		return domain.DecisionEmergencyUnwind
	}

	switch p.State {
	case domain.StateUnwinding:
		if p.CurrentLeverage.Cmp(riskmath.WAD) > 0 {
			return domain.DecisionStartUnwind
		}
		return domain.DecisionNone

	case domain.StateEmergency:
		// Leverage still on: the emergency path keeps unwinding until the
		// debt clears; it never returns to looping.
		if p.CurrentLeverage.Cmp(riskmath.WAD) > 0 {
			return domain.DecisionEmergencyUnwind
		}
		return domain.DecisionNone

	case domain.StateLooping:
		if p.CurrentLeverage.Cmp(p.TargetLeverage) < 0 && p.CurrentIteration < p.MaxIterations {
			return domain.DecisionContinueLoop
		}
	}
	return domain.DecisionNone
}

func hfBelow(hf, min *big.Int) bool {
	if hf == nil || min == nil || riskmath.IsSentinel(hf) {
		return false
	}
	return hf.Cmp(min) < 0
}

// PriceTriggered reports whether the collateral price crosses the position's
// take-profit or stop-loss threshold. A zero threshold is disabled.
func PriceTriggered(p domain.Position, price *big.Int) (bool, string) {
	if price == nil || price.Sign() <= 0 {
		return false, ""
	}
	if p.TakeProfitPrice != nil && p.TakeProfitPrice.Sign() > 0 && price.Cmp(p.TakeProfitPrice) >= 0 {
		return true, "take_profit"
	}
	if p.StopLossPrice != nil && p.StopLossPrice.Sign() > 0 && price.Cmp(p.StopLossPrice) <= 0 {
		return true, "stop_loss"
	}
	return false, ""
}

// Controller wraps the pure Decide with the operational toggles that are not
// part of the decision itself: the pause switch and the finality gate for
// large emergency unwinds.
type Controller struct {
	cfg    Config
	paused atomic.Bool
	logger *slog.Logger
}

// NewController creates a Controller with the given policy config.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "controller")),
	}
}

// Pause forces every subsequent Evaluate to NoAction until Resume.
func (c *Controller) Pause() {
	c.paused.Store(true)
	c.logger.Warn("automation paused")
}

// Resume lifts a pause.
func (c *Controller) Resume() {
	c.paused.Store(false)
	c.logger.Info("automation resumed")
}

// Paused reports the pause switch state.
func (c *Controller) Paused() bool {
	return c.paused.Load()
}

// Evaluate runs Decide and applies the pause switch and the finality gate.
// A large emergency unwind is deferred (NoAction) until the observation that
// triggered it has aged past the configured confirmation depth, so the engine
// does not act on data that could still be reorganized.
func (c *Controller) Evaluate(s domain.Snapshot) domain.Decision {
	if c.paused.Load() {
		return domain.DecisionNone
	}

	d := Decide(s)
	if d != domain.DecisionEmergencyUnwind || c.cfg.FinalityConfirmations == 0 {
		return d
	}
	if s.DebtValue == nil || s.DebtValue.Cmp(c.cfg.LargeUnwindThreshold) < 0 {
		return d
	}
	if s.Height-s.ObservedAtHeight < c.cfg.FinalityConfirmations {
		c.logger.Info("deferring large emergency unwind until finality",
			slog.String("user", s.Position.User.Hex()),
			slog.Uint64("observed_at", s.ObservedAtHeight),
			slog.Uint64("height", s.Height),
			slog.Uint64("confirmations", c.cfg.FinalityConfirmations),
		)
		return domain.DecisionNone
	}
	return d
}
