package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/engine"
)

// AutomationService is the privileged surface the operator API and keeper
// drive. Every operation degrades to an idempotent no-op when the position is
// not in a state that needs it.
type AutomationService struct {
	exec   *engine.Executor
	ctrl   *engine.Controller
	batch  *engine.BatchExecutor
	locks  domain.LockManager
	logger *slog.Logger
}

// NewAutomationService creates an AutomationService.
func NewAutomationService(
	exec *engine.Executor,
	ctrl *engine.Controller,
	batch *engine.BatchExecutor,
	locks domain.LockManager,
	logger *slog.Logger,
) *AutomationService {
	return &AutomationService{
		exec:   exec,
		ctrl:   ctrl,
		batch:  batch,
		locks:  locks,
		logger: logger.With(slog.String("component", "automation_service")),
	}
}

// withLock runs fn under the cross-process lock for user. The engine's own
// guard handles in-process reentrancy; this keeps two keeper instances from
// stepping the same position at once.
func (s *AutomationService) withLock(ctx context.Context, user common.Address, fn func(ctx context.Context) (engine.StepResult, error)) (engine.StepResult, error) {
	release, err := s.locks.Acquire(ctx, lockKey(user), lockTTL)
	if err != nil {
		return engine.StepResult{}, fmt.Errorf("automation_service: lock %s: %w", user.Hex(), err)
	}
	defer release()
	return fn(ctx)
}

// ContinueLoop performs one loop step for user under the given nonce.
func (s *AutomationService) ContinueLoop(ctx context.Context, user common.Address, nonce uint64) (engine.StepResult, error) {
	return s.withLock(ctx, user, func(ctx context.Context) (engine.StepResult, error) {
		return s.exec.LoopStep(ctx, user, nonce)
	})
}

// ContinueUnwind performs one unwind step for user under the given nonce.
func (s *AutomationService) ContinueUnwind(ctx context.Context, user common.Address, nonce uint64) (engine.StepResult, error) {
	return s.withLock(ctx, user, func(ctx context.Context) (engine.StepResult, error) {
		return s.exec.UnwindStep(ctx, user, nonce)
	})
}

// AtomicEnterLeverage reaches the target leverage through the flash path.
func (s *AutomationService) AtomicEnterLeverage(ctx context.Context, user common.Address, nonce uint64) (engine.StepResult, error) {
	return s.withLock(ctx, user, func(ctx context.Context) (engine.StepResult, error) {
		return s.exec.FlashEnter(ctx, user, nonce)
	})
}

// AtomicExitLeverage unwinds the whole position through the flash path.
func (s *AutomationService) AtomicExitLeverage(ctx context.Context, user common.Address, nonce uint64) (engine.StepResult, error) {
	return s.withLock(ctx, user, func(ctx context.Context) (engine.StepResult, error) {
		return s.exec.FlashExit(ctx, user, nonce)
	})
}

// BatchExecute runs a set of requests through the batch executor.
func (s *AutomationService) BatchExecute(ctx context.Context, reqs []domain.BatchRequest) domain.BatchReport {
	return s.batch.Execute(ctx, reqs)
}

// Evaluate takes a fresh snapshot for user, runs the decision controller, and
// executes the resulting action, if any. This is the single-position analogue
// of one sweep iteration.
func (s *AutomationService) Evaluate(ctx context.Context, user common.Address) (domain.Decision, engine.StepResult, error) {
	snap, err := s.exec.Snapshot(ctx, user)
	if err != nil {
		return domain.DecisionNone, engine.StepResult{}, fmt.Errorf("automation_service: evaluate %s: %w", user.Hex(), err)
	}

	decision := s.ctrl.Evaluate(snap)
	var res engine.StepResult
	switch decision {
	case domain.DecisionContinueLoop:
		res, err = s.ContinueLoop(ctx, user, engine.NonceAny)
	case domain.DecisionStartUnwind, domain.DecisionEmergencyUnwind:
		res, err = s.ContinueUnwind(ctx, user, engine.NonceAny)
	case domain.DecisionNone:
		return decision, engine.StepResult{Position: snap.Position}, nil
	}
	if err != nil {
		return decision, engine.StepResult{}, err
	}
	return decision, res, nil
}

// Snapshot exposes the engine's fresh position view for read-only callers.
func (s *AutomationService) Snapshot(ctx context.Context, user common.Address) (domain.Snapshot, error) {
	return s.exec.Snapshot(ctx, user)
}

// Pause halts all controller-driven automation.
func (s *AutomationService) Pause() {
	s.ctrl.Pause()
	s.logger.Warn("automation paused by operator")
}

// Resume lifts an operator pause.
func (s *AutomationService) Resume() {
	s.ctrl.Resume()
	s.logger.Info("automation resumed by operator")
}

// Paused reports whether automation is currently paused.
func (s *AutomationService) Paused() bool {
	return s.ctrl.Paused()
}

// FeeReserve reports the remaining shared execution-fee budget, WAD.
func (s *AutomationService) FeeReserve() *big.Int {
	return s.exec.FeeReserveBalance()
}
