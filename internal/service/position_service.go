package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/engine"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

// lockTTL bounds how long a cross-process position lock can outlive its owner.
const lockTTL = 30 * time.Second

// Archiver stores a finalized position's history outside the hot store.
type Archiver interface {
	ArchivePosition(ctx context.Context, pos domain.Position) error
}

// PositionService owns the user-facing position lifecycle: opening, trigger
// management, unwind requests, the emergency escape hatch, and finalization.
// Step-by-step execution is the engine's job; this layer validates intent and
// keeps the store, active set, and archive consistent.
type PositionService struct {
	cfg       engine.Config
	positions domain.PositionStore
	market    domain.LendingMarket
	exec      *engine.Executor
	active    domain.ActiveSet
	locks     domain.LockManager
	bus       domain.EventBus
	audit     domain.AuditStore
	archiver  Archiver // optional
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. archiver may be nil when
// history archival is disabled.
func NewPositionService(
	cfg engine.Config,
	positions domain.PositionStore,
	market domain.LendingMarket,
	exec *engine.Executor,
	active domain.ActiveSet,
	locks domain.LockManager,
	bus domain.EventBus,
	audit domain.AuditStore,
	archiver Archiver,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		cfg:       cfg,
		positions: positions,
		market:    market,
		exec:      exec,
		active:    active,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		archiver:  archiver,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// OpenParams are the user-supplied parameters for a new position.
type OpenParams struct {
	User            common.Address
	CollateralAsset common.Address
	BorrowAsset     common.Address
	SwapPath        []common.Address

	InitialCollateral *big.Int // collateral-asset units, WAD
	TargetLeverage    *big.Int // WAD

	MinHealthFactor      *big.Int // WAD, 0 = engine default
	SlippageToleranceBps int64
	MaxIterations        int // 0 = estimated from the reserve LTV

	UseFlashExecution bool
	MaxFeeSpend       *big.Int // WAD, 0 = unlimited
	MinStepInterval   uint64
	ExecutionNonce    uint64

	TakeProfitPrice *big.Int
	StopLossPrice   *big.Int
}

func (s *PositionService) validate(p OpenParams) error {
	if p.InitialCollateral == nil || p.InitialCollateral.Sign() <= 0 {
		return fmt.Errorf("position_service: non-positive initial collateral")
	}
	if p.TargetLeverage == nil ||
		p.TargetLeverage.Cmp(riskmath.WAD) < 0 ||
		p.TargetLeverage.Cmp(s.cfg.MaxLeverage) > 0 {
		return fmt.Errorf("position_service: target %s outside [1.0, %s]: %w",
			p.TargetLeverage, s.cfg.MaxLeverage, domain.ErrInvalidLeverage)
	}
	if p.SlippageToleranceBps < 0 || p.SlippageToleranceBps >= 10_000 {
		return fmt.Errorf("position_service: slippage tolerance %d bps out of range", p.SlippageToleranceBps)
	}
	if p.CollateralAsset != p.BorrowAsset && len(p.SwapPath) < 2 {
		return fmt.Errorf("position_service: cross-asset position needs a swap path")
	}
	return nil
}

// Open validates params, supplies the initial collateral, and records the
// position in the looping state. With UseFlashExecution set the target is
// reached immediately through the atomic path; otherwise the controller walks
// it there one loop step at a time.
func (s *PositionService) Open(ctx context.Context, p OpenParams) (domain.Position, error) {
	if err := s.validate(p); err != nil {
		return domain.Position{}, err
	}

	release, err := s.locks.Acquire(ctx, lockKey(p.User), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", p.User.Hex(), err)
	}
	defer release()

	if _, err := s.positions.Get(ctx, p.User); err == nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", p.User.Hex(), domain.ErrPositionExists)
	}

	minHF := p.MinHealthFactor
	if minHF == nil || minHF.Sign() == 0 {
		minHF = new(big.Int).Set(s.cfg.DefaultMinHealthFactor)
	}
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		ltv, err := s.market.ReserveLTV(ctx, p.CollateralAsset)
		if err != nil {
			return domain.Position{}, fmt.Errorf("position_service: open: reserve ltv: %w", err)
		}
		maxIter = riskmath.EstimateIterations(riskmath.WAD, p.TargetLeverage, ltv)
		if maxIter == 0 {
			maxIter = 1
		}
	}

	conversion := domain.ConversionNone
	var path []common.Address
	if p.CollateralAsset != p.BorrowAsset {
		conversion = domain.ConversionSwap
		path = append([]common.Address(nil), p.SwapPath...)
	}

	maxFee := p.MaxFeeSpend
	if maxFee == nil {
		maxFee = new(big.Int)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		User:                 p.User,
		CollateralAsset:      p.CollateralAsset,
		BorrowAsset:          p.BorrowAsset,
		Conversion:           conversion,
		SwapPath:             path,
		InitialCollateral:    new(big.Int).Set(p.InitialCollateral),
		TargetLeverage:       new(big.Int).Set(p.TargetLeverage),
		CurrentLeverage:      new(big.Int).Set(riskmath.WAD),
		MaxIterations:        maxIter,
		MinHealthFactor:      minHF,
		SlippageToleranceBps: p.SlippageToleranceBps,
		State:                domain.StateLooping,
		UseFlashExecution:    p.UseFlashExecution,
		MaxFeeSpend:          maxFee,
		FeeSpentSoFar:        new(big.Int),
		MinStepInterval:      p.MinStepInterval,
		ExecutionNonce:       p.ExecutionNonce,
		TakeProfitPrice:      p.TakeProfitPrice,
		StopLossPrice:        p.StopLossPrice,
		OpenedAt:             now,
		UpdatedAt:            now,
	}

	if err := s.market.Supply(ctx, pos.CollateralAsset, pos.InitialCollateral, pos.User); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: initial supply: %w", p.User.Hex(), err)
	}
	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", p.User.Hex(), err)
	}
	if err := s.active.Add(ctx, pos.User); err != nil {
		s.logger.WarnContext(ctx, "active set add failed",
			slog.String("user", pos.User.Hex()),
			slog.String("error", err.Error()),
		)
	}

	s.publish(ctx, domain.EventPositionOpened, map[string]any{
		"user":     pos.User.Hex(),
		"target":   pos.TargetLeverage.String(),
		"flash":    pos.UseFlashExecution,
		"max_iter": pos.MaxIterations,
	})
	s.auditLog(ctx, domain.EventPositionOpened, map[string]any{
		"user":       pos.User.Hex(),
		"collateral": pos.InitialCollateral.String(),
		"target":     pos.TargetLeverage.String(),
	})
	s.logger.InfoContext(ctx, "position opened",
		slog.String("user", pos.User.Hex()),
		slog.String("target", pos.TargetLeverage.String()),
		slog.Bool("flash", pos.UseFlashExecution),
	)

	if pos.UseFlashExecution {
		if _, err := s.exec.FlashEnter(ctx, pos.User, pos.ExecutionNonce); err != nil {
			// The position record stays; the controller retries or the user
			// falls back to iterative looping.
			s.logger.WarnContext(ctx, "flash enter after open failed",
				slog.String("user", pos.User.Hex()),
				slog.String("error", err.Error()),
			)
		}
		return s.positions.Get(ctx, pos.User)
	}
	return pos, nil
}

// AutoOnboard opens a conservative position in response to a standing
// authorization signal, using the engine's default target leverage.
func (s *PositionService) AutoOnboard(ctx context.Context, user, collateralAsset, borrowAsset common.Address, amount *big.Int, path []common.Address) (domain.Position, error) {
	return s.Open(ctx, OpenParams{
		User:              user,
		CollateralAsset:   collateralAsset,
		BorrowAsset:       borrowAsset,
		SwapPath:          path,
		InitialCollateral: amount,
		TargetLeverage:    new(big.Int).Set(s.cfg.AutoOnboardTarget),
	})
}

// Get returns the position for user.
func (s *PositionService) Get(ctx context.Context, user common.Address) (domain.Position, error) {
	pos, err := s.positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %s: %w", user.Hex(), err)
	}
	return pos, nil
}

// ListActive returns up to limit non-idle positions.
func (s *PositionService) ListActive(ctx context.Context, limit int) ([]domain.Position, error) {
	out, err := s.positions.ListActive(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return out, nil
}

// SetTriggers updates the take-profit / stop-loss thresholds. The caller must
// present the position's execution nonce; a mismatch is refused outright.
func (s *PositionService) SetTriggers(ctx context.Context, user common.Address, nonce uint64, takeProfit, stopLoss *big.Int) (domain.Position, error) {
	release, err := s.locks.Acquire(ctx, lockKey(user), lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: set triggers %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := s.positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: set triggers %s: %w", user.Hex(), err)
	}
	if nonce != pos.ExecutionNonce {
		return domain.Position{}, fmt.Errorf("position_service: set triggers %s: %w", user.Hex(), domain.ErrAuthorizationMismatch)
	}

	pos.TakeProfitPrice = takeProfit
	pos.StopLossPrice = stopLoss
	pos.UpdatedAt = time.Now().UTC()
	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: set triggers %s: %w", user.Hex(), err)
	}
	return pos, nil
}

// RequestUnwind asks the engine to start unwinding. Idempotent.
func (s *PositionService) RequestUnwind(ctx context.Context, user common.Address, nonce uint64) (domain.Position, error) {
	pos, err := s.positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: request unwind %s: %w", user.Hex(), err)
	}
	if nonce != pos.ExecutionNonce {
		return domain.Position{}, fmt.Errorf("position_service: request unwind %s: %w", user.Hex(), domain.ErrAuthorizationMismatch)
	}
	return s.exec.RequestUnwind(ctx, user)
}

// EmergencyExit is the user escape hatch: it flips the position straight into
// the emergency state, after which only unwinding can happen.
func (s *PositionService) EmergencyExit(ctx context.Context, user common.Address, nonce uint64) (domain.Position, error) {
	pos, err := s.positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: emergency exit %s: %w", user.Hex(), err)
	}
	if nonce != pos.ExecutionNonce {
		return domain.Position{}, fmt.Errorf("position_service: emergency exit %s: %w", user.Hex(), domain.ErrAuthorizationMismatch)
	}
	s.auditLog(ctx, domain.EventEmergency, map[string]any{
		"user":   user.Hex(),
		"reason": "user_requested",
	})
	return s.exec.ForceEmergency(ctx, user)
}

// Finalize retires a fully unwound position: approvals are revoked, the
// history is archived, and the record leaves the hot store. It refuses while
// any leverage or debt remains.
func (s *PositionService) Finalize(ctx context.Context, user common.Address) error {
	release, err := s.locks.Acquire(ctx, lockKey(user), lockTTL)
	if err != nil {
		return fmt.Errorf("position_service: finalize %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := s.positions.Get(ctx, user)
	if err != nil {
		return fmt.Errorf("position_service: finalize %s: %w", user.Hex(), err)
	}
	if pos.State != domain.StateIdle || pos.CurrentLeverage.Cmp(riskmath.WAD) != 0 {
		return fmt.Errorf("position_service: finalize %s: position not settled (state %s, leverage %s)",
			user.Hex(), pos.State, pos.CurrentLeverage)
	}
	acct, err := s.market.AccountData(ctx, user)
	if err != nil {
		return fmt.Errorf("position_service: finalize %s: account data: %w", user.Hex(), err)
	}
	if acct.TotalDebtValue.Sign() != 0 {
		return fmt.Errorf("position_service: finalize %s: outstanding debt %s", user.Hex(), acct.TotalDebtValue)
	}

	if err := s.market.RevokeApprovals(ctx, user); err != nil {
		return fmt.Errorf("position_service: finalize %s: revoke approvals: %w", user.Hex(), err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchivePosition(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "position archive failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.positions.Delete(ctx, user); err != nil {
		return fmt.Errorf("position_service: finalize %s: delete: %w", user.Hex(), err)
	}
	if err := s.active.Remove(ctx, user); err != nil {
		s.logger.WarnContext(ctx, "active set remove failed",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
	}

	s.publish(ctx, domain.EventFinalized, map[string]any{"user": user.Hex()})
	s.auditLog(ctx, domain.EventFinalized, map[string]any{
		"user":      user.Hex(),
		"fee_spent": pos.FeeSpentSoFar.String(),
	})
	s.logger.InfoContext(ctx, "position finalized", slog.String("user", user.Hex()))
	return nil
}

func (s *PositionService) publish(ctx context.Context, event string, detail map[string]any) {
	if s.bus == nil {
		return
	}
	detail["event"] = event
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.StreamPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func lockKey(user common.Address) string {
	return "position:" + user.Hex()
}
