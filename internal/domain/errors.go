package domain

import "errors"

var (
	// Lifecycle misuse.
	ErrPositionExists    = errors.New("position already exists")
	ErrNoPosition        = errors.New("no position")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidLeverage   = errors.New("target leverage out of bounds")

	// Hard step failures. These never partially apply.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("swap output below minimum")
	ErrHealthFactorBreach    = errors.New("health factor below minimum")
	ErrAtomicReverted        = errors.New("atomic operation reverted")

	// Soft step conditions, surfaced as skip reasons rather than failures
	// on controller-driven steps.
	ErrFeeBudgetExceeded     = errors.New("fee budget exceeded")
	ErrPacingNotElapsed      = errors.New("pacing interval not elapsed")
	ErrAuthorizationMismatch = errors.New("execution nonce mismatch")

	// Infrastructure.
	ErrLockHeld         = errors.New("lock already held")
	ErrStalePrice       = errors.New("cached price is stale")
	ErrAutomationPaused = errors.New("automation paused")
)
