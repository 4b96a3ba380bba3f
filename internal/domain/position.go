package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionState tracks where a position is in the leverage lifecycle.
type PositionState string

const (
	StateIdle      PositionState = "idle"
	StateLooping   PositionState = "looping"
	StateUnwinding PositionState = "unwinding"
	StateEmergency PositionState = "emergency"
)

// ConversionMode selects whether a loop step needs a swap leg. It is fixed at
// position open and never changes afterwards.
type ConversionMode string

const (
	// ConversionNone is the same-asset loop: the borrowed asset equals the
	// collateral asset and the swap leg is skipped entirely.
	ConversionNone ConversionMode = "none"
	// ConversionSwap routes borrowed funds through the swap venue along
	// SwapPath before re-supplying.
	ConversionSwap ConversionMode = "swap"
)

// Position is the authoritative record of one user's leverage position.
// Amounts and prices are WAD-scaled (1e18) big integers; leverage and health
// factor use the same scale with 1e18 == 1.0x. Threshold-style parameters are
// in basis points.
type Position struct {
	User            common.Address
	CollateralAsset common.Address
	BorrowAsset     common.Address
	Conversion      ConversionMode
	SwapPath        []common.Address // set iff Conversion == ConversionSwap

	InitialCollateral *big.Int // collateral-asset units, WAD
	TargetLeverage    *big.Int // WAD, 1e18 = 1.0x
	CurrentLeverage   *big.Int // WAD, never persisted below 1.0x
	MaxIterations     int
	CurrentIteration  int

	MinHealthFactor      *big.Int // WAD
	SlippageToleranceBps int64

	State            PositionState
	LastUpdateHeight uint64 // block height of the last committed step

	UseFlashExecution bool

	// Execution-fee budget for controller-driven steps.
	MaxFeeSpend   *big.Int // WAD, 0 = unlimited
	FeeSpentSoFar *big.Int // WAD

	// MinStepInterval is the minimum block distance between committed steps.
	// 0 disables pacing.
	MinStepInterval uint64

	// ExecutionNonce must match on privileged invocations; a mismatched
	// invocation is refused without touching the position.
	ExecutionNonce uint64

	// TakeProfitPrice / StopLossPrice are collateral-asset oracle prices
	// (WAD) that trigger an automatic unwind. 0 disables the trigger.
	TakeProfitPrice *big.Int
	StopLossPrice   *big.Int

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy, so callers can stage mutations without touching
// the stored record.
func (p Position) Clone() Position {
	out := p
	out.SwapPath = append([]common.Address(nil), p.SwapPath...)
	out.InitialCollateral = cloneBig(p.InitialCollateral)
	out.TargetLeverage = cloneBig(p.TargetLeverage)
	out.CurrentLeverage = cloneBig(p.CurrentLeverage)
	out.MinHealthFactor = cloneBig(p.MinHealthFactor)
	out.MaxFeeSpend = cloneBig(p.MaxFeeSpend)
	out.FeeSpentSoFar = cloneBig(p.FeeSpentSoFar)
	out.TakeProfitPrice = cloneBig(p.TakeProfitPrice)
	out.StopLossPrice = cloneBig(p.StopLossPrice)
	return out
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// validTransitions encodes the position state machine. Emergency is reachable
// from any non-idle state; it exits only to idle once debt is cleared.
var validTransitions = map[PositionState][]PositionState{
	StateIdle:      {StateLooping},
	StateLooping:   {StateLooping, StateUnwinding, StateEmergency, StateIdle},
	StateUnwinding: {StateUnwinding, StateEmergency, StateIdle},
	StateEmergency: {StateEmergency, StateIdle},
}

// CanTransition reports whether moving from to next is a legal lifecycle edge.
func CanTransition(from, next PositionState) bool {
	for _, s := range validTransitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves the position to next, or returns ErrInvalidTransition when
// the edge is not part of the lifecycle.
func (p *Position) Transition(next PositionState) error {
	if !CanTransition(p.State, next) {
		return ErrInvalidTransition
	}
	p.State = next
	return nil
}

// Snapshot is a position plus the on-chain risk data it was observed with.
// The decision controller consumes snapshots and nothing else.
type Snapshot struct {
	Position Position

	// Account data from the lending market as of Height.
	CollateralValue    *big.Int // WAD
	DebtValue          *big.Int // WAD
	LiqThresholdBps    int64
	HealthFactor       *big.Int // WAD; riskmath.Infinite() when debt == 0
	Height             uint64
	ObservedAtHeight   uint64 // height at which the risk data was produced
}
