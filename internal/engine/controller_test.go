package engine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/riskmath"
)

func snapshot(state domain.PositionState, current, target *big.Int, iter, maxIter int, hf *big.Int) domain.Snapshot {
	return domain.Snapshot{
		Position: domain.Position{
			User:             userA,
			State:            state,
			CurrentLeverage:  new(big.Int).Set(current),
			TargetLeverage:   new(big.Int).Set(target),
			CurrentIteration: iter,
			MaxIterations:    maxIter,
			MinHealthFactor:  wadF(105, 100),
		},
		CollateralValue: wad(2),
		DebtValue:       wad(1),
		LiqThresholdBps: 9_000,
		HealthFactor:    hf,
	}
}

func TestDecideHealthBreachOutranksEverything(t *testing.T) {
	lowHF := wadF(95, 100)

	for _, state := range []domain.PositionState{
		domain.StateLooping,
		domain.StateUnwinding,
		domain.StateEmergency,
	} {
		s := snapshot(state, wadF(15, 10), wad(2), 1, 10, lowHF)
		assert.Equal(t, domain.DecisionEmergencyUnwind, Decide(s), "state %s", state)
	}

	// Idle positions carry no risk to act on.
	s := snapshot(domain.StateIdle, riskmath.WAD, wad(2), 0, 10, lowHF)
	assert.Equal(t, domain.DecisionNone, Decide(s))
}

func TestDecideUnwinding(t *testing.T) {
	healthy := wad(2)

	s := snapshot(domain.StateUnwinding, wadF(15, 10), wad(2), 3, 10, healthy)
	assert.Equal(t, domain.DecisionStartUnwind, Decide(s))

	// At exactly 1.0x nothing remains but finalization.
	s = snapshot(domain.StateUnwinding, riskmath.WAD, wad(2), 3, 10, healthy)
	assert.Equal(t, domain.DecisionNone, Decide(s))
}

func TestDecideEmergencyKeepsUnwinding(t *testing.T) {
	// Health recovered above minimum but debt remains: the emergency path
	// still drives leverage back to 1.0x, never back to looping.
	s := snapshot(domain.StateEmergency, wadF(12, 10), wad(3), 2, 10, wad(2))
	assert.Equal(t, domain.DecisionEmergencyUnwind, Decide(s))

	s = snapshot(domain.StateEmergency, riskmath.WAD, wad(3), 2, 10, wad(2))
	assert.Equal(t, domain.DecisionNone, Decide(s))
}

func TestDecideLooping(t *testing.T) {
	healthy := wad(2)

	s := snapshot(domain.StateLooping, wadF(15, 10), wad(2), 3, 10, healthy)
	assert.Equal(t, domain.DecisionContinueLoop, Decide(s))

	// Target reached.
	s = snapshot(domain.StateLooping, wad(2), wad(2), 3, 10, healthy)
	assert.Equal(t, domain.DecisionNone, Decide(s))

	// Iteration cap exhausted short of target.
	s = snapshot(domain.StateLooping, wadF(18, 10), wad(2), 10, 10, healthy)
	assert.Equal(t, domain.DecisionNone, Decide(s))
}

func TestDecideIsPure(t *testing.T) {
	s := snapshot(domain.StateLooping, wadF(15, 10), wad(2), 3, 10, wad(2))
	first := Decide(s)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Decide(s))
	}
}

func TestControllerPause(t *testing.T) {
	ctrl := NewController(DefaultConfig(), testLogger())
	s := snapshot(domain.StateLooping, wadF(15, 10), wad(2), 3, 10, wad(2))

	require.Equal(t, domain.DecisionContinueLoop, ctrl.Evaluate(s))

	ctrl.Pause()
	assert.True(t, ctrl.Paused())
	assert.Equal(t, domain.DecisionNone, ctrl.Evaluate(s))

	// A breach is also held back while paused; the switch is absolute.
	breach := snapshot(domain.StateLooping, wadF(15, 10), wad(2), 3, 10, wadF(9, 10))
	assert.Equal(t, domain.DecisionNone, ctrl.Evaluate(breach))

	ctrl.Resume()
	assert.Equal(t, domain.DecisionContinueLoop, ctrl.Evaluate(s))
}

func TestControllerFinalityGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FinalityConfirmations = 5
	cfg.LargeUnwindThreshold = wad(100)
	ctrl := NewController(cfg, testLogger())

	breach := snapshot(domain.StateLooping, wad(3), wad(3), 5, 10, wadF(9, 10))
	breach.DebtValue = wad(500)
	breach.Height = 1_000
	breach.ObservedAtHeight = 998

	// Large unwind observed too recently: deferred.
	assert.Equal(t, domain.DecisionNone, ctrl.Evaluate(breach))

	// Same observation past the confirmation depth: acted on.
	breach.Height = 1_003
	assert.Equal(t, domain.DecisionEmergencyUnwind, ctrl.Evaluate(breach))

	// Small unwinds are never deferred.
	small := snapshot(domain.StateLooping, wad(3), wad(3), 5, 10, wadF(9, 10))
	small.DebtValue = wad(1)
	small.Height = 1_000
	small.ObservedAtHeight = 1_000
	assert.Equal(t, domain.DecisionEmergencyUnwind, ctrl.Evaluate(small))
}

func TestPriceTriggered(t *testing.T) {
	pos := domain.Position{
		TakeProfitPrice: wad(3_000),
		StopLossPrice:   wad(1_500),
	}

	hit, which := PriceTriggered(pos, wad(3_100))
	assert.True(t, hit)
	assert.Equal(t, "take_profit", which)

	hit, which = PriceTriggered(pos, wad(1_400))
	assert.True(t, hit)
	assert.Equal(t, "stop_loss", which)

	hit, _ = PriceTriggered(pos, wad(2_000))
	assert.False(t, hit)

	// Zero thresholds are disabled.
	hit, _ = PriceTriggered(domain.Position{TakeProfitPrice: new(big.Int), StopLossPrice: new(big.Int)}, wad(2_000))
	assert.False(t, hit)
}
