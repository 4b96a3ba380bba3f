package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// RequestUnwind moves a looping position into the unwinding state. Calling
// it on a position that is already unwinding (or in emergency) is a no-op,
// so triggers and user requests can race harmlessly.
func (e *Executor) RequestUnwind(ctx context.Context, user common.Address) (domain.Position, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: request unwind %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: request unwind: %w", err)
	}
	switch pos.State {
	case domain.StateUnwinding, domain.StateEmergency:
		return pos, nil
	case domain.StateIdle:
		return pos, nil
	}

	if err := pos.Transition(domain.StateUnwinding); err != nil {
		return domain.Position{}, fmt.Errorf("engine: request unwind %s: %w", user.Hex(), err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("engine: request unwind: persist: %w", err)
	}
	e.publish(ctx, domain.EventUnwindRequested, map[string]any{"user": user.Hex()})
	return pos, nil
}

// ForceEmergency flips any non-idle position straight into emergency. Used by
// the user-facing emergencyExit escape hatch.
func (e *Executor) ForceEmergency(ctx context.Context, user common.Address) (domain.Position, error) {
	release, err := e.d.Guard.Acquire(user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: force emergency %s: %w", user.Hex(), err)
	}
	defer release()

	pos, err := e.d.Positions.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: force emergency: %w", err)
	}
	if pos.State == domain.StateEmergency {
		return pos, nil
	}
	if err := pos.Transition(domain.StateEmergency); err != nil {
		return domain.Position{}, fmt.Errorf("engine: force emergency %s: %w", user.Hex(), err)
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := e.d.Positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("engine: force emergency: persist: %w", err)
	}
	e.publish(ctx, domain.EventEmergency, map[string]any{
		"user":   user.Hex(),
		"reason": "user_requested",
	})
	return pos, nil
}
