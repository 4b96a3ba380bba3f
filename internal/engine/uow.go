package engine

import (
	"context"
	"fmt"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// UnitOfWork is an arena of pending collaborator calls. Ops are queued
// without executing anything and applied in order only at Commit, inside the
// runner's atomic scope, so either every op takes effect or none do.
type UnitOfWork struct {
	runner domain.AtomicRunner
	ops    []queuedOp
}

type queuedOp struct {
	name string
	fn   func(ctx context.Context) error
}

// NewUnitOfWork creates an empty arena over the given runner.
func NewUnitOfWork(runner domain.AtomicRunner) *UnitOfWork {
	return &UnitOfWork{runner: runner}
}

// Queue appends a named op. The name identifies the failing leg in errors.
func (u *UnitOfWork) Queue(name string, fn func(ctx context.Context) error) {
	u.ops = append(u.ops, queuedOp{name: name, fn: fn})
}

// Commit runs every queued op in order within one atomic scope. Any leg
// failure discards the whole batch and is reported as ErrAtomicReverted with
// the leg name and cause attached.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if len(u.ops) == 0 {
		return nil
	}
	err := u.runner.RunAtomic(ctx, func(ctx context.Context) error {
		for _, op := range u.ops {
			if err := op.fn(ctx); err != nil {
				return fmt.Errorf("leg %s: %w", op.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAtomicReverted, err)
	}
	return nil
}
