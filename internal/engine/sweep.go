package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// Sweeper periodically walks the active-position set, evaluates each position
// through the controller, and dispatches the resulting actions as one batch.
// It catches positions that would otherwise go unchecked between
// user-initiated events, and evaluates price triggers along the way.
type Sweeper struct {
	exec     *Executor
	batch    *BatchExecutor
	ctrl     *Controller
	active   domain.ActiveSet
	prices   domain.PriceCache
	interval time.Duration
	maxStale time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper that fires every interval. Cached prices older
// than maxStale are ignored for trigger evaluation.
func NewSweeper(
	exec *Executor,
	batch *BatchExecutor,
	ctrl *Controller,
	active domain.ActiveSet,
	prices domain.PriceCache,
	interval, maxStale time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		exec:     exec,
		batch:    batch,
		ctrl:     ctrl,
		active:   active,
		prices:   prices,
		interval: interval,
		maxStale: maxStale,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("health sweeper started", slog.Duration("interval", s.interval))
	defer s.logger.Info("health sweeper stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce inspects up to the configured batch size of active positions and
// executes whatever the controller decides for each.
func (s *Sweeper) SweepOnce(ctx context.Context) (domain.BatchReport, error) {
	users, err := s.active.Members(ctx)
	if err != nil {
		return domain.BatchReport{}, err
	}
	if limit := s.exec.cfg.SweepBatchSize; limit > 0 && len(users) > limit {
		users = users[:limit]
	}

	var reqs []domain.BatchRequest
	for _, user := range users {
		snap, err := s.exec.Snapshot(ctx, user)
		if err != nil {
			s.logger.Warn("sweep snapshot failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.evalPriceTrigger(ctx, &snap)

		switch s.ctrl.Evaluate(snap) {
		case domain.DecisionContinueLoop:
			reqs = append(reqs, domain.BatchRequest{User: user, Action: domain.ActionLoop})
		case domain.DecisionStartUnwind, domain.DecisionEmergencyUnwind:
			reqs = append(reqs, domain.BatchRequest{User: user, Action: domain.ActionUnwind})
		}
	}

	if len(reqs) == 0 {
		return domain.BatchReport{}, nil
	}
	return s.batch.Execute(ctx, reqs), nil
}

// evalPriceTrigger flips a looping position into unwinding when a fresh
// cached price crosses its take-profit or stop-loss threshold, then patches
// the in-memory snapshot so the decision below sees the new state.
func (s *Sweeper) evalPriceTrigger(ctx context.Context, snap *domain.Snapshot) {
	if s.prices == nil || snap.Position.State != domain.StateLooping {
		return
	}
	price, at, err := s.prices.GetPrice(ctx, snap.Position.CollateralAsset)
	if err != nil {
		return
	}
	if s.maxStale > 0 && time.Since(at) > s.maxStale {
		return
	}
	hit, which := PriceTriggered(snap.Position, price)
	if !hit {
		return
	}

	res, err := s.exec.RequestUnwind(ctx, snap.Position.User)
	if err != nil {
		s.logger.Warn("price trigger unwind failed",
			slog.String("user", snap.Position.User.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	snap.Position = res
	s.exec.publish(ctx, domain.EventPriceTrigger, map[string]any{
		"user":    snap.Position.User.Hex(),
		"trigger": which,
		"price":   price.String(),
	})
	s.logger.Info("price trigger fired",
		slog.String("user", snap.Position.User.Hex()),
		slog.String("trigger", which),
	)
}
