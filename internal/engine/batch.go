package engine

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// BatchExecutor fans a list of (user, action) requests out to the step
// executor. Entries are independent: one bad position cannot block the rest,
// and this is the only component allowed to swallow a step failure instead of
// propagating it. Positions are disjoint state, so cross-user parallelism
// needs no extra synchronization.
type BatchExecutor struct {
	exec        *Executor
	parallelism int
	logger      *slog.Logger
}

// NewBatchExecutor creates a BatchExecutor running up to parallelism entries
// concurrently.
func NewBatchExecutor(exec *Executor, parallelism int, logger *slog.Logger) *BatchExecutor {
	if parallelism < 1 {
		parallelism = 1
	}
	return &BatchExecutor{
		exec:        exec,
		parallelism: parallelism,
		logger:      logger.With(slog.String("component", "batch_executor")),
	}
}

// Execute runs every request and reports aggregate counts. Soft skips count
// as successes: the entry was inspected and intentionally left alone.
func (b *BatchExecutor) Execute(ctx context.Context, reqs []domain.BatchRequest) domain.BatchReport {
	entries := make([]domain.BatchEntryResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			entries[i] = b.runOne(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.BatchReport{Total: len(reqs), Entries: entries}
	for _, e := range entries {
		if e.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	b.logger.Info("batch executed",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
	)
	return report
}

func (b *BatchExecutor) runOne(ctx context.Context, req domain.BatchRequest) domain.BatchEntryResult {
	entry := domain.BatchEntryResult{User: req.User, Action: req.Action}

	var (
		res StepResult
		err error
	)
	switch req.Action {
	case domain.ActionLoop:
		res, err = b.exec.LoopStep(ctx, req.User, NonceAny)
	case domain.ActionUnwind:
		res, err = b.exec.UnwindStep(ctx, req.User, NonceAny)
	default:
		entry.Err = "unknown action"
		return entry
	}

	if err != nil {
		// The failed step did not partially apply; record and move on.
		entry.Err = err.Error()
		if errors.Is(err, domain.ErrLockHeld) {
			entry.Reason = "in_flight"
		}
		b.logger.Warn("batch entry failed",
			slog.String("user", req.User.Hex()),
			slog.String("action", string(req.Action)),
			slog.String("error", err.Error()),
		)
		return entry
	}

	entry.Success = true
	entry.Skipped = !res.Committed
	entry.Reason = res.SkipReason
	return entry
}
