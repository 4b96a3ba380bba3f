package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/looplabs/loopkeeper/internal/config"
	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/engine"
	"github.com/looplabs/loopkeeper/internal/feed"
	"github.com/looplabs/loopkeeper/internal/server"
	"github.com/looplabs/loopkeeper/internal/server/handler"
	"github.com/looplabs/loopkeeper/internal/server/ws"
	"github.com/looplabs/loopkeeper/internal/service"
)

// batchParallelism bounds concurrent step execution inside one sweep batch.
const batchParallelism = 4

// engineStack bundles the execution engine components shared by the modes
// that sign and submit transactions.
type engineStack struct {
	cfg   engine.Config
	exec  *engine.Executor
	ctrl  *engine.Controller
	batch *engine.BatchExecutor
}

// buildEngine constructs the executor, controller, and batch executor from
// the wired dependencies. Requires chain bindings.
func (a *App) buildEngine(deps *Dependencies) (*engineStack, error) {
	engineCfg, err := a.cfg.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("app: engine config: %w", err)
	}

	reserve, err := config.ParseWAD(a.cfg.Keeper.FeeReserve)
	if err != nil {
		return nil, fmt.Errorf("app: fee reserve: %w", err)
	}

	var alerter engine.Alerter
	if deps.Notifier != nil {
		alerter = deps.Notifier
	}

	exec := engine.NewExecutor(engineCfg, deps.Chain.Operator(), engine.Deps{
		Positions: deps.PositionStore,
		Market:    deps.Market,
		Swap:      deps.Swap,
		Oracle:    deps.Oracle,
		Chain:     deps.Chain,
		Runner:    deps.Chain,
		Flash:     deps.Flash,
		Reserve:   engine.NewFeeReserve(reserve),
		Guard:     engine.NewGuard(),
		Bus:       deps.EventBus,
		Audit:     deps.AuditStore,
		Alerter:   alerter,
	}, a.logger)

	return &engineStack{
		cfg:   engineCfg,
		exec:  exec,
		ctrl:  engine.NewController(engineCfg, a.logger),
		batch: engine.NewBatchExecutor(exec, batchParallelism, a.logger),
	}, nil
}

// buildServices constructs the user-facing service layer on top of the
// engine stack.
func (a *App) buildServices(deps *Dependencies, es *engineStack) (*service.PositionService, *service.AutomationService) {
	var archiver service.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	positions := service.NewPositionService(
		es.cfg, deps.PositionStore, deps.Market, es.exec,
		deps.ActiveSet, deps.LockManager, deps.EventBus, deps.AuditStore,
		archiver, a.logger,
	)
	automation := service.NewAutomationService(es.exec, es.ctrl, es.batch, deps.LockManager, a.logger)
	return positions, automation
}

// newSweeper constructs the periodic health sweeper.
func (a *App) newSweeper(deps *Dependencies, es *engineStack) *engine.Sweeper {
	return engine.NewSweeper(
		es.exec, es.batch, es.ctrl,
		deps.ActiveSet, deps.PriceCache,
		a.cfg.Keeper.SweepInterval.Duration,
		a.cfg.Keeper.PriceMaxStale.Duration,
		a.logger,
	)
}

// KeeperMode runs the background automation loop: the health sweeper, the
// external price feed, and the archive rotation job. No HTTP API.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	es, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	sweeper := a.newSweeper(deps, es)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	a.startPriceFeed(ctx, g, deps)
	a.startArchiveJob(ctx, g, deps)

	return g.Wait()
}

// MonitorMode serves the read-only surface: health, status, audit log, and
// the WebSocket event feed. Nothing is signed or submitted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startPriceFeed(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, nil, nil, nil)

	return g.Wait()
}

// ServerMode serves the full operator API without the background sweep.
// Steps execute only when driven through the API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	es, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	positions, automation := a.buildServices(deps, es)

	g, ctx := errgroup.WithContext(ctx)

	a.startPriceFeed(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, positions, automation, nil)

	return g.Wait()
}

// FullMode runs everything: the sweeper, the price feed, the archive job,
// and the operator API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	es, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	positions, automation := a.buildServices(deps, es)
	sweeper := a.newSweeper(deps, es)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	a.startPriceFeed(ctx, g, deps)
	a.startArchiveJob(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, positions, automation, sweeper)

	return g.Wait()
}

// startPriceFeed launches the external websocket price feed when configured.
func (a *App) startPriceFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Feed.Enabled || a.cfg.Feed.WsURL == "" {
		return
	}

	feeder := feed.NewCacheFeeder(deps.PriceCache, deps.EventBus, a.logger)
	wsFeed := feed.NewWSPriceFeed(a.cfg.Feed.WsURL, a.cfg.FeedSymbols(), feeder.HandleTick, a.logger)
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})
}

// startArchiveJob launches the daily audit export when archival is enabled.
// Exported rows are deleted from the hot store after a successful upload.
func (a *App) startArchiveJob(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	retention := a.cfg.Keeper.ArchiveRetentionDays
	if deps.Archiver == nil || retention <= 0 {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -retention)
				n, err := deps.Archiver.ExportAudit(ctx, cutoff)
				if err != nil {
					a.logger.WarnContext(ctx, "audit export failed", slog.String("error", err.Error()))
					continue
				}
				a.logger.InfoContext(ctx, "audit export complete", slog.Int64("rows", n))
			}
		}
	})
}

// startHTTPServer wires the handlers available in the current mode and runs
// the API server until the context is cancelled. positions, automation, and
// sweeper may each be nil; the corresponding routes are then not registered.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	positions *service.PositionService,
	automation *service.AutomationService,
	sweeper *engine.Sweeper,
) {
	hub := ws.NewHub(deps.EventBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var (
		chainReader domain.ChainReader
		operator    common.Address
	)
	if deps.Chain != nil {
		chainReader = deps.Chain
		operator = deps.Chain.Operator()
	}

	var automationIface handler.AutomationService
	if automation != nil {
		automationIface = automation
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.PG,
			"redis":    deps.Redis,
		}, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, operator, chainReader, automationIface, a.logger),
		Audit:  handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	if positions != nil {
		handlers.Positions = handler.NewPositionHandler(positions, a.logger)
	}
	if automation != nil {
		var sweepRunner handler.SweepRunner
		if sweeper != nil {
			sweepRunner = sweeper
		}
		handlers.Automation = handler.NewAutomationHandler(automationIface, sweepRunner, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
