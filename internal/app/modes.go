package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/predictlabs/exchange/internal/archive"
	"github.com/predictlabs/exchange/internal/deposit"
	"github.com/predictlabs/exchange/internal/engine"
	"github.com/predictlabs/exchange/internal/resolution"
	"github.com/predictlabs/exchange/internal/server"
	"github.com/predictlabs/exchange/internal/server/handler"
	"github.com/predictlabs/exchange/internal/server/ws"
	"github.com/predictlabs/exchange/internal/withdrawal"
)

// APIMode serves the HTTP + WebSocket API only. Trades and withdrawal intake
// run in-process; the background workers (withdrawal delivery, deposit scan,
// resolution payout) are expected to run in a separate workers-mode process
// against the same database.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkersMode runs the background workers without the HTTP surface: the
// withdrawal worker, the deposit listener, the resolution processor, and the
// archiver when enabled.
func (a *App) WorkersMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting workers mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything in one process: the API server plus all
// background workers.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// withdrawalConfig maps the config section onto the pipeline's Config.
func (a *App) withdrawalConfig() withdrawal.Config {
	w := a.cfg.Withdrawal
	return withdrawal.Config{
		MinAmount:       w.MinAmount,
		MaxAmount:       w.MaxAmount,
		DedupWindow:     w.DedupWindow.Duration,
		Cooldown:        w.Cooldown.Duration,
		MaxAttempts:     w.MaxAttempts,
		RetryBase:       w.RetryBase.Duration,
		PollInterval:    w.PollInterval.Duration,
		ConfirmAttempts: w.ConfirmAttempts,
		ConfirmInterval: w.ConfirmInterval.Duration,
		StaleLease:      w.StaleLease.Duration,
	}
}

// startWorkers adds the background worker goroutines to the errgroup.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// Withdrawal delivery.
	worker := withdrawal.NewWorker(
		deps.Store,
		deps.WalletStore,
		deps.Custody,
		deps.Notifier,
		deps.SignalBus,
		a.withdrawalConfig(),
		a.logger,
	)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	// Deposit scanning and sweep.
	d := a.cfg.Deposit
	listener := deposit.NewListener(
		deps.Store,
		deps.WalletStore,
		deps.DepositStore,
		deps.Chain,
		deps.Custody,
		deps.RateLimiter,
		deps.LockManager,
		deps.SignalBus,
		deps.Notifier,
		deposit.Config{
			Interval:         d.Interval.Duration,
			ScanLimit:        d.ScanLimit,
			FirstRunLookback: d.FirstRunLookback,
			MinAmount:        d.MinAmount,
			RateLimit:        d.RateLimit,
			RateWindow:       d.RateWindow.Duration,
			HotWalletAddress: d.HotWalletAddress,
		},
		a.logger,
	)
	g.Go(func() error {
		return listener.Run(ctx)
	})

	// Resolution payouts and market auto-resolve.
	r := a.cfg.Resolution
	processor := resolution.NewProcessor(
		deps.Store,
		deps.MarketStore,
		deps.SignalBus,
		deps.Notifier,
		resolution.Config{
			Interval:    r.Interval.Duration,
			OptionLimit: r.OptionLimit,
			BatchSize:   r.BatchSize,
			MarketLimit: r.MarketLimit,
		},
		a.logger,
	)
	g.Go(func() error {
		return processor.Run(ctx)
	})

	// Cold-storage archival.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver := archive.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		cronExpr := a.cfg.Archive.Cron
		g.Go(func() error {
			return archiver.RunCron(ctx, cronExpr)
		})
	}
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	executor := engine.NewExecutor(
		deps.Store,
		engine.NewKeyedQueue(a.cfg.Trading.QueueTimeout.Duration),
		a.cfg.Trading.FeeBps,
		deps.PriceCache,
		deps.SignalBus,
		a.logger,
	)
	pipeline := withdrawal.NewPipeline(deps.Store, a.withdrawalConfig(), a.logger)

	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, startedAt, a.logger),
		Markets:     handler.NewMarketHandler(deps.MarketStore, deps.MarketCache, deps.PriceCache, a.logger),
		Trades:      handler.NewTradeHandler(executor, deps.TradeStore, a.logger),
		Positions:   handler.NewPositionHandler(deps.PositionStore, a.logger),
		Wallet:      handler.NewWalletHandler(deps.WalletStore, deps.DepositStore, a.logger),
		Withdrawals: handler.NewWithdrawalHandler(pipeline, deps.WithdrawalStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeys:     a.cfg.Server.APIKeys,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
