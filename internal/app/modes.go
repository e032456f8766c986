package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"leversim/internal/domain"
	"leversim/internal/feed"
	"leversim/internal/notify"
	"leversim/internal/sim"
)

// snapshotFlushInterval is how often live position snapshots are rewritten to
// the open ledger between lifecycle events.
const snapshotFlushInterval = 30 * time.Second

// writerLockTTL bounds how long a crashed trade process can block a
// replacement from taking over.
const writerLockTTL = time.Minute

// TradeMode runs the full lifecycle: websocket tickers feed the price cache,
// the poller drives the simulator's tick loop, and setup events from the bus
// open, refresh, and close positions. Remaining positions are settled at
// their last-known price on shutdown.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	// One trading process at a time: the ledger has a single writer.
	release, err := deps.Locks.Hold(ctx, "trade:writer", writerLockTTL)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	defer release()

	opts := []sim.Option{sim.WithLogger(a.logger)}
	if deps.LedgerStore != nil {
		opts = append(opts, sim.WithSink(NewLedgerSink(deps.LedgerStore)))
	}
	opts = append(opts, sim.WithSink(notify.NewPositionSink(deps.Notifier)))

	simulator, err := sim.New(a.cfg.RiskConfig(), opts...)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Market data: websocket mini-tickers into the price cache.
	tickerFeed := feed.NewTickerFeed(a.cfg.Feed.WsHost, a.cfg.Feed.Symbols, deps.PriceCache, a.logger)
	g.Go(func() error {
		return tickerFeed.Run(gctx)
	})

	// Tick loop over the watched symbols plus whatever is currently open.
	poller := feed.NewTickPoller(
		deps.PriceCache, simulator, a.cfg.Feed.Symbols,
		a.cfg.Feed.TickInterval.Duration, a.cfg.Feed.FetchTimeout.Duration,
		a.logger,
	)
	g.Go(func() error {
		return poller.Run(gctx)
	})

	// Setup events drive opens, refreshes, and played-out closes. Rejections
	// are routine (duplicates, caps, filtered markets) and only logged.
	setupCh, err := deps.SetupBus.Subscribe(gctx)
	if err != nil {
		return fmt.Errorf("trade mode: subscribe setups: %w", err)
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case setup, ok := <-setupCh:
				if !ok {
					return nil
				}
				if _, err := simulator.UpdateSetup(gctx, setup); err != nil {
					a.logger.DebugContext(gctx, "setup not actionable",
						slog.String("symbol", setup.Symbol),
						slog.String("state", string(setup.State)),
						slog.String("reason", err.Error()),
					)
				}
			}
		}
	})

	// Keep live snapshot rows fresh between lifecycle events so the open
	// ledger reflects current prices and stops.
	if deps.LedgerStore != nil {
		g.Go(func() error {
			return a.flushOpenSnapshots(gctx, deps.LedgerStore, simulator)
		})
	}

	// Background ledger archival.
	if deps.Archiver != nil && a.cfg.Archive.Enabled {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(gctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}

	runErr := g.Wait()

	// Settle whatever is still open so the run's ledger is complete. The run
	// context is already cancelled, so the close gets its own deadline.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	simulator.CloseAll(closeCtx, domain.ExitEndOfData)

	stats := simulator.Statistics()
	a.logger.Info("trade mode stopped",
		slog.Int("trades", stats.TotalTrades),
		slog.Float64("win_rate", stats.WinRate),
		slog.Float64("total_pnl", stats.TotalPnL),
		slog.Float64("max_drawdown", stats.MaxDrawdown),
		slog.Float64("final_balance", simulator.TotalBalance()),
	)
	return runErr
}

// flushOpenSnapshots periodically rewrites every open position to the store.
func (a *App) flushOpenSnapshots(ctx context.Context, store domain.LedgerStore, simulator *sim.Simulator) error {
	ticker := time.NewTicker(snapshotFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pos := range simulator.OpenPositions() {
				if err := store.UpsertOpen(ctx, pos); err != nil {
					a.logger.WarnContext(ctx, "snapshot flush failed",
						slog.String("position_id", pos.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// MonitorMode is read-only: it keeps the price cache warm and logs setup
// events as they arrive, without opening positions or touching the ledger.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, gctx := errgroup.WithContext(ctx)

	tickerFeed := feed.NewTickerFeed(a.cfg.Feed.WsHost, a.cfg.Feed.Symbols, deps.PriceCache, a.logger)
	g.Go(func() error {
		return tickerFeed.Run(gctx)
	})

	// Replay what the stream already holds before tailing live events.
	if recent, err := deps.SetupBus.History(ctx, "0", 20); err != nil {
		a.logger.WarnContext(ctx, "setup history unavailable", slog.String("error", err.Error()))
	} else if len(recent) > 0 {
		a.logger.InfoContext(ctx, "recent setups", slog.Int("count", len(recent)))
	}

	setupCh, err := deps.SetupBus.Subscribe(gctx)
	if err != nil {
		return fmt.Errorf("monitor mode: subscribe setups: %w", err)
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case setup, ok := <-setupCh:
				if !ok {
					return nil
				}
				a.logger.InfoContext(gctx, "setup observed",
					slog.String("symbol", setup.Symbol),
					slog.String("direction", string(setup.Direction)),
					slog.String("state", string(setup.State)),
					slog.Float64("price", setup.CurrentPrice),
				)
			}
		}
	})

	return g.Wait()
}

// ArchiveMode runs one archival pass immediately and then keeps archiving on
// the configured interval until the context is cancelled.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: archiver not wired (postgres and s3 are required)")
	}

	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Duration("retention", retention),
		slog.Duration("interval", a.cfg.Archive.Interval.Duration),
	)

	moved, err := deps.Archiver.ArchiveClosed(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "initial archive pass complete", slog.Int64("archived", moved))

	return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
}
