package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"leversim/internal/domain"
)

// maxConcurrentFetches bounds the per-symbol price lookups in one tick.
const maxConcurrentFetches = 8

// Ticker is the simulator surface the poller drives.
type Ticker interface {
	TickAt(ctx context.Context, prices map[string]float64, now time.Time)
	OpenSymbols() []string
}

// TickPoller periodically reads last-known prices from the feed and applies
// them to the simulator. Symbols come from the configured watch list plus
// whatever currently has an open position, so a position opened on an
// unwatched symbol still gets priced.
type TickPoller struct {
	feed         domain.PriceFeed
	ticker       Ticker
	watch        []string
	interval     time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewTickPoller creates a poller. fetchTimeout bounds each per-symbol lookup;
// zero disables the bound.
func NewTickPoller(feed domain.PriceFeed, ticker Ticker, watch []string, interval, fetchTimeout time.Duration, logger *slog.Logger) *TickPoller {
	return &TickPoller{
		feed:         feed,
		ticker:       ticker,
		watch:        watch,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		logger:       logger.With(slog.String("component", "tick_poller")),
	}
}

// Run ticks at the configured interval until ctx is cancelled.
func (p *TickPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("tick poller started", slog.Duration("interval", p.interval))
	defer p.logger.Info("tick poller stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

// tick fetches prices for the current symbol set and applies them. Symbols
// whose lookup fails are simply absent from the batch; the simulator keeps
// their last-known price until the next tick.
func (p *TickPoller) tick(ctx context.Context, now time.Time) {
	symbols := p.symbolSet()
	if len(symbols) == 0 {
		return
	}

	var mu sync.Mutex
	prices := make(map[string]float64, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			fetchCtx := gctx
			if p.fetchTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(gctx, p.fetchTimeout)
				defer cancel()
			}

			price, _, err := p.feed.GetPrice(fetchCtx, sym)
			if err != nil {
				p.logger.Debug("price fetch failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
				return nil
			}

			mu.Lock()
			prices[sym] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(prices) == 0 {
		return
	}
	p.ticker.TickAt(ctx, prices, now)
}

// symbolSet unions the watch list with symbols carrying open positions.
func (p *TickPoller) symbolSet() []string {
	seen := make(map[string]bool, len(p.watch))
	out := make([]string, 0, len(p.watch))
	for _, sym := range p.watch {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for _, sym := range p.ticker.OpenSymbols() {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
