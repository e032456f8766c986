package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"leversim/internal/domain"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// frictionlessConfig zeroes fees, slippage and funding so lifecycle tests can
// assert exact prices and PnL.
func frictionlessConfig() RiskConfig {
	cfg := DefaultRiskConfig()
	cfg.Leverage = 10
	cfg.PositionSizePercent = 2
	cfg.StopLossPercent = 2
	cfg.TakeProfitPercent = 0
	cfg.TrailTriggerPercent = 10
	cfg.TrailStepPercent = 5
	cfg.ProfitTiers = []ProfitTier{{MinROE: 30, TrailStep: 2}, {MinROE: 0, TrailStep: 5}}
	cfg.InitialBalance = 1000
	cfg.Fees = FeeConfig{}
	cfg.Slippage = SlippageConfig{ExitMultiplier: 2}
	cfg.Funding = FundingConfig{IntervalHours: 8}
	return cfg
}

func newTestSim(t *testing.T, cfg RiskConfig, opts ...Option) *Simulator {
	t.Helper()
	opts = append(opts,
		WithClock(func() time.Time { return testBase }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func triggered(symbol string, price float64) domain.Setup {
	return domain.Setup{
		Symbol:       symbol,
		Direction:    domain.DirectionLong,
		State:        domain.SetupTriggered,
		CurrentPrice: price,
		MarketKind:   domain.MarketFutures,
		ObservedAt:   testBase,
	}
}

type spySink struct {
	opened []domain.Position
	closed []domain.Position
	err    error
}

func (s *spySink) OnPositionOpened(_ context.Context, p domain.Position, _ domain.Setup) error {
	s.opened = append(s.opened, p)
	return s.err
}

func (s *spySink) OnPositionClosed(_ context.Context, p domain.Position) error {
	s.closed = append(s.closed, p)
	return s.err
}

func TestOpenPositionSizesAndReservesMargin(t *testing.T) {
	s := newTestSim(t, frictionlessConfig())
	ctx := context.Background()

	pos, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if pos.MarginUsed != 20 || pos.NotionalSize != 200 {
		t.Errorf("margin/notional = %g/%g, want 20/200", pos.MarginUsed, pos.NotionalSize)
	}
	if pos.EffectiveEntryPrice != 100 {
		t.Errorf("fill = %g, want 100 with zero slippage", pos.EffectiveEntryPrice)
	}
	if pos.StopLossPrice != 98 {
		t.Errorf("stop = %g, want 98", pos.StopLossPrice)
	}
	if got := s.Balance(); got != 980 {
		t.Errorf("free balance = %g, want 980", got)
	}
	if got := s.TotalBalance(); got != 1000 {
		t.Errorf("total balance = %g, want 1000", got)
	}
}

func TestOpenPositionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("setup state cannot open", func(t *testing.T) {
		s := newTestSim(t, frictionlessConfig())
		setup := triggered("BTCUSDT", 100)
		setup.State = domain.SetupWatching
		if _, err := s.OpenPosition(ctx, setup); !errors.Is(err, domain.ErrInvalidSetupState) {
			t.Errorf("err = %v, want ErrInvalidSetupState", err)
		}
	})

	t.Run("spot filtered when futures required", func(t *testing.T) {
		cfg := frictionlessConfig()
		cfg.RequireFutures = true
		s := newTestSim(t, cfg)
		setup := triggered("BTCUSDT", 100)
		setup.MarketKind = domain.MarketSpot
		if _, err := s.OpenPosition(ctx, setup); !errors.Is(err, domain.ErrMarketFiltered) {
			t.Errorf("err = %v, want ErrMarketFiltered", err)
		}
	})

	t.Run("missing price", func(t *testing.T) {
		s := newTestSim(t, frictionlessConfig())
		if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 0)); !errors.Is(err, domain.ErrPriceUnavailable) {
			t.Errorf("err = %v, want ErrPriceUnavailable", err)
		}
	})

	t.Run("duplicate key", func(t *testing.T) {
		s := newTestSim(t, frictionlessConfig())
		if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 101)); !errors.Is(err, domain.ErrDuplicatePosition) {
			t.Errorf("err = %v, want ErrDuplicatePosition", err)
		}
	})

	t.Run("position cap", func(t *testing.T) {
		cfg := frictionlessConfig()
		cfg.MaxOpenPositions = 1
		s := newTestSim(t, cfg)
		if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.OpenPosition(ctx, triggered("ETHUSDT", 100)); !errors.Is(err, domain.ErrMaxPositions) {
			t.Errorf("err = %v, want ErrMaxPositions", err)
		}
	})
}

// A long rides from 100 to 103 (30% ROE at 10x), which locks 28% ROE behind a
// trailing stop at 102.8; the pullback to 102.5 fills the stop.
func TestTrailingRideLocksProfit(t *testing.T) {
	s := newTestSim(t, frictionlessConfig())
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 101}, testBase.Add(1*time.Minute))
	open := s.OpenPositions()
	if len(open) != 1 || open[0].TrailLevel != 1 {
		t.Fatalf("trail should be active after 10%% ROE, got %+v", open)
	}
	if !almostEqual(open[0].StopLossPrice, 100.5) {
		t.Errorf("stop after activation = %g, want 100.5", open[0].StopLossPrice)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 103}, testBase.Add(2*time.Minute))
	open = s.OpenPositions()
	if !almostEqual(open[0].StopLossPrice, 102.8) {
		t.Fatalf("stop at 30%% ROE = %g, want 102.8", open[0].StopLossPrice)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 102.5}, testBase.Add(3*time.Minute))
	if len(s.OpenPositions()) != 0 {
		t.Fatal("pullback through the stop should close the position")
	}

	closed := s.ClosedPositions(1)[0]
	if closed.ExitReason != domain.ExitTrailingStop {
		t.Errorf("exit reason = %s, want trailing_stop", closed.ExitReason)
	}
	if !almostEqual(closed.ExitPrice, 102.8) {
		t.Errorf("exit price = %g, want 102.8", closed.ExitPrice)
	}
	if !almostEqual(closed.RealizedPnL, 5.6) {
		t.Errorf("realized pnl = %g, want 5.6", closed.RealizedPnL)
	}
	if !almostEqual(closed.RealizedPnLPercent, 28) {
		t.Errorf("realized pnl pct = %g, want 28", closed.RealizedPnLPercent)
	}
	if got := s.Balance(); !almostEqual(got, 1005.6) {
		t.Errorf("balance = %g, want 1005.6", got)
	}
}

func seedLosses(s *Simulator, n int, at time.Time) {
	for i := 0; i < n; i++ {
		s.book.ledger = append(s.book.ledger, domain.Position{
			Status:      domain.PositionStatusClosed,
			RealizedPnL: -1,
			ExitTime:    at,
		})
	}
}

// Under stress (three recent losses), 2% ROE triggers the one-time insurance
// split: half the position is released with the threshold profit locked, and
// the remainder trades on behind a breakeven stop.
func TestInsuranceSplitAndBreakevenClose(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.InsuranceEnabled = true
	cfg.InsuranceThresholdPercent = 2
	cfg.InsuranceStressWinRate = 50
	cfg.InsuranceWindow = 6 * time.Hour
	cfg.InsuranceMinSample = 3
	s := newTestSim(t, cfg)
	ctx := context.Background()

	seedLosses(s, 3, testBase.Add(-time.Hour))

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 100.2}, testBase.Add(1*time.Minute))

	open := s.OpenPositions()
	if len(open) != 1 {
		t.Fatal("position should survive the insurance split")
	}
	p := open[0]
	if !p.InsuranceTaken {
		t.Fatal("insurance should have fired at 2% ROE under stress")
	}
	if p.MarginUsed != 10 || p.NotionalSize != 100 {
		t.Errorf("post-split margin/notional = %g/%g, want 10/100", p.MarginUsed, p.NotionalSize)
	}
	if !almostEqual(p.InsuranceLockedPnL, 2) {
		t.Errorf("locked pnl = %g, want 2", p.InsuranceLockedPnL)
	}
	if p.StopLossPrice != 100 {
		t.Errorf("stop = %g, want breakeven 100", p.StopLossPrice)
	}
	if p.Status != domain.PositionStatusPartialTP1 {
		t.Errorf("status = %s, want partial_tp1", p.Status)
	}
	if got := s.Balance(); !almostEqual(got, 990) {
		t.Errorf("balance after split = %g, want 990", got)
	}

	// Fade back to entry: the breakeven stop fills and the locked half settles.
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 100}, testBase.Add(2*time.Minute))
	closed := s.ClosedPositions(1)
	if len(closed) != 1 {
		t.Fatal("breakeven stop should have closed the position")
	}
	if closed[0].ExitReason != domain.ExitInsuranceBE {
		t.Errorf("exit reason = %s, want insurance_be", closed[0].ExitReason)
	}
	if !almostEqual(closed[0].RealizedPnL, 2) {
		t.Errorf("realized pnl = %g, want locked 2", closed[0].RealizedPnL)
	}
	if !almostEqual(closed[0].RealizedPnLPercent, 10) {
		t.Errorf("realized pnl pct = %g, want 10 against original margin", closed[0].RealizedPnLPercent)
	}
	if got := s.Balance(); !almostEqual(got, 1002) {
		t.Errorf("final balance = %g, want 1002", got)
	}
}

func TestInsuranceFiresAtMostOnce(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.InsuranceEnabled = true
	cfg.InsuranceThresholdPercent = 2
	cfg.InsuranceStressWinRate = 50
	cfg.InsuranceWindow = 6 * time.Hour
	cfg.InsuranceMinSample = 3
	s := newTestSim(t, cfg)
	ctx := context.Background()

	seedLosses(s, 3, testBase.Add(-time.Hour))

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 100.2}, testBase.Add(1*time.Minute))
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 100.5}, testBase.Add(2*time.Minute))
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 100.9}, testBase.Add(3*time.Minute))

	p := s.OpenPositions()[0]
	if p.MarginUsed != 10 || !almostEqual(p.InsuranceLockedPnL, 2) {
		t.Errorf("second threshold crossing must not split again: margin=%g locked=%g", p.MarginUsed, p.InsuranceLockedPnL)
	}
}

// At 20x with a 5% stop, the 4.5% liquidation distance is reached first: a
// gap to 95.2 liquidates rather than filling the stop at 95.
func TestLiquidationPrecedesStop(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.Leverage = 20
	cfg.StopLossPercent = 5
	s := newTestSim(t, cfg)
	ctx := context.Background()

	pos, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100))
	if err != nil {
		t.Fatal(err)
	}
	if pos.StopLossPrice != 95 {
		t.Fatalf("stop = %g, want 95", pos.StopLossPrice)
	}

	s.TickAt(ctx, map[string]float64{"BTCUSDT": 95.2}, testBase.Add(1*time.Minute))

	closed := s.ClosedPositions(1)
	if len(closed) != 1 {
		t.Fatal("position should be liquidated")
	}
	if closed[0].ExitReason != domain.ExitLiquidation {
		t.Errorf("exit reason = %s, want liquidation", closed[0].ExitReason)
	}
	if !almostEqual(closed[0].ExitPrice, 95.5) {
		t.Errorf("exit price = %g, want liquidation level 95.5", closed[0].ExitPrice)
	}
	if !almostEqual(closed[0].RealizedPnL, -pos.MarginUsed) {
		t.Errorf("realized pnl = %g, want full margin loss %g", closed[0].RealizedPnL, -pos.MarginUsed)
	}
	if closed[0].RealizedPnLPercent != -100 {
		t.Errorf("realized pnl pct = %g, want -100", closed[0].RealizedPnLPercent)
	}
	if got := s.TotalBalance(); !almostEqual(got, 1000-pos.MarginUsed) {
		t.Errorf("total balance = %g, want %g", got, 1000-pos.MarginUsed)
	}
}

// With zero slippage, a flat round trip loses exactly the two taker fees.
func TestRoundTripCostsAreFeesOnly(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.Fees = FeeConfig{MakerRate: 0.0002, TakerRate: 0.0004}
	s := newTestSim(t, cfg)
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}
	s.CloseAll(ctx, domain.ExitEndOfData)

	closed := s.ClosedPositions(1)[0]
	if closed.ExitReason != domain.ExitEndOfData {
		t.Errorf("exit reason = %s, want end_of_data", closed.ExitReason)
	}
	// notional 200 at 4 bps per side.
	if !almostEqual(closed.RealizedPnL, -0.16) {
		t.Errorf("realized pnl = %g, want -0.16", closed.RealizedPnL)
	}
	if got := s.Balance(); !almostEqual(got, 999.84) {
		t.Errorf("balance = %g, want 999.84", got)
	}
}

func TestPlayedOutSetupClosesAtSetupPrice(t *testing.T) {
	s := newTestSim(t, frictionlessConfig())
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}

	done := triggered("BTCUSDT", 101)
	done.State = domain.SetupPlayedOut
	done.ObservedAt = testBase.Add(1 * time.Minute)
	if _, err := s.UpdateSetup(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	closed := s.ClosedPositions(1)
	if len(closed) != 1 {
		t.Fatal("played_out setup should close the position")
	}
	if closed[0].ExitReason != domain.ExitPlayedOut {
		t.Errorf("exit reason = %s, want played_out", closed[0].ExitReason)
	}
	if !almostEqual(closed[0].ExitPrice, 101) {
		t.Errorf("exit price = %g, want 101", closed[0].ExitPrice)
	}

	// The same signal again finds no position and cannot open from played_out.
	if _, err := s.UpdateSetup(ctx, done); !errors.Is(err, domain.ErrInvalidSetupState) {
		t.Errorf("repeat err = %v, want ErrInvalidSetupState", err)
	}
	if got := len(s.ClosedPositions(0)); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
}

func TestTakeProfitFillsAtTarget(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.TakeProfitPercent = 5
	s := newTestSim(t, cfg)
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 105.4}, testBase.Add(1*time.Minute))

	closed := s.ClosedPositions(1)
	if len(closed) != 1 {
		t.Fatal("target touch should close the position")
	}
	if closed[0].ExitReason != domain.ExitTakeProfit {
		t.Errorf("exit reason = %s, want take_profit", closed[0].ExitReason)
	}
	if !almostEqual(closed[0].ExitPrice, 105) {
		t.Errorf("exit price = %g, want target fill 105", closed[0].ExitPrice)
	}
}

func TestOutOfOrderSampleIgnored(t *testing.T) {
	s := newTestSim(t, frictionlessConfig())
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 102}, testBase.Add(2*time.Minute))

	// A late sample with an earlier timestamp must not rewind state, even if
	// its price would cross the stop.
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 90}, testBase.Add(1*time.Minute))

	open := s.OpenPositions()
	if len(open) != 1 {
		t.Fatal("stale sample must not close the position")
	}
	if open[0].CurrentPrice != 102 {
		t.Errorf("current price = %g, want 102", open[0].CurrentPrice)
	}
}

func TestSinksObserveLifecycleAndFailuresAreIgnored(t *testing.T) {
	good := &spySink{}
	bad := &spySink{err: errors.New("sink down")}
	s := newTestSim(t, frictionlessConfig(), WithSink(bad), WithSink(good))
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatalf("failing sink must not block opens: %v", err)
	}
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 97}, testBase.Add(1*time.Minute))

	if len(good.opened) != 1 || len(good.closed) != 1 {
		t.Errorf("sink events = %d opened / %d closed, want 1/1", len(good.opened), len(good.closed))
	}
	if len(bad.opened) != 1 || len(bad.closed) != 1 {
		t.Errorf("failing sink still receives events, got %d/%d", len(bad.opened), len(bad.closed))
	}
	if got := len(s.ClosedPositions(0)); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
	if got := s.Balance(); !almostEqual(got, 996) {
		t.Errorf("balance = %g, want 996 after a 2%% stop-out", got)
	}
}

func TestStatisticsFromLedger(t *testing.T) {
	s := newTestSim(t, frictionlessConfig())
	ctx := context.Background()

	if _, err := s.OpenPosition(ctx, triggered("BTCUSDT", 100)); err != nil {
		t.Fatal(err)
	}
	s.TickAt(ctx, map[string]float64{"BTCUSDT": 97}, testBase.Add(1*time.Minute))

	stats := s.Statistics()
	if stats.TotalTrades != 1 || stats.Losses != 1 {
		t.Errorf("stats = %+v, want one losing trade", stats)
	}
	if !almostEqual(stats.TotalPnL, -4) {
		t.Errorf("total pnl = %g, want -4", stats.TotalPnL)
	}
}
