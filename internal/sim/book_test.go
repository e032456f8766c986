package sim

import (
	"errors"
	"testing"
	"time"

	"leversim/internal/domain"
)

func openPos(symbol string, dir domain.Direction) *domain.Position {
	return &domain.Position{
		ID:         symbol + "-" + string(dir),
		Symbol:     symbol,
		Direction:  dir,
		MarketKind: domain.MarketFutures,
		MarginUsed: 20,
		Status:     domain.PositionStatusOpen,
	}
}

func TestBookRejectsDuplicateKey(t *testing.T) {
	b := NewPositionBook()

	if err := b.Add(openPos("BTCUSDT", domain.DirectionLong)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := b.Add(openPos("BTCUSDT", domain.DirectionLong))
	if !errors.Is(err, domain.ErrDuplicatePosition) {
		t.Fatalf("duplicate add err = %v, want ErrDuplicatePosition", err)
	}

	// Opposite direction and different market are distinct keys.
	if err := b.Add(openPos("BTCUSDT", domain.DirectionShort)); err != nil {
		t.Errorf("short side add: %v", err)
	}
	spot := openPos("BTCUSDT", domain.DirectionLong)
	spot.MarketKind = domain.MarketSpot
	if err := b.Add(spot); err != nil {
		t.Errorf("spot add: %v", err)
	}
	if b.OpenCount() != 3 {
		t.Errorf("open count = %d, want 3", b.OpenCount())
	}
}

func TestBookMoveToLedgerIdempotent(t *testing.T) {
	b := NewPositionBook()
	p := openPos("ETHUSDT", domain.DirectionLong)
	if err := b.Add(p); err != nil {
		t.Fatal(err)
	}

	p.Status = domain.PositionStatusClosed
	if !b.MoveToLedger(p) {
		t.Fatal("first move should succeed")
	}
	if b.MoveToLedger(p) {
		t.Fatal("second move must be a no-op")
	}
	if got := len(b.Closed(0)); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
	if b.OpenCount() != 0 {
		t.Errorf("open count = %d, want 0", b.OpenCount())
	}
}

func TestBookMoveToLedgerRequiresSamePointer(t *testing.T) {
	b := NewPositionBook()
	p := openPos("SOLUSDT", domain.DirectionShort)
	if err := b.Add(p); err != nil {
		t.Fatal(err)
	}

	// A stale copy under the same key must not evict the live position.
	stale := *p
	if b.MoveToLedger(&stale) {
		t.Fatal("stale pointer move should be rejected")
	}
	if b.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", b.OpenCount())
	}
}

func TestBookMarginCommitted(t *testing.T) {
	b := NewPositionBook()
	_ = b.Add(openPos("BTCUSDT", domain.DirectionLong))
	_ = b.Add(openPos("ETHUSDT", domain.DirectionLong))
	if got := b.MarginCommitted(); got != 40 {
		t.Errorf("margin committed = %g, want 40", got)
	}
}

func TestBookClosedLimit(t *testing.T) {
	b := NewPositionBook()
	now := time.Now()
	for i, sym := range []string{"A", "B", "C"} {
		p := openPos(sym, domain.DirectionLong)
		_ = b.Add(p)
		p.Status = domain.PositionStatusClosed
		p.ExitTime = now.Add(time.Duration(i) * time.Minute)
		b.MoveToLedger(p)
	}

	recent := b.Closed(2)
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Symbol != "C" || recent[1].Symbol != "B" {
		t.Errorf("want newest first, got %s, %s", recent[0].Symbol, recent[1].Symbol)
	}
}

func TestRecentWinRate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Hour

	close := func(b *PositionBook, sym string, pnl float64, age time.Duration) {
		p := openPos(sym, domain.DirectionLong)
		_ = b.Add(p)
		p.Status = domain.PositionStatusClosed
		p.RealizedPnL = pnl
		p.ExitTime = now.Add(-age)
		b.MoveToLedger(p)
	}

	t.Run("below min sample", func(t *testing.T) {
		b := NewPositionBook()
		close(b, "A", -1, 10*time.Minute)
		close(b, "B", -1, 5*time.Minute)
		if _, ok := b.RecentWinRate(now, window, 3); ok {
			t.Error("two closes must not satisfy a min sample of three")
		}
	})

	t.Run("all losses", func(t *testing.T) {
		b := NewPositionBook()
		close(b, "A", -1, 30*time.Minute)
		close(b, "B", -2, 20*time.Minute)
		close(b, "C", -3, 10*time.Minute)
		rate, ok := b.RecentWinRate(now, window, 3)
		if !ok || rate != 0 {
			t.Errorf("rate = %g ok = %v, want 0 true", rate, ok)
		}
	})

	t.Run("old closes fall out of the window", func(t *testing.T) {
		b := NewPositionBook()
		close(b, "A", 5, 3*time.Hour)
		close(b, "B", 5, 2*time.Hour)
		close(b, "C", -1, 10*time.Minute)
		close(b, "D", 2, 5*time.Minute)
		rate, ok := b.RecentWinRate(now, window, 2)
		if !ok || rate != 50 {
			t.Errorf("rate = %g ok = %v, want 50 true (wins outside window ignored)", rate, ok)
		}
	})
}
