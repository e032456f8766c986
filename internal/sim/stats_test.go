package sim

import (
	"math"
	"testing"

	"leversim/internal/domain"
)

func closedWith(pnls ...float64) []domain.Position {
	out := make([]domain.Position, len(pnls))
	for i, pnl := range pnls {
		out[i] = domain.Position{Status: domain.PositionStatusClosed, RealizedPnL: pnl}
	}
	return out
}

func TestComputeStatsEmpty(t *testing.T) {
	s := ComputeStats(nil, 1000)
	if s.TotalTrades != 0 || s.WinRate != 0 || s.ProfitFactor != 0 {
		t.Errorf("empty ledger should be all zeroes, got %+v", s)
	}
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(closedWith(10, -4, 6, -2), 1000)

	if s.TotalTrades != 4 || s.Wins != 2 || s.Losses != 2 {
		t.Errorf("counts = %d/%d/%d, want 4/2/2", s.TotalTrades, s.Wins, s.Losses)
	}
	if s.WinRate != 50 {
		t.Errorf("win rate = %g, want 50", s.WinRate)
	}
	if !almostEqual(s.TotalPnL, 10) {
		t.Errorf("total pnl = %g, want 10", s.TotalPnL)
	}
	if !almostEqual(s.AvgWin, 8) {
		t.Errorf("avg win = %g, want 8", s.AvgWin)
	}
	if !almostEqual(s.AvgLoss, -3) {
		t.Errorf("avg loss = %g, want -3", s.AvgLoss)
	}
	if !almostEqual(s.ProfitFactor, 16.0/6.0) {
		t.Errorf("profit factor = %g, want %g", s.ProfitFactor, 16.0/6.0)
	}
}

func TestComputeStatsProfitFactorEdges(t *testing.T) {
	if pf := ComputeStats(closedWith(5, 3), 1000).ProfitFactor; !math.IsInf(pf, 1) {
		t.Errorf("all wins profit factor = %g, want +Inf", pf)
	}
	if pf := ComputeStats(closedWith(-5, -3), 1000).ProfitFactor; pf != 0 {
		t.Errorf("all losses profit factor = %g, want 0", pf)
	}
}

func TestComputeStatsMaxDrawdown(t *testing.T) {
	// Balance curve: 1000 -> 1100 (peak) -> 1045 -> 990 -> 1080.
	// Trough 990 against peak 1100 is a 10% drawdown.
	s := ComputeStats(closedWith(100, -55, -55, 90), 1000)
	if !almostEqual(s.MaxDrawdown, 10) {
		t.Errorf("max drawdown = %g, want 10", s.MaxDrawdown)
	}
}

func TestComputeStatsZeroPnLCountsAsLoss(t *testing.T) {
	s := ComputeStats(closedWith(0), 1000)
	if s.Wins != 0 || s.Losses != 1 {
		t.Errorf("zero pnl should count as a loss, got wins=%d losses=%d", s.Wins, s.Losses)
	}
}
