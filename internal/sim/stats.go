package sim

import (
	"math"

	"leversim/internal/domain"
)

// Stats summarizes the closed-position ledger. Derived on demand; nothing
// here is cached or persisted.
type Stats struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64 // percent
	TotalPnL    float64
	AvgWin      float64
	AvgLoss     float64 // negative
	// ProfitFactor is grossWins / |grossLosses|; +Inf with wins and no
	// losses, 0 with no wins.
	ProfitFactor float64
	// MaxDrawdown is the largest peak-to-trough decline of the cumulative
	// balance curve, as a percent of the peak.
	MaxDrawdown float64
}

// ComputeStats derives aggregate statistics from the ledger in close order,
// walking the cumulative balance curve from initialBalance.
func ComputeStats(ledger []domain.Position, initialBalance float64) Stats {
	s := Stats{TotalTrades: len(ledger)}
	if len(ledger) == 0 {
		return s
	}

	var grossWins, grossLosses float64
	balance := initialBalance
	peak := initialBalance

	for _, p := range ledger {
		s.TotalPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			s.Wins++
			grossWins += p.RealizedPnL
		} else {
			s.Losses++
			grossLosses += p.RealizedPnL
		}

		balance += p.RealizedPnL
		if balance > peak {
			peak = balance
		}
		if peak > 0 {
			dd := (peak - balance) / peak * 100
			if dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
	}

	s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
	if s.Wins > 0 {
		s.AvgWin = grossWins / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = grossLosses / float64(s.Losses)
	}
	switch {
	case grossLosses == 0 && grossWins > 0:
		s.ProfitFactor = math.Inf(1)
	case grossLosses == 0:
		s.ProfitFactor = 0
	default:
		s.ProfitFactor = grossWins / math.Abs(grossLosses)
	}
	return s
}
