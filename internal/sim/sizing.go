package sim

import (
	"leversim/internal/domain"
)

// Structural stops supplied by the detector are only trusted when their
// distance from entry is plausible; outside this band the percent fallback
// applies.
const (
	minStructuralStopPct = 0.5
	maxStructuralStopPct = 10
)

// Sizing turns available balance into margin and notional for a new entry.
type Sizing struct {
	cfg RiskConfig
}

// NewSizing creates a Sizing calculator for the given risk configuration.
func NewSizing(cfg RiskConfig) Sizing {
	return Sizing{cfg: cfg}
}

// ComputeSize returns the margin and notional for a new entry given the
// available (uncommitted) balance. Skips are sentinel errors, not failures:
// ErrBelowMinSize when the margin falls under the configured floor,
// ErrInsufficientBalance when it exceeds what is available.
func (s Sizing) ComputeSize(availableBalance float64) (margin, notional float64, err error) {
	margin = availableBalance * s.cfg.PositionSizePercent / 100
	if margin < s.cfg.MinPositionSize {
		return 0, 0, domain.ErrBelowMinSize
	}
	if margin > availableBalance {
		return 0, 0, domain.ErrInsufficientBalance
	}
	return margin, margin * s.cfg.Leverage, nil
}

// TargetResolver computes the stop-loss and take-profit prices for an entry.
// It is the strategy point that distinguishes percent-rule sizing from
// detector-supplied structural levels; 0 take-profit means disabled.
type TargetResolver interface {
	StopAndTarget(entryPrice float64, dir domain.Direction) (stopLoss, takeProfit float64)
}

// PercentTargets derives stop and target from fixed percent distances.
type PercentTargets struct {
	StopLossPercent   float64
	TakeProfitPercent float64
}

// StopAndTarget implements TargetResolver.
func (t PercentTargets) StopAndTarget(entryPrice float64, dir domain.Direction) (float64, float64) {
	stop := entryPrice * (1 - dir.Sign()*t.StopLossPercent/100)
	var target float64
	if t.TakeProfitPercent > 0 {
		target = entryPrice * (1 + dir.Sign()*t.TakeProfitPercent/100)
	}
	return stop, target
}

// StructuralTargets uses a detector-supplied stop price when it is on the
// protective side of entry and its distance is within the accepted band,
// falling back to percent rules otherwise.
type StructuralTargets struct {
	StopPrice float64
	Fallback  PercentTargets
}

// StopAndTarget implements TargetResolver.
func (t StructuralTargets) StopAndTarget(entryPrice float64, dir domain.Direction) (float64, float64) {
	_, target := t.Fallback.StopAndTarget(entryPrice, dir)
	if !t.acceptable(entryPrice, dir) {
		stop, _ := t.Fallback.StopAndTarget(entryPrice, dir)
		return stop, target
	}
	return t.StopPrice, target
}

func (t StructuralTargets) acceptable(entryPrice float64, dir domain.Direction) bool {
	if t.StopPrice <= 0 || entryPrice <= 0 {
		return false
	}
	// Must sit on the protective side: below entry for longs, above for shorts.
	if dir == domain.DirectionLong && t.StopPrice >= entryPrice {
		return false
	}
	if dir == domain.DirectionShort && t.StopPrice <= entryPrice {
		return false
	}
	distPct := (t.StopPrice - entryPrice) / entryPrice * 100
	if distPct < 0 {
		distPct = -distPct
	}
	return distPct >= minStructuralStopPct && distPct <= maxStructuralStopPct
}

// ResolverForSetup picks the target resolver for a setup: structural when the
// detector supplied a stop price, percent rules otherwise.
func ResolverForSetup(cfg RiskConfig, setup domain.Setup) TargetResolver {
	fallback := PercentTargets{
		StopLossPercent:   cfg.StopLossPercent,
		TakeProfitPercent: cfg.TakeProfitPercent,
	}
	if setup.StructuralStopPrice > 0 {
		return StructuralTargets{StopPrice: setup.StructuralStopPrice, Fallback: fallback}
	}
	return fallback
}
