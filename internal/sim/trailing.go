package sim

import (
	"leversim/internal/domain"
)

// Policy holds the trailing-stop and insurance decision logic. Methods mutate
// the position's risk fields but never close it; the simulator owns exits.
type Policy struct {
	cfg RiskConfig
}

// NewPolicy creates a Policy for the given risk configuration.
func NewPolicy(cfg RiskConfig) Policy {
	return Policy{cfg: cfg}
}

// lockPrice converts an ROE lock level into a stop price. ROE is
// leverage-scaled, so the price distance is lockROE / leverage.
func lockPrice(entry float64, dir domain.Direction, lockROE, leverage float64) float64 {
	return entry * (1 + dir.Sign()*lockROE/100/leverage)
}

// ApplyTrailing updates the high-water mark and, when warranted, tightens the
// stop. The high-water mark never decreases; once TrailLevel >= 1 the stop
// only ever moves in the trade's favor.
func (pl Policy) ApplyTrailing(p *domain.Position) {
	if p.UnrealizedPnLPercent > p.HighWaterMarkROE {
		p.HighWaterMarkROE = p.UnrealizedPnLPercent
	}

	if p.TrailLevel == 0 {
		if p.UnrealizedPnLPercent < pl.cfg.TrailTriggerPercent {
			return
		}
		p.TrailLevel = 1
	}

	step := pl.cfg.TrailStepFor(p.HighWaterMarkROE)
	candidateLock := p.HighWaterMarkROE - step
	if candidateLock <= 0 {
		return
	}

	candidate := lockPrice(p.EffectiveEntryPrice, p.Direction, candidateLock, p.Leverage)
	if moreFavorable(candidate, p.StopLossPrice, p.Direction) {
		p.StopLossPrice = candidate
	}
}

// moreFavorable reports whether the candidate stop is strictly tighter than
// the current one: higher for longs, lower for shorts.
func moreFavorable(candidate, current float64, dir domain.Direction) bool {
	if current <= 0 {
		return true
	}
	if dir == domain.DirectionLong {
		return candidate > current
	}
	return candidate < current
}

// ShouldInsure reports whether the conditional one-time partial close should
// fire: insurance enabled, not yet taken, ROE at or above the threshold, and
// the stress condition (recent win rate below the configured floor) holding.
func (pl Policy) ShouldInsure(p *domain.Position, stressed bool) bool {
	if !pl.cfg.InsuranceEnabled || p.InsuranceTaken {
		return false
	}
	if p.UnrealizedPnLPercent < pl.cfg.InsuranceThresholdPercent {
		return false
	}
	return stressed
}
