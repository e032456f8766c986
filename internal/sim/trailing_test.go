package sim

import (
	"testing"

	"leversim/internal/domain"
)

func trailConfig() RiskConfig {
	cfg := DefaultRiskConfig()
	cfg.Leverage = 10
	cfg.TrailTriggerPercent = 10
	cfg.TrailStepPercent = 5
	cfg.ProfitTiers = []ProfitTier{{MinROE: 30, TrailStep: 2}, {MinROE: 0, TrailStep: 5}}
	return cfg
}

func TestTrailStepFor(t *testing.T) {
	cfg := trailConfig()

	tests := []struct {
		hwm  float64
		want float64
	}{
		{0, 5},
		{15, 5},
		{29.9, 5},
		{30, 2},
		{80, 2},
	}
	for _, tt := range tests {
		if got := cfg.TrailStepFor(tt.hwm); got != tt.want {
			t.Errorf("TrailStepFor(%g) = %g, want %g", tt.hwm, got, tt.want)
		}
	}

	// No tiers at all falls back to the flat step.
	cfg.ProfitTiers = nil
	if got := cfg.TrailStepFor(50); got != 5 {
		t.Errorf("flat fallback = %g, want 5", got)
	}
}

func longAt(entry float64) *domain.Position {
	return &domain.Position{
		Direction:           domain.DirectionLong,
		EntryPrice:          entry,
		EffectiveEntryPrice: entry,
		Leverage:            10,
		StopLossPrice:       entry * 0.98,
		Status:              domain.PositionStatusOpen,
	}
}

func TestTrailActivation(t *testing.T) {
	pl := NewPolicy(trailConfig())

	p := longAt(100)
	p.UnrealizedPnLPercent = 9.9
	pl.ApplyTrailing(p)
	if p.TrailLevel != 0 {
		t.Fatal("trail should not activate below the trigger")
	}

	// ROE 30 crosses the trigger and lands in the 30+ tier (step 2):
	// lock 28% ROE -> stop at 100*(1+28/100/10) = 102.8.
	p.UnrealizedPnLPercent = 30
	pl.ApplyTrailing(p)
	if p.TrailLevel != 1 {
		t.Fatalf("trail level = %d, want 1", p.TrailLevel)
	}
	if p.HighWaterMarkROE != 30 {
		t.Errorf("hwm = %g, want 30", p.HighWaterMarkROE)
	}
	if !almostEqual(p.StopLossPrice, 102.8) {
		t.Errorf("stop = %g, want 102.8", p.StopLossPrice)
	}
}

func TestTrailNeverLoosens(t *testing.T) {
	pl := NewPolicy(trailConfig())

	p := longAt(100)
	p.UnrealizedPnLPercent = 30
	pl.ApplyTrailing(p)
	locked := p.StopLossPrice

	// ROE retreats; hwm holds, stop must not move down.
	p.UnrealizedPnLPercent = 12
	pl.ApplyTrailing(p)
	if p.StopLossPrice != locked {
		t.Errorf("stop moved from %g to %g on a pullback", locked, p.StopLossPrice)
	}
	if p.HighWaterMarkROE != 30 {
		t.Errorf("hwm decreased to %g", p.HighWaterMarkROE)
	}

	// New high tightens further.
	p.UnrealizedPnLPercent = 40
	pl.ApplyTrailing(p)
	if p.StopLossPrice <= locked {
		t.Errorf("stop %g should have tightened above %g on a new high", p.StopLossPrice, locked)
	}
}

func TestTrailMonotonicAcrossSamples(t *testing.T) {
	pl := NewPolicy(trailConfig())
	p := longAt(100)

	prev := p.StopLossPrice
	for _, roe := range []float64{5, 12, 8, 20, 35, 22, 50, 45} {
		p.UnrealizedPnLPercent = roe
		pl.ApplyTrailing(p)
		if p.TrailLevel >= 1 && p.StopLossPrice < prev {
			t.Fatalf("stop decreased from %g to %g at roe %g", prev, p.StopLossPrice, roe)
		}
		prev = p.StopLossPrice
	}
}

func TestTrailShort(t *testing.T) {
	pl := NewPolicy(trailConfig())
	p := &domain.Position{
		Direction:           domain.DirectionShort,
		EntryPrice:          100,
		EffectiveEntryPrice: 100,
		Leverage:            10,
		StopLossPrice:       102,
		Status:              domain.PositionStatusOpen,
	}

	p.UnrealizedPnLPercent = 30
	pl.ApplyTrailing(p)
	// Lock 28% ROE on a short: stop at 100*(1-28/100/10) = 97.2.
	if !almostEqual(p.StopLossPrice, 97.2) {
		t.Fatalf("short stop = %g, want 97.2", p.StopLossPrice)
	}

	prev := p.StopLossPrice
	p.UnrealizedPnLPercent = 10
	pl.ApplyTrailing(p)
	if p.StopLossPrice != prev {
		t.Errorf("short stop loosened from %g to %g", prev, p.StopLossPrice)
	}
}

func TestShouldInsure(t *testing.T) {
	cfg := trailConfig()
	cfg.InsuranceEnabled = true
	cfg.InsuranceThresholdPercent = 2
	pl := NewPolicy(cfg)

	p := longAt(100)
	p.UnrealizedPnLPercent = 2.5

	if pl.ShouldInsure(p, false) {
		t.Error("insurance must not fire without stress")
	}
	if !pl.ShouldInsure(p, true) {
		t.Error("insurance should fire at threshold under stress")
	}

	p.InsuranceTaken = true
	if pl.ShouldInsure(p, true) {
		t.Error("insurance must fire at most once")
	}

	p.InsuranceTaken = false
	p.UnrealizedPnLPercent = 1.9
	if pl.ShouldInsure(p, true) {
		t.Error("insurance must not fire below the threshold")
	}

	disabled := NewPolicy(trailConfig())
	p.UnrealizedPnLPercent = 5
	if disabled.ShouldInsure(p, true) {
		t.Error("insurance must not fire when disabled")
	}
}
