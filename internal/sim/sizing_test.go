package sim

import (
	"errors"
	"testing"

	"leversim/internal/domain"
)

func TestComputeSize(t *testing.T) {
	cfg := DefaultRiskConfig()
	cfg.PositionSizePercent = 2
	cfg.Leverage = 10
	cfg.MinPositionSize = 10
	sz := NewSizing(cfg)

	tests := []struct {
		name         string
		available    float64
		wantMargin   float64
		wantNotional float64
		wantErr      error
	}{
		{"standard sizing", 1000, 20, 200, nil},
		{"below minimum floor", 400, 0, 0, domain.ErrBelowMinSize},
		{"zero balance", 0, 0, 0, domain.ErrBelowMinSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			margin, notional, err := sz.ComputeSize(tt.available)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if margin != tt.wantMargin || notional != tt.wantNotional {
				t.Errorf("got margin=%g notional=%g, want %g/%g", margin, notional, tt.wantMargin, tt.wantNotional)
			}
		})
	}
}

func TestPercentTargets(t *testing.T) {
	pt := PercentTargets{StopLossPercent: 2, TakeProfitPercent: 5}

	stop, target := pt.StopAndTarget(100, domain.DirectionLong)
	if stop != 98 || target != 105 {
		t.Errorf("long: stop=%g target=%g, want 98/105", stop, target)
	}

	stop, target = pt.StopAndTarget(100, domain.DirectionShort)
	if stop != 102 || target != 95 {
		t.Errorf("short: stop=%g target=%g, want 102/95", stop, target)
	}

	_, target = PercentTargets{StopLossPercent: 2}.StopAndTarget(100, domain.DirectionLong)
	if target != 0 {
		t.Errorf("zero take-profit percent should disable target, got %g", target)
	}
}

func TestStructuralTargets(t *testing.T) {
	fallback := PercentTargets{StopLossPercent: 2, TakeProfitPercent: 0}

	tests := []struct {
		name     string
		stop     float64
		dir      domain.Direction
		wantStop float64
	}{
		{"accepted within band", 97, domain.DirectionLong, 97},
		{"at minimum distance", 99.5, domain.DirectionLong, 99.5},
		{"at maximum distance", 90, domain.DirectionLong, 90},
		{"too close falls back", 99.8, domain.DirectionLong, 98},
		{"too far falls back", 85, domain.DirectionLong, 98},
		{"wrong side falls back", 103, domain.DirectionLong, 98},
		{"short accepted above entry", 103, domain.DirectionShort, 103},
		{"short wrong side falls back", 97, domain.DirectionShort, 102},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := StructuralTargets{StopPrice: tt.stop, Fallback: fallback}
			got, _ := st.StopAndTarget(100, tt.dir)
			if got != tt.wantStop {
				t.Errorf("stop = %g, want %g", got, tt.wantStop)
			}
		})
	}
}

func TestResolverForSetup(t *testing.T) {
	cfg := DefaultRiskConfig()

	withStop := domain.Setup{StructuralStopPrice: 97}
	if _, ok := ResolverForSetup(cfg, withStop).(StructuralTargets); !ok {
		t.Error("setup with structural stop should resolve StructuralTargets")
	}

	without := domain.Setup{}
	if _, ok := ResolverForSetup(cfg, without).(PercentTargets); !ok {
		t.Error("setup without structural stop should resolve PercentTargets")
	}
}
