package sim

import (
	"math"
	"testing"
	"time"

	"leversim/internal/domain"
)

func costConfig() RiskConfig {
	cfg := DefaultRiskConfig()
	cfg.Fees = FeeConfig{MakerRate: 0.0002, TakerRate: 0.0004}
	cfg.Slippage = SlippageConfig{
		BaseBps:              2,
		SizeImpactFactor:     0.1,
		MinBps:               0.5,
		MaxBps:               10,
		VolatilityMultiplier: 2,
		ExitMultiplier:       2,
	}
	cfg.Funding = FundingConfig{IntervalHours: 8, Rate: 0.0001, NeutralRate: 0.00003}
	return cfg
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSlippageBps(t *testing.T) {
	m := NewCostModel(costConfig())

	tests := []struct {
		name     string
		notional float64
		vol      domain.Volatility
		want     float64
	}{
		{"normal small", 1000, domain.VolatilityNormal, 2 + 0.1*0.1},
		{"low halves base", 1000, domain.VolatilityLow, 1 + 0.1*0.1},
		{"high uses multiplier", 1000, domain.VolatilityHigh, 4 + 0.1*0.1},
		{"extreme is 1.5x multiplier", 1000, domain.VolatilityExtreme, 6 + 0.1*0.1},
		{"size impact", 100000, domain.VolatilityNormal, 2 + 10*0.1},
		{"clamped to max", 2000000, domain.VolatilityExtreme, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.SlippageBps(tt.notional, tt.vol)
			if !almostEqual(got, tt.want) {
				t.Errorf("SlippageBps(%g, %s) = %g, want %g", tt.notional, tt.vol, got, tt.want)
			}
		})
	}
}

func TestSlippageBpsMinClamp(t *testing.T) {
	cfg := costConfig()
	cfg.Slippage.MinBps = 1.5
	m := NewCostModel(cfg)

	// Low volatility halves the base to 1 bps, under the floor.
	if got := m.SlippageBps(0, domain.VolatilityLow); !almostEqual(got, 1.5) {
		t.Errorf("SlippageBps = %g, want clamped to 1.5", got)
	}
}

func TestFillsMoveAgainstTrader(t *testing.T) {
	m := NewCostModel(costConfig())
	const price = 100.0

	longEntry := m.EntryFill(price, domain.DirectionLong, 1000, domain.VolatilityNormal)
	if longEntry <= price {
		t.Errorf("long entry fill %g should be above quote %g", longEntry, price)
	}

	shortEntry := m.EntryFill(price, domain.DirectionShort, 1000, domain.VolatilityNormal)
	if shortEntry >= price {
		t.Errorf("short entry fill %g should be below quote %g", shortEntry, price)
	}

	longExit := m.ExitFill(price, domain.DirectionLong, 1000, domain.VolatilityNormal, false)
	if longExit >= price {
		t.Errorf("long exit fill %g should be below quote %g", longExit, price)
	}

	shortExit := m.ExitFill(price, domain.DirectionShort, 1000, domain.VolatilityNormal, false)
	if shortExit <= price {
		t.Errorf("short exit fill %g should be above quote %g", shortExit, price)
	}
}

func TestStoppedExitsAreHarsher(t *testing.T) {
	m := NewCostModel(costConfig())
	const price = 100.0

	normal := m.ExitFill(price, domain.DirectionLong, 1000, domain.VolatilityNormal, false)
	stopped := m.ExitFill(price, domain.DirectionLong, 1000, domain.VolatilityNormal, true)
	if stopped >= normal {
		t.Errorf("stopped exit %g should fill worse than plain exit %g", stopped, normal)
	}

	normalSlip := (price - normal) / price * 10000
	stoppedSlip := (price - stopped) / price * 10000
	if !almostEqual(stoppedSlip, normalSlip*2) {
		t.Errorf("stopped slippage %g bps, want 2x plain %g bps", stoppedSlip, normalSlip)
	}
}

func TestFee(t *testing.T) {
	m := NewCostModel(costConfig())
	if got := m.Fee(10000, false); !almostEqual(got, 4) {
		t.Errorf("taker fee = %g, want 4", got)
	}
	if got := m.Fee(10000, true); !almostEqual(got, 2) {
		t.Errorf("maker fee = %g, want 2", got)
	}
}

func TestFunding(t *testing.T) {
	m := NewCostModel(costConfig())
	const notional = 10000.0

	tests := []struct {
		name string
		dir  domain.Direction
		hold time.Duration
		bias domain.MarketBias
		want float64
	}{
		{"short hold ignored", domain.DirectionLong, 5 * time.Minute, domain.BiasBullish, 0},
		{"bullish long pays one interval", domain.DirectionLong, 8 * time.Hour, domain.BiasBullish, 1},
		{"bullish short receives", domain.DirectionShort, 8 * time.Hour, domain.BiasBullish, -1},
		{"bearish short pays", domain.DirectionShort, 8 * time.Hour, domain.BiasBearish, 1},
		{"bearish long receives", domain.DirectionLong, 8 * time.Hour, domain.BiasBearish, -1},
		{"neutral long pays default", domain.DirectionLong, 8 * time.Hour, domain.BiasNeutral, 0.3},
		{"scales with intervals", domain.DirectionLong, 24 * time.Hour, domain.BiasBullish, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Funding(notional, tt.dir, tt.hold, tt.bias)
			if !almostEqual(got, tt.want) {
				t.Errorf("Funding(%s, %v, %s) = %g, want %g", tt.dir, tt.hold, tt.bias, got, tt.want)
			}
		})
	}
}
