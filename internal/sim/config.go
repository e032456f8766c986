// Package sim implements the leveraged position lifecycle simulator: sizing,
// execution cost modelling, trailing/insurance policy, the keyed position
// book, and the orchestrating simulator that turns detector setups and price
// samples into a closed-position ledger.
package sim

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProfitTier maps a high-water-mark ROE threshold to the trail step used at
// that profit level. Tiers are evaluated highest threshold first; tighter
// steps at higher tiers give back less of bigger gains.
type ProfitTier struct {
	MinROE    float64
	TrailStep float64
}

// FeeConfig holds maker/taker fee rates as fractions (0.0004 = 4 bps).
type FeeConfig struct {
	MakerRate float64
	TakerRate float64
}

// SlippageConfig controls the simulated slippage model.
type SlippageConfig struct {
	BaseBps          float64
	SizeImpactFactor float64 // extra bps per 10k of notional
	MinBps           float64
	MaxBps           float64

	// VolatilityMultiplier scales BaseBps in high-volatility regimes;
	// extreme regimes use 1.5x this value.
	VolatilityMultiplier float64

	// ExitMultiplier is applied to stop-loss and take-profit fills, which
	// execute into adverse or fast-moving markets. Empirical default 2.
	ExitMultiplier float64
}

// FundingConfig controls the simulated funding payments for leveraged holds.
type FundingConfig struct {
	IntervalHours float64
	Rate          float64 // per-interval rate paid by the bias-side
	NeutralRate   float64 // small default rate in neutral regimes, longs pay
}

// minIntervalFraction: holds shorter than this fraction of one funding
// interval accrue nothing.
const minIntervalFraction = 0.1

// RiskConfig is the per-simulator risk configuration. One instance per
// simulator; validated fatally at construction, never during trading.
type RiskConfig struct {
	Leverage            float64
	PositionSizePercent float64 // percent of *available* balance per entry
	StopLossPercent     float64
	TakeProfitPercent   float64 // 0 disables take-profit

	TrailTriggerPercent float64
	TrailStepPercent    float64 // flat fallback when no tier matches
	ProfitTiers         []ProfitTier

	InsuranceEnabled          bool
	InsuranceThresholdPercent float64
	InsuranceStressWinRate    float64 // percent; stress when recent win rate is below this
	InsuranceWindow           time.Duration
	InsuranceMinSample        int

	MaxOpenPositions int
	MinPositionSize  float64
	InitialBalance   float64

	// LiquidationMarginFraction models the maintenance-margin buffer: the
	// position is liquidated when the adverse move reaches
	// entry/leverage * fraction. Empirical default 0.9.
	LiquidationMarginFraction float64

	RequireFutures bool

	Fees     FeeConfig
	Slippage SlippageConfig
	Funding  FundingConfig
}

// DefaultRiskConfig returns a RiskConfig with the simulator's stock
// parameters. Callers typically override leverage and sizing from file
// configuration.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Leverage:                  10,
		PositionSizePercent:       2,
		StopLossPercent:           1.5,
		TakeProfitPercent:         0,
		TrailTriggerPercent:       10,
		TrailStepPercent:          5,
		ProfitTiers:               []ProfitTier{{MinROE: 50, TrailStep: 2}, {MinROE: 25, TrailStep: 3}, {MinROE: 0, TrailStep: 5}},
		InsuranceEnabled:          false,
		InsuranceThresholdPercent: 2,
		InsuranceStressWinRate:    50,
		InsuranceWindow:           6 * time.Hour,
		InsuranceMinSample:        3,
		MaxOpenPositions:          10,
		MinPositionSize:           10,
		InitialBalance:            1000,
		LiquidationMarginFraction: 0.9,
		Fees:                      FeeConfig{MakerRate: 0.0002, TakerRate: 0.0004},
		Slippage: SlippageConfig{
			BaseBps:              2,
			SizeImpactFactor:     0.1,
			MinBps:               0.5,
			MaxBps:               15,
			VolatilityMultiplier: 2,
			ExitMultiplier:       2,
		},
		Funding: FundingConfig{
			IntervalHours: 8,
			Rate:          0.0001,
			NeutralRate:   0.00003,
		},
	}
}

// Validate checks the configuration and returns a combined error describing
// every problem found. A non-nil result is fatal at simulator construction.
func (c *RiskConfig) Validate() error {
	var errs []string

	if c.Leverage < 1 {
		errs = append(errs, fmt.Sprintf("leverage must be >= 1, got %g", c.Leverage))
	}
	if c.PositionSizePercent <= 0 || c.PositionSizePercent > 100 {
		errs = append(errs, fmt.Sprintf("position_size_percent must be in (0, 100], got %g", c.PositionSizePercent))
	}
	if c.StopLossPercent <= 0 {
		errs = append(errs, fmt.Sprintf("stop_loss_percent must be > 0, got %g", c.StopLossPercent))
	}
	if c.TakeProfitPercent < 0 {
		errs = append(errs, fmt.Sprintf("take_profit_percent must be >= 0, got %g", c.TakeProfitPercent))
	}
	if c.TrailTriggerPercent <= 0 {
		errs = append(errs, fmt.Sprintf("trail_trigger_percent must be > 0, got %g", c.TrailTriggerPercent))
	}
	if c.TrailStepPercent <= 0 {
		errs = append(errs, fmt.Sprintf("trail_step_percent must be > 0, got %g", c.TrailStepPercent))
	}
	for i, t := range c.ProfitTiers {
		if t.MinROE < 0 || t.TrailStep <= 0 {
			errs = append(errs, fmt.Sprintf("profit_tiers[%d]: min_roe must be >= 0 and trail_step > 0", i))
		}
	}
	if c.InsuranceEnabled {
		if c.InsuranceThresholdPercent <= 0 {
			errs = append(errs, fmt.Sprintf("insurance_threshold_percent must be > 0 when insurance is enabled, got %g", c.InsuranceThresholdPercent))
		}
		if c.InsuranceStressWinRate <= 0 || c.InsuranceStressWinRate > 100 {
			errs = append(errs, fmt.Sprintf("insurance_stress_win_rate must be in (0, 100], got %g", c.InsuranceStressWinRate))
		}
		if c.InsuranceWindow <= 0 {
			errs = append(errs, "insurance_window must be > 0 when insurance is enabled")
		}
		if c.InsuranceMinSample < 1 {
			errs = append(errs, fmt.Sprintf("insurance_min_sample must be >= 1, got %d", c.InsuranceMinSample))
		}
	}
	if c.MaxOpenPositions < 1 {
		errs = append(errs, fmt.Sprintf("max_open_positions must be >= 1, got %d", c.MaxOpenPositions))
	}
	if c.MinPositionSize < 0 {
		errs = append(errs, fmt.Sprintf("min_position_size must be >= 0, got %g", c.MinPositionSize))
	}
	if c.InitialBalance <= 0 {
		errs = append(errs, fmt.Sprintf("initial_balance must be > 0, got %g", c.InitialBalance))
	}
	if c.LiquidationMarginFraction <= 0 || c.LiquidationMarginFraction > 1 {
		errs = append(errs, fmt.Sprintf("liquidation_margin_fraction must be in (0, 1], got %g", c.LiquidationMarginFraction))
	}
	if c.Fees.TakerRate < 0 || c.Fees.MakerRate < 0 {
		errs = append(errs, "fee rates must be >= 0")
	}
	if c.Slippage.MinBps > c.Slippage.MaxBps {
		errs = append(errs, fmt.Sprintf("slippage min_bps %g exceeds max_bps %g", c.Slippage.MinBps, c.Slippage.MaxBps))
	}
	if c.Slippage.ExitMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("slippage exit_multiplier must be >= 1, got %g", c.Slippage.ExitMultiplier))
	}
	if c.Funding.IntervalHours <= 0 {
		errs = append(errs, fmt.Sprintf("funding interval_hours must be > 0, got %g", c.Funding.IntervalHours))
	}

	if len(errs) > 0 {
		return fmt.Errorf("risk config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// sortTiers orders profit tiers highest threshold first, the order the trail
// step lookup depends on.
func sortTiers(tiers []ProfitTier) []ProfitTier {
	sorted := make([]ProfitTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinROE > sorted[j].MinROE })
	return sorted
}

// TrailStepFor resolves the trail step for the given high-water-mark ROE:
// the first tier whose MinROE <= hwm wins; with no matching tier the flat
// TrailStepPercent applies.
func (c *RiskConfig) TrailStepFor(hwmROE float64) float64 {
	for _, t := range sortTiers(c.ProfitTiers) {
		if t.MinROE <= hwmROE {
			return t.TrailStep
		}
	}
	return c.TrailStepPercent
}
