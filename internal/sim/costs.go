package sim

import (
	"time"

	"leversim/internal/domain"
)

// CostModel computes execution friction: slippage, fees, and funding. It is
// pure and stateless given its configuration; the simulator injects one
// instance rather than sharing a package-level singleton.
type CostModel struct {
	fees    FeeConfig
	slip    SlippageConfig
	funding FundingConfig
}

// NewCostModel creates a CostModel from the cost sections of a RiskConfig.
func NewCostModel(cfg RiskConfig) *CostModel {
	return &CostModel{fees: cfg.Fees, slip: cfg.Slippage, funding: cfg.Funding}
}

func (m *CostModel) volatilityMultiplier(vol domain.Volatility) float64 {
	switch vol {
	case domain.VolatilityLow:
		return 0.5
	case domain.VolatilityHigh:
		return m.slip.VolatilityMultiplier
	case domain.VolatilityExtreme:
		return m.slip.VolatilityMultiplier * 1.5
	default:
		return 1
	}
}

// SlippageBps returns the simulated slippage in basis points for a fill of
// the given notional under the given volatility regime, clamped to the
// configured [MinBps, MaxBps] band.
func (m *CostModel) SlippageBps(notional float64, vol domain.Volatility) float64 {
	bps := m.slip.BaseBps*m.volatilityMultiplier(vol) + (notional/10000)*m.slip.SizeImpactFactor
	if bps < m.slip.MinBps {
		bps = m.slip.MinBps
	}
	if bps > m.slip.MaxBps {
		bps = m.slip.MaxBps
	}
	return bps
}

// EntryFill returns the effective entry price after slippage. Slippage always
// moves the fill against the trader: longs buy higher, shorts sell lower.
func (m *CostModel) EntryFill(price float64, dir domain.Direction, notional float64, vol domain.Volatility) float64 {
	bps := m.SlippageBps(notional, vol)
	return price * (1 + dir.Sign()*bps/10000)
}

// ExitFill returns the effective exit price after slippage, again against the
// trader (longs sell lower, shorts buy higher). Stop and target fills execute
// into adverse or fast markets, so they take the harsher exit multiplier.
func (m *CostModel) ExitFill(price float64, dir domain.Direction, notional float64, vol domain.Volatility, stopped bool) float64 {
	bps := m.SlippageBps(notional, vol)
	if stopped {
		bps *= m.slip.ExitMultiplier
		if bps > m.slip.MaxBps*m.slip.ExitMultiplier {
			bps = m.slip.MaxBps * m.slip.ExitMultiplier
		}
	}
	return price * (1 - dir.Sign()*bps/10000)
}

// Fee returns the fee for one fill of the given notional. Simulated fills
// default to taker.
func (m *CostModel) Fee(notional float64, maker bool) float64 {
	if maker {
		return notional * m.fees.MakerRate
	}
	return notional * m.fees.TakerRate
}

// Funding returns the net funding paid over the hold duration. Positive means
// this position paid funding, negative means it received it. The payer side
// follows the market bias: bullish regimes charge longs, bearish regimes
// charge shorts, neutral regimes charge longs a small default rate. Holds
// under a tenth of one interval accrue nothing.
func (m *CostModel) Funding(notional float64, dir domain.Direction, hold time.Duration, bias domain.MarketBias) float64 {
	intervals := hold.Hours() / m.funding.IntervalHours
	if intervals < minIntervalFraction {
		return 0
	}

	rate := m.funding.Rate
	payer := domain.DirectionLong
	switch bias {
	case domain.BiasBullish:
		payer = domain.DirectionLong
	case domain.BiasBearish:
		payer = domain.DirectionShort
	default:
		rate = m.funding.NeutralRate
	}

	amount := notional * rate * intervals
	if dir == payer {
		return amount
	}
	return -amount
}
