package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for ledger queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PriceFeed provides last-known prices for symbols. GetPrice returns
// ErrNotFound (or a transport error) when a symbol has no usable price; the
// simulator treats either as "defer to the next tick".
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PersistenceSink receives position lifecycle events. Calls are
// fire-and-forget from the simulator's perspective: a sink error is logged
// and must never influence trading decisions.
type PersistenceSink interface {
	OnPositionOpened(ctx context.Context, pos Position, origin Setup) error
	OnPositionClosed(ctx context.Context, pos Position) error
}

// LedgerStore persists the position ledger. Closed rows are append-only;
// open rows are snapshots refreshed on every mutation so an operator can
// inspect live state out-of-process.
type LedgerStore interface {
	InsertClosed(ctx context.Context, pos Position) error
	UpsertOpen(ctx context.Context, pos Position) error
	DeleteOpen(ctx context.Context, id string) error
	ListClosed(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// Volatility buckets the current market volatility for slippage scaling.
type Volatility string

const (
	VolatilityLow     Volatility = "low"
	VolatilityNormal  Volatility = "normal"
	VolatilityHigh    Volatility = "high"
	VolatilityExtreme Volatility = "extreme"
)

// MarketBias is the prevailing directional regime, used to decide which side
// pays funding.
type MarketBias string

const (
	BiasBullish MarketBias = "bullish"
	BiasBearish MarketBias = "bearish"
	BiasNeutral MarketBias = "neutral"
)

// MarketRegime bundles the volatility and bias classification for a symbol.
type MarketRegime struct {
	Volatility Volatility
	Bias       MarketBias
}

// RegimeClassifier supplies the market regime per symbol. The real
// classifier lives outside this core; StaticRegime is the default stand-in.
type RegimeClassifier interface {
	Regime(ctx context.Context, symbol string) MarketRegime
}

// StaticRegime is a RegimeClassifier that always returns the same regime.
type StaticRegime struct {
	Reg MarketRegime
}

// Regime implements RegimeClassifier.
func (s StaticRegime) Regime(context.Context, string) MarketRegime {
	if s.Reg.Volatility == "" {
		return MarketRegime{Volatility: VolatilityNormal, Bias: BiasNeutral}
	}
	return s.Reg
}
