package domain

import "time"

// Direction is the side of a simulated trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for longs and -1 for shorts, the multiplier applied to a
// price change to obtain a directional gain.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// MarketKind distinguishes the market a setup was detected on.
type MarketKind string

const (
	MarketSpot    MarketKind = "spot"
	MarketFutures MarketKind = "futures"
)

// PositionStatus tracks the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusPartialTP1 PositionStatus = "partial_tp1"
	PositionStatusClosed     PositionStatus = "closed"
)

// ExitReason records why a position was closed. All values are terminal.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "take_profit"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitBreakeven    ExitReason = "breakeven"
	ExitInsuranceBE  ExitReason = "insurance_be"
	ExitLiquidation  ExitReason = "liquidation"
	ExitPlayedOut    ExitReason = "played_out"
	ExitEndOfData    ExitReason = "end_of_data"
)

// PositionKey identifies the at-most-one open position slot for a
// symbol/direction/market combination.
type PositionKey struct {
	Symbol     string
	Direction  Direction
	MarketKind MarketKind
}

// String renders the key in the form used for logging.
func (k PositionKey) String() string {
	return k.Symbol + "/" + string(k.Direction) + "/" + string(k.MarketKind)
}

// Position is one simulated leveraged trade. It is created by the simulator,
// mutated only through the simulator's single-writer update path, and moved
// to the closed-position ledger exactly once.
type Position struct {
	ID         string
	Symbol     string
	Direction  Direction
	MarketKind MarketKind

	// Entry. EntryPrice is the quoted price at open; EffectiveEntryPrice is
	// the post-slippage fill the PnL math runs against.
	EntryPrice          float64
	EffectiveEntryPrice float64
	EntryTime           time.Time
	EntryCosts          float64

	// Sizing. NotionalSize = MarginUsed * Leverage, except that an insurance
	// split halves MarginUsed and NotionalSize together.
	MarginUsed   float64
	NotionalSize float64
	Leverage     float64

	// Risk state. InitialStopLossPrice is an immutable snapshot of the stop
	// at entry; StopLossPrice only ever tightens once TrailLevel >= 1.
	StopLossPrice        float64
	InitialStopLossPrice float64
	TakeProfitPrice      float64 // 0 = disabled
	TrailLevel           int
	HighWaterMarkROE     float64

	// Insurance partial close. OriginalNotionalSize keeps the pre-split size
	// so realized PnL can be recombined at close.
	InsuranceTaken       bool
	InsuranceTakenAt     time.Time
	InsuranceLockedPnL   float64
	OriginalNotionalSize float64

	// Live state, refreshed on every applied price sample.
	CurrentPrice         float64
	UnrealizedPnL        float64
	UnrealizedPnLPercent float64 // ROE: price-change% x leverage
	LastSampleAt         time.Time

	Status             PositionStatus
	ExitPrice          float64
	ExitTime           time.Time
	ExitReason         ExitReason
	ExitCosts          float64
	FundingPaid        float64
	RealizedPnL        float64
	RealizedPnLPercent float64
}

// Key returns the book key for this position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Direction: p.Direction, MarketKind: p.MarketKind}
}

// IsOpen reports whether the position can still be mutated by price updates.
func (p *Position) IsOpen() bool {
	return p.Status != PositionStatusClosed
}

// HoldDuration returns how long the position has been (or was) held.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p.Status == PositionStatusClosed {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}
