package domain

import "time"

// SetupState is the external detector's state machine for a candidate trade.
type SetupState string

const (
	SetupWatching    SetupState = "watching"
	SetupTriggered   SetupState = "triggered"
	SetupDeepExtreme SetupState = "deep_extreme"
	SetupReversing   SetupState = "reversing"
	SetupPlayedOut   SetupState = "played_out"
)

// CanOpen reports whether a setup in this state is allowed to open a position.
func (s SetupState) CanOpen() bool {
	return s == SetupTriggered || s == SetupDeepExtreme
}

// Setup is one immutable signal emitted by the (external) pattern detector.
// StructuralStopPrice is 0 when the detector did not supply a structural stop.
type Setup struct {
	Symbol              string
	Direction           Direction
	State               SetupState
	CurrentPrice        float64
	CurrentRSI          float64
	StructuralStopPrice float64
	Timeframe           string
	MarketKind          MarketKind
	ObservedAt          time.Time
}

// Key returns the position-book key this setup maps to.
func (s Setup) Key() PositionKey {
	return PositionKey{Symbol: s.Symbol, Direction: s.Direction, MarketKind: s.MarketKind}
}
