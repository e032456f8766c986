package notify

import (
	"context"
	"fmt"
	"time"

	"leversim/internal/domain"
)

// Event types emitted by the position sink.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
)

// PositionSink adapts a Notifier to the simulator's persistence sink: every
// lifecycle event becomes a formatted notification. Delivery failures
// propagate to the simulator, which logs and ignores them.
type PositionSink struct {
	notifier *Notifier
}

// NewPositionSink creates a PositionSink.
func NewPositionSink(n *Notifier) *PositionSink {
	return &PositionSink{notifier: n}
}

// OnPositionOpened announces a new position.
func (s *PositionSink) OnPositionOpened(ctx context.Context, pos domain.Position, origin domain.Setup) error {
	title := fmt.Sprintf("Opened %s %s", pos.Direction, pos.Symbol)
	message := fmt.Sprintf(
		"%s %s @ %.6g (fill %.6g)\nmargin %.2f, notional %.2f @ %gx\nstop %.6g, target %.6g\nsetup state: %s",
		pos.Direction, pos.Key(), pos.EntryPrice, pos.EffectiveEntryPrice,
		pos.MarginUsed, pos.NotionalSize, pos.Leverage,
		pos.StopLossPrice, pos.TakeProfitPrice,
		origin.State,
	)
	return s.notifier.Notify(ctx, EventPositionOpened, title, message)
}

// OnPositionClosed announces a settled position with its realized result.
func (s *PositionSink) OnPositionClosed(ctx context.Context, pos domain.Position) error {
	title := fmt.Sprintf("Closed %s %s: %+.2f (%+.2f%%)",
		pos.Direction, pos.Symbol, pos.RealizedPnL, pos.RealizedPnLPercent)
	message := fmt.Sprintf(
		"%s closed via %s\nentry %.6g -> exit %.6g\npnl %+.2f (%+.2f%%), funding %.4f\nheld %s",
		pos.Key(), pos.ExitReason,
		pos.EffectiveEntryPrice, pos.ExitPrice,
		pos.RealizedPnL, pos.RealizedPnLPercent, pos.FundingPaid,
		pos.ExitTime.Sub(pos.EntryTime).Round(time.Second),
	)
	return s.notifier.Notify(ctx, EventPositionClosed, title, message)
}

// Compile-time interface check.
var _ domain.PersistenceSink = (*PositionSink)(nil)
