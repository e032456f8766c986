package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"leversim/internal/domain"
)

// Simulator is the lifecycle orchestrator: it opens positions from detector
// setups, applies price samples, runs the trailing/insurance policy, and
// closes positions into the ledger. All mutation is serialized behind one
// mutex, so within a tick positions update sequentially (single writer),
// which the monotonicity invariants depend on.
type Simulator struct {
	mu     sync.Mutex
	cfg    RiskConfig
	costs  *CostModel
	sizing Sizing
	policy Policy
	book   *PositionBook

	regime domain.RegimeClassifier
	sinks  []domain.PersistenceSink
	logger *slog.Logger
	nowFn  func() time.Time

	// balance is the free (uncommitted) balance: margin is reserved from it
	// at open and returned with PnL at close, so it always equals
	// totalBalance minus the margin of open positions.
	balance float64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSink registers a persistence sink. Sinks are fire-and-forget: errors
// are logged and never affect trading.
func WithSink(sink domain.PersistenceSink) Option {
	return func(s *Simulator) { s.sinks = append(s.sinks, sink) }
}

// WithRegimeClassifier overrides the default static normal/neutral regime.
func WithRegimeClassifier(rc domain.RegimeClassifier) Option {
	return func(s *Simulator) { s.regime = rc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger.With(slog.String("component", "simulator")) }
}

// WithClock overrides the time source, letting tests drive synthetic time.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.nowFn = now }
}

// New creates a Simulator. An invalid configuration is fatal here, never
// during trading.
func New(cfg RiskConfig, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		cfg:     cfg,
		costs:   NewCostModel(cfg),
		sizing:  NewSizing(cfg),
		policy:  NewPolicy(cfg),
		book:    NewPositionBook(),
		regime:  domain.StaticRegime{},
		logger:  slog.Default().With(slog.String("component", "simulator")),
		nowFn:   time.Now,
		balance: cfg.InitialBalance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenPosition opens a simulated position from a setup. Rejections come back
// as sentinel errors (ErrInvalidSetupState, ErrMarketFiltered,
// ErrDuplicatePosition, ErrMaxPositions, ErrBelowMinSize,
// ErrInsufficientBalance); callers skip and continue.
func (s *Simulator) OpenPosition(ctx context.Context, setup domain.Setup) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx, setup)
}

func (s *Simulator) openLocked(ctx context.Context, setup domain.Setup) (domain.Position, error) {
	if !setup.State.CanOpen() {
		return domain.Position{}, domain.ErrInvalidSetupState
	}
	if s.cfg.RequireFutures && setup.MarketKind != domain.MarketFutures {
		return domain.Position{}, domain.ErrMarketFiltered
	}
	if setup.CurrentPrice <= 0 {
		return domain.Position{}, domain.ErrPriceUnavailable
	}
	if s.book.Get(setup.Key()) != nil {
		return domain.Position{}, domain.ErrDuplicatePosition
	}
	if s.book.OpenCount() >= s.cfg.MaxOpenPositions {
		return domain.Position{}, domain.ErrMaxPositions
	}

	margin, notional, err := s.sizing.ComputeSize(s.balance)
	if err != nil {
		return domain.Position{}, err
	}

	reg := s.regime.Regime(ctx, setup.Symbol)
	entryFill := s.costs.EntryFill(setup.CurrentPrice, setup.Direction, notional, reg.Volatility)
	entryFee := s.costs.Fee(notional, false)
	slipCost := notional * abs(entryFill-setup.CurrentPrice) / setup.CurrentPrice

	stop, target := ResolverForSetup(s.cfg, setup).StopAndTarget(setup.CurrentPrice, setup.Direction)

	now := setup.ObservedAt
	if now.IsZero() {
		now = s.nowFn()
	}

	pos := &domain.Position{
		ID:                   uuid.NewString(),
		Symbol:               setup.Symbol,
		Direction:            setup.Direction,
		MarketKind:           setup.MarketKind,
		EntryPrice:           setup.CurrentPrice,
		EffectiveEntryPrice:  entryFill,
		EntryTime:            now,
		EntryCosts:           entryFee + slipCost,
		MarginUsed:           margin,
		NotionalSize:         notional,
		Leverage:             s.cfg.Leverage,
		StopLossPrice:        stop,
		InitialStopLossPrice: stop,
		TakeProfitPrice:      target,
		OriginalNotionalSize: notional,
		CurrentPrice:         setup.CurrentPrice,
		LastSampleAt:         now,
		Status:               domain.PositionStatusOpen,
	}

	if err := s.book.Add(pos); err != nil {
		return domain.Position{}, err
	}
	s.balance -= margin

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("key", pos.Key().String()),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("fill", pos.EffectiveEntryPrice),
		slog.Float64("margin", pos.MarginUsed),
		slog.Float64("notional", pos.NotionalSize),
		slog.Float64("stop", pos.StopLossPrice),
		slog.Float64("target", pos.TakeProfitPrice),
	)

	snapshot := *pos
	for _, sink := range s.sinks {
		if err := sink.OnPositionOpened(ctx, snapshot, setup); err != nil {
			s.logger.WarnContext(ctx, "sink open event failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return snapshot, nil
}

// UpdateSetup is the event-driven update path. A played_out setup closes the
// matching position at the setup's price; any other state refreshes the
// position with the setup's price sample, or opens a new position when the
// state allows it and no position exists for the key.
func (s *Simulator) UpdateSetup(ctx context.Context, setup domain.Setup) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := setup.ObservedAt
	if now.IsZero() {
		now = s.nowFn()
	}

	if pos := s.book.Get(setup.Key()); pos != nil {
		if setup.State == domain.SetupPlayedOut {
			s.closeLocked(ctx, pos, setup.CurrentPrice, domain.ExitPlayedOut, false, now)
		} else if setup.CurrentPrice > 0 {
			s.applySampleLocked(ctx, pos, setup.CurrentPrice, now)
		}
		return *pos, nil
	}

	return s.openLocked(ctx, setup)
}

// Tick applies one batch of price samples at the current time.
func (s *Simulator) Tick(ctx context.Context, prices map[string]float64) {
	s.TickAt(ctx, prices, s.nowFn())
}

// TickAt applies one batch of price samples at an explicit time. Positions
// are updated sequentially in deterministic key order; symbols missing from
// the map simply keep their last-known price until the next tick.
func (s *Simulator) TickAt(ctx context.Context, prices map[string]float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.book.OpenKeys() {
		pos := s.book.Get(key)
		if pos == nil {
			continue
		}
		price, ok := prices[key.Symbol]
		if !ok || price <= 0 {
			continue
		}
		s.applySampleLocked(ctx, pos, price, now)
	}
}

// CloseAll force-closes every open position at its last-known price, used at
// end of data or shutdown.
func (s *Simulator) CloseAll(ctx context.Context, reason domain.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	for _, key := range s.book.OpenKeys() {
		if pos := s.book.Get(key); pos != nil {
			s.closeLocked(ctx, pos, pos.CurrentPrice, reason, false, now)
		}
	}
}

// applySampleLocked is the single funnel every price observation goes
// through: refresh live state, then evaluate liquidation, trailing,
// insurance, stop, and target in that order, all against the same sample.
// Closed positions and out-of-order samples are no-ops.
func (s *Simulator) applySampleLocked(ctx context.Context, p *domain.Position, price float64, now time.Time) {
	if !p.IsOpen() {
		return
	}
	if now.Before(p.LastSampleAt) {
		return
	}

	p.CurrentPrice = price
	p.LastSampleAt = now
	move := (price - p.EffectiveEntryPrice) / p.EffectiveEntryPrice * p.Direction.Sign()
	p.UnrealizedPnL = p.NotionalSize * move
	p.UnrealizedPnLPercent = move * 100 * p.Leverage

	// Liquidation precedes and overrides the stop.
	if s.liquidationHit(p, price) {
		s.closeLiquidatedLocked(ctx, p, now)
		return
	}

	s.policy.ApplyTrailing(p)

	if s.policy.ShouldInsure(p, s.stressed(now)) {
		s.applyInsuranceLocked(ctx, p, now)
	}

	if p.StopLossPrice > 0 && crossed(price, p.StopLossPrice, p.Direction, true) {
		s.closeLocked(ctx, p, p.StopLossPrice, stopReason(p), true, now)
		return
	}

	if p.TakeProfitPrice > 0 && crossed(price, p.TakeProfitPrice, p.Direction, false) {
		s.closeLocked(ctx, p, p.TakeProfitPrice, domain.ExitTakeProfit, true, now)
	}
}

// crossed reports whether price has reached level on the adverse (stop) or
// favorable (target) side for the direction.
func crossed(price, level float64, dir domain.Direction, adverse bool) bool {
	if (dir == domain.DirectionLong) == adverse {
		return price <= level
	}
	return price >= level
}

func stopReason(p *domain.Position) domain.ExitReason {
	switch {
	case p.InsuranceTaken && p.StopLossPrice == p.EffectiveEntryPrice:
		return domain.ExitInsuranceBE
	case p.TrailLevel >= 1:
		return domain.ExitTrailingStop
	case p.StopLossPrice == p.EffectiveEntryPrice:
		return domain.ExitBreakeven
	default:
		return domain.ExitStopLoss
	}
}

// liquidationHit checks whether the adverse move has consumed the
// maintenance-adjusted margin distance: entry/leverage * fraction.
func (s *Simulator) liquidationHit(p *domain.Position, price float64) bool {
	distance := p.EffectiveEntryPrice / p.Leverage * s.cfg.LiquidationMarginFraction
	if p.Direction == domain.DirectionLong {
		return price <= p.EffectiveEntryPrice-distance
	}
	return price >= p.EffectiveEntryPrice+distance
}

// stressed evaluates the insurance stress condition from the ledger: win
// rate over the rolling window below the configured floor, with at least the
// minimum sample of closes. Too few closes means not stressed.
func (s *Simulator) stressed(now time.Time) bool {
	rate, ok := s.book.RecentWinRate(now, s.cfg.InsuranceWindow, s.cfg.InsuranceMinSample)
	return ok && rate < s.cfg.InsuranceStressWinRate
}

// applyInsuranceLocked performs the one-time partial close: half the
// position's margin and notional are released, the threshold profit on the
// released half is locked for settlement at close, and the remaining half
// trades on with a breakeven stop.
func (s *Simulator) applyInsuranceLocked(ctx context.Context, p *domain.Position, now time.Time) {
	freedMargin := p.MarginUsed / 2
	locked := (p.OriginalNotionalSize / 2) * s.cfg.InsuranceThresholdPercent / 100

	p.MarginUsed /= 2
	p.NotionalSize /= 2
	p.InsuranceTaken = true
	p.InsuranceTakenAt = now
	p.InsuranceLockedPnL = locked
	p.StopLossPrice = p.EffectiveEntryPrice
	p.Status = domain.PositionStatusPartialTP1

	s.balance += freedMargin

	s.logger.InfoContext(ctx, "insurance taken",
		slog.String("position_id", p.ID),
		slog.String("key", p.Key().String()),
		slog.Float64("locked_pnl", locked),
		slog.Float64("remaining_margin", p.MarginUsed),
	)
}

// closeLiquidatedLocked wipes the position's margin: realized PnL is the full
// margin, ROE is -100, no exit costs are modelled beyond the loss itself.
func (s *Simulator) closeLiquidatedLocked(ctx context.Context, p *domain.Position, now time.Time) {
	if !p.IsOpen() {
		return
	}
	distance := p.EffectiveEntryPrice / p.Leverage * s.cfg.LiquidationMarginFraction
	p.ExitPrice = p.EffectiveEntryPrice - p.Direction.Sign()*distance
	p.ExitTime = now
	p.ExitReason = domain.ExitLiquidation
	p.ExitCosts = 0
	p.RealizedPnL = -p.MarginUsed
	p.RealizedPnLPercent = -100
	p.Status = domain.PositionStatusClosed

	// Margin returned plus PnL nets to zero: the margin is gone.
	s.balance += p.MarginUsed + p.RealizedPnL
	s.finishCloseLocked(ctx, p)
}

// closeLocked settles a non-liquidation close at the given quote price.
// Stop/target fills pass stopped=true and take the harsher exit slippage.
func (s *Simulator) closeLocked(ctx context.Context, p *domain.Position, quote float64, reason domain.ExitReason, stopped bool, now time.Time) {
	if !p.IsOpen() {
		return
	}
	if quote <= 0 {
		quote = p.CurrentPrice
	}
	if quote <= 0 {
		quote = p.EffectiveEntryPrice
	}

	reg := s.regime.Regime(ctx, p.Symbol)
	fill := s.costs.ExitFill(quote, p.Direction, p.NotionalSize, reg.Volatility, stopped)

	move := (fill - p.EffectiveEntryPrice) / p.EffectiveEntryPrice * p.Direction.Sign()
	gross := p.NotionalSize * move
	fees := s.costs.Fee(p.NotionalSize, false) * 2
	funding := s.costs.Funding(p.NotionalSize, p.Direction, now.Sub(p.EntryTime), reg.Bias)
	net := gross - fees - funding

	referenceMargin := p.MarginUsed
	if p.InsuranceTaken {
		// Recombine across the split: the locked half settles now, and the
		// percent is taken against the original pre-split size.
		net += p.InsuranceLockedPnL
		referenceMargin = p.OriginalNotionalSize / p.Leverage
	}

	p.ExitPrice = fill
	p.ExitTime = now
	p.ExitReason = reason
	p.ExitCosts = s.costs.Fee(p.NotionalSize, false) + p.NotionalSize*abs(fill-quote)/quote
	p.FundingPaid = funding
	p.RealizedPnL = net
	if referenceMargin > 0 {
		p.RealizedPnLPercent = net / referenceMargin * 100
	}
	p.Status = domain.PositionStatusClosed

	s.balance += p.MarginUsed + net
	s.finishCloseLocked(ctx, p)
}

// finishCloseLocked moves the position to the ledger exactly once and
// notifies sinks. The MoveToLedger guard makes racing close paths no-ops.
func (s *Simulator) finishCloseLocked(ctx context.Context, p *domain.Position) {
	if !s.book.MoveToLedger(p) {
		return
	}

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", p.ID),
		slog.String("key", p.Key().String()),
		slog.String("reason", string(p.ExitReason)),
		slog.Float64("exit", p.ExitPrice),
		slog.Float64("pnl", p.RealizedPnL),
		slog.Float64("pnl_pct", p.RealizedPnLPercent),
		slog.Float64("balance", s.balance),
	)

	snapshot := *p
	for _, sink := range s.sinks {
		if err := sink.OnPositionClosed(ctx, snapshot); err != nil {
			s.logger.WarnContext(ctx, "sink close event failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OpenPositions returns snapshots of all open positions.
func (s *Simulator) OpenPositions() []domain.Position {
	return s.book.OpenPositions()
}

// ClosedPositions returns up to limit most recent ledger entries, newest
// first; limit <= 0 returns everything.
func (s *Simulator) ClosedPositions(limit int) []domain.Position {
	return s.book.Closed(limit)
}

// OpenSymbols returns the distinct symbols with open positions, the set the
// tick poller needs prices for.
func (s *Simulator) OpenSymbols() []string {
	keys := s.book.OpenKeys()
	seen := make(map[string]bool, len(keys))
	var symbols []string
	for _, k := range keys {
		if !seen[k.Symbol] {
			seen[k.Symbol] = true
			symbols = append(symbols, k.Symbol)
		}
	}
	return symbols
}

// Balance returns the free (uncommitted) balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// TotalBalance returns free balance plus margin committed to open positions.
func (s *Simulator) TotalBalance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance + s.book.MarginCommitted()
}

// Statistics derives aggregate statistics from the ledger.
func (s *Simulator) Statistics() Stats {
	return ComputeStats(s.book.LedgerInOrder(), s.cfg.InitialBalance)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
