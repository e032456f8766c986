package sim

import (
	"sort"
	"sync"
	"time"

	"leversim/internal/domain"
)

// PositionBook holds at most one open position per (symbol, direction,
// market) key plus the append-only ledger of closed positions. All trading
// mutation funnels through the simulator's single writer; the book's own
// lock exists so read-only queries (open positions, statistics) can run
// concurrently with ticks.
type PositionBook struct {
	mu     sync.RWMutex
	open   map[domain.PositionKey]*domain.Position
	ledger []domain.Position
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{
		open: make(map[domain.PositionKey]*domain.Position),
	}
}

// Add inserts a new open position. Inserting a key that already maps to an
// open position returns ErrDuplicatePosition.
func (b *PositionBook) Add(p *domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.Key()
	if _, exists := b.open[key]; exists {
		return domain.ErrDuplicatePosition
	}
	b.open[key] = p
	return nil
}

// Get returns the open position for the key, or nil.
func (b *PositionBook) Get(key domain.PositionKey) *domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open[key]
}

// OpenCount returns the number of open positions.
func (b *PositionBook) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.open)
}

// OpenKeys returns the keys of all open positions in deterministic order.
func (b *PositionBook) OpenKeys() []domain.PositionKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]domain.PositionKey, 0, len(b.open))
	for k := range b.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// OpenPositions returns value snapshots of all open positions.
func (b *PositionBook) OpenPositions() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// MarginCommitted returns the total margin reserved by open positions.
func (b *PositionBook) MarginCommitted() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total float64
	for _, p := range b.open {
		total += p.MarginUsed
	}
	return total
}

// MoveToLedger removes a closed position from the open map and appends an
// immutable copy to the ledger. It returns false when the position is not in
// the open map (already moved), making double-close a no-op.
func (b *PositionBook) MoveToLedger(p *domain.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.Key()
	current, exists := b.open[key]
	if !exists || current != p {
		return false
	}
	delete(b.open, key)
	b.ledger = append(b.ledger, *p)
	return true
}

// Closed returns up to limit most recent ledger entries, newest first.
// limit <= 0 returns the whole ledger.
func (b *PositionBook) Closed(limit int) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.ledger)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Position, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.ledger[i])
	}
	return out
}

// LedgerInOrder returns the full ledger in close order (oldest first), the
// ordering statistics such as drawdown depend on.
func (b *PositionBook) LedgerInOrder() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, len(b.ledger))
	copy(out, b.ledger)
	return out
}

// RecentWinRate returns the win rate (percent) over ledger entries closed
// within the window ending at now. ok is false when fewer than minSample
// closes fall inside the window, in which case the rate is meaningless and
// stress detection must treat the market as not stressed.
func (b *PositionBook) RecentWinRate(now time.Time, window time.Duration, minSample int) (rate float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cutoff := now.Add(-window)
	var total, wins int
	for i := len(b.ledger) - 1; i >= 0; i-- {
		p := b.ledger[i]
		if p.ExitTime.Before(cutoff) {
			break
		}
		total++
		if p.RealizedPnL > 0 {
			wins++
		}
	}
	if total < minSample {
		return 0, false
	}
	return float64(wins) / float64(total) * 100, true
}
