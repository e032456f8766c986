package app

import (
	"context"
	"fmt"

	"leversim/internal/domain"
)

// LedgerSink bridges the simulator's lifecycle events to the ledger store: an
// opened position becomes a live snapshot row, a closed position is appended
// to the closed ledger and its snapshot removed.
type LedgerSink struct {
	store domain.LedgerStore
}

// NewLedgerSink creates a LedgerSink backed by the given store.
func NewLedgerSink(store domain.LedgerStore) *LedgerSink {
	return &LedgerSink{store: store}
}

// OnPositionOpened writes the initial live snapshot.
func (s *LedgerSink) OnPositionOpened(ctx context.Context, pos domain.Position, _ domain.Setup) error {
	return s.store.UpsertOpen(ctx, pos)
}

// OnPositionClosed appends the settled row and removes the live snapshot. The
// insert is idempotent, so a retry after a partial failure is safe.
func (s *LedgerSink) OnPositionClosed(ctx context.Context, pos domain.Position) error {
	if err := s.store.InsertClosed(ctx, pos); err != nil {
		return fmt.Errorf("app: ledger sink close: %w", err)
	}
	return s.store.DeleteOpen(ctx, pos.ID)
}

// Compile-time interface check.
var _ domain.PersistenceSink = (*LedgerSink)(nil)
