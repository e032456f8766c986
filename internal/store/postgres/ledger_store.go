package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leversim/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Closed
// positions land in the append-only closed_positions table; open positions
// are mirrored into open_positions as refreshable snapshots and deleted once
// the trade settles.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const closedSelectCols = `id, symbol, direction, market_kind,
	entry_price, effective_entry_price, entry_time, entry_costs,
	margin_used, notional_size, leverage,
	stop_loss_price, initial_stop_loss_price, take_profit_price,
	trail_level, high_water_mark_roe,
	insurance_taken, insurance_taken_at, insurance_locked_pnl, original_notional_size,
	exit_price, exit_time, exit_reason, exit_costs,
	funding_paid, realized_pnl, realized_pnl_percent`

func scanClosedRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var direction, marketKind, exitReason string

		if err := rows.Scan(
			&p.ID, &p.Symbol, &direction, &marketKind,
			&p.EntryPrice, &p.EffectiveEntryPrice, &p.EntryTime, &p.EntryCosts,
			&p.MarginUsed, &p.NotionalSize, &p.Leverage,
			&p.StopLossPrice, &p.InitialStopLossPrice, &p.TakeProfitPrice,
			&p.TrailLevel, &p.HighWaterMarkROE,
			&p.InsuranceTaken, &p.InsuranceTakenAt, &p.InsuranceLockedPnL, &p.OriginalNotionalSize,
			&p.ExitPrice, &p.ExitTime, &exitReason, &p.ExitCosts,
			&p.FundingPaid, &p.RealizedPnL, &p.RealizedPnLPercent,
		); err != nil {
			return nil, err
		}
		p.Direction = domain.Direction(direction)
		p.MarketKind = domain.MarketKind(marketKind)
		p.ExitReason = domain.ExitReason(exitReason)
		p.Status = domain.PositionStatusClosed
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// InsertClosed appends a settled position to the ledger.
func (s *LedgerStore) InsertClosed(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO closed_positions (
			id, symbol, direction, market_kind,
			entry_price, effective_entry_price, entry_time, entry_costs,
			margin_used, notional_size, leverage,
			stop_loss_price, initial_stop_loss_price, take_profit_price,
			trail_level, high_water_mark_roe,
			insurance_taken, insurance_taken_at, insurance_locked_pnl, original_notional_size,
			exit_price, exit_time, exit_reason, exit_costs,
			funding_paid, realized_pnl, realized_pnl_percent
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24,
			$25, $26, $27
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), string(p.MarketKind),
		p.EntryPrice, p.EffectiveEntryPrice, p.EntryTime, p.EntryCosts,
		p.MarginUsed, p.NotionalSize, p.Leverage,
		p.StopLossPrice, p.InitialStopLossPrice, p.TakeProfitPrice,
		p.TrailLevel, p.HighWaterMarkROE,
		p.InsuranceTaken, p.InsuranceTakenAt, p.InsuranceLockedPnL, p.OriginalNotionalSize,
		p.ExitPrice, p.ExitTime, string(p.ExitReason), p.ExitCosts,
		p.FundingPaid, p.RealizedPnL, p.RealizedPnLPercent,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closed position %s: %w", p.ID, err)
	}
	return nil
}

// UpsertOpen writes or refreshes the live snapshot of an open position.
func (s *LedgerStore) UpsertOpen(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO open_positions (
			id, symbol, direction, market_kind, status,
			entry_price, effective_entry_price, entry_time, entry_costs,
			margin_used, notional_size, leverage,
			stop_loss_price, initial_stop_loss_price, take_profit_price,
			trail_level, high_water_mark_roe,
			insurance_taken, insurance_taken_at, insurance_locked_pnl, original_notional_size,
			current_price, unrealized_pnl, unrealized_pnl_percent, last_sample_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25,
			NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status                 = EXCLUDED.status,
			margin_used            = EXCLUDED.margin_used,
			notional_size          = EXCLUDED.notional_size,
			stop_loss_price        = EXCLUDED.stop_loss_price,
			take_profit_price      = EXCLUDED.take_profit_price,
			trail_level            = EXCLUDED.trail_level,
			high_water_mark_roe    = EXCLUDED.high_water_mark_roe,
			insurance_taken        = EXCLUDED.insurance_taken,
			insurance_taken_at     = EXCLUDED.insurance_taken_at,
			insurance_locked_pnl   = EXCLUDED.insurance_locked_pnl,
			current_price          = EXCLUDED.current_price,
			unrealized_pnl         = EXCLUDED.unrealized_pnl,
			unrealized_pnl_percent = EXCLUDED.unrealized_pnl_percent,
			last_sample_at         = EXCLUDED.last_sample_at,
			updated_at             = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), string(p.MarketKind), string(p.Status),
		p.EntryPrice, p.EffectiveEntryPrice, p.EntryTime, p.EntryCosts,
		p.MarginUsed, p.NotionalSize, p.Leverage,
		p.StopLossPrice, p.InitialStopLossPrice, p.TakeProfitPrice,
		p.TrailLevel, p.HighWaterMarkROE,
		p.InsuranceTaken, p.InsuranceTakenAt, p.InsuranceLockedPnL, p.OriginalNotionalSize,
		p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPercent, p.LastSampleAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert open position %s: %w", p.ID, err)
	}
	return nil
}

// DeleteOpen removes the live snapshot once a position has settled. Deleting
// an already-removed snapshot is not an error.
func (s *LedgerStore) DeleteOpen(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM open_positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete open position %s: %w", id, err)
	}
	return nil
}

// ListClosed returns settled positions with pagination and optional time
// filtering on exit_time, newest first.
func (s *LedgerStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + closedSelectCols + ` FROM closed_positions`
	var args []any
	argIdx := 1
	var where []string

	if opts.Since != nil {
		where = append(where, fmt.Sprintf("exit_time >= $%d", argIdx))
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		where = append(where, fmt.Sprintf("exit_time <= $%d", argIdx))
		args = append(args, *opts.Until)
		argIdx++
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}

	query += " ORDER BY exit_time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanClosedRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns all settled positions with exit_time strictly
// before the cutoff, oldest first, the order the archiver writes them in.
func (s *LedgerStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+closedSelectCols+` FROM closed_positions
		 WHERE exit_time < $1
		 ORDER BY exit_time ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	positions, err := scanClosedRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed before: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes archived rows after a successful upload.
func (s *LedgerStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM closed_positions WHERE exit_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
