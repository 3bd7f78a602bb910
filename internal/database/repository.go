package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"position-risk-engine/internal/events"
	"position-risk-engine/internal/position"
)

// Repository archives closed trades and engine events. A nil
// *Repository is valid and turns every call into a no-op, so callers
// never branch on whether the archive is configured.
type Repository struct {
	db *DB
}

// NewRepository wraps the database connection. db may be nil.
func NewRepository(db *DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// ArchiveClosedTrade inserts one closed position into the archive.
func (r *Repository) ArchiveClosedTrade(ctx context.Context, cp position.ClosedPosition) error {
	if r == nil {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO closed_trades (
			position_id, symbol, side, entry_price, exit_price, quantity,
			leverage, realized_pnl, total_pnl, total_pnl_pct, close_reason,
			status, open_time, close_time, holding_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cp.ID, cp.Symbol, cp.Side, cp.EntryPrice, cp.ExitPrice, cp.OriginalQuantity,
		cp.Leverage, cp.RealizedPnL, cp.TotalPnL, cp.TotalPnLPct, cp.CloseReason,
		string(cp.Status), cp.OpenTime, cp.CloseTime, cp.HoldingSeconds,
	)
	if err != nil {
		return fmt.Errorf("archiving closed trade %s: %w", cp.Symbol, err)
	}
	return nil
}

// ArchiveEvent inserts one engine event into the archive.
func (r *Repository) ArchiveEvent(ctx context.Context, evt events.Event) error {
	if r == nil {
		return nil
	}
	var payload []byte
	if evt.Data != nil {
		var err error
		payload, err = json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO engine_events (event_type, symbol, payload, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		string(evt.Type), evt.Symbol, payload, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archiving event %s: %w", evt.Type, err)
	}
	return nil
}

// ArchivedTrade is one row of the closed-trade archive.
type ArchivedTrade struct {
	PositionID     string    `json:"position_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	Quantity       float64   `json:"quantity"`
	Leverage       int       `json:"leverage"`
	RealizedPnL    float64   `json:"realized_pnl"`
	TotalPnL       float64   `json:"total_pnl"`
	TotalPnLPct    float64   `json:"total_pnl_pct"`
	CloseReason    string    `json:"close_reason"`
	Status         string    `json:"status"`
	OpenTime       time.Time `json:"open_time"`
	CloseTime      time.Time `json:"close_time"`
	HoldingSeconds int64     `json:"holding_seconds"`
}

// ListClosedTrades returns archived trades newest-first, optionally
// filtered by symbol.
func (r *Repository) ListClosedTrades(ctx context.Context, symbol string, limit int) ([]ArchivedTrade, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT position_id, symbol, side, entry_price, exit_price, quantity,
		       leverage, realized_pnl, total_pnl, total_pnl_pct, close_reason,
		       status, open_time, close_time, holding_seconds
		FROM closed_trades
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY close_time DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying closed trades: %w", err)
	}
	defer rows.Close()

	var trades []ArchivedTrade
	for rows.Next() {
		var t ArchivedTrade
		if err := rows.Scan(
			&t.PositionID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.Leverage, &t.RealizedPnL, &t.TotalPnL, &t.TotalPnLPct,
			&t.CloseReason, &t.Status, &t.OpenTime, &t.CloseTime, &t.HoldingSeconds,
		); err != nil {
			return nil, fmt.Errorf("scanning closed trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
