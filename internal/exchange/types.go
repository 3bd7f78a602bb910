package exchange

import "time"

// Position side constants as reported by the exchange.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position is one exchange-reported derivative exposure.
// The exchange is authoritative for existence, size and price; it retains
// none of the engine's risk metadata (stop level, trailing state, partial
// exit history).
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // LONG or SHORT
	Size          float64 `json:"size"` // absolute quantity, always > 0
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// FillResult describes an executed order.
type FillResult struct {
	OrderID  int64     `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"` // side of the executed order (BUY/SELL semantics folded into position side)
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	FilledAt time.Time `json:"filled_at"`
}
