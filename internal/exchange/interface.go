// Package exchange defines the narrow capability interface the engine
// consumes from an exchange client. Transport concerns (REST vs websocket,
// auth, rate limiting, clock sync) live behind this interface and never
// leak into the engine.
package exchange

import "context"

// Client is the exchange capability surface the engine depends on.
// Every call must honor the context deadline; a timed-out call leaves no
// local trace and the calling task simply retries on its next tick.
type Client interface {
	// FetchPositions returns every currently open position on the exchange.
	FetchPositions(ctx context.Context) ([]Position, error)

	// FetchBalance returns total wallet equity in USD.
	FetchBalance(ctx context.Context) (float64, error)

	// FetchMarkPrice returns the latest observable mark price for a symbol.
	FetchMarkPrice(ctx context.Context, symbol string) (float64, error)

	// SetStopLoss places (or replaces) the protective stop for a symbol.
	SetStopLoss(ctx context.Context, symbol, side string, price float64) error

	// ReducePosition closes qty of an open position with a reduce-only order.
	ReducePosition(ctx context.Context, symbol, side string, qty float64) (*FillResult, error)

	// ClosePosition fully closes the open position for a symbol.
	ClosePosition(ctx context.Context, symbol, side string) (*FillResult, error)

	// OpenPosition opens a new position.
	OpenPosition(ctx context.Context, symbol, side string, qty float64, leverage int) (*FillResult, error)
}
