// Package reconcile keeps the local position store synchronized with
// exchange-reported truth. The exchange is authoritative for existence and
// price; the store is authoritative for risk metadata the exchange does
// not retain (stop level, trailing state, partial exit history).
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
)

// Config holds reconciliation parameters.
type Config struct {
	// DefaultLeverage is assumed for adopted positions when the exchange
	// report does not carry one.
	DefaultLeverage int `json:"default_leverage"`
}

// Engine runs the reconciliation protocol: one full pass per invocation,
// always from a fresh exchange fetch.
type Engine struct {
	store   *position.Store
	client  exchange.Client
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config
	logger  zerolog.Logger

	// onClosed, when set, is invoked for every reconciliation-initiated
	// close so the orchestrator can feed post-trade learning and archival.
	onClosed func(position.ClosedPosition)
}

// New creates a reconciliation engine. bus and metrics may be nil in tests.
func New(store *position.Store, client exchange.Client, bus *events.Bus, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	return &Engine{
		store:   store,
		client:  client,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "Reconciler").Logger(),
	}
}

// Run executes one reconciliation pass. A failed exchange fetch aborts the
// whole pass; partial exchange data is never applied.
func (e *Engine) Run(ctx context.Context) error {
	remote, err := e.client.FetchPositions(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ReconcileFailures.Inc()
		}
		return fmt.Errorf("fetching exchange positions: %w", err)
	}

	remoteBySymbol := make(map[string]exchange.Position, len(remote))
	for _, rp := range remote {
		if rp.Size <= 0 {
			continue
		}
		remoteBySymbol[rp.Symbol] = rp
	}
	local := e.store.ListActive()
	localBySymbol := make(map[string]position.Position, len(local))
	for _, lp := range local {
		localBySymbol[lp.Symbol] = lp
	}

	for symbol, rp := range remoteBySymbol {
		if lp, ok := localBySymbol[symbol]; ok {
			e.refresh(lp, rp)
		} else {
			e.adopt(rp)
		}
	}
	for symbol, lp := range localBySymbol {
		if _, ok := remoteBySymbol[symbol]; !ok {
			e.closeVanished(ctx, lp)
		}
	}
	return nil
}

// adopt creates a local position for an exchange position the store does
// not know about. Risk metadata defaults to "no stop yet", which makes it
// immediately eligible for the risk enforcer's repair path.
func (e *Engine) adopt(rp exchange.Position) {
	leverage := rp.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}
	margin := rp.EntryPrice * rp.Size / float64(leverage)

	created, err := e.store.Create(position.CreateSpec{
		Symbol:        rp.Symbol,
		Side:          rp.Side,
		EntryPrice:    rp.EntryPrice,
		Quantity:      rp.Size,
		Leverage:      leverage,
		InitialMargin: margin,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", rp.Symbol).Msg("Failed to adopt exchange position")
		return
	}
	// Seed derived fields so the risk enforcer has a price to work from.
	updateErr := e.store.Update(created.ID, func(p *position.Position) error {
		p.RefreshDerived(rp.MarkPrice)
		return nil
	})
	if updateErr != nil {
		e.logger.Warn().Err(updateErr).Str("symbol", rp.Symbol).Msg("Adopted position vanished before refresh")
	}

	e.logger.Warn().
		Str("symbol", rp.Symbol).
		Str("side", rp.Side).
		Float64("size", rp.Size).
		Msg("Adopted unexpected exchange position, no protective stop yet")
	if e.metrics != nil {
		e.metrics.ReconcileAdopted.Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.EventDriftAdopted,
			Symbol: rp.Symbol,
			Data: map[string]interface{}{
				"side":        rp.Side,
				"size":        rp.Size,
				"entry_price": rp.EntryPrice,
			},
		})
	}
}

// closeVanished archives a local position the exchange no longer reports.
// The exit price is estimated from the latest observable market price.
func (e *Engine) closeVanished(ctx context.Context, lp position.Position) {
	exitPrice := lp.CurrentPrice
	if price, err := e.client.FetchMarkPrice(ctx, lp.Symbol); err == nil && price > 0 {
		exitPrice = price
	}
	if exitPrice <= 0 {
		exitPrice = lp.EntryPrice
	}

	closed, err := e.store.Close(lp.ID, exitPrice, position.ReasonExternal, position.StatusGhostClosed)
	if err != nil {
		// Closed concurrently by another task: nothing left to reconcile.
		e.logger.Debug().Err(err).Str("symbol", lp.Symbol).Msg("Vanished position already closed")
		return
	}

	e.logger.Warn().
		Str("symbol", lp.Symbol).
		Float64("exit_price", exitPrice).
		Float64("total_pnl", closed.TotalPnL).
		Msg("Position closed externally, archived as ghost close")
	if e.metrics != nil {
		e.metrics.ReconcileExternal.Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.EventDriftExternal,
			Symbol: lp.Symbol,
			Data: map[string]interface{}{
				"exit_price": exitPrice,
				"total_pnl":  closed.TotalPnL,
			},
		})
	}
	if e.onClosed != nil {
		e.onClosed(closed)
	}
}

// refresh applies exchange-reported price figures to a known position.
func (e *Engine) refresh(lp position.Position, rp exchange.Position) {
	err := e.store.Update(lp.ID, func(p *position.Position) error {
		// Exchange truth for size wins when partial exits were filled on
		// the exchange side but the reduce ack was lost.
		if rp.Size > 0 && rp.Size < p.Quantity {
			p.Quantity = rp.Size
		}
		p.RefreshDerived(rp.MarkPrice)
		return nil
	})
	if err != nil {
		// Benign: closed by a concurrent task between list and update.
		e.logger.Debug().Err(err).Str("symbol", lp.Symbol).Msg("Skipped refresh of concurrently closed position")
	}
}

// SetOnClosed wires the orchestrator's post-close hook.
func (e *Engine) SetOnClosed(fn func(position.ClosedPosition)) {
	e.onClosed = fn
}
