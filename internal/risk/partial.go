package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
)

// ExitLevel is one staged profit-taking milestone. Fraction applies to the
// position's original quantity, so levels compose into a fixed plan
// regardless of execution order.
type ExitLevel struct {
	ID       string  `json:"id"`
	ROE      float64 `json:"roe"`      // fraction, positive
	Fraction float64 `json:"fraction"` // fraction of original size, (0,1]
}

// PartialConfig holds the staged exit plan.
type PartialConfig struct {
	Levels []ExitLevel `json:"levels"`

	// MinNotional skips slices too small for the exchange. A skipped level
	// is not marked done and retries on later ticks.
	MinNotional float64 `json:"min_notional"`
}

// PartialExitController liquidates configured fractions of a position as
// ROE milestones are crossed, leaving the residual as a runner.
type PartialExitController struct {
	store    *position.Store
	client   exchange.Client
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      PartialConfig
	logger   zerolog.Logger
	onClosed func(position.ClosedPosition)
}

// NewPartialExitController creates the partial exit controller.
func NewPartialExitController(store *position.Store, client exchange.Client, bus *events.Bus, m *metrics.Metrics, cfg PartialConfig, logger zerolog.Logger) *PartialExitController {
	return &PartialExitController{
		store:   store,
		client:  client,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "PartialExit").Logger(),
	}
}

// SetOnClosed wires the orchestrator's post-close hook, used when the last
// slice fully empties a position.
func (pc *PartialExitController) SetOnClosed(fn func(position.ClosedPosition)) {
	pc.onClosed = fn
}

// Tick runs one pass over all active positions.
func (pc *PartialExitController) Tick(ctx context.Context) {
	for _, pos := range pc.store.ListActive() {
		pc.process(ctx, pos)
	}
}

func (pc *PartialExitController) process(ctx context.Context, pos position.Position) {
	for _, level := range pc.cfg.Levels {
		if pos.PartialExitsDone[level.ID] {
			continue
		}
		if pos.ROE < level.ROE {
			continue
		}

		exitQty := pos.OriginalQuantity * level.Fraction
		if exitQty > pos.Quantity {
			exitQty = pos.Quantity
		}
		if exitQty <= 0 {
			continue
		}
		if notional := exitQty * pos.CurrentPrice; notional < pc.cfg.MinNotional {
			pc.logger.Debug().
				Str("symbol", pos.Symbol).
				Str("level", level.ID).
				Float64("notional", notional).
				Msg("Partial exit below minimum notional, retrying next tick")
			continue
		}

		if exitQty >= pos.Quantity {
			// Last remaining slice: a reduce-only order would empty the
			// position, so run it through the full close path instead.
			pc.closeRunner(ctx, pos, level)
			return
		}

		updated, ok := pc.takeSlice(ctx, pos, level, exitQty)
		if !ok {
			return
		}
		pos = updated
	}
}

// takeSlice submits the reduce-only order and applies the result. Returns
// the refreshed position and whether processing of further levels should
// continue.
func (pc *PartialExitController) takeSlice(ctx context.Context, pos position.Position, level ExitLevel, exitQty float64) (position.Position, bool) {
	fill, err := pc.client.ReducePosition(ctx, pos.Symbol, pos.Side, exitQty)
	if err != nil {
		pc.logger.Warn().Err(err).
			Str("symbol", pos.Symbol).
			Str("level", level.ID).
			Msg("Reduce-only order failed, retrying next tick")
		return pos, false
	}

	fillPrice := pos.CurrentPrice
	if fill != nil && fill.Price > 0 {
		fillPrice = fill.Price
	}
	slicePnL := sliceProfit(&pos, fillPrice, exitQty)

	err = pc.store.Update(pos.ID, func(p *position.Position) error {
		if p.PartialExitsDone[level.ID] {
			return fmt.Errorf("partial exit level %s already applied for %s", level.ID, p.Symbol)
		}
		p.Quantity -= exitQty
		p.RealizedPnL += slicePnL
		p.PartialExitsDone[level.ID] = true
		return nil
	})
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			return pos, false // closed concurrently
		}
		pc.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to record partial exit")
		return pos, false
	}

	pc.logger.Info().
		Str("symbol", pos.Symbol).
		Str("level", level.ID).
		Float64("exit_qty", exitQty).
		Float64("fill_price", fillPrice).
		Float64("slice_pnl", slicePnL).
		Float64("roe", pos.ROE).
		Msg("Partial exit executed")
	if pc.metrics != nil {
		pc.metrics.PartialExits.Inc()
	}
	if pc.bus != nil {
		pc.bus.Publish(events.Event{
			Type:   events.EventPartialExit,
			Symbol: pos.Symbol,
			Data: map[string]interface{}{
				"level":      level.ID,
				"exit_qty":   exitQty,
				"fill_price": fillPrice,
				"slice_pnl":  slicePnL,
			},
		})
	}

	fresh, err := pc.store.Get(pos.ID)
	if err != nil {
		return pos, false
	}
	return fresh, true
}

// closeRunner fully closes a position whose final slice equals the whole
// remaining quantity.
func (pc *PartialExitController) closeRunner(ctx context.Context, pos position.Position, level ExitLevel) {
	fill, err := pc.client.ClosePosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		pc.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Final slice close failed, retrying next tick")
		return
	}
	exitPrice := pos.CurrentPrice
	if fill != nil && fill.Price > 0 {
		exitPrice = fill.Price
	}
	closed, err := pc.store.Close(pos.ID, exitPrice, level.ID, position.StatusClosed)
	if err != nil {
		if !errors.Is(err, position.ErrNotFound) {
			pc.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to archive final slice close")
		}
		return
	}
	if pc.metrics != nil {
		pc.metrics.PartialExits.Inc()
	}
	if pc.onClosed != nil {
		pc.onClosed(closed)
	}
}

// sliceProfit computes realized PnL for an exited slice.
func sliceProfit(p *position.Position, fillPrice, qty float64) float64 {
	if p.IsLong() {
		return (fillPrice - p.EntryPrice) * qty
	}
	return (p.EntryPrice - fillPrice) * qty
}
