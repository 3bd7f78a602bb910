package risk

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
)

// TrailingConfig holds trailing stop parameters. Both values are ROE
// fractions: with ActivationROE 0.15 and ProtectMargin 0.10, a position
// reaching +30% ROE carries a stop protecting +20%.
type TrailingConfig struct {
	ActivationROE float64 `json:"activation_roe"`
	ProtectMargin float64 `json:"protect_margin"`
}

// TrailingController ratchets protective stops as unrealized gain grows.
// Activation is one-way: once trailing, a position never goes back, and
// the stop never moves in the unprotective direction.
type TrailingController struct {
	store   *position.Store
	client  exchange.Client
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     TrailingConfig
	logger  zerolog.Logger
}

// NewTrailingController creates the trailing controller.
func NewTrailingController(store *position.Store, client exchange.Client, bus *events.Bus, m *metrics.Metrics, cfg TrailingConfig, logger zerolog.Logger) *TrailingController {
	return &TrailingController{
		store:   store,
		client:  client,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "TrailingController").Logger(),
	}
}

// Tick runs one trailing pass over all active positions.
func (tc *TrailingController) Tick(ctx context.Context) {
	for _, pos := range tc.store.ListActive() {
		// Unprotected positions belong to the enforcer's repair path.
		if pos.StopLossPrice == 0 {
			continue
		}
		tc.trail(ctx, pos)
	}
}

func (tc *TrailingController) trail(ctx context.Context, pos position.Position) {
	roe := pos.ROE

	if !pos.TrailingActive {
		if roe < tc.cfg.ActivationROE {
			return
		}
		err := tc.store.Update(pos.ID, func(p *position.Position) error {
			p.TrailingActive = true
			return nil
		})
		if err != nil {
			return // closed concurrently, or fatal elsewhere
		}
		pos.TrailingActive = true
		tc.logger.Info().
			Str("symbol", pos.Symbol).
			Float64("roe", roe).
			Msg("Trailing stop activated")
	}

	targetROE := roe - tc.cfg.ProtectMargin
	newStop := priceAtROE(&pos, targetROE)
	if !moreProtective(&pos, newStop) {
		return
	}

	if err := tc.client.SetStopLoss(ctx, pos.Symbol, pos.Side, newStop); err != nil {
		// Transient push failure: the previous stop stays in force, the
		// next tick retries. No local state changes.
		tc.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Trailing stop push failed")
		return
	}

	oldStop := pos.StopLossPrice
	err := tc.store.Update(pos.ID, func(p *position.Position) error {
		// Re-check under the lock: another task may have moved the stop
		// while the network call was in flight.
		if !moreProtective(p, newStop) {
			return nil
		}
		p.StopLossPrice = newStop
		return nil
	})
	if err != nil {
		if !errors.Is(err, position.ErrNotFound) {
			tc.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to record trailing stop")
		}
		return
	}

	tc.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("old_stop", oldStop).
		Float64("new_stop", newStop).
		Float64("roe", roe).
		Float64("protected_roe", targetROE).
		Msg("Trailing stop raised")
	if tc.metrics != nil {
		tc.metrics.TrailingUpdates.Inc()
	}
	if tc.bus != nil {
		tc.bus.PublishStopMoved(pos.Symbol, oldStop, newStop, roe)
	}
}

// priceAtROE converts an ROE level to the price at which the position
// would show that ROE, given its leverage and entry.
func priceAtROE(p *position.Position, roe float64) float64 {
	lev := float64(p.Leverage)
	if lev <= 0 {
		lev = 1
	}
	if p.IsLong() {
		return p.EntryPrice * (1 + roe/lev)
	}
	return p.EntryPrice * (1 - roe/lev)
}

// moreProtective reports whether newStop is strictly more protective than
// the position's current stop: numerically higher for longs, lower for
// shorts.
func moreProtective(p *position.Position, newStop float64) bool {
	if newStop <= 0 {
		return false
	}
	if p.StopLossPrice == 0 {
		return true
	}
	if p.IsLong() {
		return newStop > p.StopLossPrice
	}
	return newStop < p.StopLossPrice
}
