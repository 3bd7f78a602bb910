// Package risk contains the periodic controllers that protect open
// exposure: the stop-loss enforcer with its early-exit ladder, the
// trailing stop controller and the partial exit controller. All of them
// scan the store each tick, do network I/O outside the store lock, and
// re-validate with Update afterwards so a concurrently closed position
// degrades to a harmless no-op.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
)

// ExitRung is one step of the early-exit ladder: positions younger than
// MaxAge whose ROE has fallen to MaxROE or below are cut immediately.
type ExitRung struct {
	Name   string        `json:"name"`
	MaxAge time.Duration `json:"max_age"`
	MaxROE float64       `json:"max_roe"` // fraction, negative
}

// EnforcerConfig holds stop-loss guarantee and early-exit parameters.
type EnforcerConfig struct {
	// StopLossPct is the fixed stop distance as a fraction of current
	// price. Computed from current price rather than entry because a
	// position may have been adopted mid-life by reconciliation.
	StopLossPct float64 `json:"stop_loss_pct"`

	// MaxFixAttempts is how many consecutive stop placement failures are
	// tolerated before the position is force-closed.
	MaxFixAttempts int `json:"max_fix_attempts"`

	// Ladder must be ordered tightest-window first (T1 < T2 < T3,
	// R1 most negative).
	Ladder []ExitRung `json:"ladder"`

	// MaxAge closes positions held longer than this regardless of PnL.
	// Zero disables the policy. SpareProfitableRunners exempts positions
	// whose trailing stop is active and in profit.
	MaxAge                 time.Duration `json:"max_age"`
	SpareProfitableRunners bool          `json:"spare_profitable_runners"`
}

// Enforcer guarantees every active position carries a protective stop and
// applies the early-exit ladder.
type Enforcer struct {
	store    *position.Store
	client   exchange.Client
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      EnforcerConfig
	logger   zerolog.Logger
	onClosed func(position.ClosedPosition)
}

// NewEnforcer creates the risk enforcer. bus and metrics may be nil.
func NewEnforcer(store *position.Store, client exchange.Client, bus *events.Bus, m *metrics.Metrics, cfg EnforcerConfig, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		store:   store,
		client:  client,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "RiskEnforcer").Logger(),
	}
}

// SetOnClosed wires the orchestrator's post-close hook.
func (e *Enforcer) SetOnClosed(fn func(position.ClosedPosition)) {
	e.onClosed = fn
}

// Tick runs one enforcement pass. Per-position failures are isolated; one
// bad symbol never stalls enforcement for the rest.
func (e *Enforcer) Tick(ctx context.Context) {
	now := time.Now()
	for _, pos := range e.store.ListActive() {
		// Stop repair must resolve before the same position is judged by
		// the exit ladder this tick.
		closed, repaired := e.ensureStop(ctx, &pos)
		if closed {
			continue
		}
		if repaired {
			// Re-read so ladder checks see the repaired state.
			fresh, err := e.store.Get(pos.ID)
			if err != nil {
				continue
			}
			pos = fresh
		}
		if e.checkEarlyExit(ctx, pos, now) {
			continue
		}
		e.checkMaxAge(ctx, pos, now)
	}
}

// ensureStop places a protective stop on an unprotected position. Returns
// (closed, repaired).
func (e *Enforcer) ensureStop(ctx context.Context, pos *position.Position) (bool, bool) {
	if pos.StopLossPrice != 0 {
		return false, false
	}

	price := pos.CurrentPrice
	if price <= 0 {
		fetched, err := e.client.FetchMarkPrice(ctx, pos.Symbol)
		if err != nil || fetched <= 0 {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("No price available for stop repair")
			return false, false
		}
		price = fetched
	}

	stop := stopFromPrice(price, pos.IsLong(), e.cfg.StopLossPct)
	if err := e.client.SetStopLoss(ctx, pos.Symbol, pos.Side, stop); err != nil {
		return e.recordStopFailure(ctx, pos, err), false
	}

	updateErr := e.store.Update(pos.ID, func(p *position.Position) error {
		p.StopLossPrice = stop
		p.SLFixAttempts = 0
		if p.CurrentPrice <= 0 {
			p.CurrentPrice = price
		}
		return nil
	})
	if updateErr != nil {
		if errors.Is(updateErr, position.ErrNotFound) {
			return true, false // closed concurrently, stop on exchange is moot
		}
		e.fatalOnPersistence(updateErr)
		return false, false
	}

	e.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("stop", stop).
		Float64("price", price).
		Msg("Protective stop placed on unprotected position")
	if e.metrics != nil {
		e.metrics.StopRepairs.Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.EventStopRepaired,
			Symbol: pos.Symbol,
			Data:   map[string]interface{}{"stop": stop, "price": price},
		})
	}
	return false, true
}

// recordStopFailure bumps the per-position failure counter and force-closes
// the position once the retry budget is exhausted. Protection is
// non-negotiable: fail-safe beats fail-open. Returns true when the
// position was closed.
func (e *Enforcer) recordStopFailure(ctx context.Context, pos *position.Position, cause error) bool {
	attempts := pos.SLFixAttempts + 1
	updateErr := e.store.Update(pos.ID, func(p *position.Position) error {
		p.SLFixAttempts++
		attempts = p.SLFixAttempts
		return nil
	})
	if updateErr != nil {
		if errors.Is(updateErr, position.ErrNotFound) {
			return true
		}
		e.fatalOnPersistence(updateErr)
		return false
	}

	e.logger.Warn().
		Err(cause).
		Str("symbol", pos.Symbol).
		Int("attempts", attempts).
		Int("max_attempts", e.cfg.MaxFixAttempts).
		Msg("Failed to place protective stop")

	if attempts < e.cfg.MaxFixAttempts {
		return false
	}

	closed := e.closePosition(ctx, *pos, position.ReasonUnsafe, position.StatusEmergencyClosed)
	if closed == nil {
		return false
	}
	if e.metrics != nil {
		e.metrics.ForcedCloses.Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.EventForcedClose,
			Symbol: pos.Symbol,
			Data: map[string]interface{}{
				"attempts":  attempts,
				"total_pnl": closed.TotalPnL,
			},
		})
	}
	return true
}

// checkEarlyExit evaluates the ladder and closes on the first rung whose
// condition holds. Returns true when the position was closed.
func (e *Enforcer) checkEarlyExit(ctx context.Context, pos position.Position, now time.Time) bool {
	age := pos.Age(now)
	for _, rung := range e.cfg.Ladder {
		if age >= rung.MaxAge || pos.ROE > rung.MaxROE {
			continue
		}
		e.logger.Info().
			Str("symbol", pos.Symbol).
			Str("trigger", rung.Name).
			Float64("roe", pos.ROE).
			Dur("age", age).
			Msg("Early-exit trigger hit")
		if closed := e.closePosition(ctx, pos, rung.Name, position.StatusClosed); closed != nil {
			if e.metrics != nil {
				e.metrics.EarlyExits.WithLabelValues(rung.Name).Inc()
			}
			if e.bus != nil {
				e.bus.Publish(events.Event{
					Type:   events.EventEarlyExit,
					Symbol: pos.Symbol,
					Data: map[string]interface{}{
						"trigger":   rung.Name,
						"roe":       pos.ROE,
						"total_pnl": closed.TotalPnL,
					},
				})
			}
			return true
		}
		return false
	}
	return false
}

// checkMaxAge enforces the configurable stale-position policy.
func (e *Enforcer) checkMaxAge(ctx context.Context, pos position.Position, now time.Time) {
	if e.cfg.MaxAge <= 0 || pos.Age(now) < e.cfg.MaxAge {
		return
	}
	if e.cfg.SpareProfitableRunners && pos.TrailingActive && pos.ROE > 0 {
		return
	}
	e.logger.Info().
		Str("symbol", pos.Symbol).
		Dur("age", pos.Age(now)).
		Float64("roe", pos.ROE).
		Msg("Closing position past maximum age")
	e.closePosition(ctx, pos, position.ReasonMaxAge, position.StatusClosed)
}

// closePosition performs the exchange close then archives locally. The
// local close only happens after the exchange confirms, so a failed call
// retries on the next tick instead of leaving exchange exposure behind.
func (e *Enforcer) closePosition(ctx context.Context, pos position.Position, reason string, status position.Status) *position.ClosedPosition {
	exitPrice := pos.CurrentPrice
	fill, err := e.client.ClosePosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", pos.Symbol).Str("reason", reason).Msg("Exchange close failed, will retry next tick")
		return nil
	}
	if fill != nil && fill.Price > 0 {
		exitPrice = fill.Price
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}

	closed, err := e.store.Close(pos.ID, exitPrice, reason, status)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			return nil // closed concurrently
		}
		e.fatalOnPersistence(err)
		return nil
	}
	if e.onClosed != nil {
		e.onClosed(closed)
	}
	return &closed
}

// fatalOnPersistence escalates snapshot write failures: continuing to
// enforce risk without durable state is unsafe.
func (e *Enforcer) fatalOnPersistence(err error) {
	if errors.Is(err, position.ErrPersistence) {
		e.logger.Fatal().Err(err).Msg("Position persistence failed, refusing to continue")
	}
	e.logger.Error().Err(err).Msg("Unexpected store error")
}

// stopFromPrice computes the fixed-percentage stop level.
func stopFromPrice(price float64, long bool, pct float64) float64 {
	if long {
		return price * (1 - pct)
	}
	return price * (1 + pct)
}
