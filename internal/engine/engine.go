// Package engine is the orchestrator: it turns incoming trade signals
// into sized, protected positions and wires the periodic reconciliation
// and risk-control tasks together.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/circuit"
	"position-risk-engine/internal/database"
	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
	"position-risk-engine/internal/reconcile"
	"position-risk-engine/internal/risk"
	"position-risk-engine/internal/scheduler"
	"position-risk-engine/internal/sizing"
)

// Signal is a trade candidate produced by a signal source.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // exchange.SideLong or exchange.SideShort
	Confidence float64 `json:"confidence"`
}

// SignalSource supplies the candidates for each trading cycle. The
// engine owns sizing and risk; the source only says what looks entryable.
type SignalSource interface {
	Signals(ctx context.Context) ([]Signal, error)
}

// Config holds orchestrator settings.
type Config struct {
	DefaultLeverage   int           `json:"default_leverage"`
	MaxOpenPositions  int           `json:"max_open_positions"`
	MinTradeMargin    float64       `json:"min_trade_margin"`
	InitialStopPct    float64       `json:"initial_stop_pct"`
	CycleInterval     time.Duration `json:"cycle_interval"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	RiskInterval      time.Duration `json:"risk_interval"`
	TrailingInterval  time.Duration `json:"trailing_interval"`
	PartialInterval   time.Duration `json:"partial_interval"`
	BalanceInterval   time.Duration `json:"balance_interval"`
}

// Engine coordinates all components. Closed-position hooks from the
// reconciler and risk controllers funnel into handleClosed so learning,
// breaker, and archive updates happen exactly once per close.
type Engine struct {
	cfg        Config
	store      *position.Store
	client     exchange.Client
	sizer      *sizing.Engine
	breaker    *circuit.Breaker
	reconciler *reconcile.Engine
	enforcer   *risk.Enforcer
	trailing   *risk.TrailingController
	partial    *risk.PartialExitController
	source     SignalSource
	bus        *events.Bus
	metrics    *metrics.Metrics
	repo       *database.Repository
	mirror     *database.RedisMirror
	logger     zerolog.Logger

	mu     sync.RWMutex
	equity float64
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store      *position.Store
	Client     exchange.Client
	Sizer      *sizing.Engine
	Breaker    *circuit.Breaker
	Reconciler *reconcile.Engine
	Enforcer   *risk.Enforcer
	Trailing   *risk.TrailingController
	Partial    *risk.PartialExitController
	Source     SignalSource
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Repo       *database.Repository
	Mirror     *database.RedisMirror
}

// New wires the orchestrator and registers the post-close hooks.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		client:     deps.Client,
		sizer:      deps.Sizer,
		breaker:    deps.Breaker,
		reconciler: deps.Reconciler,
		enforcer:   deps.Enforcer,
		trailing:   deps.Trailing,
		partial:    deps.Partial,
		source:     deps.Source,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		repo:       deps.Repo,
		mirror:     deps.Mirror,
		logger:     logger.With().Str("component", "engine").Logger(),
	}
	e.reconciler.SetOnClosed(e.handleClosed)
	e.enforcer.SetOnClosed(e.handleClosed)
	e.partial.SetOnClosed(e.handleClosed)
	return e
}

// Tasks returns the periodic task set for the scheduler. Ordering
// within a tick is not coordinated across tasks; every controller
// re-validates its snapshot through the store before acting.
func (e *Engine) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name:       "reconcile",
			Interval:   e.cfg.ReconcileInterval,
			Timeout:    30 * time.Second,
			RunAtStart: true,
			Run:        e.reconciler.Run,
		},
		{
			Name:     "risk_enforce",
			Interval: e.cfg.RiskInterval,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				e.enforcer.Tick(ctx)
				return nil
			},
		},
		{
			Name:     "trailing",
			Interval: e.cfg.TrailingInterval,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				e.trailing.Tick(ctx)
				return nil
			},
		},
		{
			Name:     "partial_exits",
			Interval: e.cfg.PartialInterval,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				e.partial.Tick(ctx)
				return nil
			},
		},
		{
			Name:       "balance_sync",
			Interval:   e.cfg.BalanceInterval,
			Timeout:    15 * time.Second,
			RunAtStart: true,
			Run:        e.SyncBalance,
		},
		{
			Name:     "trading_cycle",
			Interval: e.cfg.CycleInterval,
			Jitter:   2 * time.Second,
			Timeout:  time.Minute,
			Run:      e.RunCycle,
		},
	}
}

// SyncBalance refreshes cached wallet equity and the live gauges, and
// pushes the position mirror.
func (e *Engine) SyncBalance(ctx context.Context) error {
	equity, err := e.client.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	e.mu.Lock()
	e.equity = equity
	e.mu.Unlock()

	summary := e.store.SessionSummary()
	if e.metrics != nil {
		e.metrics.WalletEquity.Set(equity)
		e.metrics.OpenPositions.Set(float64(summary.ActiveCount))
		e.metrics.UsedMargin.Set(summary.UsedMargin)
		e.metrics.UnrealizedPnL.Set(summary.UnrealizedPnL)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventBalanceUpdate,
			Timestamp: time.Now(),
			Data:      map[string]any{"equity": equity},
		})
	}
	if e.mirror != nil {
		e.mirror.PublishPositions(ctx, e.store.ListActive())
		e.mirror.PublishSummary(ctx, summary)
	}
	return nil
}

// Equity returns the last synced wallet equity.
func (e *Engine) Equity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}

// RunCycle executes one trading cycle: gate on the breaker, collect
// signals, size the batch under the portfolio bound, open positions,
// and advance the sizing cycle counter. The counter advances even on
// halted cycles so post-loss blocks decay in wall-clock cycles.
func (e *Engine) RunCycle(ctx context.Context) error {
	defer func() {
		if err := e.sizer.AdvanceCycle(); err != nil {
			e.logger.Fatal().Err(err).Msg("Symbol memory persistence failed")
		}
	}()

	if ok, reason := e.breaker.CanTrade(); !ok {
		e.logger.Warn().Str("reason", reason).Msg("Trading halted by circuit breaker")
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:      events.EventTradingBlocked,
				Timestamp: time.Now(),
				Data:      map[string]any{"reason": reason},
			})
		}
		return nil
	}

	signals, err := e.source.Signals(ctx)
	if err != nil {
		return fmt.Errorf("fetching signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}

	active := e.store.ActiveSymbols()
	slots := e.cfg.MaxOpenPositions - len(active)
	if slots <= 0 {
		e.logger.Debug().Int("active", len(active)).Msg("No free position slots")
		return nil
	}

	candidates := make([]Signal, 0, len(signals))
	symbols := make([]string, 0, len(signals))
	for _, sig := range signals {
		if active[sig.Symbol] {
			continue
		}
		candidates = append(candidates, sig)
		symbols = append(symbols, sig.Symbol)
		if len(candidates) >= slots {
			break
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	equity := e.Equity()
	if equity <= 0 {
		if err := e.SyncBalance(ctx); err != nil {
			return err
		}
		equity = e.Equity()
	}

	allocs := e.sizer.SizeBatch(symbols, equity, e.store.UsedMargin())
	for i, alloc := range allocs {
		if alloc.Blocked {
			e.logger.Debug().Str("symbol", alloc.Symbol).Str("reason", alloc.Reason).Msg("Symbol skipped by sizing")
			continue
		}
		if alloc.Size < e.cfg.MinTradeMargin {
			e.logger.Debug().Str("symbol", alloc.Symbol).Float64("size", alloc.Size).Msg("Allocation below minimum trade margin")
			continue
		}
		if err := e.OpenTrade(ctx, candidates[i], alloc.Size); err != nil {
			e.logger.Error().Err(err).Str("symbol", alloc.Symbol).Msg("Failed to open position")
			if e.bus != nil {
				e.bus.PublishError("engine", "open position failed", err)
			}
		}
	}
	return nil
}

// OpenTrade opens one position with the given margin commitment and
// places its initial protective stop best-effort; the risk enforcer
// guarantees protection on its next tick if the placement fails here.
func (e *Engine) OpenTrade(ctx context.Context, sig Signal, margin float64) error {
	price, err := e.client.FetchMarkPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("fetching mark price for %s: %w", sig.Symbol, err)
	}
	leverage := e.cfg.DefaultLeverage
	qty := margin * float64(leverage) / price

	fill, err := e.client.OpenPosition(ctx, sig.Symbol, sig.Side, qty, leverage)
	if err != nil {
		return fmt.Errorf("opening %s %s: %w", sig.Side, sig.Symbol, err)
	}

	pos, err := e.store.Create(position.CreateSpec{
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		EntryPrice:    fill.Price,
		Quantity:      fill.Quantity,
		Leverage:      leverage,
		InitialMargin: fill.Price * fill.Quantity / float64(leverage),
		OpenTime:      fill.FilledAt,
	})
	if err != nil {
		return fmt.Errorf("recording position %s: %w", fill.Symbol, err)
	}

	stop := initialStop(pos.IsLong(), fill.Price, e.cfg.InitialStopPct)
	if err := e.client.SetStopLoss(ctx, pos.Symbol, pos.Side, stop); err != nil {
		e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Initial stop placement failed, enforcer will retry")
	} else if err := e.store.Update(pos.ID, func(p *position.Position) error {
		p.StopLossPrice = stop
		return nil
	}); err != nil {
		e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to record initial stop")
	}

	if e.metrics != nil {
		e.metrics.TradesOpened.Inc()
	}
	if e.bus != nil {
		e.bus.PublishPositionOpened(pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.InitialMargin)
	}
	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", pos.Side).
		Float64("entry", pos.EntryPrice).
		Float64("qty", pos.Quantity).
		Float64("margin", pos.InitialMargin).
		Float64("stop", stop).
		Msg("Position opened")
	return nil
}

// CloseTrade closes a position on operator or signal request.
func (e *Engine) CloseTrade(ctx context.Context, symbol, reason string) error {
	pos, err := e.store.GetBySymbol(symbol)
	if err != nil {
		return err
	}
	fill, err := e.client.ClosePosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return fmt.Errorf("closing %s on exchange: %w", symbol, err)
	}
	exitPrice := pos.CurrentPrice
	if fill != nil && fill.Price > 0 {
		exitPrice = fill.Price
	}
	if exitPrice == 0 {
		exitPrice = pos.EntryPrice
	}
	if reason == "" {
		reason = position.ReasonManual
	}
	closed, err := e.store.Close(pos.ID, exitPrice, reason, position.StatusClosed)
	if err != nil {
		return err
	}
	e.handleClosed(closed)
	return nil
}

// handleClosed is the single funnel for every position close, however
// it was triggered. It updates the sizing memory, the breaker, metrics,
// and the archive.
func (e *Engine) handleClosed(cp position.ClosedPosition) {
	if err := e.sizer.RecordTradeClose(cp.Symbol, cp.TotalPnLPct, e.Equity()); err != nil {
		e.logger.Fatal().Err(err).Msg("Symbol memory persistence failed")
	}
	e.breaker.RecordTrade(cp.TotalPnLPct * 100)

	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(cp.CloseReason).Inc()
	}
	if e.bus != nil {
		e.bus.PublishPositionClosed(cp.Symbol, cp.CloseReason, cp.ExitPrice, cp.TotalPnL, cp.TotalPnLPct)
	}
	if e.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.repo.ArchiveClosedTrade(ctx, cp); err != nil {
			e.logger.Error().Err(err).Str("symbol", cp.Symbol).Msg("Failed to archive closed trade")
		}
	}

	e.logger.Info().
		Str("symbol", cp.Symbol).
		Str("reason", cp.CloseReason).
		Float64("exit", cp.ExitPrice).
		Float64("total_pnl", cp.TotalPnL).
		Float64("pnl_pct", cp.TotalPnLPct).
		Msg("Position closed")
}

func initialStop(long bool, price, pct float64) float64 {
	if long {
		return price * (1 - pct)
	}
	return price * (1 + pct)
}
