package sizing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSymbolBlocked is returned from Size while a symbol sits out its
// post-loss cooldown cycles.
var ErrSymbolBlocked = errors.New("symbol blocked after loss")

// ErrRiskLimitReached is returned from Size when the margin already
// committed exhausts the portfolio risk budget on its own.
var ErrRiskLimitReached = errors.New("portfolio risk limit reached")

// Config holds all tunables for the sizing engine. Sizes are USD
// notional of margin; pct fields are fractions (0.05 = 5%).
type Config struct {
	// Blocks divides wallet equity into equal capital blocks.
	Blocks int `json:"blocks"`
	// FirstCycleFactor scales the block value for a symbol's first trade.
	FirstCycleFactor float64 `json:"first_cycle_factor"`

	// KellyMinTrades is the minimum history before Kelly applies.
	KellyMinTrades int `json:"kelly_min_trades"`
	// KellyMultiplier shrinks the raw Kelly fraction (0.5 = half Kelly).
	KellyMultiplier float64 `json:"kelly_multiplier"`
	// KellyMinPct / KellyMaxPct clamp the Kelly fraction of equity.
	KellyMinPct float64 `json:"kelly_min_pct"`
	KellyMaxPct float64 `json:"kelly_max_pct"`
	// ExpectedWinROE / ExpectedLossROE parameterize the Kelly payoff.
	ExpectedWinROE  float64 `json:"expected_win_roe"`
	ExpectedLossROE float64 `json:"expected_loss_roe"`
	// RoundTripCostPct nets fees and slippage out of the payoff.
	RoundTripCostPct float64 `json:"round_trip_cost_pct"`

	// BlockCycles is the cooldown after a losing trade.
	BlockCycles int `json:"block_cycles"`
	// CapMultiplier bounds any single size at CapMultiplier block values.
	CapMultiplier float64 `json:"cap_multiplier"`

	// RiskMaxPct bounds worst-case portfolio loss as a fraction of equity.
	RiskMaxPct float64 `json:"risk_max_pct"`
	// LossMultiplier is the assumed worst-case loss fraction of committed
	// margin used by the portfolio check.
	LossMultiplier float64 `json:"loss_multiplier"`

	// FreshStart discards persisted memory at startup.
	FreshStart bool `json:"fresh_start"`
}

// Allocation is the sizing verdict for one candidate symbol.
type Allocation struct {
	Symbol  string
	Size    float64
	Blocked bool
	Reason  string
}

// Engine owns the symbol memory table and the cycle counter. All state
// transitions happen under one mutex so a sizing batch, its portfolio
// validation, and any concurrent trade-close update never interleave.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	memory map[string]*SymbolMemory
	cycle  int64
	file   *MemoryFile
	logger zerolog.Logger
}

// NewEngine builds the engine, loading persisted memory unless
// FreshStart is set. file may be nil to disable persistence.
func NewEngine(cfg Config, file *MemoryFile, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		memory: make(map[string]*SymbolMemory),
		file:   file,
		logger: logger.With().Str("component", "sizing").Logger(),
	}
	if file != nil && !cfg.FreshStart {
		cycle, mem, err := file.Load()
		if err != nil {
			return nil, err
		}
		e.cycle = cycle
		if mem != nil {
			e.memory = mem
		}
		e.logger.Info().
			Int("symbols", len(e.memory)).
			Int64("cycle", e.cycle).
			Msg("Loaded symbol memory")
	}
	return e, nil
}

// blockValue is one capital block at the given equity.
func (e *Engine) blockValue(equity float64) float64 {
	if e.cfg.Blocks <= 0 {
		return equity
	}
	return equity / float64(e.cfg.Blocks)
}

// Size returns the margin to commit for one symbol at the given wallet
// equity. usedMargin is the margin already committed to open positions;
// the portfolio bound applies here the same as in SizeBatch. Callers
// opening several positions in one cycle should use SizeBatch so the
// bound sees all of them together.
func (e *Engine) Size(symbol string, equity, usedMargin float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size, err := e.sizeLocked(symbol, equity)
	if err != nil {
		return 0, err
	}
	scale := e.riskScaleLocked(size, equity, usedMargin)
	if scale <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrRiskLimitReached, symbol)
	}
	return size * scale, nil
}

func (e *Engine) sizeLocked(symbol string, equity float64) (float64, error) {
	block := e.blockValue(equity)
	mem, ok := e.memory[symbol]
	if !ok {
		first := block * e.cfg.FirstCycleFactor
		e.memory[symbol] = &SymbolMemory{
			Symbol:           symbol,
			CurrentSize:      first,
			BaseSize:         first,
			LastCycleUpdated: e.cycle,
		}
		e.logger.Debug().
			Str("symbol", symbol).
			Float64("size", first).
			Msg("First trade for symbol, using first-cycle size")
		return first, nil
	}

	if mem.BlockedCyclesRemaining > 0 {
		return 0, fmt.Errorf("%w: %s has %d cycles remaining",
			ErrSymbolBlocked, symbol, mem.BlockedCyclesRemaining)
	}

	size := mem.CurrentSize
	if mem.TotalTrades >= e.cfg.KellyMinTrades {
		size = e.kellySize(mem, equity)
	}

	cap := block * e.cfg.CapMultiplier
	if cap > 0 && size > cap {
		size = cap
	}
	return size, nil
}

// kellySize computes the fractional-Kelly commitment for a symbol with
// enough closed trades, scaled by the symbol's adaptive momentum
// (current_size relative to base_size).
func (e *Engine) kellySize(mem *SymbolMemory, equity float64) float64 {
	p := float64(mem.Wins) / float64(mem.TotalTrades)
	q := 1 - p

	winNet := e.cfg.ExpectedWinROE - e.cfg.RoundTripCostPct
	lossNet := e.cfg.ExpectedLossROE + e.cfg.RoundTripCostPct
	if winNet <= 0 || lossNet <= 0 {
		return mem.CurrentSize
	}
	b := winNet / lossNet

	kelly := (p*b - q) / b
	kelly *= e.cfg.KellyMultiplier
	if kelly < e.cfg.KellyMinPct {
		kelly = e.cfg.KellyMinPct
	}
	if kelly > e.cfg.KellyMaxPct {
		kelly = e.cfg.KellyMaxPct
	}

	size := kelly * equity
	if mem.BaseSize > 0 {
		size *= mem.CurrentSize / mem.BaseSize
	}
	return size
}

// SizeBatch sizes every candidate and applies the portfolio bound in
// one critical section. usedMargin is the margin already committed to
// open positions. The bound is never skipped: when the worst-case loss
// of existing plus proposed margin exceeds RiskMaxPct of equity, every
// proposed size is scaled down proportionally.
func (e *Engine) SizeBatch(symbols []string, equity, usedMargin float64) []Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()

	allocs := make([]Allocation, 0, len(symbols))
	var proposed float64
	for _, symbol := range symbols {
		size, err := e.sizeLocked(symbol, equity)
		if err != nil {
			allocs = append(allocs, Allocation{Symbol: symbol, Blocked: true, Reason: err.Error()})
			continue
		}
		allocs = append(allocs, Allocation{Symbol: symbol, Size: size})
		proposed += size
	}
	if proposed <= 0 {
		return allocs
	}

	scale := e.riskScaleLocked(proposed, equity, usedMargin)
	if scale >= 1 {
		return allocs
	}
	e.logger.Warn().
		Float64("proposed", proposed).
		Float64("used_margin", usedMargin).
		Float64("scale", scale).
		Msg("Portfolio risk bound exceeded, scaling allocations down")
	for i := range allocs {
		if allocs[i].Blocked {
			continue
		}
		allocs[i].Size *= scale
		if scale <= 0 {
			allocs[i].Blocked = true
			allocs[i].Reason = "portfolio risk limit reached"
		}
	}
	return allocs
}

// riskScaleLocked returns the multiplier in [0,1] that keeps the
// worst-case loss of existing plus proposed margin within RiskMaxPct of
// equity.
func (e *Engine) riskScaleLocked(proposed, equity, usedMargin float64) float64 {
	worstCase := (usedMargin + proposed) * e.cfg.LossMultiplier
	limit := e.cfg.RiskMaxPct * equity
	if worstCase <= limit {
		return 1
	}
	allowedNew := limit/e.cfg.LossMultiplier - usedMargin
	if allowedNew < 0 {
		allowedNew = 0
	}
	return allowedNew / proposed
}

// RecordTradeClose feeds one closed trade back into the symbol memory.
// pnlPct is the trade's return on its margin (0.052 = +5.2%). A win
// compounds current_size up to one block value; a loss resets it to
// base_size and blocks the symbol for the configured cycles.
func (e *Engine) RecordTradeClose(symbol string, pnlPct, equity float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mem, ok := e.memory[symbol]
	if !ok {
		mem = &SymbolMemory{
			Symbol:   symbol,
			BaseSize: e.blockValue(equity) * e.cfg.FirstCycleFactor,
		}
		mem.CurrentSize = mem.BaseSize
		e.memory[symbol] = mem
	}

	mem.TotalTrades++
	mem.LastPnLPct = pnlPct
	mem.LastCycleUpdated = e.cycle

	if pnlPct > 0 {
		mem.Wins++
		mem.CurrentSize *= 1 + pnlPct
		if block := e.blockValue(equity); mem.CurrentSize > block {
			mem.CurrentSize = block
		}
		e.logger.Info().
			Str("symbol", symbol).
			Float64("pnl_pct", pnlPct).
			Float64("current_size", mem.CurrentSize).
			Msg("Win recorded, size compounded")
	} else {
		mem.Losses++
		mem.CurrentSize = mem.BaseSize
		mem.BlockedCyclesRemaining = e.cfg.BlockCycles
		e.logger.Info().
			Str("symbol", symbol).
			Float64("pnl_pct", pnlPct).
			Int("blocked_cycles", mem.BlockedCyclesRemaining).
			Msg("Loss recorded, size reset and symbol blocked")
	}
	return e.persistLocked()
}

// AdvanceCycle increments the engine cycle counter and decays every
// symbol's remaining block cycles. Called once at the end of each
// trading cycle.
func (e *Engine) AdvanceCycle() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycle++
	for _, mem := range e.memory {
		if mem.BlockedCyclesRemaining > 0 {
			mem.BlockedCyclesRemaining--
		}
	}
	return e.persistLocked()
}

// Cycle returns the current cycle counter.
func (e *Engine) Cycle() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// MemorySnapshot returns a copy of the symbol memory table for
// read-only consumers like the query API.
func (e *Engine) MemorySnapshot() map[string]SymbolMemory {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]SymbolMemory, len(e.memory))
	for symbol, mem := range e.memory {
		out[symbol] = *mem
	}
	return out
}

func (e *Engine) persistLocked() error {
	if e.file == nil {
		return nil
	}
	if err := e.file.Save(e.cycle, e.memory); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist symbol memory")
		return err
	}
	return nil
}
