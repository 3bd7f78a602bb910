// Package position owns the authoritative table of open and closed
// positions. All other components read and mutate positions exclusively
// through the Store so cross-position invariants hold under concurrency.
package position

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusActive          Status = "active"
	StatusClosed          Status = "closed"
	StatusGhostClosed     Status = "ghost_closed"
	StatusEmergencyClosed Status = "emergency_closed"
)

// Close reasons recorded by the engine's own paths. Reconciliation and the
// risk enforcer use these to distinguish bot-initiated closes from
// exchange-initiated ones in downstream analytics.
const (
	ReasonExternal = "external"
	ReasonGhost    = "ghost"
	ReasonUnsafe   = "unsafe position"
	ReasonManual   = "manual"
	ReasonSignal   = "signal"
	ReasonMaxAge   = "max_age"
)

// Typed errors. ErrNotFound returned from Update means the position was
// closed by a concurrent task and the caller must treat it as a benign
// no-op; from Get it usually indicates a caller bug.
var (
	ErrNotFound        = errors.New("position not found")
	ErrDuplicateSymbol = errors.New("active position already exists for symbol")
	ErrPersistence     = errors.New("position snapshot persistence failed")
)

// Position is one held derivative exposure.
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"` // exchange.SideLong or exchange.SideShort

	// Economics.
	EntryPrice       float64 `json:"entry_price"`
	Quantity         float64 `json:"quantity"`          // remaining, reduced by partial exits
	OriginalQuantity float64 `json:"original_quantity"` // fixed at creation, partial exit fractions apply to this
	Leverage         int     `json:"leverage"`
	InitialMargin    float64 `json:"initial_margin"`

	// Risk state. StopLossPrice == 0 means unprotected; the risk enforcer
	// guarantees this is transient.
	StopLossPrice    float64         `json:"stop_loss_price"`
	TrailingActive   bool            `json:"trailing_active"`
	HighestROE       float64         `json:"highest_roe"`
	PartialExitsDone map[string]bool `json:"partial_exits_done"`
	SLFixAttempts    int             `json:"sl_fix_attempts"`
	RealizedPnL      float64         `json:"realized_pnl"` // accumulated from partial exits

	// Lifecycle.
	OpenTime    time.Time  `json:"open_time"`
	CloseTime   *time.Time `json:"close_time,omitempty"`
	Status      Status     `json:"status"`
	CloseReason string     `json:"close_reason,omitempty"`

	// Derived, refreshed each reconciliation pass.
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ROE           float64 `json:"roe"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Side == "LONG" }

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration { return now.Sub(p.OpenTime) }

// RefreshDerived recomputes price-derived fields from a mark price and
// ratchets HighestROE. It never lets HighestROE decrease.
func (p *Position) RefreshDerived(markPrice float64) {
	if markPrice <= 0 {
		return
	}
	p.CurrentPrice = markPrice
	if p.IsLong() {
		p.UnrealizedPnL = (markPrice - p.EntryPrice) * p.Quantity
	} else {
		p.UnrealizedPnL = (p.EntryPrice - markPrice) * p.Quantity
	}
	if p.InitialMargin > 0 {
		p.ROE = p.UnrealizedPnL / p.InitialMargin
	}
	if p.ROE > p.HighestROE {
		p.HighestROE = p.ROE
	}
}

// clone returns a deep copy safe to hand outside the store lock.
func (p *Position) clone() Position {
	cp := *p
	if p.PartialExitsDone != nil {
		cp.PartialExitsDone = make(map[string]bool, len(p.PartialExitsDone))
		for k, v := range p.PartialExitsDone {
			cp.PartialExitsDone[k] = v
		}
	}
	if p.CloseTime != nil {
		t := *p.CloseTime
		cp.CloseTime = &t
	}
	return cp
}

// ClosedPosition is the archived record of a closed position.
type ClosedPosition struct {
	Position
	ExitPrice      float64 `json:"exit_price"`
	FinalPnL       float64 `json:"final_pnl"`        // realized on the final slice
	TotalPnL       float64 `json:"total_pnl"`        // partial exits + final slice
	TotalPnLPct    float64 `json:"total_pnl_pct"`    // TotalPnL / InitialMargin, as a fraction
	HoldingSeconds float64 `json:"holding_seconds"`
}

// CreateSpec carries the fields needed to insert a new active position.
type CreateSpec struct {
	Symbol        string
	Side          string
	EntryPrice    float64
	Quantity      float64
	Leverage      int
	InitialMargin float64
	StopLossPrice float64 // zero when the stop has not been placed yet
	OpenTime      time.Time
}
