package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the authoritative, mutex-guarded position table plus the closed
// archive. The lock is coarse (whole table) on purpose: portfolio-wide
// checks need a consistent global view, and the table is small. Network
// I/O must never happen while holding the lock.
type Store struct {
	mu       sync.RWMutex
	active   map[string]*Position // by position ID
	bySymbol map[string]string    // active symbol -> position ID
	closed   []ClosedPosition
	snapshot *SnapshotFile // nil disables persistence (tests)
	logger   zerolog.Logger
}

// NewStore creates an empty store. snapshot may be nil to disable
// persistence.
func NewStore(snapshot *SnapshotFile, logger zerolog.Logger) *Store {
	return &Store{
		active:   make(map[string]*Position),
		bySymbol: make(map[string]string),
		snapshot: snapshot,
		logger:   logger.With().Str("component", "PositionStore").Logger(),
	}
}

// Load replaces the store contents with the persisted snapshot, if one
// exists. Must run before any reconciliation pass.
func (s *Store) Load() error {
	if s.snapshot == nil {
		return nil
	}
	active, closed, err := s.snapshot.Load()
	if err != nil {
		return fmt.Errorf("loading position snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make(map[string]*Position, len(active))
	s.bySymbol = make(map[string]string, len(active))
	for i := range active {
		p := active[i]
		if p.PartialExitsDone == nil {
			p.PartialExitsDone = make(map[string]bool)
		}
		s.active[p.ID] = &p
		s.bySymbol[p.Symbol] = p.ID
	}
	s.closed = closed
	s.logger.Info().
		Int("active", len(s.active)).
		Int("closed", len(s.closed)).
		Msg("Position snapshot loaded")
	return nil
}

// Create inserts a new active position. At most one active position per
// symbol is allowed.
func (s *Store) Create(spec CreateSpec) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySymbol[spec.Symbol]; exists {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicateSymbol, spec.Symbol)
	}

	openTime := spec.OpenTime
	if openTime.IsZero() {
		openTime = time.Now()
	}
	p := &Position{
		ID:               uuid.NewString(),
		Symbol:           spec.Symbol,
		Side:             spec.Side,
		EntryPrice:       spec.EntryPrice,
		Quantity:         spec.Quantity,
		OriginalQuantity: spec.Quantity,
		Leverage:         spec.Leverage,
		InitialMargin:    spec.InitialMargin,
		StopLossPrice:    spec.StopLossPrice,
		PartialExitsDone: make(map[string]bool),
		OpenTime:         openTime,
		Status:           StatusActive,
		CurrentPrice:     spec.EntryPrice,
	}
	s.active[p.ID] = p
	s.bySymbol[p.Symbol] = p.ID

	if err := s.persistLocked(); err != nil {
		return Position{}, err
	}
	s.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", p.Side).
		Float64("entry_price", p.EntryPrice).
		Float64("quantity", p.Quantity).
		Msg("Position created")
	return p.clone(), nil
}

// Get returns a copy of an active position by ID.
func (s *Store) Get(id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.active[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

// GetBySymbol returns a copy of the active position for a symbol.
func (s *Store) GetBySymbol(symbol string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySymbol[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%w: symbol %s", ErrNotFound, symbol)
	}
	return s.active[id].clone(), nil
}

// ListActive returns snapshot copies of all active positions. Callers must
// not treat the copies as live references.
func (s *Store) ListActive() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p.clone())
	}
	return out
}

// Update applies mutate to an active position under the store lock and
// persists. A NotFound return means the position was closed concurrently;
// callers treat that as a benign no-op, not a failure.
func (s *Store) Update(id string, mutate func(*Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := mutate(p); err != nil {
		return err
	}
	return s.persistLocked()
}

// Close atomically transitions an active position to a terminal status,
// computes realized PnL, archives it and removes it from the active set.
func (s *Store) Close(id string, exitPrice float64, reason string, status Status) (ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.active[id]
	if !ok {
		return ClosedPosition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	finalPnL := 0.0
	if p.IsLong() {
		finalPnL = (exitPrice - p.EntryPrice) * p.Quantity
	} else {
		finalPnL = (p.EntryPrice - exitPrice) * p.Quantity
	}
	totalPnL := p.RealizedPnL + finalPnL

	p.Status = status
	p.CloseReason = reason
	p.CloseTime = &now
	p.CurrentPrice = exitPrice

	closed := ClosedPosition{
		Position:       p.clone(),
		ExitPrice:      exitPrice,
		FinalPnL:       finalPnL,
		TotalPnL:       totalPnL,
		HoldingSeconds: now.Sub(p.OpenTime).Seconds(),
	}
	if p.InitialMargin > 0 {
		closed.TotalPnLPct = totalPnL / p.InitialMargin
	}

	delete(s.active, id)
	delete(s.bySymbol, p.Symbol)
	s.closed = append(s.closed, closed)

	if err := s.persistLocked(); err != nil {
		return ClosedPosition{}, err
	}
	s.logger.Info().
		Str("position_id", id).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Str("status", string(status)).
		Float64("exit_price", exitPrice).
		Float64("total_pnl", totalPnL).
		Msg("Position closed")
	return closed, nil
}

// ClosedFilter narrows ListClosed results. Zero values match everything.
type ClosedFilter struct {
	Symbol string
	Reason string
	Since  time.Time
}

// ListClosed returns archived positions matching the filter, newest last.
func (s *Store) ListClosed(filter ClosedFilter) []ClosedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClosedPosition, 0, len(s.closed))
	for _, c := range s.closed {
		if filter.Symbol != "" && c.Symbol != filter.Symbol {
			continue
		}
		if filter.Reason != "" && c.CloseReason != filter.Reason {
			continue
		}
		if !filter.Since.IsZero() && c.CloseTime != nil && c.CloseTime.Before(filter.Since) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Summary aggregates session-level figures for the query API.
type Summary struct {
	ActiveCount   int     `json:"active_count"`
	UsedMargin    float64 `json:"used_margin"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ClosedCount   int     `json:"closed_count"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	ForcedCloses  int     `json:"forced_closes"`
	ExternalClose int     `json:"external_closes"`
}

// SessionSummary computes the aggregate view in one locked pass.
func (s *Store) SessionSummary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{ActiveCount: len(s.active), ClosedCount: len(s.closed)}
	for _, p := range s.active {
		sum.UsedMargin += p.InitialMargin
		sum.UnrealizedPnL += p.UnrealizedPnL
	}
	for _, c := range s.closed {
		sum.TotalPnL += c.TotalPnL
		if c.TotalPnL > 0 {
			sum.Wins++
		}
		switch {
		case c.Status == StatusEmergencyClosed:
			sum.ForcedCloses++
		case c.CloseReason == ReasonExternal || c.CloseReason == ReasonGhost:
			sum.ExternalClose++
		}
	}
	if sum.ClosedCount > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.ClosedCount)
	}
	return sum
}

// UsedMargin sums margin committed to active positions in one locked read.
// The sizing engine uses this inside its portfolio validation.
func (s *Store) UsedMargin() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0.0
	for _, p := range s.active {
		total += p.InitialMargin
	}
	return total
}

// ActiveSymbols returns the set of symbols with an open position.
func (s *Store) ActiveSymbols() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.bySymbol))
	for sym := range s.bySymbol {
		out[sym] = true
	}
	return out
}

// persistLocked writes the full snapshot. A failure here is process-fatal
// by policy (risk enforcement without durable state is unsafe), so errors
// are wrapped in ErrPersistence for callers to escalate.
func (s *Store) persistLocked() error {
	if s.snapshot == nil {
		return nil
	}
	active := make([]Position, 0, len(s.active))
	for _, p := range s.active {
		active = append(active, p.clone())
	}
	if err := s.snapshot.Save(active, s.closed); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist position snapshot")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
