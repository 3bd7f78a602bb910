// Package circuit halts new position opens when the session is bleeding:
// consecutive losses, hourly or daily drawdown, or trade-rate limits trip
// the breaker, and a cooldown plus one probing trade reopen it.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/events"
)

// State is the breaker's trading gate.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // opens halted
	StateHalfOpen State = "half_open" // probing recovery with one trade
)

// Config holds the breaker limits. Loss fields are percent of equity.
type Config struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 5,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   10,
		MaxDailyLoss:         5.0,
		MaxDailyTrades:       100,
	}
}

// Breaker gates position opens on recent session performance. It never
// blocks closes; risk controls keep running while the breaker is open.
type Breaker struct {
	mu                sync.RWMutex
	cfg               Config
	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
	tripReason        string
	bus               *events.Bus
	logger            zerolog.Logger
	onTrip            func(reason string)
}

// New builds a breaker. bus may be nil in tests.
func New(cfg Config, bus *events.Bus, logger zerolog.Logger) *Breaker {
	now := time.Now()
	return &Breaker{
		cfg:             cfg,
		state:           StateClosed,
		hourlyResetTime: now.Add(time.Hour),
		dailyResetTime:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		minuteResetTime: now.Add(time.Minute),
		bus:             bus,
		logger:          logger.With().Str("component", "circuit").Logger(),
	}
}

// OnTrip registers a callback invoked (on its own goroutine) when the
// breaker trips.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// CanTrade reports whether a new position may be opened, with a human
// readable reason when it may not.
func (b *Breaker) CanTrade() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return true, ""
	}
	b.resetCountersIfNeeded()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("breaker open, cooldown remaining %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.logger.Info().Msg("Cooldown elapsed, breaker half-open")
	}

	if b.hourlyLoss >= b.cfg.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%",
			b.hourlyLoss, b.cfg.MaxLossPerHour)
	}
	if b.dailyLoss >= b.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			b.dailyLoss, b.cfg.MaxDailyLoss)
	}
	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", b.consecutiveLosses)
	}
	if b.tradesLastMinute >= b.cfg.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", b.tradesLastMinute)
	}
	if b.dailyTrades >= b.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", b.dailyTrades)
	}
	return true, ""
}

// RecordTrade feeds a closed trade's return on margin (percent) into
// the breaker counters, tripping or recovering as needed.
func (b *Breaker) RecordTrade(pnlPct float64) {
	if math.IsNaN(pnlPct) || math.IsInf(pnlPct, 0) {
		b.logger.Warn().Float64("pnl_pct", pnlPct).Msg("Ignoring non-finite trade result")
		return
	}

	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return
	}
	b.resetCountersIfNeeded()

	b.tradesLastMinute++
	b.dailyTrades++

	var recovered bool
	if pnlPct < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPct
		b.dailyLoss += -pnlPct
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			recovered = true
		}
	}
	b.checkAndTripLocked()
	b.mu.Unlock()

	if recovered {
		b.logger.Info().Msg("Probe trade won, breaker closed")
		if b.bus != nil {
			b.bus.Publish(events.Event{
				Type:      events.EventBreakerReset,
				Timestamp: time.Now(),
				Data:      map[string]any{"reason": "probe_trade_won"},
			})
		}
	}
}

func (b *Breaker) checkAndTripLocked() {
	var reason string
	switch {
	case b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	case b.hourlyLoss >= b.cfg.MaxLossPerHour:
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	case b.dailyLoss >= b.cfg.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}
	if reason == "" || b.state == StateOpen {
		return
	}

	b.state = StateOpen
	b.lastTripTime = time.Now()
	b.tripReason = reason
	b.logger.Warn().Str("reason", reason).Msg("Circuit breaker tripped")

	if b.onTrip != nil {
		go b.onTrip(reason)
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:      events.EventBreakerTripped,
			Timestamp: time.Now(),
			Data: map[string]any{
				"reason":             reason,
				"consecutive_losses": b.consecutiveLosses,
				"hourly_loss":        b.hourlyLoss,
				"daily_loss":         b.dailyLoss,
			},
		})
	}
}

func (b *Breaker) resetCountersIfNeeded() {
	now := time.Now()
	if now.After(b.minuteResetTime) {
		b.tradesLastMinute = 0
		b.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(b.hourlyResetTime) {
		b.hourlyLoss = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(b.dailyResetTime) {
		b.dailyLoss = 0
		b.dailyTrades = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset clears the breaker to closed. Exposed on the query API for
// operator intervention.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.mu.Unlock()

	b.logger.Info().Msg("Circuit breaker manually reset")
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:      events.EventBreakerReset,
			Timestamp: time.Now(),
			Data:      map[string]any{"reason": "manual_reset"},
		})
	}
}

// GetState returns the current gate state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters for the query API.
func (b *Breaker) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]any{
		"state":              string(b.state),
		"enabled":            b.cfg.Enabled,
		"consecutive_losses": b.consecutiveLosses,
		"hourly_loss":        b.hourlyLoss,
		"daily_loss":         b.dailyLoss,
		"trades_last_minute": b.tradesLastMinute,
		"daily_trades":       b.dailyTrades,
		"trip_reason":        b.tripReason,
		"last_trip_time":     b.lastTripTime,
	}
}
