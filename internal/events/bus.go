// Package events carries the engine's structured event stream. Forced
// closes, stop repairs, reconciliation drift and breaker trips are all
// surfaced here so nothing safety-relevant fails silently.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system.
type EventType string

const (
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventPartialExit     EventType = "PARTIAL_EXIT"
	EventStopMoved       EventType = "STOP_MOVED"
	EventStopRepaired    EventType = "STOP_REPAIRED"
	EventForcedClose     EventType = "FORCED_CLOSE"
	EventEarlyExit       EventType = "EARLY_EXIT"
	EventDriftAdopted    EventType = "DRIFT_ADOPTED"
	EventDriftExternal   EventType = "DRIFT_EXTERNAL_CLOSE"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerReset    EventType = "BREAKER_RESET"
	EventBalanceUpdate   EventType = "BALANCE_UPDATE"
	EventTradingBlocked  EventType = "TRADING_BLOCKED"
	EventError           EventType = "ERROR"
)

// Event is one entry in the engine's event stream.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events. Handlers run on their own
// goroutine and must not assume ordering relative to other subscribers.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish sends an event to all subscribers without blocking the caller.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event.
func (b *Bus) PublishPositionOpened(symbol, side string, entryPrice, quantity, margin float64) {
	b.Publish(Event{
		Type:   EventPositionOpened,
		Symbol: symbol,
		Data: map[string]interface{}{
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"margin":      margin,
		},
	})
}

// PublishPositionClosed publishes a position closed event.
func (b *Bus) PublishPositionClosed(symbol, reason string, exitPrice, totalPnL, pnlPct float64) {
	b.Publish(Event{
		Type:   EventPositionClosed,
		Symbol: symbol,
		Data: map[string]interface{}{
			"reason":     reason,
			"exit_price": exitPrice,
			"total_pnl":  totalPnL,
			"pnl_pct":    pnlPct,
		},
	})
}

// PublishStopMoved publishes a trailing stop adjustment.
func (b *Bus) PublishStopMoved(symbol string, oldStop, newStop, roe float64) {
	b.Publish(Event{
		Type:   EventStopMoved,
		Symbol: symbol,
		Data: map[string]interface{}{
			"old_stop": oldStop,
			"new_stop": newStop,
			"roe":      roe,
		},
	})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
