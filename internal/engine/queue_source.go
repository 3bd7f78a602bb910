package engine

import (
	"context"
	"fmt"
	"sync"

	"position-risk-engine/internal/exchange"
)

// QueueSource is a SignalSource fed externally, typically by the API's
// signal intake endpoint. Each trading cycle drains the queue.
type QueueSource struct {
	mu      sync.Mutex
	pending []Signal
	max     int
}

// NewQueueSource creates a source holding at most max pending signals.
func NewQueueSource(max int) *QueueSource {
	if max <= 0 {
		max = 256
	}
	return &QueueSource{max: max}
}

// Push enqueues one signal. Duplicate symbols replace the earlier entry
// so a cycle never sees two signals for the same symbol.
func (q *QueueSource) Push(symbol, side string, confidence float64) error {
	if symbol == "" {
		return fmt.Errorf("signal symbol is required")
	}
	if side != exchange.SideLong && side != exchange.SideShort {
		return fmt.Errorf("signal side must be %s or %s", exchange.SideLong, exchange.SideShort)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].Symbol == symbol {
			q.pending[i] = Signal{Symbol: symbol, Side: side, Confidence: confidence}
			return nil
		}
	}
	if len(q.pending) >= q.max {
		return fmt.Errorf("signal queue full (%d pending)", q.max)
	}
	q.pending = append(q.pending, Signal{Symbol: symbol, Side: side, Confidence: confidence})
	return nil
}

// Signals drains and returns the pending queue.
func (q *QueueSource) Signals(ctx context.Context) ([]Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out, nil
}

// Pending returns the current queue depth.
func (q *QueueSource) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
