package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements Client against an in-memory book. It backs dry-run
// mode and the test suite. Error fields let tests inject failures per call.
type MockClient struct {
	mu            sync.RWMutex
	positions     map[string]*Position
	stops         map[string]float64
	balance       float64
	nextOrderID   int64
	priceProvider func(symbol string) (float64, error)

	// Injectable failures for tests. nil means the call succeeds.
	FetchPositionsErr error
	FetchBalanceErr   error
	SetStopLossErr    error
	ReduceErr         error
	CloseErr          error
	OpenErr           error

	// Call counters for assertions.
	SetStopLossCalls int
	ReduceCalls      int
	CloseCalls       int
	OpenCalls        int
}

// NewMockClient creates a mock exchange with the given starting equity.
// priceProvider supplies mark prices; when nil, the last entry price is used.
func NewMockClient(initialBalance float64, priceProvider func(symbol string) (float64, error)) *MockClient {
	return &MockClient{
		positions:     make(map[string]*Position),
		stops:         make(map[string]float64),
		balance:       initialBalance,
		nextOrderID:   1000,
		priceProvider: priceProvider,
	}
}

func (c *MockClient) FetchPositions(ctx context.Context) ([]Position, error) {
	if c.FetchPositionsErr != nil {
		return nil, c.FetchPositionsErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		p := *pos
		if price, err := c.markPriceLocked(p.Symbol, p.EntryPrice); err == nil {
			p.MarkPrice = price
			if p.Side == SideLong {
				p.UnrealizedPnL = (price - p.EntryPrice) * p.Size
			} else {
				p.UnrealizedPnL = (p.EntryPrice - price) * p.Size
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *MockClient) FetchBalance(ctx context.Context) (float64, error) {
	if c.FetchBalanceErr != nil {
		return 0, c.FetchBalanceErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance, nil
}

func (c *MockClient) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markPriceLocked(symbol, 0)
}

func (c *MockClient) SetStopLoss(ctx context.Context, symbol, side string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetStopLossCalls++
	if c.SetStopLossErr != nil {
		return c.SetStopLossErr
	}
	if price <= 0 {
		return fmt.Errorf("invalid stop price %.8f for %s", price, symbol)
	}
	c.stops[symbol] = price
	return nil
}

func (c *MockClient) ReducePosition(ctx context.Context, symbol, side string, qty float64) (*FillResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReduceCalls++
	if c.ReduceErr != nil {
		return nil, c.ReduceErr
	}
	pos, ok := c.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	if qty <= 0 || qty > pos.Size {
		return nil, fmt.Errorf("invalid reduce qty %.8f for %s (open %.8f)", qty, symbol, pos.Size)
	}
	price, err := c.markPriceLocked(symbol, pos.EntryPrice)
	if err != nil {
		return nil, err
	}
	pos.Size -= qty
	if pos.Size <= 0 {
		delete(c.positions, symbol)
		delete(c.stops, symbol)
	}
	return c.fillLocked(symbol, side, price, qty), nil
}

func (c *MockClient) ClosePosition(ctx context.Context, symbol, side string) (*FillResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	if c.CloseErr != nil {
		return nil, c.CloseErr
	}
	pos, ok := c.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	price, err := c.markPriceLocked(symbol, pos.EntryPrice)
	if err != nil {
		return nil, err
	}
	qty := pos.Size
	delete(c.positions, symbol)
	delete(c.stops, symbol)
	return c.fillLocked(symbol, side, price, qty), nil
}

func (c *MockClient) OpenPosition(ctx context.Context, symbol, side string, qty float64, leverage int) (*FillResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls++
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if _, exists := c.positions[symbol]; exists {
		return nil, fmt.Errorf("position already open for %s", symbol)
	}
	price, err := c.markPriceLocked(symbol, 0)
	if err != nil {
		return nil, err
	}
	if leverage <= 0 {
		leverage = 1
	}
	c.positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Size:       qty,
		EntryPrice: price,
		MarkPrice:  price,
		Leverage:   leverage,
	}
	return c.fillLocked(symbol, side, price, qty), nil
}

// SeedPosition injects an exchange-side position directly, bypassing
// OpenPosition. Used to simulate positions opened outside the bot.
func (c *MockClient) SeedPosition(pos Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := pos
	c.positions[pos.Symbol] = &p
}

// RemovePosition drops a position without a fill, simulating an external close.
func (c *MockClient) RemovePosition(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, symbol)
	delete(c.stops, symbol)
}

// StopFor returns the stop currently registered for a symbol.
func (c *MockClient) StopFor(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.stops[symbol]
	return price, ok
}

func (c *MockClient) fillLocked(symbol, side string, price, qty float64) *FillResult {
	c.nextOrderID++
	return &FillResult{
		OrderID:  c.nextOrderID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		FilledAt: time.Now(),
	}
}

func (c *MockClient) markPriceLocked(symbol string, fallback float64) (float64, error) {
	if c.priceProvider != nil {
		return c.priceProvider(symbol)
	}
	if pos, ok := c.positions[symbol]; ok {
		return pos.MarkPrice, nil
	}
	if fallback > 0 {
		return fallback, nil
	}
	return 0, fmt.Errorf("no price available for %s", symbol)
}

var _ Client = (*MockClient)(nil)
