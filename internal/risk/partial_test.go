package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/position"
)

func partialFixture(t *testing.T, cfg PartialConfig) (*position.Store, *exchange.MockClient, *PartialExitController) {
	t.Helper()
	store := position.NewStore(nil, zerolog.Nop())
	mock := exchange.NewMockClient(1000, nil)
	pc := NewPartialExitController(store, mock, nil, nil, cfg, zerolog.Nop())
	return store, mock, pc
}

func stagedPlan() PartialConfig {
	return PartialConfig{
		Levels: []ExitLevel{
			{ID: "tp1", ROE: 0.20, Fraction: 0.25},
			{ID: "tp2", ROE: 0.40, Fraction: 0.25},
			{ID: "tp3", ROE: 0.80, Fraction: 0.25},
		},
		MinNotional: 5,
	}
}

// openAt creates a long position and drives it to the given ROE on both
// the store and the mock exchange book.
func openAt(t *testing.T, store *position.Store, mock *exchange.MockClient, symbol string, qty float64, roe float64) position.Position {
	t.Helper()
	created, err := store.Create(position.CreateSpec{
		Symbol:        symbol,
		Side:          exchange.SideLong,
		EntryPrice:    100,
		Quantity:      qty,
		Leverage:      5,
		InitialMargin: 100 * qty / 5,
		StopLossPrice: 98,
	})
	if err != nil {
		t.Fatal(err)
	}
	markPrice := 100 * (1 + roe/5)
	_ = store.Update(created.ID, func(p *position.Position) error {
		p.RefreshDerived(markPrice)
		return nil
	})
	mock.SeedPosition(exchange.Position{
		Symbol:     symbol,
		Side:       exchange.SideLong,
		Size:       qty,
		EntryPrice: 100,
		MarkPrice:  markPrice,
		Leverage:   5,
	})
	fresh, err := store.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	return fresh
}

// ============================================================================
// TEST: Single milestone execution and idempotence
// ============================================================================

func TestPartial_FirstMilestoneSlice(t *testing.T) {
	store, mock, pc := partialFixture(t, stagedPlan())

	// +25% ROE at 5x on entry 100 is mark price 105.
	pos := openAt(t, store, mock, "BTCUSDT", 5, 0.25)

	pc.Tick(context.Background())

	got, err := store.Get(pos.ID)
	if err != nil {
		t.Fatalf("Position must stay open after a partial exit: %v", err)
	}
	if !floatEquals(got.Quantity, 3.75, 1e-9) {
		t.Errorf("Expected quantity 3.75 after 25%% slice, got %.4f", got.Quantity)
	}
	if !floatEquals(got.OriginalQuantity, 5, 1e-9) {
		t.Errorf("OriginalQuantity must never change, got %.4f", got.OriginalQuantity)
	}
	// Slice of 1.25 at fill 105 banks (105-100)*1.25 = 6.25.
	if !floatEquals(got.RealizedPnL, 6.25, 1e-9) {
		t.Errorf("Expected realized PnL 6.25, got %.4f", got.RealizedPnL)
	}
	if !got.PartialExitsDone["tp1"] {
		t.Error("Expected tp1 marked done")
	}
	if got.PartialExitsDone["tp2"] || got.PartialExitsDone["tp3"] {
		t.Error("Higher milestones must not fire at +25% ROE")
	}
	if mock.ReduceCalls != 1 {
		t.Errorf("Expected 1 reduce-only order, got %d", mock.ReduceCalls)
	}

	// A second pass at the same ROE is a no-op.
	pc.Tick(context.Background())
	if mock.ReduceCalls != 1 {
		t.Errorf("Milestone must be idempotent, got %d reduce calls", mock.ReduceCalls)
	}
}

func TestPartial_MultipleMilestonesInOnePass(t *testing.T) {
	store, mock, pc := partialFixture(t, stagedPlan())

	pos := openAt(t, store, mock, "BTCUSDT", 5, 0.45)

	pc.Tick(context.Background())

	got, _ := store.Get(pos.ID)
	if !got.PartialExitsDone["tp1"] || !got.PartialExitsDone["tp2"] {
		t.Error("Expected tp1 and tp2 both done at +45% ROE")
	}
	if got.PartialExitsDone["tp3"] {
		t.Error("tp3 must wait for +80% ROE")
	}
	if !floatEquals(got.Quantity, 2.5, 1e-9) {
		t.Errorf("Expected quantity 2.5 after two slices, got %.4f", got.Quantity)
	}
	if mock.ReduceCalls != 2 {
		t.Errorf("Expected 2 reduce-only orders, got %d", mock.ReduceCalls)
	}
}

// ============================================================================
// TEST: Minimum notional skip retries later
// ============================================================================

func TestPartial_BelowMinNotionalRetriesLater(t *testing.T) {
	cfg := PartialConfig{
		Levels:      []ExitLevel{{ID: "tp1", ROE: 0.20, Fraction: 0.25}},
		MinNotional: 10,
	}
	store, mock, pc := partialFixture(t, cfg)

	// Slice of 0.05 at price 105 is 5.25 notional, below the minimum.
	pos := openAt(t, store, mock, "BTCUSDT", 0.2, 0.25)

	pc.Tick(context.Background())

	got, _ := store.Get(pos.ID)
	if got.PartialExitsDone["tp1"] {
		t.Error("A skipped slice must not be marked done")
	}
	if mock.ReduceCalls != 0 {
		t.Errorf("Expected no orders below minimum notional, got %d", mock.ReduceCalls)
	}

	// The price keeps rising until the same slice clears the minimum.
	markPrice := 240.0
	_ = store.Update(pos.ID, func(p *position.Position) error {
		p.RefreshDerived(markPrice)
		return nil
	})
	mock.SeedPosition(exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.SideLong, Size: 0.2,
		EntryPrice: 100, MarkPrice: markPrice, Leverage: 5,
	})

	pc.Tick(context.Background())

	got, _ = store.Get(pos.ID)
	if !got.PartialExitsDone["tp1"] {
		t.Error("Expected tp1 executed once notional clears the minimum")
	}
	if mock.ReduceCalls != 1 {
		t.Errorf("Expected 1 reduce-only order after retry, got %d", mock.ReduceCalls)
	}
}

// ============================================================================
// TEST: Order failures leave state untouched
// ============================================================================

func TestPartial_ReduceFailureRetriesNextTick(t *testing.T) {
	store, mock, pc := partialFixture(t, stagedPlan())
	mock.ReduceErr = errors.New("exchange unavailable")

	pos := openAt(t, store, mock, "BTCUSDT", 5, 0.25)

	pc.Tick(context.Background())

	got, _ := store.Get(pos.ID)
	if got.PartialExitsDone["tp1"] {
		t.Error("Failed reduce must not mark the level done")
	}
	if !floatEquals(got.Quantity, 5, 1e-9) {
		t.Errorf("Failed reduce must not change quantity, got %.4f", got.Quantity)
	}

	mock.ReduceErr = nil
	pc.Tick(context.Background())
	got, _ = store.Get(pos.ID)
	if !got.PartialExitsDone["tp1"] {
		t.Error("Expected tp1 executed after exchange recovery")
	}
}

// ============================================================================
// TEST: Final slice runs through the full close path
// ============================================================================

func TestPartial_FinalSliceClosesRunner(t *testing.T) {
	cfg := PartialConfig{
		Levels: []ExitLevel{
			{ID: "tp1", ROE: 0.20, Fraction: 0.25},
			{ID: "tp2", ROE: 0.40, Fraction: 0.25},
			{ID: "tp3", ROE: 0.60, Fraction: 0.25},
			{ID: "tp4", ROE: 0.80, Fraction: 0.25},
		},
		MinNotional: 5,
	}
	store, mock, pc := partialFixture(t, cfg)

	var funnel []position.ClosedPosition
	pc.SetOnClosed(func(cp position.ClosedPosition) { funnel = append(funnel, cp) })

	// +85% ROE at 5x on entry 100 is mark price 117: all four milestones
	// are past due, the last one empties the position.
	pos := openAt(t, store, mock, "BTCUSDT", 5, 0.85)

	pc.Tick(context.Background())

	if _, err := store.Get(pos.ID); !errors.Is(err, position.ErrNotFound) {
		t.Fatalf("Expected position fully closed, got %v", err)
	}
	if mock.ReduceCalls != 3 {
		t.Errorf("Expected 3 reduce-only orders, got %d", mock.ReduceCalls)
	}
	if mock.CloseCalls != 1 {
		t.Errorf("Expected the final slice to use the close path, got %d close calls", mock.CloseCalls)
	}

	closed := store.ListClosed(position.ClosedFilter{Symbol: "BTCUSDT"})
	if len(closed) != 1 {
		t.Fatalf("Expected 1 archived close, got %d", len(closed))
	}
	// The close reason carries the milestone that emptied the position.
	if closed[0].CloseReason != "tp4" {
		t.Errorf("Expected close reason tp4, got %q", closed[0].CloseReason)
	}
	// Three slices of 1.25 at fill 117 bank 3*21.25; the final 1.25 adds
	// another 21.25 for a total of +85 on 100 margin.
	if !floatEquals(closed[0].RealizedPnL, 63.75, 1e-6) {
		t.Errorf("Expected realized PnL 63.75, got %.4f", closed[0].RealizedPnL)
	}
	if !floatEquals(closed[0].TotalPnL, 85, 1e-6) {
		t.Errorf("Expected total PnL 85, got %.4f", closed[0].TotalPnL)
	}
	if !floatEquals(closed[0].TotalPnLPct, 0.85, 1e-9) {
		t.Errorf("Expected total PnL pct 0.85, got %.4f", closed[0].TotalPnLPct)
	}
	if len(funnel) != 1 {
		t.Errorf("Expected onClosed hook to fire once, got %d", len(funnel))
	}
}
