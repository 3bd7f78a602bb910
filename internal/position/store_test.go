package position

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil, zerolog.Nop())
}

func longSpec(symbol string) CreateSpec {
	return CreateSpec{
		Symbol:        symbol,
		Side:          "LONG",
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
		StopLossPrice: 98,
	}
}

// ============================================================================
// TEST: Create and duplicate protection
// ============================================================================

func TestStore_CreateRejectsDuplicateSymbol(t *testing.T) {
	s := testStore(t)

	created, err := s.Create(longSpec("BTCUSDT"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected a generated position ID")
	}
	if created.Status != StatusActive {
		t.Errorf("Expected status %s, got %s", StatusActive, created.Status)
	}
	if created.OriginalQuantity != 5 {
		t.Errorf("Expected OriginalQuantity 5, got %.2f", created.OriginalQuantity)
	}

	_, err = s.Create(longSpec("BTCUSDT"))
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Errorf("Expected ErrDuplicateSymbol, got %v", err)
	}

	// A different symbol is fine.
	if _, err := s.Create(longSpec("ETHUSDT")); err != nil {
		t.Errorf("Second symbol should be accepted: %v", err)
	}
	if len(s.ListActive()) != 2 {
		t.Errorf("Expected 2 active positions, got %d", len(s.ListActive()))
	}
}

func TestStore_GetBySymbol(t *testing.T) {
	s := testStore(t)
	created, _ := s.Create(longSpec("BTCUSDT"))

	got, err := s.GetBySymbol("BTCUSDT")
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Expected ID %s, got %s", created.ID, got.ID)
	}

	if _, err := s.GetBySymbol("DOGEUSDT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown symbol, got %v", err)
	}
}

// ============================================================================
// TEST: Update semantics
// ============================================================================

func TestStore_UpdateMissingPositionReturnsNotFound(t *testing.T) {
	s := testStore(t)

	err := s.Update("no-such-id", func(p *Position) error {
		p.StopLossPrice = 99
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateMutatesUnderLock(t *testing.T) {
	s := testStore(t)
	created, _ := s.Create(longSpec("BTCUSDT"))

	err := s.Update(created.ID, func(p *Position) error {
		p.StopLossPrice = 101.5
		p.TrailingActive = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := s.Get(created.ID)
	if got.StopLossPrice != 101.5 {
		t.Errorf("Expected stop 101.5, got %.2f", got.StopLossPrice)
	}
	if !got.TrailingActive {
		t.Error("Expected TrailingActive to persist")
	}
}

func TestStore_ListActiveReturnsCopies(t *testing.T) {
	s := testStore(t)
	created, _ := s.Create(longSpec("BTCUSDT"))

	list := s.ListActive()
	list[0].StopLossPrice = 1
	list[0].PartialExitsDone["tp1"] = true

	got, _ := s.Get(created.ID)
	if got.StopLossPrice == 1 {
		t.Error("Mutating a listed copy must not affect the store")
	}
	if got.PartialExitsDone["tp1"] {
		t.Error("PartialExitsDone map must be deep-copied")
	}
}

// ============================================================================
// TEST: Close PnL accounting
// ============================================================================

func TestStore_ClosePnLComputation(t *testing.T) {
	testCases := []struct {
		name            string
		side            string
		entry           float64
		quantity        float64
		realizedPnL     float64
		exitPrice       float64
		expectedFinal   float64
		expectedTotal   float64
		expectedPct float64
	}{
		{
			name:            "long win",
			side:            "LONG",
			entry:           100,
			quantity:        5,
			exitPrice:       104,
			expectedFinal:   20,
			expectedTotal:   20,
			expectedPct: 0.20,
		},
		{
			name:            "short win",
			side:            "SHORT",
			entry:           100,
			quantity:        5,
			exitPrice:       96,
			expectedFinal:   20,
			expectedTotal:   20,
			expectedPct: 0.20,
		},
		{
			name:            "long loss with partial profit banked",
			side:            "LONG",
			entry:           100,
			quantity:        3,
			realizedPnL:     15,
			exitPrice:       98,
			expectedFinal:   -6,
			expectedTotal:   9,
			expectedPct: 0.09,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := testStore(t)
			created, err := s.Create(CreateSpec{
				Symbol:        "BTCUSDT",
				Side:          tc.side,
				EntryPrice:    tc.entry,
				Quantity:      tc.quantity,
				Leverage:      5,
				InitialMargin: 100,
			})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if tc.realizedPnL != 0 {
				_ = s.Update(created.ID, func(p *Position) error {
					p.RealizedPnL = tc.realizedPnL
					return nil
				})
			}

			closed, err := s.Close(created.ID, tc.exitPrice, ReasonManual, StatusClosed)
			if err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if !floatEquals(closed.FinalPnL, tc.expectedFinal, 1e-9) {
				t.Errorf("Expected FinalPnL %.2f, got %.2f", tc.expectedFinal, closed.FinalPnL)
			}
			if !floatEquals(closed.TotalPnL, tc.expectedTotal, 1e-9) {
				t.Errorf("Expected TotalPnL %.2f, got %.2f", tc.expectedTotal, closed.TotalPnL)
			}
			if !floatEquals(closed.TotalPnLPct, tc.expectedPct, 1e-9) {
				t.Errorf("Expected TotalPnLPct %.4f, got %.4f", tc.expectedPct, closed.TotalPnLPct)
			}
			if closed.CloseTime == nil {
				t.Error("Expected CloseTime to be set")
			}

			// Closed position leaves the active set.
			if _, err := s.Get(created.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after close, got %v", err)
			}
			if _, err := s.GetBySymbol("BTCUSDT"); !errors.Is(err, ErrNotFound) {
				t.Error("Symbol index must be cleared on close")
			}
		})
	}
}

func TestStore_CloseTwiceReturnsNotFound(t *testing.T) {
	s := testStore(t)
	created, _ := s.Create(longSpec("BTCUSDT"))

	if _, err := s.Close(created.ID, 101, ReasonManual, StatusClosed); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if _, err := s.Close(created.ID, 101, ReasonManual, StatusClosed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second close, got %v", err)
	}
}

// ============================================================================
// TEST: Closed archive filtering and summary
// ============================================================================

func TestStore_ListClosedFilters(t *testing.T) {
	s := testStore(t)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		created, _ := s.Create(longSpec(sym))
		reason := ReasonManual
		if sym == "ETHUSDT" {
			reason = ReasonExternal
		}
		if _, err := s.Close(created.ID, 101, reason, StatusClosed); err != nil {
			t.Fatalf("Close %s failed: %v", sym, err)
		}
	}

	if got := len(s.ListClosed(ClosedFilter{})); got != 3 {
		t.Errorf("Expected 3 closed positions unfiltered, got %d", got)
	}
	if got := len(s.ListClosed(ClosedFilter{Symbol: "ETHUSDT"})); got != 1 {
		t.Errorf("Expected 1 closed position for ETHUSDT, got %d", got)
	}
	if got := len(s.ListClosed(ClosedFilter{Reason: ReasonManual})); got != 2 {
		t.Errorf("Expected 2 manual closes, got %d", got)
	}
	if got := len(s.ListClosed(ClosedFilter{Since: time.Now().Add(time.Hour)})); got != 0 {
		t.Errorf("Expected 0 closes since the future, got %d", got)
	}
}

func TestStore_SessionSummary(t *testing.T) {
	s := testStore(t)

	winner, _ := s.Create(longSpec("BTCUSDT"))
	if _, err := s.Close(winner.ID, 104, ReasonManual, StatusClosed); err != nil {
		t.Fatal(err)
	}
	loser, _ := s.Create(longSpec("ETHUSDT"))
	if _, err := s.Close(loser.ID, 98, ReasonUnsafe, StatusEmergencyClosed); err != nil {
		t.Fatal(err)
	}
	ghost, _ := s.Create(longSpec("SOLUSDT"))
	if _, err := s.Close(ghost.ID, 100, ReasonExternal, StatusGhostClosed); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(longSpec("XRPUSDT")); err != nil {
		t.Fatal(err)
	}

	sum := s.SessionSummary()
	if sum.ActiveCount != 1 {
		t.Errorf("Expected 1 active, got %d", sum.ActiveCount)
	}
	if sum.ClosedCount != 3 {
		t.Errorf("Expected 3 closed, got %d", sum.ClosedCount)
	}
	if sum.Wins != 1 {
		t.Errorf("Expected 1 win, got %d", sum.Wins)
	}
	if !floatEquals(sum.WinRate, 1.0/3.0, 1e-9) {
		t.Errorf("Expected win rate 0.333, got %.4f", sum.WinRate)
	}
	if sum.ForcedCloses != 1 {
		t.Errorf("Expected 1 forced close, got %d", sum.ForcedCloses)
	}
	if sum.ExternalClose != 1 {
		t.Errorf("Expected 1 external close, got %d", sum.ExternalClose)
	}
	if !floatEquals(sum.UsedMargin, 100, 1e-9) {
		t.Errorf("Expected used margin 100, got %.2f", sum.UsedMargin)
	}
}

func TestStore_UsedMarginSumsActiveOnly(t *testing.T) {
	s := testStore(t)
	a, _ := s.Create(longSpec("BTCUSDT"))
	_, _ = s.Create(longSpec("ETHUSDT"))

	if got := s.UsedMargin(); !floatEquals(got, 200, 1e-9) {
		t.Errorf("Expected used margin 200, got %.2f", got)
	}
	if _, err := s.Close(a.ID, 100, ReasonManual, StatusClosed); err != nil {
		t.Fatal(err)
	}
	if got := s.UsedMargin(); !floatEquals(got, 100, 1e-9) {
		t.Errorf("Expected used margin 100 after close, got %.2f", got)
	}
}

// ============================================================================
// TEST: Derived field refresh
// ============================================================================

func TestPosition_RefreshDerivedRatchetsHighestROE(t *testing.T) {
	p := Position{
		Symbol:        "BTCUSDT",
		Side:          "LONG",
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
	}

	p.RefreshDerived(104)
	if !floatEquals(p.UnrealizedPnL, 20, 1e-9) {
		t.Errorf("Expected unrealized 20, got %.2f", p.UnrealizedPnL)
	}
	if !floatEquals(p.ROE, 0.20, 1e-9) {
		t.Errorf("Expected ROE 0.20, got %.4f", p.ROE)
	}

	// A pullback lowers ROE but never HighestROE.
	p.RefreshDerived(102)
	if !floatEquals(p.ROE, 0.10, 1e-9) {
		t.Errorf("Expected ROE 0.10 after pullback, got %.4f", p.ROE)
	}
	if !floatEquals(p.HighestROE, 0.20, 1e-9) {
		t.Errorf("Expected HighestROE to stay 0.20, got %.4f", p.HighestROE)
	}

	// Invalid price is ignored entirely.
	p.RefreshDerived(0)
	if p.CurrentPrice != 102 {
		t.Errorf("Zero mark price must not overwrite CurrentPrice, got %.2f", p.CurrentPrice)
	}
}

func TestPosition_RefreshDerivedShort(t *testing.T) {
	p := Position{
		Symbol:        "ETHUSDT",
		Side:          "SHORT",
		EntryPrice:    200,
		Quantity:      2,
		Leverage:      4,
		InitialMargin: 100,
	}
	p.RefreshDerived(190)
	if !floatEquals(p.UnrealizedPnL, 20, 1e-9) {
		t.Errorf("Expected unrealized 20 on short, got %.2f", p.UnrealizedPnL)
	}
	if !floatEquals(p.ROE, 0.20, 1e-9) {
		t.Errorf("Expected ROE 0.20 on short, got %.4f", p.ROE)
	}
}

// ============================================================================
// TEST: Snapshot persistence round trip
// ============================================================================

func TestStore_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	snap, err := NewSnapshotFile(path)
	if err != nil {
		t.Fatalf("NewSnapshotFile failed: %v", err)
	}

	s := NewStore(snap, zerolog.Nop())
	created, err := s.Create(longSpec("BTCUSDT"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = s.Update(created.ID, func(p *Position) error {
		p.PartialExitsDone["tp1"] = true
		p.RealizedPnL = 12.5
		return nil
	})
	other, _ := s.Create(longSpec("ETHUSDT"))
	if _, err := s.Close(other.ID, 103, ReasonManual, StatusClosed); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore(snap, zerolog.Nop())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := reloaded.GetBySymbol("BTCUSDT")
	if err != nil {
		t.Fatalf("GetBySymbol after reload failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Expected ID %s after reload, got %s", created.ID, got.ID)
	}
	if !got.PartialExitsDone["tp1"] {
		t.Error("PartialExitsDone must survive the round trip")
	}
	if !floatEquals(got.RealizedPnL, 12.5, 1e-9) {
		t.Errorf("Expected RealizedPnL 12.5 after reload, got %.2f", got.RealizedPnL)
	}
	if got := len(reloaded.ListClosed(ClosedFilter{})); got != 1 {
		t.Errorf("Expected 1 archived close after reload, got %d", got)
	}
}

func TestStore_LoadMissingSnapshotIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	snap, err := NewSnapshotFile(path)
	if err != nil {
		t.Fatalf("NewSnapshotFile failed: %v", err)
	}
	s := NewStore(snap, zerolog.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load of a missing snapshot must succeed: %v", err)
	}
	if len(s.ListActive()) != 0 {
		t.Error("Expected empty store after loading missing snapshot")
	}
}
