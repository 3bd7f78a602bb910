package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/position"
)

func trailingFixture(t *testing.T) (*position.Store, *exchange.MockClient, *TrailingController) {
	t.Helper()
	store := position.NewStore(nil, zerolog.Nop())
	mock := exchange.NewMockClient(1000, nil)
	cfg := TrailingConfig{ActivationROE: 0.15, ProtectMargin: 0.10}
	tc := NewTrailingController(store, mock, nil, nil, cfg, zerolog.Nop())
	return store, mock, tc
}

// setROE drives the position's derived fields to the given ROE via the
// corresponding mark price.
func setROE(t *testing.T, store *position.Store, pos position.Position, roe float64) {
	t.Helper()
	markPrice := pos.EntryPrice * (1 + roe/float64(pos.Leverage))
	if pos.Side == exchange.SideShort {
		markPrice = pos.EntryPrice * (1 - roe/float64(pos.Leverage))
	}
	err := store.Update(pos.ID, func(p *position.Position) error {
		p.RefreshDerived(markPrice)
		return nil
	})
	if err != nil {
		t.Fatalf("setROE failed: %v", err)
	}
}

// ============================================================================
// TEST: Ratchet arithmetic on a long
// ============================================================================

// A long at entry 100 with 5x leverage and a 0.10 protect margin: at +30%
// ROE the protected level is +20%, which sits at price 100*(1+0.20/5)=104.
func TestTrailing_RaisesStopBehindGain(t *testing.T) {
	store, mock, tc := trailingFixture(t)

	created, err := store.Create(position.CreateSpec{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
		StopLossPrice: 98,
		OpenTime:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	setROE(t, store, created, 0.30)

	tc.Tick(context.Background())

	got, _ := store.Get(created.ID)
	if !got.TrailingActive {
		t.Error("Expected trailing to activate at ROE above activation threshold")
	}
	if !floatEquals(got.StopLossPrice, 104, 1e-9) {
		t.Errorf("Expected stop 104, got %.4f", got.StopLossPrice)
	}
	if stop, ok := mock.StopFor("BTCUSDT"); !ok || !floatEquals(stop, 104, 1e-9) {
		t.Errorf("Expected exchange stop 104, got %.4f (present=%v)", stop, ok)
	}

	// A pullback to +22% ROE would protect +12% at price 102.4, which is
	// less protective than 104: the stop must not move.
	setROE(t, store, created, 0.22)
	tc.Tick(context.Background())

	got, _ = store.Get(created.ID)
	if !floatEquals(got.StopLossPrice, 104, 1e-9) {
		t.Errorf("Stop moved backwards on pullback: got %.4f", got.StopLossPrice)
	}
	if !got.TrailingActive {
		t.Error("Activation is one-way, pullback must not deactivate trailing")
	}

	// A new high ratchets the stop further up.
	setROE(t, store, created, 0.40)
	tc.Tick(context.Background())
	got, _ = store.Get(created.ID)
	if !floatEquals(got.StopLossPrice, 106, 1e-9) {
		t.Errorf("Expected stop 106 after new high, got %.4f", got.StopLossPrice)
	}
}

func TestTrailing_BelowActivationDoesNothing(t *testing.T) {
	store, mock, tc := trailingFixture(t)

	created, _ := store.Create(position.CreateSpec{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
		StopLossPrice: 98,
	})
	setROE(t, store, created, 0.10)

	tc.Tick(context.Background())

	got, _ := store.Get(created.ID)
	if got.TrailingActive {
		t.Error("Trailing must not activate below the activation ROE")
	}
	if !floatEquals(got.StopLossPrice, 98, 1e-9) {
		t.Errorf("Stop must be untouched below activation, got %.4f", got.StopLossPrice)
	}
	if mock.SetStopLossCalls != 0 {
		t.Errorf("Expected no exchange calls, got %d", mock.SetStopLossCalls)
	}
}

// ============================================================================
// TEST: Short side mirrors the geometry
// ============================================================================

func TestTrailing_ShortStopMovesDown(t *testing.T) {
	store, mock, tc := trailingFixture(t)

	created, _ := store.Create(position.CreateSpec{
		Symbol:        "ETHUSDT",
		Side:          exchange.SideShort,
		EntryPrice:    200,
		Quantity:      2,
		Leverage:      4,
		InitialMargin: 100,
		StopLossPrice: 208,
	})
	setROE(t, store, created, 0.30)

	tc.Tick(context.Background())

	// Protected level +20% on a 4x short sits at 200*(1-0.20/4)=190.
	got, _ := store.Get(created.ID)
	if !floatEquals(got.StopLossPrice, 190, 1e-9) {
		t.Errorf("Expected short stop 190, got %.4f", got.StopLossPrice)
	}
	if stop, _ := mock.StopFor("ETHUSDT"); !floatEquals(stop, 190, 1e-9) {
		t.Errorf("Expected exchange stop 190, got %.4f", stop)
	}
}

// ============================================================================
// TEST: Unprotected positions and push failures
// ============================================================================

func TestTrailing_SkipsUnprotectedPositions(t *testing.T) {
	store, mock, tc := trailingFixture(t)

	// Zero stop means the enforcer's repair path owns this position.
	created, _ := store.Create(position.CreateSpec{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
	})
	setROE(t, store, created, 0.50)

	tc.Tick(context.Background())

	got, _ := store.Get(created.ID)
	if got.TrailingActive {
		t.Error("Unprotected position must be left to the repair path")
	}
	if mock.SetStopLossCalls != 0 {
		t.Errorf("Expected no exchange calls, got %d", mock.SetStopLossCalls)
	}
}

func TestTrailing_PushFailureKeepsPreviousStop(t *testing.T) {
	store, mock, tc := trailingFixture(t)
	mock.SetStopLossErr = errors.New("exchange unavailable")

	created, _ := store.Create(position.CreateSpec{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		EntryPrice:    100,
		Quantity:      5,
		Leverage:      5,
		InitialMargin: 100,
		StopLossPrice: 98,
	})
	setROE(t, store, created, 0.30)

	tc.Tick(context.Background())

	got, _ := store.Get(created.ID)
	if !floatEquals(got.StopLossPrice, 98, 1e-9) {
		t.Errorf("Failed push must leave the previous stop in force, got %.4f", got.StopLossPrice)
	}

	// Recovery on the next tick completes the ratchet.
	mock.SetStopLossErr = nil
	tc.Tick(context.Background())
	got, _ = store.Get(created.ID)
	if !floatEquals(got.StopLossPrice, 104, 1e-9) {
		t.Errorf("Expected stop 104 after recovery, got %.4f", got.StopLossPrice)
	}
}
