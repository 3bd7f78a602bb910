package circuit

import (
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func permissiveConfig() Config {
	return Config{
		Enabled:              true,
		MaxLossPerHour:       100,
		MaxConsecutiveLosses: 3,
		CooldownMinutes:      0,
		MaxTradesPerMinute:   100,
		MaxDailyLoss:         100,
		MaxDailyTrades:       1000,
	}
}

// ============================================================================
// TEST: Consecutive loss trip and half-open recovery
// ============================================================================

func TestBreaker_ConsecutiveLossesTrip(t *testing.T) {
	b := New(permissiveConfig(), nil, zerolog.Nop())

	b.RecordTrade(-1.0)
	b.RecordTrade(-1.0)
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("Two losses must not trip a three-loss breaker")
	}

	b.RecordTrade(-1.0)
	if b.GetState() != StateOpen {
		t.Fatalf("Expected open state after 3 losses, got %s", b.GetState())
	}
	if ok, reason := b.CanTrade(); ok {
		t.Error("Expected trading blocked while half-open counters persist")
	} else if !strings.Contains(reason, "consecutive losses") {
		t.Errorf("Expected consecutive-loss reason, got %q", reason)
	}
}

func TestBreaker_WinningProbeClosesHalfOpenBreaker(t *testing.T) {
	b := New(permissiveConfig(), nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		b.RecordTrade(-1.0)
	}
	if b.GetState() != StateOpen {
		t.Fatalf("Expected open, got %s", b.GetState())
	}

	// Zero cooldown: the next gate check moves to half-open. The loss
	// streak still blocks opens until it clears.
	if ok, _ := b.CanTrade(); ok {
		t.Error("Loss streak must still block in half-open")
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("Expected half-open after cooldown, got %s", b.GetState())
	}

	// A winning close (e.g. of a pre-existing position) clears the streak
	// and closes the breaker.
	b.RecordTrade(2.0)
	if b.GetState() != StateClosed {
		t.Fatalf("Expected closed after winning probe, got %s", b.GetState())
	}
	if ok, reason := b.CanTrade(); !ok {
		t.Errorf("Expected trading allowed after recovery, got %q", reason)
	}
}

func TestBreaker_LosingProbeReopens(t *testing.T) {
	b := New(permissiveConfig(), nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		b.RecordTrade(-1.0)
	}
	if ok, _ := b.CanTrade(); ok { // transitions open -> half-open
		t.Fatal("Expected block in half-open")
	}

	b.RecordTrade(-1.0)
	if b.GetState() != StateOpen {
		t.Errorf("Expected losing probe to re-trip, got %s", b.GetState())
	}
}

// ============================================================================
// TEST: Loss limits
// ============================================================================

func TestBreaker_HourlyLossLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.MaxLossPerHour = 3.0
	cfg.MaxConsecutiveLosses = 100
	b := New(cfg, nil, zerolog.Nop())

	b.RecordTrade(-1.5)
	if ok, _ := b.CanTrade(); !ok {
		t.Fatal("1.5% loss must not hit a 3% hourly limit")
	}
	b.RecordTrade(-1.6)
	if b.GetState() != StateOpen {
		t.Fatalf("Expected trip at 3.1%% hourly loss, got %s", b.GetState())
	}
	if _, reason := b.CanTrade(); !strings.Contains(reason, "hourly loss") {
		t.Errorf("Expected hourly loss reason, got %q", reason)
	}
}

func TestBreaker_WinsDoNotOffsetLossCounters(t *testing.T) {
	cfg := permissiveConfig()
	cfg.MaxLossPerHour = 3.0
	cfg.MaxConsecutiveLosses = 100
	b := New(cfg, nil, zerolog.Nop())

	// Drawdown accumulates from losses only; intervening wins reset the
	// streak but not the loss sums.
	b.RecordTrade(-2.0)
	b.RecordTrade(5.0)
	b.RecordTrade(-1.5)
	if b.GetState() != StateOpen {
		t.Errorf("Expected trip at 3.5%% accumulated loss, got %s", b.GetState())
	}
}

// ============================================================================
// TEST: Rate and daily limits
// ============================================================================

func TestBreaker_TradeRateLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.MaxTradesPerMinute = 3
	b := New(cfg, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		b.RecordTrade(0.5)
	}
	ok, reason := b.CanTrade()
	if ok {
		t.Fatal("Expected rate limit block")
	}
	if !strings.Contains(reason, "rate limit") {
		t.Errorf("Expected rate limit reason, got %q", reason)
	}
	// The breaker state itself stays closed: rate limiting is a gate,
	// not a trip.
	if b.GetState() != StateClosed {
		t.Errorf("Rate limiting must not trip the breaker, got %s", b.GetState())
	}
}

func TestBreaker_DailyTradeLimit(t *testing.T) {
	cfg := permissiveConfig()
	cfg.MaxTradesPerMinute = 1000
	cfg.MaxDailyTrades = 5
	b := New(cfg, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		b.RecordTrade(0.5)
	}
	if ok, reason := b.CanTrade(); ok || !strings.Contains(reason, "daily trade limit") {
		t.Errorf("Expected daily trade limit block, got ok=%v reason=%q", ok, reason)
	}
}

// ============================================================================
// TEST: Guards and operator controls
// ============================================================================

func TestBreaker_IgnoresNonFiniteResults(t *testing.T) {
	b := New(permissiveConfig(), nil, zerolog.Nop())

	b.RecordTrade(math.NaN())
	b.RecordTrade(math.Inf(-1))

	stats := b.Stats()
	if stats["consecutive_losses"].(int) != 0 {
		t.Error("Non-finite results must not touch the counters")
	}
	if ok, _ := b.CanTrade(); !ok {
		t.Error("Expected trading still allowed")
	}
}

func TestBreaker_DisabledAlwaysAllows(t *testing.T) {
	cfg := permissiveConfig()
	cfg.Enabled = false
	b := New(cfg, nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		b.RecordTrade(-5.0)
	}
	if ok, _ := b.CanTrade(); !ok {
		t.Error("Disabled breaker must never block")
	}
}

func TestBreaker_ForceReset(t *testing.T) {
	cfg := permissiveConfig()
	cfg.CooldownMinutes = 60
	b := New(cfg, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		b.RecordTrade(-1.0)
	}
	if ok, _ := b.CanTrade(); ok {
		t.Fatal("Expected block while tripped and cooling down")
	}

	b.ForceReset()
	if b.GetState() != StateClosed {
		t.Fatalf("Expected closed after manual reset, got %s", b.GetState())
	}
	if ok, reason := b.CanTrade(); !ok {
		t.Errorf("Expected trading allowed after manual reset, got %q", reason)
	}
}
