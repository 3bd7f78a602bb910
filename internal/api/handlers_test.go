package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"position-risk-engine/internal/circuit"
	"position-risk-engine/internal/events"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
	"position-risk-engine/internal/sizing"
)

// stubCloser records close requests and returns a configurable error.
type stubCloser struct {
	calls []string
	err   error
}

func (s *stubCloser) CloseTrade(ctx context.Context, symbol, reason string) error {
	s.calls = append(s.calls, symbol+"/"+reason)
	return s.err
}

// stubSink records pushed signals.
type stubSink struct {
	pushed []string
	err    error
}

func (s *stubSink) Push(symbol, side string, confidence float64) error {
	if s.err != nil {
		return s.err
	}
	s.pushed = append(s.pushed, symbol+"/"+side)
	return nil
}

type testServer struct {
	server  *Server
	store   *position.Store
	breaker *circuit.Breaker
	closer  *stubCloser
	sink    *stubSink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	store := position.NewStore(nil, logger)
	sizer, err := sizing.NewEngine(sizing.Config{Blocks: 5, FirstCycleFactor: 0.5}, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	breaker := circuit.New(circuit.DefaultConfig(), nil, logger)
	closer := &stubCloser{}
	sink := &stubSink{}

	srv := NewServer(ServerConfig{Port: 0}, store, sizer, breaker, closer, sink,
		nil, nil, metrics.New(), events.NewBus(), logger)
	return &testServer{server: srv, store: store, breaker: breaker, closer: closer, sink: sink}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// ============================================================================
// TEST: Query endpoints
// ============================================================================

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestAPI_ListPositions(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100,
		Quantity: 2, Leverage: 5, InitialMargin: 40,
	}); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodGet, "/api/positions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Errorf("Expected count 1, got %v", body["count"])
	}
}

func TestAPI_ListClosedRejectsBadSince(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/positions/closed?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed since, got %d", w.Code)
	}
}

func TestAPI_ArchiveUnavailableWithoutDatabase(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/trades", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a database, got %d", w.Code)
	}
}

func TestAPI_BreakerStateAndReset(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/breaker", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["state"] != string(circuit.StateClosed) {
		t.Errorf("Expected closed state, got %v", body["state"])
	}

	w = ts.do(t, http.MethodPost, "/api/breaker/reset", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on reset, got %d", w.Code)
	}
}

// ============================================================================
// TEST: Operator interventions
// ============================================================================

func TestAPI_ManualClose(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/positions/BTCUSDT/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(ts.closer.calls) != 1 || ts.closer.calls[0] != "BTCUSDT/manual" {
		t.Errorf("Expected close call BTCUSDT/manual, got %v", ts.closer.calls)
	}
}

func TestAPI_ManualCloseUnknownSymbol(t *testing.T) {
	ts := newTestServer(t)
	ts.closer.err = position.ErrNotFound

	w := ts.do(t, http.MethodPost, "/api/positions/DOGEUSDT/close", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown symbol, got %d", w.Code)
	}
}

// ============================================================================
// TEST: Signal intake
// ============================================================================

func TestAPI_SubmitSignal(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/signals",
		`{"symbol":"BTCUSDT","side":"LONG","confidence":0.8}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.sink.pushed) != 1 || ts.sink.pushed[0] != "BTCUSDT/LONG" {
		t.Errorf("Expected pushed signal BTCUSDT/LONG, got %v", ts.sink.pushed)
	}
}

func TestAPI_SubmitSignalValidation(t *testing.T) {
	ts := newTestServer(t)

	// Missing required fields fails binding.
	w := ts.do(t, http.MethodPost, "/api/signals", `{"confidence":0.8}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", w.Code)
	}

	// Sink rejections surface as 400 too.
	ts.sink.err = errors.New("signal side must be LONG or SHORT")
	w = ts.do(t, http.MethodPost, "/api/signals",
		`{"symbol":"BTCUSDT","side":"SIDEWAYS"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for rejected signal, got %d", w.Code)
	}
}
