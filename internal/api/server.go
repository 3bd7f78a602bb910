// Package api serves the read-only query surface: live positions,
// closed-trade history, session summary, sizing memory, breaker state,
// Prometheus metrics, and a WebSocket event stream. The only mutating
// endpoints are operator interventions (manual close, breaker reset).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"position-risk-engine/internal/circuit"
	"position-risk-engine/internal/database"
	"position-risk-engine/internal/events"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
	"position-risk-engine/internal/sizing"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// TradeCloser is the slice of the orchestrator the API needs for
// operator-initiated closes.
type TradeCloser interface {
	CloseTrade(ctx context.Context, symbol, reason string) error
}

// SignalSink accepts trade candidates for the next trading cycle.
type SignalSink interface {
	Push(symbol, side string, confidence float64) error
}

// Server is the HTTP API server.
type Server struct {
	cfg        ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	store      *position.Store
	sizer      *sizing.Engine
	breaker    *circuit.Breaker
	closer     TradeCloser
	signals    SignalSink
	repo       *database.Repository
	mirror     *database.RedisMirror
	metrics    *metrics.Metrics
	hub        *WSHub
	logger     zerolog.Logger
}

// NewServer builds the server and registers all routes. repo and
// mirror may be nil.
func NewServer(
	cfg ServerConfig,
	store *position.Store,
	sizer *sizing.Engine,
	breaker *circuit.Breaker,
	closer TradeCloser,
	signals SignalSink,
	repo *database.Repository,
	mirror *database.RedisMirror,
	m *metrics.Metrics,
	bus *events.Bus,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  router,
		store:   store,
		sizer:   sizer,
		breaker: breaker,
		closer:  closer,
		signals: signals,
		repo:    repo,
		mirror:  mirror,
		metrics: m,
		hub:     NewWSHub(logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.hub.AttachBus(bus)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}),
	))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/positions", s.handleListPositions)
		api.GET("/positions/closed", s.handleListClosed)
		api.GET("/trades", s.handleListArchivedTrades)
		api.GET("/summary", s.handleSummary)
		api.GET("/memory", s.handleSizingMemory)
		api.GET("/breaker", s.handleBreakerState)
		api.POST("/breaker/reset", s.handleBreakerReset)
		api.POST("/positions/:symbol/close", s.handleManualClose)
		api.POST("/signals", s.handleSubmitSignal)
	}
}

// Start runs the HTTP server and the WebSocket hub. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}
