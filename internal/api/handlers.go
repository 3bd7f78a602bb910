package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"position-risk-engine/internal/position"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions := s.store.ListActive()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleListClosed(c *gin.Context) {
	filter := position.ClosedFilter{
		Symbol: c.Query("symbol"),
		Reason: c.Query("reason"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}
	closed := s.store.ListClosed(filter)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(closed),
		"closed": closed,
	})
}

// handleListArchivedTrades reads the PostgreSQL archive, which spans
// process restarts unlike the in-memory session history.
func (s *Server) handleListArchivedTrades(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade archive not configured"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	trades, err := s.repo.ListClosedTrades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query trade archive")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.SessionSummary())
}

func (s *Server) handleSizingMemory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cycle":  s.sizer.Cycle(),
		"memory": s.sizer.MemorySnapshot(),
	})
}

func (s *Server) handleBreakerState(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.Stats())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.breaker.ForceReset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleManualClose(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.closer.CloseTrade(c.Request.Context(), symbol, position.ReasonManual); err != nil {
		if errors.Is(err, position.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active position for " + symbol})
			return
		}
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Manual close failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "symbol": symbol})
}

type signalRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleSubmitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.signals.Push(req.Symbol, req.Side, req.Confidence); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "symbol": req.Symbol})
}
