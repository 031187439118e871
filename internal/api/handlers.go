package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bithumb-trading-bot/internal/engine"
	"bithumb-trading-bot/internal/events"
)

// handleDashboard aggregates the desktop client's landing view
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	positions, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load positions")
		return
	}
	orders, err := s.store.GetPendingOrders(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load orders")
		return
	}

	successResponse(c, gin.H{
		"enabled":     s.core.Enabled(),
		"positions":   positions,
		"orders":      orders,
		"engines":     s.engineSummaries(),
		"today_stats": s.recorder.TodayStats(ctx, time.Now()),
	})
}

func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.store.GetOpenPositions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load positions")
		return
	}
	successResponse(c, positions)
}

type closeRequest struct {
	Market       string `json:"market" binding:"required"`
	StrategyCode string `json:"strategy_code" binding:"required"`
}

// handleClosePosition market-sells one open position. Closing an
// already closed position returns 409, so retries are safe.
func (s *Server) handleClosePosition(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "market and strategy_code are required")
		return
	}

	trade, err := s.closer.ManualClose(c.Request.Context(), req.Market, normalizeStrategyCode(req.StrategyCode))
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, trade)
}

func (s *Server) handleGetPendingOrders(c *gin.Context) {
	orders, err := s.store.GetPendingOrders(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load orders")
		return
	}
	successResponse(c, orders)
}

func (s *Server) handleGetClosedTrades(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	trades, err := s.store.GetRecentClosedTrades(
		c.Request.Context(), c.Query("market"), normalizeStrategyCode(c.Query("strategy")), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load trades")
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleBotStatus(c *gin.Context) {
	successResponse(c, gin.H{
		"enabled": s.core.Enabled(),
		"engines": s.engineSummaries(),
	})
}

func (s *Server) handleEnableBot(c *gin.Context) {
	s.core.Enable()
	s.logger.Info("Trading enabled via API")
	successResponse(c, gin.H{"enabled": true})
}

func (s *Server) handleDisableBot(c *gin.Context) {
	s.core.Disable()
	s.logger.Info("Trading disabled via API")
	successResponse(c, gin.H{"enabled": false})
}

// handleSync runs a reconciliation pass on demand
func (s *Server) handleSync(c *gin.Context) {
	report, err := s.syncer.Run(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, report)
}

type engineSummary struct {
	Code            string `json:"code"`
	State           string `json:"state"`
	Enabled         bool   `json:"enabled"`
	ScanIntervalSec int    `json:"scan_interval_sec"`
	MaxPositions    int    `json:"max_positions"`
}

func (s *Server) engineSummaries() []engineSummary {
	engines := s.core.Engines()
	out := make([]engineSummary, 0, len(engines))
	for _, e := range engines {
		cfg := e.Config()
		out = append(out, engineSummary{
			Code:            e.Code(),
			State:           e.State(),
			Enabled:         cfg.Enabled,
			ScanIntervalSec: int(cfg.ScanInterval / time.Second),
			MaxPositions:    cfg.MaxPositions,
		})
	}
	return out
}

func (s *Server) handleGetEngines(c *gin.Context) {
	successResponse(c, s.engineSummaries())
}

func (s *Server) handleGetBreakers(c *gin.Context) {
	out := make(map[string]gin.H)
	for code, b := range s.breakers.All() {
		out[code] = gin.H{
			"state":       b.State(),
			"trip_reason": b.TripReason(),
		}
	}
	successResponse(c, out)
}

// handleResetBreaker returns a suspended strategy to normal operation.
// Resetting a closed breaker is a no-op.
func (s *Server) handleResetBreaker(c *gin.Context) {
	code := normalizeStrategyCode(c.Param("code"))
	if s.core.EngineByCode(code) == nil {
		errorResponse(c, http.StatusNotFound, "unknown strategy code")
		return
	}

	s.breakers.For(code).Reset()
	s.bus.Publish(events.Event{
		Type: events.EventBreakerReset,
		Data: map[string]interface{}{"strategy_code": code},
	})
	s.logger.Info("Circuit breaker reset via API", "strategy", code)
	successResponse(c, gin.H{"strategy_code": code, "state": s.breakers.For(code).State()})
}

// handleGetThrottle evaluates the risk throttle for one trading key,
// bypassing the cache so the dashboard sees current numbers
func (s *Server) handleGetThrottle(c *gin.Context) {
	market := c.Query("market")
	strategy := normalizeStrategyCode(c.Query("strategy"))
	if market == "" || strategy == "" {
		errorResponse(c, http.StatusBadRequest, "market and strategy are required")
		return
	}

	assessment, err := s.throttle.Evaluate(c.Request.Context(), market, strategy, true)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, assessment)
}

// handleGuidedSubmit queues an operator entry through the guided engine
func (s *Server) handleGuidedSubmit(c *gin.Context) {
	var req engine.GuidedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Market == "" || req.NotionalKRW <= 0 {
		errorResponse(c, http.StatusBadRequest, "market and a positive notional_krw are required")
		return
	}

	s.guided.Submit(req)
	s.logger.Info("Guided entry queued", "market", req.Market, "notional", req.NotionalKRW)
	successResponse(c, gin.H{"queued": s.guided.Pending()})
}

func (s *Server) handleGuidedPending(c *gin.Context) {
	successResponse(c, gin.H{"pending": s.guided.Pending()})
}
