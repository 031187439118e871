// Package api exposes the admin surface for the desktop client:
// dashboard reads, manual close, reconciliation, breaker resets, and a
// websocket event stream. Every mutating endpoint is idempotent.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"bithumb-trading-bot/internal/circuit"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/engine"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/position"
	"bithumb-trading-bot/internal/risk"
	"bithumb-trading-bot/internal/telemetry"
)

// Core is the coordinator surface the API controls
type Core interface {
	Enabled() bool
	Enable()
	Disable()
	Engines() []engine.Engine
	EngineByCode(code string) engine.Engine
}

// Closer closes positions on request
type Closer interface {
	ManualClose(ctx context.Context, market, strategyCode string) (*database.ClosedTrade, error)
}

// Syncer reconciles database state against the exchange
type Syncer interface {
	Run(ctx context.Context) (*position.SyncReport, error)
}

// Store is the persistence surface the read endpoints need
type Store interface {
	HealthCheck(ctx context.Context) error
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetPendingOrders(ctx context.Context) ([]*database.PendingOrder, error)
	GetRecentClosedTrades(ctx context.Context, market, strategyCode string, limit int) ([]*database.ClosedTrade, error)
}

// RateLimiter is a simple in-memory per-endpoint limiter
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether a request may proceed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	DesktopToken   string
	AllowedOrigins []string
	ProductionMode bool
}

// Server is the admin HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     *logging.Logger

	core     Core
	closer   Closer
	syncer   Syncer
	store    Store
	breakers *circuit.Set
	throttle *risk.Throttle
	recorder *telemetry.Recorder
	guided   *engine.GuidedEngine
	bus      *events.Bus

	rateLimiter *RateLimiter
	hub         *eventHub
}

// NewServer wires the admin server
func NewServer(
	config ServerConfig,
	core Core,
	closer Closer,
	syncer Syncer,
	store Store,
	breakers *circuit.Set,
	throttle *risk.Throttle,
	recorder *telemetry.Recorder,
	guided *engine.GuidedEngine, // nil when the guided engine is disabled
	bus *events.Bus,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Desktop-Token"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		logger:      logging.WithComponent("api"),
		core:        core,
		closer:      closer,
		syncer:      syncer,
		store:       store,
		breakers:    breakers,
		throttle:    throttle,
		recorder:    recorder,
		guided:      guided,
		bus:         bus,
		rateLimiter: NewRateLimiter(120, time.Minute),
		hub:         newEventHub(bus),
	}

	s.setupRoutes()
	return s
}

// tokenMiddleware checks the shared desktop token on every request
func (s *Server) tokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.DesktopToken == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Desktop-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.DesktopToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "path": path})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.tokenMiddleware())
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/dashboard", s.handleDashboard)
		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions/close", s.handleClosePosition)
		api.GET("/orders", s.handleGetPendingOrders)
		api.GET("/trades", s.handleGetClosedTrades)

		api.GET("/bot/status", s.handleBotStatus)
		api.POST("/bot/enable", s.handleEnableBot)
		api.POST("/bot/disable", s.handleDisableBot)
		api.POST("/bot/sync", s.handleSync)

		api.GET("/engines", s.handleGetEngines)
		api.GET("/circuit-breakers", s.handleGetBreakers)
		api.POST("/circuit-breakers/:code/reset", s.handleResetBreaker)
		api.GET("/throttle", s.handleGetThrottle)

		if s.guided != nil {
			api.POST("/guided/submit", s.handleGuidedSubmit)
			api.GET("/guided/pending", s.handleGuidedPending)
		}
	}

	s.router.GET("/ws", s.tokenQueryMiddleware(), s.hub.handleWebSocket)
}

// tokenQueryMiddleware checks the token from a query parameter for
// websocket clients, which cannot set custom headers
func (s *Server) tokenQueryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.DesktopToken == "" {
			c.Next()
			return
		}
		token := c.Query("token")
		if token == "" {
			token = c.GetHeader("X-Desktop-Token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.DesktopToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Admin server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and the event hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "healthy"})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func normalizeStrategyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
