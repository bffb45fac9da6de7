package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"copy-trading-bot/config"
	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

// RateLimiter paces requests per client key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows limit requests per window per key
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Positions is the read and close side of the position engine.
type Positions interface {
	List(ctx context.Context, accountID string) ([]*position.Position, error)
	Closed(ctx context.Context, accountID string, limit int) ([]*position.Position, error)
}

// Copier accepts strategy decisions and operator closes.
type Copier interface {
	OnDecision(ctx context.Context, d copytrade.Decision) (*ledger.Summary, error)
	CloseMaster(ctx context.Context, masterID, symbol string, fraction float64, reason string) (*ledger.Summary, error)
}

// BindingStatus reports routing state per account.
type BindingStatus interface {
	Status(accountID string) []broker.BindingStatus
}

// HealthCheck is one dependency probed by /health.
type HealthCheck func(ctx context.Context) error

// Deps are the components the API serves.
type Deps struct {
	Registry   *account.Registry
	Supervisor *risk.Supervisor
	Positions  Positions
	Ledger     ledger.Ledger
	Copier     Copier
	Modes      *mode.Store
	Bindings   BindingStatus
	EventBus   *events.EventBus
	Auth       *auth.Service
	Checks     map[string]HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	deps        Deps
	config      config.ServerConfig
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if deps.Auth == nil {
		deps.Auth = auth.NewService(auth.Config{}, logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	origins := cfg.Origins()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", auth.StrategyTokenHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		deps:   deps,
		config: cfg,
		// 60 requests per minute per client on the write endpoints
		rateLimiter: NewRateLimiter(60, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	if deps.EventBus != nil {
		s.hub = InitWebSocket(deps.EventBus, s.logger)
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   auth.ErrRateLimited.Code,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	authHandlers := auth.NewHandlers(s.deps.Auth)
	s.router.POST("/api/auth/login", s.rateLimitMiddleware(), authHandlers.Login)

	strategy := s.router.Group("/api")
	strategy.Use(auth.StrategyMiddleware(s.deps.Auth), s.rateLimitMiddleware())
	strategy.POST("/decisions", s.handleDecision)

	operator := s.router.Group("/api")
	operator.Use(auth.Middleware(s.deps.Auth), auth.RequireOperator())
	{
		operator.GET("/breakers", s.handleGetBreakers)
		operator.GET("/accounts", s.handleGetAccounts)
		operator.GET("/accounts/:id/limits", s.handleGetLimits)
		operator.POST("/accounts/:id/reset", s.handleResetAccount)
		operator.POST("/emergency-stop", s.handleEmergencyStop)
		operator.POST("/platform/reset", s.handleResetPlatform)
		operator.GET("/ledger/:tradeId", s.handleGetLedger)
		operator.GET("/positions", s.handleGetPositions)
		operator.GET("/positions/closed", s.handleGetClosedPositions)
		operator.POST("/positions/close", s.handleCloseMaster)
		operator.GET("/mode", s.handleGetMode)
		operator.PUT("/mode", s.handleUpdateMode)
	}

	if s.hub != nil {
		s.router.GET("/ws", auth.Middleware(s.deps.Auth), s.handleWebSocket)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	body := gin.H{
		"status":     state,
		"components": components,
		"timestamp":  time.Now().UTC(),
	}
	if s.deps.Supervisor != nil {
		body["platform"] = s.deps.Supervisor.PlatformState().State
	}
	c.JSON(status, body)
}

// Helper functions
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
