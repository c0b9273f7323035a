// Package api is the HTTP surface of the lifecycle service.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neurogrid/lifecycle/internal/auth"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/metrics"
)

// Config holds API configuration
type Config struct {
	ServiceName    string
	Version        string
	GenesisNodeID  string
	RateLimitRPS   float64
	RateLimitBurst int
	// SecureCookies marks the session cookie Secure; enable behind TLS.
	SecureCookies bool
}

// Server routes HTTP requests to the lifecycle service.
type Server struct {
	cfg     Config
	router  *gin.Engine
	svc     *lifecycle.Service
	auth    *auth.Service
	metrics *metrics.Metrics
	hub     *Hub
	limiter *RateLimiter
	log     *logger.Entry
}

// NewServer builds the router. A nil hub gets a fresh one.
func NewServer(cfg Config, svc *lifecycle.Service, authSvc *auth.Service, m *metrics.Metrics, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:     cfg,
		router:  gin.New(),
		svc:     svc,
		auth:    authSvc,
		metrics: m,
		hub:     hub,
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:     logger.GetLogger().WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub is the websocket hub live events are pushed to.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.rateLimitMiddleware())
	s.router.Use(s.sessionMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/session", s.createSession)
		v1.DELETE("/auth/session", s.deleteSession)

		// Stateless calculators
		v1.GET("/deploy/escrow-breakdown", s.escrowBreakdown)
		v1.POST("/rental/settle", s.quoteSettlement)
		v1.POST("/rental/reclaim", s.checkReclaim)
		v1.POST("/rental/dispute", s.quoteDispute)

		// Marketplace
		v1.GET("/nodes", s.listNodes)
		v1.GET("/nodes/:id", s.getNode)
		v1.GET("/ws", s.requireSession(), s.handleWebSocket)

		miner := v1.Group("/miner", s.requireWallet())
		{
			miner.POST("/register", s.registerNode)
			miner.DELETE("/nodes/:id", s.unregisterNode)
			miner.PUT("/nodes/:id/price", s.updatePrice)
			miner.PUT("/nodes/:id/routing", s.setRouting)
			miner.GET("/nodes/:id/balance", s.getBalance)
			miner.GET("/nodes/:id/ledger", s.getLedger)
			miner.POST("/nodes/:id/withdraw", s.withdrawFree)
			miner.POST("/nodes/:id/withdraw-buffer", s.withdrawBuffer)
			miner.POST("/nodes/:id/force-release", s.forceRelease)
		}

		v1.POST("/deploy/assign", s.requireWallet(), s.deploy)

		rental := v1.Group("/nodes/:id", s.requireWallet())
		{
			rental.POST("/settle", s.settle)
			rental.POST("/renew", s.renew)
			rental.POST("/terminate", s.terminate)
			rental.POST("/disconnect", s.disconnect)
			rental.POST("/dispute", s.dispute)
			rental.POST("/reclaim", s.reclaim)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": s.cfg.ServiceName,
		"version": s.cfg.Version,
		"ws":      s.hub.Len(),
	})
}
