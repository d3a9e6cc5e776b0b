// Package api provides the REST API server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marctheshark3/mining-wave/internal/cache"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/metrics"
	"github.com/marctheshark3/mining-wave/internal/newrelic"
	"github.com/marctheshark3/mining-wave/internal/policy"
	"github.com/marctheshark3/mining-wave/internal/stats"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// Demurrage computes the responses served under /demurrage
type Demurrage interface {
	Wallet(ctx context.Context, limit int, comprehensive bool) (*stats.WalletSummary, error)
	Stats(ctx context.Context) (*stats.StatsResponse, error)
	Miner(ctx context.Context, address string) (*stats.MinerResponse, error)
	Epochs(ctx context.Context) (*stats.EpochReport, error)
	Blocks(ctx context.Context, limit int) (*stats.BlocksResponse, error)
	Debug(ctx context.Context) (*stats.DebugResponse, error)
	Health(ctx context.Context) *stats.HealthReport
}

// Server is the API server
type Server struct {
	cfg     *config.Config
	svc     Demurrage
	cache   *cache.Layer
	hub     *Hub
	policy  *policy.PolicyServer
	agent   *newrelic.Agent
	metrics metrics.HTTP
	router  *gin.Engine
	server  *http.Server
}

// NewServer creates a new API server. policy and agent may be nil.
func NewServer(cfg *config.Config, svc Demurrage, layer *cache.Layer, policyServer *policy.PolicyServer, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		cache:  layer,
		hub:    NewHub(),
		policy: policyServer,
		agent:  agent,
		router: router,
	}

	s.setupRoutes()
	return s
}

// Hub returns the websocket feed, which receives new verified events
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.metricsMiddleware())
	if s.agent != nil {
		s.router.Use(s.agent.Middleware())
	}
	if s.policy != nil {
		s.router.Use(s.policy.Middleware())
	}

	d := s.router.Group("/demurrage")
	{
		d.GET("/wallet", s.handleWallet)
		d.GET("/stats", s.handleStats)
		d.GET("/miner/:address", s.handleMiner)
		d.GET("/epochs", s.handleEpochs)
		d.GET("/blocks", s.handleBlocks)
		d.GET("/health", s.handleHealth)
		d.GET("/debug", s.handleDebug)
		d.GET("/ws", s.handleWebSocket)
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(s.cfg.API.CORSOrigins))
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.metrics.ObserveRequest(c.FullPath(), c.Writer.Status(), started)
	}
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.API.Bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server and disconnects websocket clients
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
