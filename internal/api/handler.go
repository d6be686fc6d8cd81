package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"governance-core/internal/events"
	"governance-core/internal/governance"
	"governance-core/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires HTTP endpoints around the governance service.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Service   *governance.Service
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta

	limiters *ipLimiters
	srvMu    sync.Mutex
	httpSrv  *http.Server
	log      zerolog.Logger
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	Version     string
	PriceSource string
	Policy      string
}

// Options tune the middleware stack. Zero values use defaults.
type Options struct {
	JWTSecret      string
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
	Meta           SystemMeta
}

func NewServer(log zerolog.Logger, bus *events.Bus, svc *governance.Service, metrics *monitor.SystemMetrics, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		Router:    gin.New(),
		Bus:       bus,
		Service:   svc,
		Metrics:   metrics,
		JWTSecret: opts.JWTSecret,
		Meta:      opts.Meta,
		limiters:  newIPLimiters(opts.RateLimit, opts.RateBurst),
		log:       log.With().Str("component", "api").Logger(),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())                         // Panic recovery (first)
	s.Router.Use(RequestIDMiddleware())                  // Request ID tracking
	s.Router.Use(RequestLogger(s.log, metrics))          // Request logging (after ID is set)
	s.Router.Use(RateLimitMiddleware(s.log, s.limiters)) // Rate limiting
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware()) // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	api.GET("/system/metrics", s.getMetrics)

	protected := api.Group("")
	if s.JWTSecret != "" {
		protected.Use(AuthMiddleware(s.JWTSecret))
	}
	{
		tools := protected.Group("/tools")
		tools.POST("/validate_trade", s.validateTrade)
		tools.POST("/validate_rebalance", s.validateRebalance)
		tools.POST("/execute_trade", s.executeTrade)
		tools.POST("/apply_rebalance", s.applyRebalance)

		protected.GET("/portfolio", s.getPortfolio)

		protected.POST("/audit/events", s.logEvent)
		protected.GET("/audit/report", s.getAuditReport)
		protected.GET("/audit/metrics", s.getComplianceMetrics)

		protected.GET("/alerts", s.listAlerts)
		protected.POST("/alerts", s.createAlert)
		protected.POST("/alerts/check", s.checkAlerts)
		protected.DELETE("/alerts/:id", s.deleteAlert)
		protected.POST("/alerts/:id/reset", s.resetAlert)

		protected.GET("/proposals", s.listProposals)
		protected.GET("/proposals/:id", s.getProposal)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"version":      s.Meta.Version,
		"price_source": s.Meta.PriceSource,
		"policy":       s.Meta.Policy,
		"server_time":  time.Now().UTC(),
	})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	s.log.Info().Str("addr", addr).Msg("API server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
