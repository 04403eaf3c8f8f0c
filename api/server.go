// Package api exposes the trading, keeper and LP operations over HTTP.
// Admin operations stay off the wire: they require capability handles that
// only exist in process.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/merkle-trade/perp-engine/internal/perp/engine"
	"github.com/merkle-trade/perp-engine/internal/perp/oracle"
)

// Server wires the engine behind a gin router.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
	engine *engine.Engine
	feed   *oracle.MemoryFeed
	http   *http.Server
}

// NewServer builds the router. gatherer serves /metrics; pass nil to use the
// default prometheus registry. feed, when non-nil, enables the price push
// endpoint.
func NewServer(logger *zap.Logger, eng *engine.Engine, feed *oracle.MemoryFeed, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router: router,
		logger: logger.Named("api"),
		engine: eng,
		feed:   feed,
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/markets", s.listMarkets)
		if feed != nil {
			v1.POST("/prices/:pair", s.pushPrice)
		}

		m := v1.Group("/markets/:pair/:collateral")
		m.GET("/orders", s.listOrders)
		m.POST("/orders", s.placeOrder)
		m.DELETE("/orders/:id", s.cancelOrder)
		m.POST("/orders/:id/execute", s.executeOrder)
		m.GET("/positions/:owner/:side", s.getPosition)
		m.PUT("/positions/:owner/:side/tpsl", s.updateTPSL)
		m.POST("/positions/:owner/:side/exit", s.executeExit)

		vg := v1.Group("/vaults/:collateral")
		vg.GET("", s.vaultInfo)
		vg.POST("/deposits", s.deposit)
		vg.POST("/redeem-plans", s.registerRedeemPlan)
		vg.DELETE("/redeem-plans", s.cancelRedeemPlan)
		vg.POST("/redeem", s.redeem)
	}
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
