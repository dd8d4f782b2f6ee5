// Package api exposes the trading engine over HTTP and WebSocket. All
// monetary quantities cross the wire as decimal strings; the handlers
// parse and validate them before anything reaches the engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/internal/engine"
	"github.com/gaiadex/engine/pkg/errors"
)

// Server is the HTTP front of the engine.
type Server struct {
	engine *engine.Service
	router *gin.Engine
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the router and its middleware stack.
func NewServer(svc *engine.Service, logger *zap.Logger) *Server {
	s := &Server{
		engine: svc,
		logger: logger.Named("api"),
	}
	registerValidations()

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		pairs := v1.Group("/pairs")
		{
			pairs.GET("", s.listPairs)
			pairs.POST("", s.createPair)
			pairs.GET("/:symbol/status", s.pairStatus)
			pairs.POST("/:symbol/resume", s.resumePair)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("", s.placeOrder)
			orders.GET("/:id", s.getOrder)
			orders.DELETE("/:id", s.cancelOrder)
			orders.DELETE("", s.cancelAllOrders)
			orders.GET("", s.getUserOrders)
		}

		market := v1.Group("/market")
		{
			market.GET("/orderbook/:symbol", s.getOrderBook)
			market.GET("/ticker/:symbol", s.getTicker)
			market.GET("/trades/:symbol", s.getTrades)
			market.GET("/candles/:symbol", s.getCandles)
		}

		liquidity := v1.Group("/liquidity")
		{
			liquidity.POST("/pools", s.createPool)
			liquidity.POST("/positions", s.addLiquidity)
			liquidity.DELETE("/positions/:id", s.removeLiquidity)
			liquidity.GET("/positions", s.getLiquidityPositions)
		}

		swap := v1.Group("/swap")
		{
			swap.POST("/quote", s.getSwapQuote)
			swap.POST("/execute", s.executeSwap)
			swap.POST("/route", s.findBestRoute)
		}

		v1.GET("/ws/trades", s.tradeStream)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// writeError maps the engine's error kinds to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errors.KindValidation, errors.KindInvalidRange:
		status = http.StatusBadRequest
	case errors.KindOrderNotFound, errors.KindPoolNotFound, errors.KindPairNotFound:
		status = http.StatusNotFound
	case errors.KindInvalidStateTransition:
		status = http.StatusConflict
	case errors.KindInsufficientLiquidity, errors.KindSlippageExceeded:
		status = http.StatusUnprocessableEntity
	case errors.KindExpired:
		status = http.StatusGone
	case errors.KindTradingHalted:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("handler error", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": err.Error()}})
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }
