// Package http terminates the Anthropic-style client connection.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/infrastructure/config"
	"github.com/lynkr/lynkr/internal/interfaces/http/handlers"
)

// HealthState is the shared shutdown flag: the server flips it before
// draining, and the orchestrator checks it between loop steps so in-flight
// agent loops stop taking new upstream calls.
type HealthState struct {
	down atomic.Bool
}

// NewHealthState creates a healthy state.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// ShuttingDown reports whether shutdown has started.
func (h *HealthState) ShuttingDown() bool {
	return h.down.Load()
}

// MarkShuttingDown flips the flag.
func (h *HealthState) MarkShuttingDown() {
	h.down.Store(true)
}

// Server is the inbound HTTP listener.
type Server struct {
	server *http.Server
	health *HealthState
	logger *zap.Logger
}

// NewServer builds the router and listener. shedding is called on each heap
// sample so hot-reloaded limits apply live.
func NewServer(cfg config.ServerConfig, shedding func() config.LoadSheddingConfig, health *HealthState, messages *handlers.MessagesHandler, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	router.GET("/health/live", func(c *gin.Context) {
		if health.ShuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	v1 := router.Group("/v1")
	v1.Use(loadShedding(shedding, logger))
	{
		v1.POST("/messages", messages.CreateMessage)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		health: health,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop marks the proxy unhealthy and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	s.health.MarkShuttingDown()
	return s.server.Shutdown(ctx)
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
