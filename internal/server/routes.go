package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes configures the gin engine with all application routes:
// health checks, the WebSocket endpoint, the test page and metrics.
func SetupRoutes(g *Gateway) *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), requestLogger(g.logger.Named("http")))

	engine.GET("/", HealthHandler)
	engine.GET("/healthz", g.HealthzHandler)
	engine.GET("/ws", g.HandleWebSocket)
	engine.GET("/test", TestPageHandler)
	engine.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	return engine
}

// requestLogger logs each plain HTTP request at debug level.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()))
	}
}
