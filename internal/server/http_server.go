package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// Write timeouts do not apply to hijacked WebSocket connections.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down, serving TLS when tls
// is enabled. http.ErrServerClosed is returned after a graceful shutdown.
func StartServer(server *http.Server, tls TLSConfig, logger *zap.Logger) error {
	if tls.Enabled() {
		logger.Info("Server listening (TLS)", zap.String("addr", server.Addr))
		return server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	logger.Info("Server listening", zap.String("addr", server.Addr))
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
