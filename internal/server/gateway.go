package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/gateway"
)

// Gateway owns the shared registry, hub and lifecycle controller and the
// pumps of every admitted client.
type Gateway struct {
	cfg       Config
	registry  *gateway.Registry
	hub       *gateway.Hub
	lifecycle *gateway.Lifecycle
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type options struct {
	logger   *zap.Logger
	presence gateway.Presence
}

// Option customises a Gateway.
type Option func(*options)

// WithLogger sets the logger used by the gateway and its components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPresence records admitted identities in p.
func WithPresence(p gateway.Presence) Option {
	return func(o *options) {
		if p != nil {
			o.presence = p
		}
	}
}

// NewGateway builds the gateway core for cfg. Call Start before serving.
func NewGateway(cfg Config, verifier auth.Verifier, opts ...Option) *Gateway {
	o := options{logger: zap.NewNop(), presence: gateway.NopPresence{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = sanitizeConfig(cfg)

	registry := gateway.NewRegistry(cfg.MaxClients)
	metrics := NewMetrics(registry)

	gate := gateway.NewGate(registry, verifier,
		gateway.WithHandshakeTimeout(cfg.HandshakeTimeout),
		gateway.WithGateLogger(o.logger.Named("gate")),
		gateway.WithGateMetrics(metrics))
	hub := gateway.NewHub(registry,
		gateway.WithQueueSize(cfg.HubQueueSize),
		gateway.WithHubLogger(o.logger.Named("hub")),
		gateway.WithHubMetrics(metrics))
	lifecycle := gateway.NewLifecycle(registry, gate, hub,
		gateway.WithPresence(o.presence),
		gateway.WithLifecycleLogger(o.logger.Named("session")))

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg,
		registry:  registry,
		hub:       hub,
		lifecycle: lifecycle,
		logger:    o.logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, o.logger)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	return g
}

// Start runs the hub in a separate goroutine.
func (g *Gateway) Start() {
	go g.hub.Run()
	g.logger.Info("Hub started and ready to manage WebSocket connections",
		zap.Int("max_clients", g.registry.Capacity()))
}

// Registry returns the shared connection registry.
func (g *Gateway) Registry() *gateway.Registry { return g.registry }

// Metrics returns the gateway's Prometheus collectors.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// Config returns the sanitized configuration in use.
func (g *Gateway) Config() Config { return g.cfg }

// admit opens session for client and, on success, starts its pumps. A
// rejected client gets a close frame explaining why.
func (g *Gateway) admit(client *Client, hs gateway.Handshake) {
	session := g.lifecycle.NewSession(client)
	client.session = session
	client.metrics = g.metrics

	if _, err := session.Open(g.ctx, hs); err != nil {
		code, reason := rejection(err)
		if cerr := client.closeWith(code, reason); cerr != nil {
			client.logger.Debug("Error closing rejected connection", zap.Error(cerr))
		}
		return
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		session.Close(gateway.ErrConnectionClosed)
		return
	}
	g.wg.Add(2)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		client.writePump()
	}()
	go func() {
		defer g.wg.Done()
		client.readPump()
	}()
}

// rejection maps an admission error to the close frame sent to the client.
// Every credential failure reads the same so clients cannot probe why.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrCapacityExceeded):
		return websocket.CloseTryAgainLater, capacityRejection
	case gateway.IsAuthFailure(err):
		return websocket.ClosePolicyViolation, authRejection
	case errors.Is(err, gateway.ErrConnectionClosed):
		return websocket.CloseGoingAway, shutdownReason
	default:
		return websocket.CloseInternalServerErr, "Internal server error"
	}
}

// Shutdown stops admitting, closes every admitted client with a going-away
// frame and waits for their pumps, then stops the hub. It returns
// context.DeadlineExceeded if that takes longer than timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.logger.Info("Initiating gateway shutdown...")

	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.cancel()

	deadline := time.Now().Add(timeout)

	members := g.registry.Snapshot()
	for _, m := range members {
		client, ok := m.Conn.(*Client)
		if !ok {
			continue
		}
		if err := client.closeWith(websocket.CloseGoingAway, shutdownReason); err != nil {
			client.logger.Debug("Error closing client connection", zap.Error(err))
		}
	}
	g.logger.Info("Closed client connections", zap.Int("count", len(members)))

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		g.logger.Warn("Gateway shutdown timeout reached, some goroutines may still be running")
		err = context.DeadlineExceeded
	}

	remaining := time.Until(deadline)
	if remaining < 100*time.Millisecond {
		remaining = 100 * time.Millisecond
	}
	if herr := g.hub.Shutdown(remaining); herr != nil && err == nil {
		err = herr
	}
	if err == nil {
		g.logger.Info("Gateway shutdown completed successfully")
	}
	return err
}
