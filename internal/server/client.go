package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/gateway"
)

// closeGracePeriod bounds the write of a close frame.
const closeGracePeriod = time.Second

// Client is one WebSocket connection. It implements gateway.Conn: the hub
// queues encoded events with Send and the write pump delivers them.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	addr        string
	cfg         Config
	rateLimiter *rateLimiter
	session     *gateway.Session
	logger      *zap.Logger
	metrics     *Metrics
}

// NewClient creates a Client for an upgraded connection. Each client gets a
// fresh random id and a send buffer of cfg.SendBufferSize events.
func NewClient(conn *websocket.Conn, addr string, cfg Config, logger *zap.Logger) *Client {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBufferSize),
		done:        make(chan struct{}),
		addr:        addr,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger:      logger.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return gateway.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return gateway.ErrSendBufferFull
	}
}

// Close sends a normal-closure frame and closes the socket. Pending sends
// are dropped. Safe to call more than once.
func (c *Client) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil && !isExpectedCloseError(werr) {
			c.logger.Debug("Error writing close message", zap.Error(werr))
		}
		if cerr := c.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

// setupReadConnection configures read deadlines and the pong handler. Every
// pong extends the deadline and refreshes the session's presence.
func (c *Client) setupReadConnection() {
	pongWait := c.cfg.PongWait()
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		if c.session != nil {
			c.session.Touch()
		}
		return nil
	})
}

// handleReadError logs why the read loop ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", zap.Int64("max_bytes", c.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed", zap.Error(err))
	case isTimeout(err):
		c.logger.Info("Client missed keep-alive", zap.Duration("pong_wait", c.cfg.PongWait()))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Debug("WebSocket read error", zap.Error(err))
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// checkRateLimit reports whether the next inbound message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Debug("Rate limit exceeded; discarding message",
			zap.Int("burst", c.cfg.RateLimit.Burst),
			zap.Duration("refill_interval", c.cfg.RateLimit.RefillInterval))
		if c.metrics != nil {
			c.metrics.RateLimited()
		}
		return false
	}
	return true
}

// processMessage decodes a client frame and broadcasts it as a chat message.
func (c *Client) processMessage(rawMessage []byte) bool {
	var msg Message
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		c.logger.Debug("Invalid message", zap.Error(err))
		return false
	}
	if !msg.isChat() {
		c.logger.Debug("Ignoring unknown event", zap.String("event", msg.Event))
		return false
	}

	if err := c.session.Chat(c.session.Context(), msg.Text); err != nil {
		c.logger.Debug("Chat message not broadcast", zap.Error(err))
		return false
	}
	return true
}

// readPump owns the read side of an admitted connection. When it returns the
// session is closed, which releases the slot and announces the leave.
func (c *Client) readPump() {
	var cause error
	defer func() {
		c.session.Close(cause)
		if err := c.Close(); err != nil {
			c.logger.Debug("Error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			cause = err
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(rawMessage)
	}
}

// writePump owns the write side: queued events, then periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.done:
		return false
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket so the read pump fails and tears the
// session down.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error closing connection in writePump", zap.Error(err))
	}
}

// writeTextMessage writes one event as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debug("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debug("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Error writing ping message", zap.Error(err))
		}
		return false
	}
	return true
}

var _ gateway.Conn = (*Client)(nil)
