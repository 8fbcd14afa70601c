package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
)

// State is a connection's lifecycle state.
type State int32

const (
	StatePending State = iota
	StateAdmitted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAdmitted:
		return "admitted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const presenceTimeout = 2 * time.Second

// Lifecycle wires the shared Registry, Gate and Hub into per-connection
// Sessions.
type Lifecycle struct {
	registry *Registry
	gate     *Gate
	hub      *Hub
	presence Presence
	logger   *zap.Logger
}

// LifecycleOption customises a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithPresence records admitted identities in p.
func WithPresence(p Presence) LifecycleOption {
	return func(l *Lifecycle) {
		if p != nil {
			l.presence = p
		}
	}
}

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(lg *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLifecycle builds a controller over the shared components.
func NewLifecycle(registry *Registry, gate *Gate, hub *Hub, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		registry: registry,
		gate:     gate,
		hub:      hub,
		presence: NopPresence{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the shared registry.
func (l *Lifecycle) Registry() *Registry { return l.registry }

// Hub returns the shared hub.
func (l *Lifecycle) Hub() *Hub { return l.hub }

// NewSession starts a Pending session for conn.
func (l *Lifecycle) NewSession(conn Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		lc:     l,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		joined: make(chan struct{}),
		logger: l.logger.With(zap.String("conn_id", conn.ID())),
	}
}

// Session is one connection's state machine:
//
//	Pending -> Admitted -> Closed
//	Pending -> Closed
//
// Closed is terminal; calls after it are ignored. State changes happen
// under mu; hub publishes and presence updates run after it is released.
type Session struct {
	lc     *Lifecycle
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	// joined is closed once the join of an admitted session is published.
	joined chan struct{}

	mu       sync.Mutex
	state    State
	opening  bool
	identity auth.Identity
	closeErr error
	logger   *zap.Logger

	// presenceMu orders Online, Refresh and Offline for this connection.
	presenceMu sync.Mutex
	online     bool
}

// ID returns the connection id.
func (s *Session) ID() string { return s.conn.ID() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound identity once admitted.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.identity != ""
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Logger returns the connection-scoped logger.
func (s *Session) Logger() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// Open runs admission for the session. On success the session is Admitted
// and the other members are told about the join. On failure it is Closed
// and the error says why. Closing the session while Open is verifying
// aborts the verification.
func (s *Session) Open(ctx context.Context, hs Handshake) (auth.Identity, error) {
	s.mu.Lock()
	if s.state != StatePending || s.opening {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return "", ErrConnectionClosed
		}
		return "", ErrAlreadyOpened
	}
	s.opening = true
	s.mu.Unlock()

	verifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	identity, err := s.lc.gate.Admit(verifyCtx, s.conn, hs)
	if err != nil {
		s.Close(err)
		return "", err
	}

	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		// Closed while verifying; Close already released the slot but the
		// bind may have landed after it.
		s.lc.registry.Remove(s.conn.ID())
		return "", ErrConnectionClosed
	}
	s.state = StateAdmitted
	s.identity = identity
	s.logger = s.logger.With(zap.String("identity", identity.String()))
	logger := s.logger
	s.mu.Unlock()

	// A Close racing with us waits on joined, so the leave and the offline
	// record always follow the join and the online record.
	defer close(s.joined)

	if err := s.lc.hub.AnnounceJoin(ctx, s.conn.ID(), identity); err != nil {
		logger.Warn("Failed to announce join", zap.Error(err))
	}

	s.presenceMu.Lock()
	s.online = true
	s.updatePresence(logger, "online", identity, s.lc.presence.Online)
	s.presenceMu.Unlock()

	logger.Info("Client admitted", zap.Int("clients", s.lc.registry.Count()))
	return identity, nil
}

// Chat broadcasts text from this session's identity. It fails with
// ErrNotAdmitted unless the session is Admitted.
func (s *Session) Chat(ctx context.Context, text string) error {
	s.mu.Lock()
	state, identity := s.state, s.identity
	s.mu.Unlock()

	if state != StateAdmitted {
		return ErrNotAdmitted
	}
	<-s.joined
	return s.lc.hub.BroadcastChat(ctx, identity, text)
}

// Touch refreshes the presence record of an admitted session.
func (s *Session) Touch() {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if !s.online {
		return
	}

	s.mu.Lock()
	identity, logger := s.identity, s.logger
	s.mu.Unlock()

	s.updatePresence(logger, "refresh", identity, s.lc.presence.Refresh)
}

// Close moves the session to Closed and releases its slot. An admitted
// session also announces the leave and closes its Conn; a pending one
// leaves the Conn to the transport so it can send a rejection first. cause
// is recorded for logging and may be nil. It returns false if the session
// was already closed.
func (s *Session) Close(cause error) bool {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.closeErr = cause
	identity, logger := s.identity, s.logger
	s.mu.Unlock()

	s.cancel()
	s.lc.registry.Remove(s.conn.ID())

	if prev != StateAdmitted {
		logger.Debug("Pending connection closed", zap.NamedError("cause", cause))
		return true
	}

	<-s.joined
	if err := s.lc.hub.AnnounceLeave(context.Background(), identity); err != nil {
		logger.Warn("Failed to announce leave", zap.Error(err))
	}

	s.presenceMu.Lock()
	s.online = false
	s.updatePresence(logger, "offline", identity, s.lc.presence.Offline)
	s.presenceMu.Unlock()

	logger.Info("Client disconnected",
		zap.Int("clients", s.lc.registry.Count()),
		zap.NamedError("cause", cause))

	if err := s.conn.Close(); err != nil {
		logger.Debug("Error closing connection", zap.Error(err))
	}
	return true
}

// Err returns the cause passed to Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// updatePresence must be called with s.presenceMu held and s.mu released.
func (s *Session) updatePresence(logger *zap.Logger, op string, identity auth.Identity,
	fn func(context.Context, auth.Identity, string) error,
) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, identity, s.conn.ID()); err != nil {
		logger.Warn("Presence update failed", zap.String("op", op), zap.Error(err))
	}
}
