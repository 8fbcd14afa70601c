package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
)

// DefaultHandshakeTimeout bounds an admission when the Gate is built
// without one.
const DefaultHandshakeTimeout = 10 * time.Second

// Gate decides once per connection attempt whether it becomes a member.
type Gate struct {
	registry *Registry
	verifier auth.Verifier
	timeout  time.Duration
	logger   *zap.Logger
	metrics  Metrics
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithHandshakeTimeout bounds token verification. Non-positive values keep
// the default.
func WithHandshakeTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateMetrics sets the metrics sink.
func WithGateMetrics(m Metrics) GateOption {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewGate builds a gate over registry and verifier.
func NewGate(registry *Registry, verifier auth.Verifier, opts ...GateOption) *Gate {
	g := &Gate{
		registry: registry,
		verifier: verifier,
		timeout:  DefaultHandshakeTimeout,
		logger:   zap.NewNop(),
		metrics:  NopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs the admission procedure for conn:
//  1. reserve a capacity slot,
//  2. read the token from hs,
//  3. verify it,
//  4. bind the identity to the slot.
//
// Every failure after step 1 releases the slot before returning.
func (g *Gate) Admit(ctx context.Context, conn Conn, hs Handshake) (auth.Identity, error) {
	identity, err := g.admit(ctx, conn, hs)
	if err != nil {
		g.metrics.AdmissionResult(Reason(err))
		g.logger.Info("Admission rejected",
			zap.String("conn_id", conn.ID()),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return "", err
	}
	g.metrics.AdmissionResult("admitted")
	return identity, nil
}

func (g *Gate) admit(ctx context.Context, conn Conn, hs Handshake) (auth.Identity, error) {
	if err := g.registry.reserve(conn); err != nil {
		if errors.Is(err, ErrDuplicateConnection) {
			return "", err
		}
		return "", ErrCapacityExceeded
	}

	identity, err := g.authenticate(ctx, hs)
	if err != nil {
		g.registry.Remove(conn.ID())
		return "", err
	}

	if err := g.registry.Bind(conn.ID(), identity); err != nil {
		// The slot was released by a concurrent close while verifying.
		g.registry.Remove(conn.ID())
		return "", fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return identity, nil
}

func (g *Gate) authenticate(ctx context.Context, hs Handshake) (auth.Identity, error) {
	if hs == nil {
		return "", ErrMissingToken
	}
	token, ok := hs.Token()
	if !ok {
		return "", ErrMissingToken
	}

	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		identity auth.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := g.verifier.Verify(vctx, token)
		done <- result{identity, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if vctx.Err() != nil {
				return "", abandoned(ctx, vctx)
			}
			return "", fmt.Errorf("%w: %w", ErrInvalidToken, res.err)
		}
		if res.identity == "" {
			return "", fmt.Errorf("%w: empty identity", ErrInvalidToken)
		}
		return res.identity, nil
	case <-vctx.Done():
		return "", abandoned(ctx, vctx)
	}
}

// abandoned classifies a verification cut short by its context: a cancelled
// parent means the connection went away, anything else is the timeout.
func abandoned(parent, vctx context.Context) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, parent.Err())
	}
	return fmt.Errorf("%w: %w", ErrHandshakeTimeout, vctx.Err())
}
