package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat/internal/auth"
)

// fakeConn records delivered events on a buffered channel.
type fakeConn struct {
	id     string
	recv   chan []byte
	closed atomic.Bool
	panics bool
	err    error
}

func newFakeConn(id string, buffer int) *fakeConn {
	return &fakeConn{id: id, recv: make(chan []byte, buffer)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	if c.panics {
		panic("recipient exploded")
	}
	if c.err != nil {
		return c.err
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.recv <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// next waits for the next event delivered to c.
func (c *fakeConn) next(t *testing.T) Event {
	t.Helper()
	select {
	case raw := <-c.recv:
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatalf("conn %s: no event received", c.id)
		return Event{}
	}
}

// expectNone asserts nothing arrives within wait.
func (c *fakeConn) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-c.recv:
		t.Fatalf("conn %s: unexpected event %s", c.id, raw)
	case <-time.After(wait):
	}
}

// tokenVerifier accepts "token-<name>" and returns <name>.
func tokenVerifier() auth.Verifier {
	return auth.VerifierFunc(func(_ context.Context, token string) (auth.Identity, error) {
		var name string
		if _, err := fmt.Sscanf(token, "token-%s", &name); err != nil || name == "" {
			return "", auth.ErrTokenInvalid
		}
		return auth.Identity(name), nil
	})
}

// blockingVerifier blocks every call until release is closed or ctx ends.
type blockingVerifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingVerifier() *blockingVerifier {
	return &blockingVerifier{release: make(chan struct{})}
}

func (v *blockingVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	v.calls.Add(1)
	select {
	case <-v.release:
		return tokenVerifier().Verify(ctx, token)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
	// block, when set, holds Offline until it is closed.
	block chan struct{}
}

func (p *recordingPresence) record(op string, identity auth.Identity, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, op+":"+identity.String()+":"+connID)
	return nil
}

func (p *recordingPresence) Online(_ context.Context, id auth.Identity, c string) error {
	return p.record("online", id, c)
}

func (p *recordingPresence) Refresh(_ context.Context, id auth.Identity, c string) error {
	return p.record("refresh", id, c)
}

func (p *recordingPresence) Offline(_ context.Context, id auth.Identity, c string) error {
	if p.block != nil {
		<-p.block
	}
	return p.record("offline", id, c)
}

func (p *recordingPresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type testGateway struct {
	registry  *Registry
	gate      *Gate
	hub       *Hub
	lifecycle *Lifecycle
	presence  *recordingPresence
}

func newTestGateway(t *testing.T, maxClients int, verifier auth.Verifier, gateOpts ...GateOption) *testGateway {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry := NewRegistry(maxClients)
	gate := NewGate(registry, verifier, append([]GateOption{WithGateLogger(logger)}, gateOpts...)...)
	hub := NewHub(registry, WithHubLogger(logger))
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	presence := &recordingPresence{}
	lifecycle := NewLifecycle(registry, gate, hub,
		WithPresence(presence),
		WithLifecycleLogger(logger))

	return &testGateway{
		registry:  registry,
		gate:      gate,
		hub:       hub,
		lifecycle: lifecycle,
		presence:  presence,
	}
}

// join opens a session for name and drains nothing.
func (g *testGateway) join(t *testing.T, name string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn("conn-"+name, 64)
	s := g.lifecycle.NewSession(conn)
	id, err := s.Open(context.Background(), TokenHandshake("token-"+name))
	require.NoError(t, err)
	require.Equal(t, auth.Identity(name), id)
	return s, conn
}
