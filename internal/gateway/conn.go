// Package gateway is the transport independent core of the chat gateway:
// capacity-bounded admission, identity binding, broadcast fan-out and the
// per-connection lifecycle.
//
// One Registry and one Hub are built at process start and shared by every
// connection's Session. The transport supplies a Conn for each client and a
// Handshake carrying its token.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/Tyrowin/gochat/internal/auth"
)

// Conn is the outbound side of one client connection, owned by the transport.
//
// Send must not block: it either queues payload or returns ErrSendBufferFull
// or ErrConnectionClosed. Close must be idempotent.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Handshake exposes the credentials presented when the connection was opened.
type Handshake interface {
	Token() (string, bool)
}

// TokenHandshake is a Handshake holding a bare token string.
type TokenHandshake string

// Token returns the trimmed token and whether one was present.
func (t TokenHandshake) Token() (string, bool) {
	s := strings.TrimSpace(string(t))
	return s, s != ""
}

// Member is a point-in-time view of an admitted connection.
type Member struct {
	ID         string
	Identity   auth.Identity
	AdmittedAt time.Time
	Conn       Conn
}

// Presence records which identities are online. Implementations are best
// effort; errors are logged by the caller and never block admission.
type Presence interface {
	Online(ctx context.Context, identity auth.Identity, connID string) error
	Refresh(ctx context.Context, identity auth.Identity, connID string) error
	Offline(ctx context.Context, identity auth.Identity, connID string) error
}

// NopPresence discards presence updates.
type NopPresence struct{}

func (NopPresence) Online(context.Context, auth.Identity, string) error  { return nil }
func (NopPresence) Refresh(context.Context, auth.Identity, string) error { return nil }
func (NopPresence) Offline(context.Context, auth.Identity, string) error { return nil }

// Metrics receives gateway counters. NopMetrics is used when none is given.
type Metrics interface {
	AdmissionResult(result string)
	EventBroadcast(kind string, recipients int, elapsed time.Duration)
	DeliveryDropped(reason string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) AdmissionResult(string)                     {}
func (NopMetrics) EventBroadcast(string, int, time.Duration) {}
func (NopMetrics) DeliveryDropped(string)                     {}
