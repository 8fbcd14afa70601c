// Package auth verifies the pre-issued tokens presented on the WebSocket
// handshake and maps them to a chat identity.
//
// The gateway only consumes the Verifier interface. Issuer exists for tests
// and local development; credential storage and login live elsewhere.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrTokenInvalid is returned for any token that fails verification.
	// Callers must not surface the wrapped cause to clients.
	ErrTokenInvalid = errors.New("auth: invalid or expired token")
	// ErrNoSecret is returned when a verifier or issuer is built without a key.
	ErrNoSecret = errors.New("auth: signing secret is empty")
)

// Identity is a verified username. Only a Verifier produces one.
type Identity string

// String returns the username.
func (i Identity) String() string { return string(i) }

// Verifier maps an opaque token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
