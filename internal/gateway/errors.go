package gateway

import "errors"

// Admission errors. They end one connection attempt and never touch other
// connections' state.
var (
	ErrCapacityExceeded = errors.New("gateway: capacity exceeded")
	ErrMissingToken     = errors.New("gateway: missing token")
	ErrInvalidToken     = errors.New("gateway: invalid token")
	ErrHandshakeTimeout = errors.New("gateway: handshake timed out")
)

// Delivery and lifecycle errors.
var (
	ErrSendBufferFull      = errors.New("gateway: send buffer full")
	ErrConnectionClosed    = errors.New("gateway: connection closed")
	ErrDuplicateConnection = errors.New("gateway: connection id already registered")
	ErrUnknownConnection   = errors.New("gateway: connection not registered")
	ErrHubStopped          = errors.New("gateway: hub stopped")
	ErrNotAdmitted         = errors.New("gateway: connection not admitted")
	ErrAlreadyOpened       = errors.New("gateway: session already opened")
)

// Rejection reasons used in logs and metrics labels.
const (
	ReasonCapacity     = "capacity"
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonTimeout      = "timeout"
	ReasonClosed       = "closed"
	ReasonBackpressure = "backpressure"
	ReasonOther        = "other"
)

// Reason classifies an admission or delivery error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return ReasonCapacity
	case errors.Is(err, ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, ErrInvalidToken):
		return ReasonInvalidToken
	case errors.Is(err, ErrHandshakeTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrConnectionClosed):
		return ReasonClosed
	case errors.Is(err, ErrSendBufferFull):
		return ReasonBackpressure
	default:
		return ReasonOther
	}
}

// IsAuthFailure reports whether err rejected the handshake on its credentials
// rather than on capacity. Clients see one message for all of these.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrHandshakeTimeout)
}
