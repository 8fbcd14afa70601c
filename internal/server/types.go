package server

import (
	"strings"

	"github.com/Tyrowin/gochat/internal/gateway"
)

// Message is the JSON frame a client sends:
//
//	{"event":"chat message","text":"hello"}
//
// An empty event is treated as a chat message.
type Message struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

func (m Message) isChat() bool {
	return m.Event == "" || m.Event == gateway.EventChatMessage
}

// Close reasons sent to rejected clients.
const (
	capacityRejection = "Server at capacity. Try again later."
	authRejection     = "Invalid or expired token"
	shutdownReason    = "Server shutting down"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
