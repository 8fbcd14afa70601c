package gateway

import (
	"encoding/json"

	"github.com/Tyrowin/gochat/internal/auth"
)

// Event names on the wire.
const (
	EventNewUser     = "new user"
	EventChatMessage = "chat message"
	EventUserLeft    = "user left"
)

// Event is one outbound message. Join and leave events carry Identity,
// chat events carry Text formatted as "identity: message".
type Event struct {
	Kind     string `json:"event"`
	Identity string `json:"identity,omitempty"`
	Text     string `json:"text,omitempty"`
}

// JoinEvent announces identity to the other members.
func JoinEvent(identity auth.Identity) Event {
	return Event{Kind: EventNewUser, Identity: identity.String()}
}

// LeaveEvent announces that identity disconnected.
func LeaveEvent(identity auth.Identity) Event {
	return Event{Kind: EventUserLeft, Identity: identity.String()}
}

// ChatEvent formats a chat line from sender.
func ChatEvent(sender auth.Identity, text string) Event {
	return Event{Kind: EventChatMessage, Text: FormatChat(sender, text)}
}

// FormatChat renders the broadcast text of a chat message.
func FormatChat(sender auth.Identity, text string) string {
	return sender.String() + ": " + text
}

// Encode returns the JSON wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
