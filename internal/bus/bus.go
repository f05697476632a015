// Package bus fans realtime events out to every realtime process. Each
// process receives every envelope and delivers it to its own connections
// subscribed to any of the envelope's channels.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope is one event addressed to one or more channels. A connection
// subscribed to several of them still receives it once. Origin names the
// connection that caused the event; it is skipped on delivery.
type Envelope struct {
	Channels []string        `json:"channels"`
	Origin   string          `json:"origin,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Handler must not block; it runs on the bus delivery goroutine.
type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(handler Handler) error
	Close() error
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(eventType string, data any, origin string, channels ...string) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Channels: channels, Origin: origin, Type: eventType, Data: raw}, nil
}

// Channel names.
func UserChannel(userID string) string         { return "user." + userID }
func ConversationChannel(convID string) string { return "conversation." + convID }
func PresenceChannel(userID string) string     { return "presence." + userID }
