// Package protocol defines the JSON frames exchanged with realtime clients
// and published on the bus.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/parkdog_dm/internal/store"
)

// Frame is the wire envelope: {"type": "...", "data": {...}}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame. Payloads are plain structs so marshalling only
// fails on programmer error.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: eventType, Data: raw})
}

// Client → server.
const (
	EventJoin   = "dm:join"
	EventSend   = "dm:send"
	EventRead   = "dm:read"
	EventTyping = "dm:typing"
	EventLeave  = "dm:leave"
	EventPing   = "ping"
)

// Server → client.
const (
	EventJoined      = "dm:joined"
	EventAck         = "dm:ack"
	EventNew         = "dm:new"
	EventReadReceipt = "dm:read-receipt"
	EventPeerTyping  = "dm:typing"
	EventPeerLeft    = "dm:leave"
	EventError       = "dm:error"
	EventOnline      = "user:online"
	EventOffline     = "user:offline"
	EventPong        = "pong"
)

// Error codes carried by dm:error.
const (
	CodeInvalidConversationID = "INVALID_CONVERSATION_ID"
	CodeConversationNotFound  = "CONVERSATION_NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeNoMatch               = "NO_MATCH"
	CodeBlocked               = "BLOCKED"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeInvalidData           = "INVALID_DATA"
	CodeMessageFailed         = "MESSAGE_FAILED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternalError         = "INTERNAL_ERROR"
)

// JoinRequest names either an existing conversation or a peer; the peer form
// opens the conversation on first contact.
type JoinRequest struct {
	ConversationID string `json:"conversationId" validate:"omitempty,msgid"`
	PeerID         string `json:"peerId" validate:"omitempty,max=64"`
}

type Joined struct {
	ConversationID string           `json:"conversationId"`
	PeerID         string           `json:"peerId"`
	Messages       []*store.Message `json:"messages"`
	Cursor         *string          `json:"cursor"`
	KeyVersion     int              `json:"keyVersion"`
	PeerOnline     bool             `json:"peerOnline"`
	UnreadCount    int64            `json:"unreadCount"`
}

type SendRequest struct {
	ConversationID string `json:"conversationId" validate:"required,msgid"`
	TempID         string `json:"tempId" validate:"omitempty,max=128"`
	Text           string `json:"text" validate:"required"`
}

type Ack struct {
	TempID         string    `json:"tempId,omitempty"`
	ServerID       string    `json:"serverId"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversationId"`
	Duplicate      bool      `json:"duplicate"`
}

type NewMessage struct {
	ConversationID string         `json:"conversationId"`
	Message        *store.Message `json:"message"`
}

type ReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required,msgid"`
	UpToMessageID  string `json:"upToMessageId" validate:"required,msgid"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UpToMessageID  string    `json:"upToMessageId"`
	Timestamp      time.Time `json:"timestamp"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required,msgid"`
	IsTyping       bool   `json:"isTyping"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type LeaveRequest struct {
	ConversationID string `json:"conversationId" validate:"required,msgid"`
}

type Left struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	TempID  string `json:"tempId,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}
