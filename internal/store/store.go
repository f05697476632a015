// Package store persists conversations, messages and read watermarks.
//
// Two implementations exist: Memory for single-process development and tests,
// and the gorm/Postgres store in the postgres subpackage for production.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrNotParticipant = errors.New("store: user is not a participant")
	ErrInvalidPair    = errors.New("store: a conversation needs two distinct users")
)

// Store is the conversation/message persistence contract.
type Store interface {
	// GetOrCreateConversation returns the active conversation for the
	// unordered pair, creating it on first contact. Concurrent calls for the
	// same pair observe a single row.
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)

	// GetConversation returns ErrNotFound for unknown or soft-deleted rows.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns a user's active conversations, most recent first.
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)

	// DeleteConversation soft-deletes; userID must be a participant.
	DeleteConversation(ctx context.Context, id, userID string) error

	// AppendMessage persists a message and moves the conversation's
	// last-message pointer in one transaction. When p.ClientToken was
	// already used by the same sender in the same conversation the original
	// message is returned with created=false and nothing is written.
	AppendMessage(ctx context.Context, p AppendParams) (msg *Message, created bool, err error)

	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListMessages returns a newest-first page, strictly older than beforeID
	// when it is set. The page size is normalized by NormalizeLimit.
	ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error)

	// DeleteMessage soft-deletes a message; only its sender may do so.
	DeleteMessage(ctx context.Context, messageID, userID string) error

	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)

	// UpdateWatermark upserts the read pointer, last write wins.
	UpdateWatermark(ctx context.Context, conversationID, userID, messageID string) error

	// GetWatermark returns "" when the user never read anything.
	GetWatermark(ctx context.Context, conversationID, userID string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}
