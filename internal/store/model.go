package store

import "time"

// Conversation is the 1:1 channel between two matched users.
// User1ID is always the lexicographically smaller participant.
type Conversation struct {
	ID            string     `gorm:"primaryKey;size:26" json:"id"`
	User1ID       string     `gorm:"size:64;not null;index" json:"user1Id"`
	User2ID       string     `gorm:"size:64;not null;index" json:"user2Id"`
	LastMessageID *string    `gorm:"size:26" json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `gorm:"index" json:"lastMessageAt,omitempty"`
	KeyVersion    int        `gorm:"not null;default:1" json:"keyVersion"`
	IsDeleted     bool       `gorm:"not null;default:false" json:"-"`
	DeletedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// HasParticipant reports whether userID is one of the two members.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// Peer returns the other participant, or "" when userID is not a member.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// Message is immutable after insert except for soft-delete and the legacy
// read columns. Ciphertext and Nonce are reserved for end-to-end encryption.
type Message struct {
	ID             string     `gorm:"primaryKey;size:26" json:"id"`
	ConversationID string     `gorm:"size:26;not null;index:idx_messages_conversation;uniqueIndex:idx_messages_client_token,priority:1" json:"conversationId"`
	SenderID       string     `gorm:"size:64;not null;uniqueIndex:idx_messages_client_token,priority:2" json:"senderId"`
	Text           string     `gorm:"type:text;not null" json:"text"`
	Ciphertext     []byte     `json:"-"`
	Nonce          []byte     `json:"-"`
	ClientToken    *string    `gorm:"size:128;uniqueIndex:idx_messages_client_token,priority:3" json:"tempId,omitempty"`
	IsRead         bool       `gorm:"not null;default:false" json:"-"`
	ReadAt         *time.Time `json:"-"`
	IsDeleted      bool       `gorm:"not null;default:false" json:"-"`
	DeletedAt      *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ReadWatermark points at the newest message a user has acknowledged in a conversation.
type ReadWatermark struct {
	ConversationID    string    `gorm:"primaryKey;size:26" json:"conversationId"`
	UserID            string    `gorm:"primaryKey;size:64" json:"userId"`
	LastReadMessageID string    `gorm:"size:26;not null" json:"lastReadMessageId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Block is directional; either direction disables the pair.
type Block struct {
	BlockerID string `gorm:"primaryKey;size:64"`
	BlockedID string `gorm:"primaryKey;size:64"`
	Reason    string `gorm:"size:255"`
	CreatedAt time.Time
}

// Match records a mutual match in canonical order. Only "active" matches
// permit messaging.
type Match struct {
	User1ID   string `gorm:"primaryKey;size:64"`
	User2ID   string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:16;not null;default:active"`
	CreatedAt time.Time
}

const MatchStatusActive = "active"

// AppendParams carries one logical send.
type AppendParams struct {
	ConversationID string
	SenderID       string
	Text           string
	ClientToken    string // optional idempotency token
}

// CanonicalPair orders two user ids so a pair maps to exactly one row.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// NormalizeLimit applies the default and the hard cap to a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
