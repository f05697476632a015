package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/parkdog_dm/internal/ids"
)

type tokenKey struct {
	conversationID string
	senderID       string
	token          string
}

type pairKey struct {
	user1, user2 string
}

type watermarkKey struct {
	conversationID string
	userID         string
}

// Memory is an in-process Store. A single mutex covers all maps, which gives
// AppendMessage the same all-or-nothing visibility as a database transaction.
type Memory struct {
	mu  sync.RWMutex
	gen ids.Generator
	now func() time.Time

	conversations map[string]*Conversation
	pairs         map[pairKey]string // active pair → conversation id
	messages      map[string]*Message
	timeline      map[string][]string // conversation id → message ids, ascending
	tokens        map[tokenKey]string
	watermarks    map[watermarkKey]ReadWatermark
}

func NewMemory(gen ids.Generator) *Memory {
	return &Memory{
		gen:           gen,
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		pairs:         make(map[pairKey]string),
		messages:      make(map[string]*Message),
		timeline:      make(map[string][]string),
		tokens:        make(map[tokenKey]string),
		watermarks:    make(map[watermarkKey]ReadWatermark),
	}
}

func (m *Memory) GetOrCreateConversation(_ context.Context, userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, ErrInvalidPair
	}
	u1, u2 := CanonicalPair(userA, userB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairs[pairKey{u1, u2}]; ok {
		c := *m.conversations[id]
		return &c, nil
	}

	now := m.now()
	conv := &Conversation{
		ID:         m.gen.Next(),
		User1ID:    u1,
		User2ID:    u2,
		KeyVersion: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.conversations[conv.ID] = conv
	m.pairs[pairKey{u1, u2}] = conv.ID

	c := *conv
	return &c, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, err := m.activeConversation(id)
	if err != nil {
		return nil, err
	}
	c := *conv
	return &c, nil
}

func (m *Memory) ListConversations(_ context.Context, userID string, limit int) ([]Conversation, error) {
	limit = NormalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Conversation
	for _, c := range m.conversations {
		if !c.IsDeleted && c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(&out[i]).After(lastActivity(&out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (m *Memory) DeleteConversation(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.activeConversation(id)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}

	now := m.now()
	conv.IsDeleted = true
	conv.DeletedAt = &now
	conv.UpdatedAt = now
	delete(m.pairs, pairKey{conv.User1ID, conv.User2ID})
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, p AppendParams) (*Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.activeConversation(p.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if !conv.HasParticipant(p.SenderID) {
		return nil, false, ErrNotParticipant
	}

	var key tokenKey
	if p.ClientToken != "" {
		key = tokenKey{p.ConversationID, p.SenderID, p.ClientToken}
		if id, ok := m.tokens[key]; ok {
			msg := *m.messages[id]
			return &msg, false, nil
		}
	}

	now := m.now()
	msg := &Message{
		ID:             m.gen.Next(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Text:           p.Text,
		CreatedAt:      now,
	}
	if p.ClientToken != "" {
		token := p.ClientToken
		msg.ClientToken = &token
		m.tokens[key] = msg.ID
	}

	m.messages[msg.ID] = msg
	m.insertTimeline(p.ConversationID, msg.ID)

	lastID := msg.ID
	conv.LastMessageID = &lastID
	conv.LastMessageAt = &now
	conv.UpdatedAt = now

	out := *msg
	return &out, true, nil
}

func (m *Memory) insertTimeline(conversationID, id string) {
	timeline := m.timeline[conversationID]
	i := sort.SearchStrings(timeline, id)
	timeline = append(timeline, "")
	copy(timeline[i+1:], timeline[i:])
	timeline[i] = id
	m.timeline[conversationID] = timeline
}

func (m *Memory) GetMessage(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	limit = NormalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.activeConversation(conversationID); err != nil {
		return nil, err
	}

	timeline := m.timeline[conversationID]
	out := make([]Message, 0, limit)
	for i := len(timeline) - 1; i >= 0 && len(out) < limit; i-- {
		id := timeline[i]
		if beforeID != "" && id >= beforeID {
			continue
		}
		msg := m.messages[id]
		if msg.IsDeleted {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (m *Memory) DeleteMessage(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.IsDeleted {
		return ErrNotFound
	}
	if msg.SenderID != userID {
		return ErrNotParticipant
	}
	now := m.now()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	return nil
}

func (m *Memory) UnreadCount(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, err := m.activeConversation(conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, ErrNotParticipant
	}

	watermark := m.watermarks[watermarkKey{conversationID, userID}].LastReadMessageID
	timeline := m.timeline[conversationID]
	start := sort.Search(len(timeline), func(i int) bool { return timeline[i] > watermark })

	var n int64
	for _, id := range timeline[start:] {
		msg := m.messages[id]
		if msg.SenderID != userID && !msg.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateWatermark(_ context.Context, conversationID, userID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.activeConversation(conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}

	m.watermarks[watermarkKey{conversationID, userID}] = ReadWatermark{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: messageID,
		UpdatedAt:         m.now(),
	}
	return nil
}

func (m *Memory) GetWatermark(_ context.Context, conversationID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[watermarkKey{conversationID, userID}].LastReadMessageID, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// activeConversation must be called with m.mu held.
func (m *Memory) activeConversation(id string) (*Conversation, error) {
	conv, ok := m.conversations[id]
	if !ok || conv.IsDeleted {
		return nil, ErrNotFound
	}
	return conv, nil
}
