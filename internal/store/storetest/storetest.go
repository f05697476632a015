// Package storetest holds behavioural tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/parkdog_dm/internal/store"
)

// Run exercises s. Each subtest uses fresh random user ids, so one store
// instance can be shared across subtests.
func Run(t *testing.T, s store.Store) {
	t.Run("canonical conversation identity", func(t *testing.T) { testCanonicalPair(t, s) })
	t.Run("concurrent get-or-create", func(t *testing.T) { testConcurrentGetOrCreate(t, s) })
	t.Run("invalid pair", func(t *testing.T) { testInvalidPair(t, s) })
	t.Run("idempotent append", func(t *testing.T) { testIdempotentAppend(t, s) })
	t.Run("token scoped to sender", func(t *testing.T) { testTokenScopedToSender(t, s) })
	t.Run("non participant", func(t *testing.T) { testNonParticipant(t, s) })
	t.Run("last message pointer", func(t *testing.T) { testLastMessagePointer(t, s) })
	t.Run("pagination", func(t *testing.T) { testPagination(t, s) })
	t.Run("unread and watermark", func(t *testing.T) { testUnread(t, s) })
	t.Run("soft delete conversation", func(t *testing.T) { testDeleteConversation(t, s) })
	t.Run("soft delete message", func(t *testing.T) { testDeleteMessage(t, s) })
	t.Run("list conversations", func(t *testing.T) { testListConversations(t, s) })
}

func newUser() string { return "u-" + uuid.NewString() }

func newPair(t *testing.T, s store.Store) (string, string, *store.Conversation) {
	t.Helper()
	a, b := newUser(), newUser()
	conv, err := s.GetOrCreateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return a, b, conv
}

func testCanonicalPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := newUser(), newUser()

	ab, err := s.GetOrCreateConversation(ctx, a, b)
	require.NoError(t, err)
	ba, err := s.GetOrCreateConversation(ctx, b, a)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Less(t, ab.User1ID, ab.User2ID)
	assert.Equal(t, 1, ab.KeyVersion)
	assert.Nil(t, ab.LastMessageID)
}

func testConcurrentGetOrCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := newUser(), newUser()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[string]struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			conv, err := s.GetOrCreateConversation(ctx, x, y)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got[conv.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, got, 1)
}

func testInvalidPair(t *testing.T, s store.Store) {
	a := newUser()
	_, err := s.GetOrCreateConversation(context.Background(), a, a)
	assert.ErrorIs(t, err, store.ErrInvalidPair)
}

func testIdempotentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, _, conv := newPair(t, s)

	first, created, err := s.AppendMessage(ctx, store.AppendParams{
		ConversationID: conv.ID, SenderID: a, Text: "hola", ClientToken: "t1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.AppendMessage(ctx, store.AppendParams{
		ConversationID: conv.ID, SenderID: a, Text: "hola", ClientToken: "t1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	page, err := s.ListMessages(ctx, conv.ID, 10, "")
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func testTokenScopedToSender(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, conv := newPair(t, s)

	fromA, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "x", ClientToken: "same"})
	require.NoError(t, err)
	fromB, created, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: b, Text: "y", ClientToken: "same"})
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEqual(t, fromA.ID, fromB.ID)
}

func testNonParticipant(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, conv := newPair(t, s)
	stranger := newUser()

	_, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: stranger, Text: "hi"})
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	err = s.UpdateWatermark(ctx, conv.ID, stranger, "01HQ3V8K9X0000000000000000")
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	page, err := s.ListMessages(ctx, conv.ID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testLastMessagePointer(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, conv := newPair(t, s)

	_, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "one"})
	require.NoError(t, err)
	last, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: b, Text: "two"})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, last.ID, *got.LastMessageID)
	assert.NotNil(t, got.LastMessageAt)

	msg, err := s.GetMessage(ctx, *got.LastMessageID)
	require.NoError(t, err)
	assert.Equal(t, "two", msg.Text)
}

func testPagination(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, _, conv := newPair(t, s)

	var sent []string
	for i := 0; i < 120; i++ {
		msg, _, err := s.AppendMessage(ctx, store.AppendParams{
			ConversationID: conv.ID, SenderID: a, Text: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	page, err := s.ListMessages(ctx, conv.ID, 500, "")
	require.NoError(t, err)
	require.Len(t, page, store.MaxPageSize)
	assert.Equal(t, sent[119], page[0].ID)
	for i := 1; i < len(page); i++ {
		assert.Greater(t, page[i-1].ID, page[i].ID)
	}

	page, err = s.ListMessages(ctx, conv.ID, 0, "")
	require.NoError(t, err)
	assert.Len(t, page, store.DefaultPageSize)

	page, err = s.ListMessages(ctx, conv.ID, 10, sent[5])
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, sent[4], page[0].ID)
	assert.Equal(t, sent[0], page[4].ID)
}

func testUnread(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, conv := newPair(t, s)

	var fromA []string
	for i := 0; i < 4; i++ {
		msg, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "ping"})
		require.NoError(t, err)
		fromA = append(fromA, msg.ID)
	}
	_, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: b, Text: "pong"})
	require.NoError(t, err)

	n, err := s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = s.UnreadCount(ctx, conv.ID, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.UpdateWatermark(ctx, conv.ID, b, fromA[1]))
	n, err = s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	wm, err := s.GetWatermark(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, fromA[1], wm)

	require.NoError(t, s.UpdateWatermark(ctx, conv.ID, b, fromA[3]))
	n, err = s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, _, err = s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "later"})
	require.NoError(t, err)
	n, err = s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testDeleteConversation(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, conv := newPair(t, s)

	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID, newUser()), store.ErrNotParticipant)
	require.NoError(t, s.DeleteConversation(ctx, conv.ID, a))

	_, err := s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	fresh, err := s.GetOrCreateConversation(ctx, b, a)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, fresh.ID)
}

func testDeleteMessage(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, conv := newPair(t, s)

	msg, _, err := s.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: a, Text: "oops"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteMessage(ctx, msg.ID, b), store.ErrNotParticipant)
	require.NoError(t, s.DeleteMessage(ctx, msg.ID, a))
	assert.ErrorIs(t, s.DeleteMessage(ctx, msg.ID, a), store.ErrNotFound)

	page, err := s.ListMessages(ctx, conv.ID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page)

	n, err := s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testListConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	me := newUser()

	older, err := s.GetOrCreateConversation(ctx, me, newUser())
	require.NoError(t, err)
	newer, err := s.GetOrCreateConversation(ctx, me, newUser())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, _, err = s.AppendMessage(ctx, store.AppendParams{ConversationID: older.ID, SenderID: me, Text: "bump"})
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, me, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, older.ID, convs[0].ID)
	assert.Equal(t, newer.ID, convs[1].ID)
}
