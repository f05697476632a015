package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/parkdog_dm/internal/ids"
	"github.com/adred-codev/parkdog_dm/internal/store"
	"github.com/adred-codev/parkdog_dm/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, store.NewMemory(ids.NewULIDGenerator()))
}

func TestMemory_CounterIDs(t *testing.T) {
	storetest.Run(t, store.NewMemory(ids.NewCounterGenerator()))
}

func TestConversation_Peer(t *testing.T) {
	c := &store.Conversation{User1ID: "a", User2ID: "b"}

	assert.Equal(t, "b", c.Peer("a"))
	assert.Equal(t, "a", c.Peer("b"))
	assert.Equal(t, "", c.Peer("c"))
	assert.False(t, c.HasParticipant(""))
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, store.DefaultPageSize, store.NormalizeLimit(0))
	assert.Equal(t, store.DefaultPageSize, store.NormalizeLimit(-3))
	assert.Equal(t, 7, store.NormalizeLimit(7))
	assert.Equal(t, store.MaxPageSize, store.NormalizeLimit(1000))
}

func TestMemory_UnknownConversation(t *testing.T) {
	s := store.NewMemory(ids.NewULIDGenerator())
	ctx := context.Background()

	_, err := s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ListMessages(ctx, "missing", 10, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	wm, err := s.GetWatermark(ctx, "missing", "u")
	require.NoError(t, err)
	assert.Empty(t, wm)
}
