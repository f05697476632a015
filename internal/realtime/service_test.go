package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/parkdog_dm/internal/bus"
	"github.com/adred-codev/parkdog_dm/internal/delivery"
	"github.com/adred-codev/parkdog_dm/internal/ids"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/presence"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
	"github.com/adred-codev/parkdog_dm/internal/social"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []delivery.Job
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job delivery.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingEnqueuer) Jobs() []delivery.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Job(nil), r.jobs...)
}

type harness struct {
	svc      *Service
	store    *store.Memory
	social   *social.Memory
	presence *presence.Memory
	bus      *bus.Local
	jobs     *recordingEnqueuer
}

type harnessOption func(*Deps, *Options)

func withRules(rules limits.Rules) harnessOption {
	return func(d *Deps, _ *Options) { d.Limiter = limits.NewMemory(rules) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(ids.NewULIDGenerator()),
		social:   social.NewMemory(),
		presence: presence.NewMemory(),
		bus:      bus.NewLocal(),
		jobs:     &recordingEnqueuer{},
	}
	deps := Deps{
		Store:     h.store,
		Social:    h.social,
		Presence:  h.presence,
		Limiter:   limits.NewMemory(limits.Rules{}),
		Sanitizer: sanitize.New(sanitize.Config{}),
		Bus:       h.bus,
		Delivery:  h.jobs,
		Logger:    zerolog.Nop(),
	}
	options := Options{PresenceTTL: time.Minute}
	for _, o := range opts {
		o(&deps, &options)
	}

	h.svc = NewService(deps, options)
	require.NoError(t, h.bus.Subscribe(h.svc.Hub().Deliver))
	return h
}

func (h *harness) connect(userID string) *Client {
	c := newClient(uuid.NewString(), userID, nil)
	h.svc.Connect(context.Background(), c)
	drain(c)
	return c
}

func (h *harness) do(t *testing.T, c *Client, event string, data any) {
	t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(t, err)
	h.svc.Handle(context.Background(), c, raw)
}

// conversation matches a and b and opens their conversation.
func (h *harness) conversation(t *testing.T, a, b string) *store.Conversation {
	t.Helper()
	h.social.Match(a, b)
	conv, err := h.store.GetOrCreateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func (h *harness) messageCount(t *testing.T, convID string) int {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), convID, store.MaxPageSize, "")
	require.NoError(t, err)
	return len(msgs)
}

func drain(c *Client) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case raw := <-c.send:
			var f protocol.Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

// single drains c and requires exactly one frame of the given type.
func single[T any](t *testing.T, c *Client, eventType string) T {
	t.Helper()
	frames := drain(c)
	require.Len(t, frames, 1, "frames: %v", frameTypes(frames))
	require.Equal(t, eventType, frames[0].Type, "data: %s", frames[0].Data)
	var v T
	require.NoError(t, json.Unmarshal(frames[0].Data, &v))
	return v
}

func frameTypes(frames []protocol.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func requireError(t *testing.T, c *Client, code string) protocol.Error {
	t.Helper()
	e := single[protocol.Error](t, c, protocol.EventError)
	assert.Equal(t, code, e.Code, e.Message)
	return e
}

func TestJoinSendAndReplay(t *testing.T) {
	h := newHarness(t)
	h.social.Match("alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{PeerID: "bob"})
	joined := single[protocol.Joined](t, a, protocol.EventJoined)
	assert.Empty(t, joined.Messages)
	assert.Nil(t, joined.Cursor)
	assert.Equal(t, "bob", joined.PeerID)
	assert.Equal(t, 1, joined.KeyVersion)
	assert.True(t, joined.PeerOnline)
	convID := joined.ConversationID

	h.do(t, b, protocol.EventJoin, protocol.JoinRequest{ConversationID: convID})
	single[protocol.Joined](t, b, protocol.EventJoined)

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: convID, TempID: "t1", Text: "hola"})
	ack := single[protocol.Ack](t, a, protocol.EventAck)
	assert.Equal(t, "t1", ack.TempID)
	assert.Equal(t, convID, ack.ConversationID)
	assert.False(t, ack.Duplicate)
	require.True(t, ids.Valid(ack.ServerID))

	// Subscribed to both the conversation and its own user channel, B still
	// gets the message once.
	got := single[protocol.NewMessage](t, b, protocol.EventNew)
	assert.Equal(t, ack.ServerID, got.Message.ID)
	assert.Equal(t, "hola", got.Message.Text)
	assert.Equal(t, "alice", got.Message.SenderID)

	jobs := h.jobs.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, delivery.Job{MessageID: ack.ServerID, ReceiverID: "bob", ConversationID: convID, Broadcasted: true}, jobs[0])

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: convID, TempID: "t1", Text: "hola"})
	replay := single[protocol.Ack](t, a, protocol.EventAck)
	assert.Equal(t, ack.ServerID, replay.ServerID)
	assert.True(t, replay.Duplicate)

	assert.Empty(t, drain(b), "a replay is not broadcast again")
	assert.Len(t, h.jobs.Jobs(), 1)
	assert.Equal(t, 1, h.messageCount(t, convID))
}

func TestSend_OtherDevicesOfSender(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	phone := h.connect("alice")
	laptop := h.connect("alice")
	bob := h.connect("bob")

	h.do(t, phone, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, TempID: "x", Text: "on my way"})

	single[protocol.Ack](t, phone, protocol.EventAck)
	onLaptop := single[protocol.NewMessage](t, laptop, protocol.EventNew)
	assert.Equal(t, "on my way", onLaptop.Message.Text)
	single[protocol.NewMessage](t, bob, protocol.EventNew)
}

func TestRead_MovesWatermarkAndNotifiesPeer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	var sent []string
	for _, text := range []string{"one", "two", "three"} {
		h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: text})
		sent = append(sent, single[protocol.Ack](t, a, protocol.EventAck).ServerID)
	}
	drain(b)

	unread, err := h.store.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 3, unread)

	h.do(t, b, protocol.EventRead, protocol.ReadRequest{ConversationID: conv.ID, UpToMessageID: sent[1]})
	assert.Empty(t, drain(b))

	receipt := single[map[string]any](t, a, protocol.EventReadReceipt)
	assert.Equal(t, conv.ID, receipt["conversationId"])
	assert.Equal(t, "bob", receipt["userId"])
	assert.Equal(t, sent[1], receipt["upToMessageId"])
	assert.NotEmpty(t, receipt["timestamp"])
	assert.NotContains(t, receipt, "readAt")

	unread, err = h.store.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread, "only the message after the watermark stays unread")

	// A reader's own messages never count as unread for them.
	unread, err = h.store.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestRead_MessageFromAnotherConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	other := h.conversation(t, "alice", "carol")
	a := h.connect("alice")

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: other.ID, Text: "hey carol"})
	ack := single[protocol.Ack](t, a, protocol.EventAck)

	b := h.connect("bob")
	h.do(t, b, protocol.EventRead, protocol.ReadRequest{ConversationID: conv.ID, UpToMessageID: ack.ServerID})
	requireError(t, b, protocol.CodeInvalidData)
}

func TestSend_RateLimited(t *testing.T) {
	h := newHarness(t, withRules(limits.Rules{limits.ActionMessageSend: {Limit: 3, Window: time.Minute}}))
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")

	for i := 0; i < 3; i++ {
		h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "woof"})
		single[protocol.Ack](t, a, protocol.EventAck)
	}

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, TempID: "t4", Text: "woof"})
	e := requireError(t, a, protocol.CodeRateLimited)
	assert.Equal(t, "t4", e.TempID)
	assert.Equal(t, protocol.EventSend, e.Event)

	assert.Equal(t, 3, h.messageCount(t, conv.ID))
	assert.Len(t, h.jobs.Jobs(), 3)
}

func TestNonParticipant(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	h.social.Match("mallory", "alice")
	m := h.connect("mallory")
	b := h.connect("bob")

	h.do(t, m, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	requireError(t, m, protocol.CodeUnauthorized)
	assert.Zero(t, h.svc.Hub().index.Count("conversation."+conv.ID))

	h.do(t, m, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "let me in"})
	requireError(t, m, protocol.CodeUnauthorized)

	h.do(t, m, protocol.EventRead, protocol.ReadRequest{ConversationID: conv.ID, UpToMessageID: conv.ID})
	requireError(t, m, protocol.CodeUnauthorized)

	assert.Zero(t, h.messageCount(t, conv.ID))
	assert.Empty(t, h.jobs.Jobs())
	assert.Empty(t, drain(b))
}

func TestMatchAndBlockGating(t *testing.T) {
	ctx := context.Background()

	t.Run("no match", func(t *testing.T) {
		h := newHarness(t)
		conv := h.conversation(t, "alice", "bob")
		h.social.Unmatch("alice", "bob")
		a := h.connect("alice")

		h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "hi"})
		requireError(t, a, protocol.CodeNoMatch)

		h.do(t, a, protocol.EventJoin, protocol.JoinRequest{PeerID: "dave"})
		requireError(t, a, protocol.CodeNoMatch)
		convs, err := h.store.ListConversations(ctx, "alice", 0)
		require.NoError(t, err)
		assert.Len(t, convs, 1, "first contact without a match creates nothing")
	})

	for _, dir := range []struct{ blocker, blocked string }{{"alice", "bob"}, {"bob", "alice"}} {
		t.Run("blocked by "+dir.blocker, func(t *testing.T) {
			h := newHarness(t)
			conv := h.conversation(t, "alice", "bob")
			require.NoError(t, h.social.Block(dir.blocker, dir.blocked, "spam"))
			a := h.connect("alice")

			h.do(t, a, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
			requireError(t, a, protocol.CodeBlocked)
			h.do(t, a, protocol.EventJoin, protocol.JoinRequest{PeerID: "bob"})
			requireError(t, a, protocol.CodeBlocked)
			h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "hi"})
			requireError(t, a, protocol.CodeBlocked)

			assert.Zero(t, h.messageCount(t, conv.ID))
		})
	}
}

func TestJoin_Errors(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{ConversationID: ids.NewULIDGenerator().Next()})
	requireError(t, a, protocol.CodeConversationNotFound)

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{ConversationID: "not-an-id"})
	requireError(t, a, protocol.CodeInvalidConversationID)

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{})
	requireError(t, a, protocol.CodeInvalidData)

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{PeerID: "alice"})
	requireError(t, a, protocol.CodeInvalidData)
}

func TestJoin_HistoryPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")

	var sent []string
	for i := 0; i < store.DefaultPageSize+5; i++ {
		msg, _, err := h.store.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: "alice", Text: "msg"})
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	b := h.connect("bob")
	h.do(t, b, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	joined := single[protocol.Joined](t, b, protocol.EventJoined)

	require.Len(t, joined.Messages, store.DefaultPageSize)
	assert.Equal(t, sent[5], joined.Messages[0].ID, "oldest of the newest page first")
	assert.Equal(t, sent[len(sent)-1], joined.Messages[len(joined.Messages)-1].ID)
	require.NotNil(t, joined.Cursor)
	assert.Equal(t, sent[5], *joined.Cursor)
	assert.EqualValues(t, store.DefaultPageSize+5, joined.UnreadCount)
	assert.False(t, joined.PeerOnline)

	viewing, err := h.presence.IsViewing(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.True(t, viewing)
}

func TestTyping(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	h.do(t, a, protocol.EventTyping, protocol.TypingRequest{ConversationID: conv.ID, IsTyping: true})
	typing := single[protocol.Typing](t, b, protocol.EventPeerTyping)
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)
	assert.Empty(t, drain(a))

	require.NoError(t, h.social.Block("bob", "alice", ""))
	h.do(t, a, protocol.EventTyping, protocol.TypingRequest{ConversationID: conv.ID, IsTyping: true})
	assert.Empty(t, drain(b))
	assert.Empty(t, drain(a), "typing failures are silent")

	h.do(t, a, protocol.EventTyping, protocol.TypingRequest{ConversationID: "garbage"})
	assert.Empty(t, drain(a))
}

func TestTyping_RateLimitIsSilent(t *testing.T) {
	h := newHarness(t, withRules(limits.Rules{limits.ActionTypingEvent: {Limit: 1, Window: time.Minute}}))
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	h.do(t, a, protocol.EventTyping, protocol.TypingRequest{ConversationID: conv.ID, IsTyping: true})
	h.do(t, a, protocol.EventTyping, protocol.TypingRequest{ConversationID: conv.ID, IsTyping: false})

	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(a))
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	h.do(t, b, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	drain(b)
	h.do(t, b, protocol.EventLeave, protocol.LeaveRequest{ConversationID: conv.ID})

	left := single[protocol.Left](t, a, protocol.EventPeerLeft)
	assert.Equal(t, "bob", left.UserID)
	assert.False(t, b.subscriptions.Has("conversation."+conv.ID))
	assert.True(t, b.subscriptions.Has("user.bob"))

	viewing, err := h.presence.IsViewing(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.False(t, viewing)

	// Leaving again is a no-op.
	h.do(t, b, protocol.EventLeave, protocol.LeaveRequest{ConversationID: conv.ID})
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
}

func TestDisconnect_PresenceEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	drain(a)

	phone := h.connect("bob")
	online := single[protocol.Presence](t, a, protocol.EventOnline)
	assert.Equal(t, "bob", online.UserID)
	laptop := h.connect("bob")
	drain(a)

	h.svc.Disconnect(ctx, phone)
	assert.Empty(t, drain(a), "bob is still online on another device")

	h.svc.Disconnect(ctx, laptop)
	offline := single[protocol.Presence](t, a, protocol.EventOffline)
	assert.Equal(t, "bob", offline.UserID)
	assert.False(t, offline.Online)
	require.NotNil(t, offline.LastSeen)

	isOnline, err := h.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, isOnline)
	_, err = h.presence.Resolve(ctx, laptop.ID())
	assert.ErrorIs(t, err, presence.ErrUnknownConnection)
}

func TestDisconnect_LateRefreshKeepsUserOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	b := h.connect("bob")
	h.do(t, b, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	drain(b)

	h.svc.Disconnect(ctx, b)

	// A ping tick or an event that raced the disconnect must not revive
	// the lease.
	h.svc.Refresh(ctx, b)
	h.do(t, b, protocol.EventPing, nil)

	online, err := h.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
	viewing, err := h.presence.IsViewing(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.False(t, viewing)
}

func TestSend_InvalidMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, TempID: "bad", Text: `<script>alert(1)</script>`})
	e := requireError(t, a, protocol.CodeInvalidMessage)
	assert.Equal(t, "bad", e.TempID)

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "<p>  </p>\n\t"})
	requireError(t, a, protocol.CodeInvalidMessage)

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID})
	requireError(t, a, protocol.CodeInvalidMessage)

	assert.Zero(t, h.messageCount(t, conv.ID))
}

type failingStore struct {
	store.Store
}

func (failingStore) AppendMessage(context.Context, store.AppendParams) (*store.Message, bool, error) {
	return nil, false, errors.New("connection reset")
}

func TestSend_PersistenceFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) { d.Store = failingStore{Store: d.Store} })
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	b := h.connect("bob")

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, TempID: "t", Text: "hi"})
	e := requireError(t, a, protocol.CodeMessageFailed)
	assert.Equal(t, "t", e.TempID)
	assert.Empty(t, drain(b))
	assert.Empty(t, h.jobs.Jobs())
}

func TestSend_BusDownLeavesBroadcastToWorker(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	a := h.connect("alice")
	require.NoError(t, h.bus.Close())

	h.do(t, a, protocol.EventSend, protocol.SendRequest{ConversationID: conv.ID, Text: "hi"})
	single[protocol.Ack](t, a, protocol.EventAck)

	jobs := h.jobs.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Broadcasted)
}

type panickingChecker struct{}

func (panickingChecker) IsMutualMatch(context.Context, string, string) (bool, error) { panic("boom") }
func (panickingChecker) IsBlocked(context.Context, string, string) (bool, error)     { panic("boom") }

func TestPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, func(d *Deps, o *Options) {
		d.Social = panickingChecker{}
		o.HideInternalErrors = true
	})
	conv, err := h.store.GetOrCreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	a := h.connect("alice")

	h.do(t, a, protocol.EventJoin, protocol.JoinRequest{ConversationID: conv.ID})
	e := requireError(t, a, protocol.CodeInternalError)
	assert.Equal(t, "internal error", e.Message)
	_, err = uuid.Parse(e.TraceID)
	assert.NoError(t, err)

	// The connection keeps working after the panic.
	h.do(t, a, protocol.EventPing, nil)
	single[protocol.Pong](t, a, protocol.EventPong)
}

func TestHandle_MalformedFrames(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")

	h.svc.Handle(context.Background(), a, []byte("{not json"))
	requireError(t, a, protocol.CodeInvalidData)

	h.do(t, a, "dm:dance", nil)
	e := requireError(t, a, protocol.CodeInvalidData)
	assert.Equal(t, "dm:dance", e.Event)

	h.svc.Handle(context.Background(), a, []byte(`{"type":"dm:send","data":"text"}`))
	requireError(t, a, protocol.CodeInvalidData)
}

func TestWebsocketEventBudget(t *testing.T) {
	h := newHarness(t, withRules(limits.Rules{limits.ActionWebsocketEvent: {Limit: 2, Window: time.Minute}}))
	a := h.connect("alice")

	h.do(t, a, protocol.EventPing, nil)
	h.do(t, a, protocol.EventPing, nil)
	h.do(t, a, protocol.EventPing, nil)

	frames := drain(a)
	assert.Equal(t, []string{protocol.EventPong, protocol.EventPong, protocol.EventError}, frameTypes(frames))
}

func TestRequireSession(t *testing.T) {
	h := newHarness(t)
	anon := newClient("c1", "", nil)

	h.do(t, anon, protocol.EventPing, nil)
	requireError(t, anon, protocol.CodeUnauthorized)
}
