package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/queue"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

type serverFixture struct {
	*harness
	server *Server
	jwt    *auth.JWTManager
	ts     *httptest.Server
	queue  *queue.Memory
}

func newServerFixture(t *testing.T, health ...HealthCheck) *serverFixture {
	t.Helper()
	h := newHarness(t)
	jwt := auth.NewJWTManager(auth.Config{Secret: "test-secret"})
	// no retries: a failed job goes straight to the failed registry
	failed := queue.NewMemory(queue.Options{Name: queue.Notifications, Timeout: 15 * time.Second})

	srv := NewServer(ServerConfig{MaxConnections: 10, ShutdownGrace: time.Second}, ServerDeps{
		Service:  h.svc,
		Verifier: jwt,
		Limiter:  limits.NewMemory(limits.Rules{}),
		Queues:   []queue.Queue{failed},
		Health:   health,
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &serverFixture{harness: h, server: srv, jwt: jwt, ts: ts, queue: failed}
}

func (f *serverFixture) apiRequest(t *testing.T, method, path, user string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	var token string
	if user != "" {
		var err error
		token, err = f.jwt.GenerateAPI(user)
		require.NoError(t, err)
	}
	return f.request(t, method, path, token, body)
}

func (f *serverFixture) operatorRequest(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := f.jwt.GenerateOperator("oncall")
	require.NoError(t, err)
	return f.request(t, method, path, token, nil)
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (f *serverFixture) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	token, err := f.jwt.GenerateRealtime(user)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + token
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}
	return &wsClient{conn: conn, rw: rw}
}

func (c *wsClient) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c.rw, raw))
}

func (c *wsClient) expect(t *testing.T, event string, v any) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)

	var f protocol.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	require.Equal(t, event, f.Type, "data: %s", f.Data)
	if v != nil {
		require.NoError(t, json.Unmarshal(f.Data, v))
	}
}

func TestWebSocket_RejectsBadCredentials(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	apiToken, err := f.jwt.GenerateAPI("alice")
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + apiToken
	_, _, _, err = ws.Dial(context.Background(), url)
	var status ws.StatusError
	require.True(t, errors.As(err, &status), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, int(status))
	assert.Zero(t, f.server.ActiveConnections())
}

func TestWebSocket_Conversation(t *testing.T) {
	f := newServerFixture(t)
	f.social.Match("alice", "bob")

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	require.Eventually(t, func() bool {
		return f.svc.Hub().index.Count("user.bob") == 1
	}, time.Second, 10*time.Millisecond)

	alice.send(t, protocol.EventJoin, protocol.JoinRequest{PeerID: "bob"})
	var joined protocol.Joined
	alice.expect(t, protocol.EventJoined, &joined)
	assert.True(t, joined.PeerOnline)

	alice.send(t, protocol.EventSend, protocol.SendRequest{ConversationID: joined.ConversationID, TempID: "t1", Text: "see you at the dog run"})
	var ack protocol.Ack
	alice.expect(t, protocol.EventAck, &ack)
	assert.Equal(t, "t1", ack.TempID)

	var got protocol.NewMessage
	bob.expect(t, protocol.EventNew, &got)
	assert.Equal(t, ack.ServerID, got.Message.ID)
	assert.Equal(t, "see you at the dog run", got.Message.Text)

	bob.send(t, protocol.EventPing, nil)
	bob.expect(t, protocol.EventPong, nil)

	require.NoError(t, bob.conn.Close())
	require.Eventually(t, func() bool { return f.server.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	var offline protocol.Presence
	alice.expect(t, protocol.EventOffline, &offline)
	assert.Equal(t, "bob", offline.UserID)
}

func TestWebSocket_MalformedFrame(t *testing.T) {
	f := newServerFixture(t)
	c := f.dial(t, "alice")

	require.NoError(t, wsutil.WriteClientText(c.rw, []byte("definitely not json")))
	var e protocol.Error
	c.expect(t, protocol.EventError, &e)
	assert.Equal(t, protocol.CodeInvalidData, e.Code)

	// The connection survives a bad frame.
	c.send(t, protocol.EventPing, nil)
	c.expect(t, protocol.EventPong, nil)
}

func TestAPI_Conversations(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	conv := f.conversation(t, "alice", "bob")

	var sent []string
	for i := 0; i < 3; i++ {
		msg, _, err := f.store.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: "alice", Text: "hi"})
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	rec := f.apiRequest(t, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []struct {
			ID          string `json:"id"`
			PeerID      string `json:"peerId"`
			UnreadCount int64  `json:"unreadCount"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, conv.ID, list.Conversations[0].ID)
	assert.Equal(t, "alice", list.Conversations[0].PeerID)
	assert.EqualValues(t, 3, list.Conversations[0].UnreadCount)

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Messages   []store.Message `json:"messages"`
		NextCursor *string         `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, sent[2], page.Messages[0].ID, "newest first")
	require.NotNil(t, page.NextCursor)

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=2&before="+*page.NextCursor, "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, sent[0], page.Messages[0].ID)
	assert.Nil(t, page.NextCursor)

	rec = f.apiRequest(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", "bob",
		strings.NewReader(`{"upToMessageId":"`+sent[2]+`"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/"+conv.ID+"/unread", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversationId":"`+conv.ID+`","unreadCount":0}`, rec.Body.String())
}

func TestAPI_Errors(t *testing.T) {
	f := newServerFixture(t)
	conv := f.conversation(t, "alice", "bob")

	rec := f.apiRequest(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/01ARZ3NDEKTSV4RRFFQ69G5FAV/unread", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.apiRequest(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?before=bogus", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.apiRequest(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", "alice", strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.operatorRequest(t, http.MethodGet, "/api/queues/nope/failed")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	conv := f.conversation(t, "alice", "bob")
	msg, _, err := f.store.AppendMessage(ctx, store.AppendParams{ConversationID: conv.ID, SenderID: "alice", Text: "oops"})
	require.NoError(t, err)

	path := "/api/conversations/" + conv.ID + "/messages/" + msg.ID
	rec := f.apiRequest(t, http.MethodDelete, path, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.apiRequest(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.apiRequest(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Queues(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	_, err := f.queue.Enqueue(ctx, map[string]string{"messageId": "x"})
	require.NoError(t, err)

	rec := f.operatorRequest(t, http.MethodGet, "/api/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Queues []queue.Stats `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Queues, 1)
	assert.Equal(t, queue.Notifications, stats.Queues[0].Name)
	assert.EqualValues(t, 1, stats.Queues[0].Pending)

	rec = f.operatorRequest(t, http.MethodPost, "/api/queues/notifications/failed/missing/requeue")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_QueuesRequireOperator(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)

	id, err := f.queue.Enqueue(ctx, map[string]string{"userId": "bob", "body": "secret from alice to bob"})
	require.NoError(t, err)
	job, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	retrying, err := f.queue.Fail(ctx, job, errors.New("gateway down"))
	require.NoError(t, err)
	require.False(t, retrying)

	failedPath := "/api/queues/notifications/failed"
	requeuePath := failedPath + "/" + id + "/requeue"

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/queues"},
		{http.MethodGet, failedPath},
		{http.MethodPost, requeuePath},
	} {
		rec := f.apiRequest(t, tc.method, tc.path, "mallory", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
		assert.NotContains(t, rec.Body.String(), "secret")
	}

	stored, err := f.queue.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, stored.State, "a plain user cannot requeue")

	rec := f.operatorRequest(t, http.MethodGet, failedPath)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "secret from alice to bob")

	rec = f.operatorRequest(t, http.MethodPost, requeuePath)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.apiRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	degraded := newServerFixture(t, HealthCheck{Name: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rec = degraded.apiRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
