package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("dm:typing", map[string]any{"isTyping": true}, "conn-1",
		UserChannel("bob"), ConversationChannel("c1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"user.bob", "conversation.c1"}, env.Channels)
	assert.Equal(t, "conn-1", env.Origin)
	assert.JSONEq(t, `{"isTyping":true}`, string(env.Data))
	assert.Equal(t, "presence.bob", PresenceChannel("bob"))

	_, err = NewEnvelope("x", make(chan int), "")
	assert.Error(t, err)
}

func TestLocal_FanOut(t *testing.T) {
	l := NewLocal()
	var got1, got2 []Envelope
	require.NoError(t, l.Subscribe(func(e Envelope) { got1 = append(got1, e) }))
	require.NoError(t, l.Subscribe(func(e Envelope) { got2 = append(got2, e) }))

	env := Envelope{Channels: []string{"user.a"}, Type: "dm:new", Data: json.RawMessage(`{}`)}
	require.NoError(t, l.Publish(context.Background(), env))

	assert.Equal(t, []Envelope{env}, got1)
	assert.Equal(t, []Envelope{env}, got2)
}

func TestLocal_Closed(t *testing.T) {
	l := NewLocal()
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Publish(context.Background(), Envelope{}), ErrClosed)
	assert.ErrorIs(t, l.Subscribe(func(Envelope) {}), ErrClosed)
}

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("nats container not available: %s", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATS_CrossProcessDelivery(t *testing.T) {
	url := startNATS(t)

	// Two connections stand in for two realtime processes.
	a, err := NewNATS(NATSConfig{URL: url, Name: "proc-a"}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNATS(NATSConfig{URL: url, Name: "proc-b"}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var received []Envelope
	done := make(chan struct{}, 1)
	require.NoError(t, b.Subscribe(func(e Envelope) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	}))
	require.NoError(t, b.Flush())

	env, err := NewEnvelope("dm:new", map[string]string{"id": "m1"}, "conn-a", UserChannel("bob"))
	require.NoError(t, err)
	require.NoError(t, a.Publish(context.Background(), env))
	require.NoError(t, a.Flush())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, env.Channels, received[0].Channels)
	assert.Equal(t, "conn-a", received[0].Origin)
	assert.JSONEq(t, `{"id":"m1"}`, string(received[0].Data))
	assert.True(t, a.IsConnected())
}
