package realtime

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/bus"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
)

// Hub fans bus envelopes out to the local connections subscribed to their
// channels. Every process receives every envelope; the index decides who
// gets it here.
type Hub struct {
	index  *SubscriptionIndex
	logger zerolog.Logger

	dropLogCounter int64
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		index:  NewSubscriptionIndex(),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Subscribe(c *Client, channels ...string) {
	for _, ch := range channels {
		c.subscriptions.Add(ch)
		h.index.Add(ch, c)
	}
}

func (h *Hub) Unsubscribe(c *Client, channels ...string) {
	for _, ch := range channels {
		c.subscriptions.Remove(ch)
	}
	h.index.RemoveClient(channels, c)
}

// Remove drops c from every channel it joined.
func (h *Hub) Remove(c *Client) {
	h.Unsubscribe(c, c.subscriptions.List()...)
}

// Deliver is the bus handler. A connection subscribed to several of the
// envelope's channels gets the frame once; the originating connection is
// skipped.
func (h *Hub) Deliver(env bus.Envelope) {
	frame, err := json.Marshal(protocol.Frame{Type: env.Type, Data: env.Data})
	if err != nil {
		monitoring.RecordError("serialization")
		h.logger.Error().Err(err).Str("type", env.Type).Msg("Failed to encode broadcast frame")
		return
	}

	var seen map[*Client]struct{}
	if len(env.Channels) > 1 {
		seen = make(map[*Client]struct{})
	}

	for _, ch := range env.Channels {
		for _, c := range h.index.Get(ch) {
			if env.Origin != "" && c.id == env.Origin {
				continue
			}
			if seen != nil {
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
			}
			h.send(c, frame)
		}
	}
}

// Reply encodes and queues a frame for a single connection.
func (h *Hub) Reply(c *Client, eventType string, data any) {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		monitoring.RecordError("serialization")
		h.logger.Error().Err(err).Str("type", eventType).Msg("Failed to encode reply")
		return
	}
	h.send(c, frame)
}

// send never blocks. A connection whose buffer stays full for
// slowClientStrikes consecutive frames is closed with a policy violation.
func (h *Hub) send(c *Client, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	if c.closed() {
		return
	}

	attempts := atomic.AddInt32(&c.sendAttempts, 1)
	monitoring.IncrementFramesDropped()

	if n := atomic.AddInt64(&h.dropLogCounter, 1); n%100 == 1 {
		h.logger.Warn().
			Str("conn_id", c.id).
			Str("user_id", c.userID).
			Int32("attempts", attempts).
			Int("buffer_cap", cap(c.send)).
			Int64("total_drops", n).
			Msg("Frame dropped (sampled: every 100th)")
	}
	if attempts == 1 && atomic.CompareAndSwapInt32(&c.slowClientWarned, 0, 1) {
		h.logger.Warn().Str("conn_id", c.id).Msg("Client is slow")
	}

	if attempts >= slowClientStrikes {
		h.logger.Warn().
			Str("conn_id", c.id).
			Int32("consecutive_failures", attempts).
			Msg("Disconnecting slow client")

		if conn := c.conn; conn != nil {
			body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow to process messages")
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
		}
		c.closeWith(monitoring.DisconnectReasonSendBufferFull)
	}
}
