package realtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// sendBufferSize bounds the frames queued for one connection. A chat client
// sees a handful of frames per second; 256 slots ride out a slow network
// for well over a minute.
const sendBufferSize = 256

// slowClientStrikes is the number of consecutive full-buffer drops after
// which a connection is closed.
const slowClientStrikes = 3

// Client is one authenticated WebSocket connection. A user may hold several
// (phone, laptop); each gets its own Client and id.
type Client struct {
	id          string
	userID      string
	ip          string
	conn        net.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	// Consecutive failed non-blocking sends (atomic)
	sendAttempts     int32
	slowClientWarned int32

	subscriptions *SubscriptionSet

	mu          sync.Mutex
	joined      map[string]string // conversation id → peer id
	closeReason string

	// leaseMu orders presence lease writes against Disconnect: once the
	// client is closed under it, no lease is extended again.
	leaseMu sync.Mutex
}

func newClient(id, userID string, conn net.Conn) *Client {
	return &Client{
		id:            id,
		userID:        userID,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
		subscriptions: NewSubscriptionSet(),
		joined:        make(map[string]string),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// enqueue queues a frame without blocking. It reports false when the
// buffer is full or the connection is closing.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		return false
	}
}

// close tears the connection down once. The write pump exits on done.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// closeWith records why the server is closing the connection, then closes it.
func (c *Client) closeWith(reason string) {
	c.mu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.close()
}

func (c *Client) serverCloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) markJoined(conversationID, peerID string) {
	c.mu.Lock()
	c.joined[conversationID] = peerID
	c.mu.Unlock()
}

// markLeft forgets a joined conversation and returns its peer.
func (c *Client) markLeft(conversationID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.joined[conversationID]
	delete(c.joined, conversationID)
	return peer, ok
}

func (c *Client) isJoined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[conversationID]
	return ok
}

// joinedConversations returns a copy of the joined set.
func (c *Client) joinedConversations() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.joined))
	for conv, peer := range c.joined {
		out[conv] = peer
	}
	return out
}

// SubscriptionSet is the per-connection view of its bus channels.
type SubscriptionSet struct {
	channels map[string]struct{}
	mu       sync.RWMutex
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[string]struct{})}
}

func (s *SubscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = struct{}{}
}

func (s *SubscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *SubscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns a copy of the subscribed channels.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// SubscriptionIndex maps a channel to its local subscribers.
//
// Writers copy the subscriber slice and swap it in; Get is a lock-free load
// of an immutable snapshot, so fan-out never contends with joins and leaves.
type SubscriptionIndex struct {
	subscribers map[string]*atomic.Value // channel → []*Client
	mu          sync.RWMutex
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{subscribers: make(map[string]*atomic.Value)}
}

func (idx *SubscriptionIndex) Add(channel string, client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.subscribers[channel]
	if val == nil {
		val = &atomic.Value{}
		idx.subscribers[channel] = val
	}

	var current []*Client
	if v := val.Load(); v != nil {
		current = v.([]*Client)
	}
	for _, existing := range current {
		if existing == client {
			return
		}
	}

	next := make([]*Client, len(current)+1)
	copy(next, current)
	next[len(current)] = client
	val.Store(next)
}

func (idx *SubscriptionIndex) Remove(channel string, client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(channel, client)
}

// RemoveClient drops client from every channel in channels.
func (idx *SubscriptionIndex) RemoveClient(channels []string, client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, ch := range channels {
		idx.removeLocked(ch, client)
	}
}

func (idx *SubscriptionIndex) removeLocked(channel string, client *Client) {
	val, ok := idx.subscribers[channel]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]*Client)

	for i, existing := range current {
		if existing != client {
			continue
		}
		if len(current) == 1 {
			delete(idx.subscribers, channel)
			return
		}
		next := make([]*Client, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		val.Store(next)
		return
	}
}

// Get returns an immutable snapshot. Callers must not modify it.
func (idx *SubscriptionIndex) Get(channel string) []*Client {
	idx.mu.RLock()
	val, ok := idx.subscribers[channel]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*Client)
}

func (idx *SubscriptionIndex) Count(channel string) int {
	return len(idx.Get(channel))
}
