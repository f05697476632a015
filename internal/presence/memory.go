package presence

import (
	"context"
	"sync"
	"time"
)

type binding struct {
	userID  string
	expires time.Time
}

type viewKey struct {
	userID         string
	conversationID string
}

// Memory is a single-process Registry.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	conns    map[string]map[string]time.Time // user → conn → lease expiry
	lastSeen map[string]time.Time
	bindings map[string]binding
	viewing  map[viewKey]map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		conns:    make(map[string]map[string]time.Time),
		lastSeen: make(map[string]time.Time),
		bindings: make(map[string]binding),
		viewing:  make(map[viewKey]map[string]time.Time),
	}
}

func (m *Memory) SetOnline(_ context.Context, userID, connID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	leases := m.conns[userID]
	if leases == nil {
		leases = make(map[string]time.Time)
		m.conns[userID] = leases
	}
	leases[connID] = now.Add(ttl)
	m.lastSeen[userID] = now
	return nil
}

func (m *Memory) Touch(ctx context.Context, userID, connID string, ttl time.Duration) error {
	if err := m.SetOnline(ctx, userID, connID, ttl); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[connID]; ok {
		b.expires = m.now().Add(ttl)
		m.bindings[connID] = b
	}
	return nil
}

func (m *Memory) Disconnect(_ context.Context, userID, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastSeen[userID] = now
	leases := m.conns[userID]
	delete(leases, connID)
	return m.liveLocked(userID, now), nil
}

func (m *Memory) SetOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, userID)
	m.lastSeen[userID] = m.now()
	return nil
}

func (m *Memory) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(userID, m.now()), nil
}

// liveLocked prunes expired leases and reports whether any remain.
func (m *Memory) liveLocked(userID string, now time.Time) bool {
	leases := m.conns[userID]
	for conn, expires := range leases {
		if !expires.After(now) {
			delete(leases, conn)
		}
	}
	if len(leases) == 0 {
		delete(m.conns, userID)
		return false
	}
	return true
}

func (m *Memory) LastSeen(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen[userID], nil
}

func (m *Memory) Bind(_ context.Context, connID, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[connID] = binding{userID: userID, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Resolve(_ context.Context, connID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[connID]
	if !ok || !b.expires.After(m.now()) {
		delete(m.bindings, connID)
		return "", ErrUnknownConnection
	}
	return b.userID, nil
}

func (m *Memory) Unbind(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, connID)
	return nil
}

func (m *Memory) SetViewing(_ context.Context, userID, conversationID, connID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := viewKey{userID, conversationID}
	conns := m.viewing[key]
	if conns == nil {
		conns = make(map[string]time.Time)
		m.viewing[key] = conns
	}
	conns[connID] = m.now().Add(ttl)
	return nil
}

func (m *Memory) ClearViewing(_ context.Context, userID, conversationID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := viewKey{userID, conversationID}
	delete(m.viewing[key], connID)
	if len(m.viewing[key]) == 0 {
		delete(m.viewing, key)
	}
	return nil
}

func (m *Memory) IsViewing(_ context.Context, userID, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, expires := range m.viewing[viewKey{userID, conversationID}] {
		if expires.After(now) {
			return true, nil
		}
	}
	return false, nil
}

var _ Registry = (*Memory)(nil)
