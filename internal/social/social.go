// Package social answers the match and block questions the chat core asks
// before letting two users talk.
package social

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/parkdog_dm/internal/store"
)

var ErrSelfBlock = errors.New("social: a user cannot block themselves")

// Checker is the match/block collaborator.
type Checker interface {
	IsMutualMatch(ctx context.Context, a, b string) (bool, error)
	// IsBlocked is true when a block exists in either direction.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Memory keeps matches and blocks in maps. Used in development mode and tests.
type Memory struct {
	mu      sync.RWMutex
	matches map[[2]string]struct{}
	blocks  map[[2]string]store.Block // blocker, blocked
}

func NewMemory() *Memory {
	return &Memory{
		matches: make(map[[2]string]struct{}),
		blocks:  make(map[[2]string]store.Block),
	}
}

// Match records a mutual match between a and b.
func (m *Memory) Match(a, b string) {
	u1, u2 := store.CanonicalPair(a, b)
	m.mu.Lock()
	m.matches[[2]string{u1, u2}] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) Unmatch(a, b string) {
	u1, u2 := store.CanonicalPair(a, b)
	m.mu.Lock()
	delete(m.matches, [2]string{u1, u2})
	m.mu.Unlock()
}

func (m *Memory) Block(blocker, blocked, reason string) error {
	if blocker == blocked {
		return ErrSelfBlock
	}
	m.mu.Lock()
	m.blocks[[2]string{blocker, blocked}] = store.Block{
		BlockerID: blocker,
		BlockedID: blocked,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Unblock(blocker, blocked string) {
	m.mu.Lock()
	delete(m.blocks, [2]string{blocker, blocked})
	m.mu.Unlock()
}

func (m *Memory) IsMutualMatch(_ context.Context, a, b string) (bool, error) {
	u1, u2 := store.CanonicalPair(a, b)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.matches[[2]string{u1, u2}]
	return ok, nil
}

func (m *Memory) IsBlocked(_ context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ab := m.blocks[[2]string{a, b}]
	_, ba := m.blocks[[2]string{b, a}]
	return ab || ba, nil
}
