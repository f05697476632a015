package limits

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

const sweepEvery = 1024

// Memory is a sliding-window log limiter for a single process.
type Memory struct {
	rules Rules
	now   func() time.Time

	mu    sync.Mutex
	logs  map[string][]time.Time
	calls int
}

func NewMemory(rules Rules) *Memory {
	return &Memory{
		rules: rules,
		now:   time.Now,
		logs:  make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, actorID string, action Action) bool {
	rule, ok := m.rules[action]
	if !ok {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key(action, actorID)
	log := trim(m.logs[k], now.Add(-rule.Window))

	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweepLocked(now)
	}

	if len(log) >= rule.Limit {
		m.logs[k] = log
		monitoring.IncrementRateLimited(string(action))
		return false
	}
	m.logs[k] = append(log, now)
	return true
}

// trim drops entries at or before cutoff. Entries are in insertion order.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	return log[i:]
}

// sweepLocked forgets actors whose windows have fully elapsed.
func (m *Memory) sweepLocked(now time.Time) {
	var longest time.Duration
	for _, r := range m.rules {
		if r.Window > longest {
			longest = r.Window
		}
	}
	for k, log := range m.logs {
		if len(log) == 0 {
			delete(m.logs, k)
			continue
		}
		if !log[len(log)-1].After(now.Add(-longest)) {
			delete(m.logs, k)
		}
	}
}

var _ Limiter = (*Memory)(nil)
