package limits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	dev, err := Profile(ProfileDevelopment)
	require.NoError(t, err)
	assert.Equal(t, Rule{Limit: 1000, Window: time.Minute}, dev[ActionMessageSend])

	prod, err := Profile(ProfileProduction)
	require.NoError(t, err)
	assert.Equal(t, Rule{Limit: 30, Window: time.Minute}, prod[ActionMessageSend])
	assert.Equal(t, Rule{Limit: 10, Window: time.Minute}, prod[ActionConnection])
	for _, a := range Actions {
		assert.Contains(t, prod, a)
	}

	// presets must not alias each other
	prod[ActionMessageSend] = Rule{Limit: 1, Window: time.Second}
	again, _ := Profile(ProfileProduction)
	assert.Equal(t, 30, again[ActionMessageSend].Limit)

	_, err = Profile("staging")
	assert.Error(t, err)
}

func TestParseOverrides(t *testing.T) {
	rules, err := ParseOverrides("message_send=3/1m, typing_event=10/10s")
	require.NoError(t, err)
	assert.Equal(t, Rules{
		ActionMessageSend: {Limit: 3, Window: time.Minute},
		ActionTypingEvent: {Limit: 10, Window: 10 * time.Second},
	}, rules)

	empty, err := ParseOverrides("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{
		"message_send",
		"message_send=3",
		"message_send=x/1m",
		"message_send=0/1m",
		"message_send=3/forever",
		"flying=3/1m",
	} {
		_, err := ParseOverrides(bad)
		assert.Error(t, err, bad)
	}
}

func TestRulesMerge(t *testing.T) {
	rules, _ := Profile(ProfileDevelopment)
	rules.Merge(Rules{ActionMessageSend: {Limit: 3, Window: time.Minute}})
	assert.Equal(t, 3, rules[ActionMessageSend].Limit)
	assert.Equal(t, 500, rules[ActionTypingEvent].Limit)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func limiters(t *testing.T, rules Rules) map[string]struct {
	l     Limiter
	clock *fakeClock
} {
	mc := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := NewMemory(rules)
	mem.now = mc.now

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	red := NewRedis(rdb, rules, zerolog.Nop())
	red.now = rc.now

	return map[string]struct {
		l     Limiter
		clock *fakeClock
	}{
		"memory": {mem, mc},
		"redis":  {red, rc},
	}
}

func TestLimiter_ThreePerMinute(t *testing.T) {
	rules := Rules{ActionMessageSend: {Limit: 3, Window: time.Minute}}

	for name, tc := range limiters(t, rules) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				tc.clock.t = tc.clock.t.Add(time.Second)
				assert.True(t, tc.l.Allow(ctx, "alice", ActionMessageSend), "send %d", i+1)
			}
			tc.clock.t = tc.clock.t.Add(time.Second)
			assert.False(t, tc.l.Allow(ctx, "alice", ActionMessageSend))

			// rejected attempts do not extend the window
			assert.False(t, tc.l.Allow(ctx, "alice", ActionMessageSend))

			// other actors are independent
			assert.True(t, tc.l.Allow(ctx, "bob", ActionMessageSend))

			// first attempt was at +1s; at +61s it has aged out
			tc.clock.t = tc.clock.t.Add(57 * time.Second)
			assert.True(t, tc.l.Allow(ctx, "alice", ActionMessageSend))
			assert.False(t, tc.l.Allow(ctx, "alice", ActionMessageSend))
		})
	}
}

func TestLimiter_UnknownActionUnlimited(t *testing.T) {
	for name, tc := range limiters(t, Rules{}) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				require.True(t, tc.l.Allow(context.Background(), "alice", ActionTypingEvent))
			}
		})
	}
}

func TestRedis_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	l := NewRedis(rdb, Rules{ActionMessageSend: {Limit: 1, Window: time.Minute}}, zerolog.Nop())
	assert.True(t, l.Allow(context.Background(), "alice", ActionMessageSend))

	mr.Close()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(context.Background(), "alice", ActionMessageSend))
	}
}

func TestMemory_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	m := NewMemory(Rules{ActionTypingEvent: {Limit: 5, Window: time.Second}})
	m.now = clock.now

	m.Allow(context.Background(), "ghost", ActionTypingEvent)
	clock.t = clock.t.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		m.Allow(context.Background(), "busy", ActionTypingEvent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.logs, key(ActionTypingEvent, "ghost"))
}

func TestConnectionRateLimiter(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	assert.True(t, crl.CheckConnectionAllowed("10.0.0.1"))
	assert.True(t, crl.CheckConnectionAllowed("10.0.0.1"))
	assert.False(t, crl.CheckConnectionAllowed("10.0.0.1"), "per-IP burst exhausted")

	// the rejected per-IP attempt still consumed a global token
	assert.False(t, crl.CheckConnectionAllowed("10.0.0.2"), "global burst exhausted")

	stats := crl.GetStats()
	assert.Equal(t, 1, stats["tracked_ips"])
}

func TestConnectionRateLimiter_Cleanup(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{IPTTL: time.Minute, Logger: zerolog.Nop()})
	defer crl.Stop()
	crl.now = clock.now

	crl.CheckConnectionAllowed("10.0.0.1")
	clock.t = clock.t.Add(2 * time.Minute)
	crl.CheckConnectionAllowed("10.0.0.2")
	crl.cleanup()

	assert.Equal(t, 1, crl.GetStats()["tracked_ips"])
	crl.Stop() // idempotent
}
