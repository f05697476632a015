package auth

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RevocationList answers whether a token id was revoked. Lookups that fail
// report "not revoked" so an outage of the list never locks users out.
type RevocationList interface {
	IsRevoked(ctx context.Context, jti string) bool
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisRevocations struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRedisRevocations(rdb *redis.Client, logger zerolog.Logger) *RedisRevocations {
	return &RedisRevocations{rdb: rdb, logger: logger.With().Str("component", "revocations").Logger()}
}

func revokedKey(jti string) string { return "revoked:jti:" + jti }

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) bool {
	n, err := r.rdb.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		r.logger.Warn().Err(err).Str("jti", jti).Msg("Revocation lookup failed, accepting token")
		return false
	}
	return n > 0
}

// Revoke keeps the entry for ttl, which should cover the token's remaining life.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return r.rdb.Set(ctx, revokedKey(jti), 1, ttl).Err()
}

type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[jti]
	if ok && !exp.After(m.now()) {
		delete(m.entries, jti)
		return false
	}
	return ok
}

func (m *MemoryRevocations) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[jti] = m.now().Add(ttl)
	return nil
}
