package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy"

func newManager(now time.Time) *JWTManager {
	m := NewJWTManager(Config{Secret: testSecret})
	m.now = func() time.Time { return now }
	return m
}

func TestRealtimeRoundTrip(t *testing.T) {
	now := time.Now()
	m := newManager(now)

	token, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)

	claims, err := m.VerifyRealtime(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, TokenTypeRealtime, claims.Type)
	assert.NotEmpty(t, claims.ID)
}

func TestAudiencesAreDistinct(t *testing.T) {
	m := newManager(time.Now())
	ctx := context.Background()

	api, err := m.GenerateAPI("user-1")
	require.NoError(t, err)
	_, err = m.VerifyRealtime(ctx, api)
	assert.ErrorIs(t, err, ErrInvalidToken)

	rt, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)
	_, err = m.VerifyAPI(ctx, rt)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := m.VerifyAPI(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAccess, claims.Type)
}

func TestOperatorRole(t *testing.T) {
	m := newManager(time.Now())
	ctx := context.Background()

	plain, err := m.GenerateAPI("user-1")
	require.NoError(t, err)
	claims, err := m.VerifyAPI(ctx, plain)
	require.NoError(t, err)
	assert.False(t, claims.IsOperator())

	ops, err := m.GenerateOperator("oncall")
	require.NoError(t, err)
	claims, err = m.VerifyAPI(ctx, ops)
	require.NoError(t, err)
	assert.True(t, claims.IsOperator())
	assert.Equal(t, TokenTypeAccess, claims.Type)
}

func TestVerifyRejects(t *testing.T) {
	issued := time.Now()
	m := newManager(issued)
	token, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		late := newManager(issued.Add(16 * time.Minute))
		_, err := late.VerifyRealtime(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		early := newManager(issued.Add(-time.Minute))
		_, err := early.VerifyRealtime(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager(Config{Secret: "another-secret"})
		_, err := other.VerifyRealtime(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTManager(Config{Secret: testSecret, Issuer: "someone-else"})
		_, err := other.VerifyRealtime(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := m.VerifyRealtime(ctx, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.VerifyRealtime(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRealtimeMaxAge(t *testing.T) {
	issued := time.Now()
	m := NewJWTManager(Config{Secret: testSecret, RealtimeTTL: time.Hour, RealtimeMaxAge: 5 * time.Minute})
	m.now = func() time.Time { return issued }
	token, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(6 * time.Minute) }
	_, err = m.VerifyRealtime(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenTooOld)
}

func TestWrongTokenType(t *testing.T) {
	now := time.Now()
	claims := &Claims{
		UserID: "user-1",
		Type:   "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "parkdog-api",
			Audience:  jwt.ClaimStrings{"parkdog-client"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = newManager(now).VerifyAPI(context.Background(), token)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestRevokedTokenRefused(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	revocations := NewRedisRevocations(rdb, zerolog.Nop())

	m := NewJWTManager(Config{Secret: testSecret, Revocations: revocations})
	ctx := context.Background()

	token, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)
	claims, err := m.VerifyRealtime(ctx, token)
	require.NoError(t, err)

	require.NoError(t, revocations.Revoke(ctx, claims.ID, time.Hour))
	assert.True(t, mr.Exists("revoked:jti:"+claims.ID))

	_, err = m.VerifyRealtime(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevocationFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	m := NewJWTManager(Config{Secret: testSecret, Revocations: NewRedisRevocations(rdb, zerolog.Nop())})
	token, err := m.GenerateRealtime("user-1")
	require.NoError(t, err)

	mr.Close()
	_, err = m.VerifyRealtime(context.Background(), token)
	assert.NoError(t, err)
}

func TestMemoryRevocations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := NewMemoryRevocations()
	r.now = func() time.Time { return now }

	assert.False(t, r.IsRevoked(ctx, "jti-1"))
	require.NoError(t, r.Revoke(ctx, "jti-1", time.Minute))
	assert.True(t, r.IsRevoked(ctx, "jti-1"))

	now = now.Add(2 * time.Minute)
	assert.False(t, r.IsRevoked(ctx, "jti-1"))
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	tok, err := ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "from-query", tok)

	r.Header.Set("Authorization", "Bearer from-header")
	tok, err = ExtractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "from-header", tok)

	r.Header.Set("Authorization", "Basic abc")
	_, err = ExtractToken(r)
	assert.Error(t, err)

	_, err = ExtractToken(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)
	assert.Empty(t, UserIDFromContext(context.Background()))

	ctx := WithClaims(context.Background(), &Claims{UserID: "user-1"})
	claims, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", UserIDFromContext(ctx))

	_, ok = ClaimsFromContext(WithClaims(context.Background(), nil))
	assert.False(t, ok)
}
