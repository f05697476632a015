package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const lastSeenTTL = 7 * 24 * time.Hour

// Redis keeps presence in a shared Redis so every realtime process and the
// delivery workers see the same state.
//
// Layout:
//
//	presence:user:{userID}         ZSET connID → lease expiry (unix ms)
//	presence:seen:{userID}         last activity (unix ms)
//	socket:conn:{connID}           userID
//	viewing:{userID}:{convID}      ZSET connID → lease expiry (unix ms)
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func userKey(userID string) string { return "presence:user:" + userID }
func seenKey(userID string) string { return "presence:seen:" + userID }
func connKey(connID string) string { return "socket:conn:" + connID }
func viewingKey(userID, conversationID string) string {
	return "viewing:" + userID + ":" + conversationID
}

func msString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// exclusive lower bound for "lease still valid" range queries
func liveMin(t time.Time) string { return "(" + msString(t) }

func (r *Redis) SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error {
	now := r.now()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, userKey(userID), &redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: connID})
		pipe.PExpire(ctx, userKey(userID), ttl)
		pipe.Set(ctx, seenKey(userID), now.UnixMilli(), lastSeenTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence set online: %w", err)
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, userID, connID string, ttl time.Duration) error {
	now := r.now()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, userKey(userID), &redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: connID})
		pipe.PExpire(ctx, userKey(userID), ttl)
		pipe.PExpire(ctx, connKey(connID), ttl)
		pipe.Set(ctx, seenKey(userID), now.UnixMilli(), lastSeenTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

func (r *Redis) Disconnect(ctx context.Context, userID, connID string) (bool, error) {
	now := r.now()
	var remaining *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, userKey(userID), connID)
		pipe.ZRemRangeByScore(ctx, userKey(userID), "-inf", msString(now))
		remaining = pipe.ZCard(ctx, userKey(userID))
		pipe.Set(ctx, seenKey(userID), now.UnixMilli(), lastSeenTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return remaining.Val() > 0, nil
}

func (r *Redis) SetOffline(ctx context.Context, userID string) error {
	now := r.now()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, userKey(userID))
		pipe.Set(ctx, seenKey(userID), now.UnixMilli(), lastSeenTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence set offline: %w", err)
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.rdb.ZCount(ctx, userKey(userID), liveMin(r.now()), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("presence is online: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	ms, err := r.rdb.Get(ctx, seenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("presence last seen: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (r *Redis) Bind(ctx context.Context, connID, userID string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, connKey(connID), userID, ttl).Err(); err != nil {
		return fmt.Errorf("presence bind: %w", err)
	}
	return nil
}

func (r *Redis) Resolve(ctx context.Context, connID string) (string, error) {
	userID, err := r.rdb.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownConnection
	}
	if err != nil {
		return "", fmt.Errorf("presence resolve: %w", err)
	}
	return userID, nil
}

func (r *Redis) Unbind(ctx context.Context, connID string) error {
	if err := r.rdb.Del(ctx, connKey(connID)).Err(); err != nil {
		return fmt.Errorf("presence unbind: %w", err)
	}
	return nil
}

func (r *Redis) SetViewing(ctx context.Context, userID, conversationID, connID string, ttl time.Duration) error {
	key := viewingKey(userID, conversationID)
	expires := float64(r.now().Add(ttl).UnixMilli())
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: expires, Member: connID})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence set viewing: %w", err)
	}
	return nil
}

func (r *Redis) ClearViewing(ctx context.Context, userID, conversationID, connID string) error {
	if err := r.rdb.ZRem(ctx, viewingKey(userID, conversationID), connID).Err(); err != nil {
		return fmt.Errorf("presence clear viewing: %w", err)
	}
	return nil
}

func (r *Redis) IsViewing(ctx context.Context, userID, conversationID string) (bool, error) {
	n, err := r.rdb.ZCount(ctx, viewingKey(userID, conversationID), liveMin(r.now()), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("presence is viewing: %w", err)
	}
	return n > 0, nil
}

var _ Registry = (*Redis)(nil)
