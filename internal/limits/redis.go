package limits

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

// Redis is a sliding-window limiter shared by every process. Each actor and
// action pair is a ZSET of attempt ids scored by unix milliseconds.
type Redis struct {
	rdb    *redis.Client
	rules  Rules
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedis(rdb *redis.Client, rules Rules, logger zerolog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		rules:  rules,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, actorID string, action Action) bool {
	rule, ok := r.rules[action]
	if !ok {
		return true
	}

	k := key(action, actorID)
	now := r.now().UnixMilli()
	cutoff := now - rule.Window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, k, &redis.Z{Score: float64(now), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, rule.Window)
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("action", string(action)).Str("actor", actorID).
			Msg("Rate limit check failed, allowing")
		monitoring.RecordError("rate_limiter")
		return true
	}

	if card.Val() <= int64(rule.Limit) {
		return true
	}

	// The attempt was rejected, so it must not count against the window.
	if err := r.rdb.ZRem(ctx, k, member).Err(); err != nil {
		r.logger.Debug().Err(err).Str("key", k).Msg("Failed to remove rejected attempt")
	}
	monitoring.IncrementRateLimited(string(action))
	r.logger.Debug().Str("action", string(action)).Str("actor", actorID).
		Str("rule", rule.String()).Msg("Rate limit exceeded")
	return false
}

var _ Limiter = (*Redis)(nil)
