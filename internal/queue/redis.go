package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Redis is the shared queue used by realtime processes and workers.
//
// Layout per queue name:
//
//	queue:{name}:pending    LIST of job ids, LPUSH in / RPOP out
//	queue:{name}:scheduled  ZSET id → run at (unix ms)
//	queue:{name}:started    ZSET id → timeout deadline (unix ms)
//	queue:{name}:failed     ZSET id → failed at (unix ms)
//	queue:{name}:finished   counter
//	queue:job:{id}          job JSON
type Redis struct {
	rdb    *redis.Client
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

const finishedJobTTL = 10 * time.Minute

// pop moves the oldest pending id into the started set atomically, so a
// worker crash between the two steps cannot lose the job.
var popScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

func NewRedis(rdb *redis.Client, opts Options, logger zerolog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With().Str("component", "queue").Str("queue", opts.Name).Logger(),
		now:    time.Now,
	}
}

func (r *Redis) Name() string { return r.opts.Name }

func (r *Redis) key(part string) string { return "queue:" + r.opts.Name + ":" + part }

func jobKey(id string) string { return "queue:job:" + id }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func msString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (r *Redis) Enqueue(ctx context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      r.opts.Name,
		Payload:    raw,
		State:      StatePending,
		EnqueuedAt: r.now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		pipe.LPush(ctx, r.key("pending"), job.ID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Redis) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		job, err := r.tryDequeue(ctx)
		if err != nil || job != nil {
			return job, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) tryDequeue(ctx context.Context) (*Job, error) {
	now := r.now()
	if err := r.promote(ctx, now); err != nil {
		return nil, err
	}
	if err := r.reap(ctx, now); err != nil {
		return nil, err
	}

	id, err := popScript.Run(ctx, r.rdb,
		[]string{r.key("pending"), r.key("started")},
		msString(now.Add(r.opts.Timeout)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := r.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Orphaned id without a body; drop it.
		r.rdb.ZRem(ctx, r.key("started"), id)
		r.logger.Warn().Str("job_id", id).Msg("Dropping job without body")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = StateStarted
	job.Attempts++
	job.StartedAt = &now
	if err := r.save(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// promote moves due scheduled jobs back to pending. ZREM decides which
// caller wins when several workers promote concurrently.
func (r *Redis) promote(ctx context.Context, now time.Time) error {
	due, err := r.rdb.ZRangeByScore(ctx, r.key("scheduled"), &redis.ZRangeBy{Min: "-inf", Max: msString(now)}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		n, err := r.rdb.ZRem(ctx, r.key("scheduled"), id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if job, err := r.load(ctx, id); err == nil {
			job.State = StatePending
			_ = r.save(ctx, job, 0)
		}
		if err := r.rdb.LPush(ctx, r.key("pending"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reap fails started jobs whose deadline passed, e.g. because the worker
// holding them died.
func (r *Redis) reap(ctx context.Context, now time.Time) error {
	expired, err := r.rdb.ZRangeByScore(ctx, r.key("started"), &redis.ZRangeBy{Min: "-inf", Max: msString(now)}).Result()
	if err != nil {
		return err
	}
	for _, id := range expired {
		n, err := r.rdb.ZRem(ctx, r.key("started"), id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		job, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		r.logger.Warn().Str("job_id", id).Int("attempts", job.Attempts).Msg("Job timed out, reaping")
		if _, err := r.failStored(ctx, job, errors.New("job timed out"), now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	n, err := r.rdb.ZRem(ctx, r.key("started"), job.ID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	now := r.now()
	job.State = StateFinished
	job.EndedAt = &now
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, finishedJobTTL)
		pipe.Incr(ctx, r.key("finished"))
		return nil
	})
	return err
}

func (r *Redis) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	n, err := r.rdb.ZRem(ctx, r.key("started"), job.ID).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return r.failStored(ctx, job, cause, r.now())
}

func (r *Redis) failStored(ctx context.Context, job *Job, cause error, now time.Time) (bool, error) {
	job.LastError = errString(cause)

	delay, retry := r.opts.retryDelay(job.Attempts)
	if retry {
		job.State = StateScheduled
	} else {
		job.State = StateFailed
		job.EndedAt = &now
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		if retry {
			pipe.ZAdd(ctx, r.key("scheduled"), &redis.Z{Score: ms(now.Add(delay)), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, r.key("failed"), &redis.Z{Score: ms(now), Member: job.ID})
		}
		return nil
	})
	return retry, err
}

func (r *Redis) load(ctx context.Context, id string) (*Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Redis) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err()
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, scheduled, started, failed *redis.IntCmd
		finished                            *redis.StringCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, r.key("pending"))
		scheduled = pipe.ZCard(ctx, r.key("scheduled"))
		started = pipe.ZCard(ctx, r.key("started"))
		failed = pipe.ZCard(ctx, r.key("failed"))
		finished = pipe.Get(ctx, r.key("finished"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	fin, _ := finished.Int64()
	return Stats{
		Name:      r.opts.Name,
		Pending:   pending.Val(),
		Scheduled: scheduled.Val(),
		Started:   started.Val(),
		Failed:    failed.Val(),
		Finished:  fin,
	}, nil
}

func (r *Redis) Job(ctx context.Context, id string) (*Job, error) {
	return r.load(ctx, id)
}

func (r *Redis) Failed(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.rdb.ZRevRange(ctx, r.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *Redis) Requeue(ctx context.Context, id string) error {
	n, err := r.rdb.ZRem(ctx, r.key("failed"), id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	job, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	job.State = StatePending
	job.Attempts = 0
	job.EndedAt = nil
	if err := r.save(ctx, job, 0); err != nil {
		return err
	}
	return r.rdb.LPush(ctx, r.key("pending"), id).Err()
}

var _ Queue = (*Redis)(nil)
