package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type payload struct {
	MessageID string `json:"messageId"`
}

type fixture struct {
	name  string
	q     Queue
	clock *fakeClock
	// expire lets the backing store drop keys whose TTL elapsed
	expire func(d time.Duration)
}

func fixtures(t *testing.T, opts Options) []fixture {
	mc := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	mem := NewMemory(opts)
	mem.now = mc.now

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	red := NewRedis(rdb, opts, zerolog.Nop())
	red.now = rc.now

	return []fixture{
		{name: "memory", q: mem, clock: mc, expire: func(time.Duration) {}},
		{name: "redis", q: red, clock: rc, expire: mr.FastForward},
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempts int
		delay    time.Duration
		ok       bool
	}{
		{1, 10 * time.Second, true},
		{2, 30 * time.Second, true},
		{3, 60 * time.Second, true},
		{4, 0, false},
	}
	for _, tc := range cases {
		d, ok := MessagesOptions.retryDelay(tc.attempts)
		assert.Equal(t, tc.ok, ok, "attempt %d", tc.attempts)
		assert.Equal(t, tc.delay, d, "attempt %d", tc.attempts)
	}

	d, ok := NotificationsOptions.retryDelay(2)
	assert.True(t, ok)
	assert.Equal(t, 15*time.Second, d)
	_, ok = NotificationsOptions.retryDelay(3)
	assert.False(t, ok)

	short := Options{Retries: 3, Backoff: []time.Duration{time.Second}}
	d, ok = short.retryDelay(3)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			assert.Equal(t, Messages, f.q.Name())

			empty, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			assert.Nil(t, empty)

			id1, err := f.q.Enqueue(ctx, payload{MessageID: "m1"})
			require.NoError(t, err)
			_, err = f.q.Enqueue(ctx, payload{MessageID: "m2"})
			require.NoError(t, err)

			job, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, id1, job.ID, "FIFO")
			assert.Equal(t, 1, job.Attempts)
			assert.Equal(t, StateStarted, job.State)

			var p payload
			require.NoError(t, job.Decode(&p))
			assert.Equal(t, "m1", p.MessageID)

			stats, err := f.q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Name: Messages, Pending: 1, Started: 1}, stats)

			require.NoError(t, f.q.Ack(ctx, job))
			assert.ErrorIs(t, f.q.Ack(ctx, job), ErrNotFound)

			stats, _ = f.q.Stats(ctx)
			assert.Equal(t, int64(1), stats.Finished)
			assert.Equal(t, int64(0), stats.Started)
		})
	}
}

func TestQueue_FinishedJobVisibleUntilTTL(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			id, err := f.q.Enqueue(ctx, payload{MessageID: "m1"})
			require.NoError(t, err)
			job, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, job)
			require.NoError(t, f.q.Ack(ctx, job))

			got, err := f.q.Job(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StateFinished, got.State)
			require.NotNil(t, got.EndedAt)

			f.clock.advance(finishedJobTTL + time.Second)
			f.expire(finishedJobTTL + time.Second)
			_, err = f.q.Job(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestQueue_RetryScheduleThenFailed(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			id, err := f.q.Enqueue(ctx, payload{MessageID: "m1"})
			require.NoError(t, err)

			for attempt, backoff := range MessagesOptions.Backoff {
				job, err := f.q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, job, "attempt %d", attempt+1)
				assert.Equal(t, attempt+1, job.Attempts)

				retrying, err := f.q.Fail(ctx, job, errors.New("bus down"))
				require.NoError(t, err)
				assert.True(t, retrying)

				// not due yet
				f.clock.advance(backoff - time.Second)
				early, err := f.q.Dequeue(ctx, 0)
				require.NoError(t, err)
				assert.Nil(t, early)

				f.clock.advance(time.Second)
			}

			job, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, 4, job.Attempts)

			retrying, err := f.q.Fail(ctx, job, errors.New("still down"))
			require.NoError(t, err)
			assert.False(t, retrying)

			stats, _ := f.q.Stats(ctx)
			assert.Equal(t, int64(1), stats.Failed)
			assert.Equal(t, int64(0), stats.Scheduled)

			failed, err := f.q.Failed(ctx, 10)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, id, failed[0].ID)
			assert.Equal(t, StateFailed, failed[0].State)
			assert.Equal(t, "still down", failed[0].LastError)

			stored, err := f.q.Job(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, stored.State)

			// requeue restores a fresh retry budget
			require.NoError(t, f.q.Requeue(ctx, id))
			assert.ErrorIs(t, f.q.Requeue(ctx, id), ErrNotFound)
			job, err = f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, 1, job.Attempts)
		})
	}
}

func TestQueue_TimedOutJobIsReaped(t *testing.T) {
	for _, f := range fixtures(t, NotificationsOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, err := f.q.Enqueue(ctx, payload{MessageID: "m1"})
			require.NoError(t, err)

			job, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, job)

			// The worker dies without acking.
			f.clock.advance(NotificationsOptions.Timeout + time.Second)
			none, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			assert.Nil(t, none, "reaped job waits for its backoff")

			stats, _ := f.q.Stats(ctx)
			assert.Equal(t, int64(1), stats.Scheduled)
			assert.Equal(t, int64(0), stats.Started)

			f.clock.advance(NotificationsOptions.Backoff[0])
			again, err := f.q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, again)
			assert.Equal(t, job.ID, again.ID)
			assert.Equal(t, 2, again.Attempts)
			assert.Equal(t, "job timed out", again.LastError)
		})
	}
}

func TestQueue_DequeueWaitsForEnqueue(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			go func() {
				time.Sleep(30 * time.Millisecond)
				_, _ = f.q.Enqueue(ctx, payload{MessageID: "late"})
			}()

			job, err := f.q.Dequeue(ctx, 2*time.Second)
			require.NoError(t, err)
			require.NotNil(t, job)
		})
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := f.q.Dequeue(ctx, time.Minute)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestQueue_UnknownJob(t *testing.T) {
	for _, f := range fixtures(t, MessagesOptions) {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.q.Job(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = f.q.Fail(context.Background(), &Job{ID: "missing"}, errors.New("x"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
