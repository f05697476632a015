// Package queue is a small durable job queue with per-queue timeouts,
// fixed retry backoff and a failed-job registry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("queue: job not found")

// State of a job.
const (
	StatePending   = "pending"
	StateScheduled = "scheduled"
	StateStarted   = "started"
	StateFailed    = "failed"
	StateFinished  = "finished"
)

type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	State      string          `json:"state"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Options configure one named queue. Retries counts re-runs after the first
// attempt; retry n waits Backoff[n-1], reusing the last entry when the
// schedule is shorter than Retries.
type Options struct {
	Name    string
	Timeout time.Duration
	Retries int
	Backoff []time.Duration
}

const (
	Messages      = "messages"
	Notifications = "notifications"
)

var (
	MessagesOptions = Options{
		Name:    Messages,
		Timeout: 30 * time.Second,
		Retries: 3,
		Backoff: []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
	}
	NotificationsOptions = Options{
		Name:    Notifications,
		Timeout: 15 * time.Second,
		Retries: 2,
		Backoff: []time.Duration{5 * time.Second, 15 * time.Second},
	}
)

// retryDelay reports whether a job that has run attempts times may run
// again and after how long.
func (o Options) retryDelay(attempts int) (time.Duration, bool) {
	if attempts > o.Retries {
		return 0, false
	}
	if len(o.Backoff) == 0 {
		return 0, true
	}
	i := attempts - 1
	if i >= len(o.Backoff) {
		i = len(o.Backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return o.Backoff[i], true
}

type Stats struct {
	Name      string `json:"name"`
	Pending   int64  `json:"pending"`
	Scheduled int64  `json:"scheduled"`
	Started   int64  `json:"started"`
	Failed    int64  `json:"failed"`
	Finished  int64  `json:"finished"`
}

type Queue interface {
	Name() string
	Enqueue(ctx context.Context, payload any) (string, error)
	// Dequeue waits up to wait for a job. It returns nil, nil when none
	// became available. Jobs not acked or failed within the queue timeout
	// are treated as failed and retried.
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Fail records cause and either schedules a retry or moves the job to
	// the failed registry. It reports whether a retry was scheduled.
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	// Job returns a job in any state. Finished jobs stay visible for
	// finishedJobTTL after their ack.
	Job(ctx context.Context, id string) (*Job, error)
	// Failed lists the most recently failed jobs first.
	Failed(ctx context.Context, limit int) ([]*Job, error)
	// Requeue moves a failed job back to pending with a fresh retry budget.
	Requeue(ctx context.Context, id string) error
}

const pollInterval = 100 * time.Millisecond

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
