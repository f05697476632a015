package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local queue for development and tests.
type Memory struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	pending   []string
	scheduled map[string]time.Time // id → run at
	started   map[string]time.Time // id → deadline
	failed    map[string]time.Time // id → failed at
	done      map[string]time.Time // id → forget at
	finished  int64
	signal    chan struct{}
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:      opts,
		now:       time.Now,
		jobs:      make(map[string]*Job),
		scheduled: make(map[string]time.Time),
		started:   make(map[string]time.Time),
		failed:    make(map[string]time.Time),
		done:      make(map[string]time.Time),
		signal:    make(chan struct{}, 1),
	}
}

func (m *Memory) Name() string { return m.opts.Name }

func (m *Memory) Enqueue(_ context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      m.opts.Name,
		Payload:    raw,
		State:      StatePending,
		EnqueuedAt: m.now(),
	}
	m.jobs[job.ID] = job
	m.pending = append(m.pending, job.ID)
	m.mu.Unlock()

	m.wake()
	return job.ID, nil
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if job := m.tryDequeue(); job != nil {
			return job, nil
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
		case <-m.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) tryDequeue() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.promoteLocked(now)
	m.reapLocked(now)
	m.forgetLocked(now)

	if len(m.pending) == 0 {
		return nil
	}
	id := m.pending[0]
	m.pending = m.pending[1:]

	job := m.jobs[id]
	job.State = StateStarted
	job.Attempts++
	job.StartedAt = &now
	m.started[id] = now.Add(m.opts.Timeout)

	cp := *job
	return &cp
}

func (m *Memory) promoteLocked(now time.Time) {
	var due []string
	for id, at := range m.scheduled {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return m.scheduled[due[i]].Before(m.scheduled[due[j]]) })
	for _, id := range due {
		delete(m.scheduled, id)
		m.jobs[id].State = StatePending
		m.pending = append(m.pending, id)
	}
}

// forgetLocked drops finished jobs once they outlive finishedJobTTL.
func (m *Memory) forgetLocked(now time.Time) {
	for id, at := range m.done {
		if at.After(now) {
			continue
		}
		delete(m.done, id)
		delete(m.jobs, id)
	}
}

// reapLocked fails jobs whose worker exceeded the queue timeout.
func (m *Memory) reapLocked(now time.Time) {
	for id, deadline := range m.started {
		if deadline.After(now) {
			continue
		}
		delete(m.started, id)
		m.failLocked(m.jobs[id], errors.New("job timed out"), now)
	}
}

func (m *Memory) Ack(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.started[job.ID]; !ok {
		return ErrNotFound
	}
	delete(m.started, job.ID)
	now := m.now()
	stored := m.jobs[job.ID]
	stored.State = StateFinished
	stored.EndedAt = &now
	m.done[job.ID] = now.Add(finishedJobTTL)
	m.finished++
	return nil
}

func (m *Memory) Fail(_ context.Context, job *Job, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.started[job.ID]; !ok {
		return false, ErrNotFound
	}
	delete(m.started, job.ID)
	retrying := m.failLocked(m.jobs[job.ID], cause, m.now())
	if retrying {
		m.wake()
	}
	return retrying, nil
}

func (m *Memory) failLocked(job *Job, cause error, now time.Time) bool {
	job.LastError = errString(cause)
	if delay, ok := m.opts.retryDelay(job.Attempts); ok {
		job.State = StateScheduled
		m.scheduled[job.ID] = now.Add(delay)
		return true
	}
	job.State = StateFailed
	job.EndedAt = &now
	m.failed[job.ID] = now
	return false
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Name:      m.opts.Name,
		Pending:   int64(len(m.pending)),
		Scheduled: int64(len(m.scheduled)),
		Started:   int64(len(m.started)),
		Failed:    int64(len(m.failed)),
		Finished:  m.finished,
	}, nil
}

func (m *Memory) Job(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(m.now())
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) Failed(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.failed))
	for id := range m.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.failed[ids[i]].After(m.failed[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		cp := *m.jobs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Requeue(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.failed[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.failed, id)
	job := m.jobs[id]
	job.State = StatePending
	job.Attempts = 0
	job.EndedAt = nil
	m.pending = append(m.pending, id)
	m.mu.Unlock()

	m.wake()
	return nil
}

var _ Queue = (*Memory)(nil)
