package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/queue"
)

// Handler processes one job. Returning an error fails the attempt.
type Handler func(ctx context.Context, job *queue.Job) error

// Lane binds a queue to its handler and worker count.
type Lane struct {
	Queue   queue.Queue
	Handler Handler
	Workers int
	Timeout time.Duration // per job; defaults to one minute
}

// Runner is a fixed pool of queue consumers. Each lane gets its own
// workers so a slow push provider cannot starve message delivery.
//
// Workers recover from handler panics; the job is failed and the worker
// keeps running.
type Runner struct {
	lanes      []Lane
	pollWait   time.Duration
	depthEvery time.Duration
	logger     zerolog.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func NewRunner(logger zerolog.Logger, lanes ...Lane) *Runner {
	return &Runner{
		lanes:      lanes,
		pollWait:   time.Second,
		depthEvery: 15 * time.Second,
		logger:     logger.With().Str("component", "delivery_runner").Logger(),
	}
}

// Start launches every worker. Workers exit when ctx is cancelled or Stop
// is called.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, lane := range r.lanes {
		workers := lane.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, lane, i)
		}
		r.logger.Info().Str("queue", lane.Queue.Name()).Int("workers", workers).Msg("Queue workers started")
	}

	r.wg.Add(1)
	go r.reportDepth(ctx)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.logger.Info().Msg("Queue workers stopped")
	})
}

func (r *Runner) worker(ctx context.Context, lane Lane, n int) {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "queue_worker", map[string]any{
		"queue":  lane.Queue.Name(),
		"worker": n,
	})

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := lane.Queue.Dequeue(ctx, r.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Str("queue", lane.Queue.Name()).Msg("Dequeue failed")
			select {
			case <-time.After(r.pollWait):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		r.process(ctx, lane, job)
	}
}

// process runs one job. Ack and fail use a fresh context so a shutdown in
// the middle of a job still records its outcome.
func (r *Runner) process(ctx context.Context, lane Lane, job *queue.Job) {
	timeout := lane.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := runSafely(jobCtx, lane.Handler, job)

	bookCtx, bookCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bookCancel()

	name := lane.Queue.Name()
	if err == nil {
		monitoring.RecordJob(name, "success", time.Since(start))
		if ackErr := lane.Queue.Ack(bookCtx, job); ackErr != nil {
			r.logger.Warn().Err(ackErr).Str("job_id", job.ID).Msg("Ack failed")
		}
		return
	}

	retrying, failErr := lane.Queue.Fail(bookCtx, job, err)
	outcome := "failed"
	if retrying {
		outcome = "retry"
	}
	monitoring.RecordJob(name, outcome, time.Since(start))
	if failErr != nil {
		r.logger.Warn().Err(failErr).Str("job_id", job.ID).Msg("Recording job failure failed")
	}
	r.logger.Warn().
		Err(err).
		Str("queue", name).
		Str("job_id", job.ID).
		Int("attempt", job.Attempts).
		Bool("retrying", retrying).
		Msg("Job failed")
}

func runSafely(ctx context.Context, h Handler, job *queue.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			monitoring.RecordError("panic")
			err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func (r *Runner) reportDepth(ctx context.Context) {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "queue_depth_reporter", nil)

	ticker := time.NewTicker(r.depthEvery)
	defer ticker.Stop()

	for {
		for _, lane := range r.lanes {
			stats, err := lane.Queue.Stats(ctx)
			if err != nil {
				continue
			}
			monitoring.SetQueueDepth(stats.Name, queue.StatePending, stats.Pending)
			monitoring.SetQueueDepth(stats.Name, queue.StateScheduled, stats.Scheduled)
			monitoring.SetQueueDepth(stats.Name, queue.StateStarted, stats.Started)
			monitoring.SetQueueDepth(stats.Name, queue.StateFailed, stats.Failed)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
